package interp

import (
	"context"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/nexusrun/nexus/internal/config"
	"github.com/pkg/errors"
)

// Default wait_for bounds.
const (
	defaultWaitTimeout  = 60 * time.Second
	defaultWaitInterval = time.Second
)

// waitFor polls a probe at the configured interval until it succeeds or
// the timeout elapses. A timeout is a step failure.
func (r *StepRunner) waitFor(ctx context.Context, ep Endpoint, step *config.WaitForStep) error {
	timeout := step.Timeout.Std()
	if timeout == 0 {
		timeout = defaultWaitTimeout
	}
	interval := step.Interval.Std()
	if interval == 0 {
		interval = defaultWaitInterval
	}

	var probe func(context.Context) (bool, error)
	switch step.Type {
	case "http":
		client := retryablehttp.NewClient()
		client.RetryMax = 0
		client.Logger = nil
		client.HTTPClient.Timeout = interval * 2
		probe = func(ctx context.Context) (bool, error) {
			return httpProbe(ctx, client, step)
		}
	case "tcp":
		probe = func(ctx context.Context) (bool, error) {
			conn, err := net.DialTimeout("tcp", step.Target, interval*2)
			if err != nil {
				return false, nil
			}
			_ = conn.Close()
			return true, nil
		}
	case "command":
		probe = func(ctx context.Context) (bool, error) {
			_, code, err := ep.Exec(ctx, step.Target, ExecOpts{Timeout: timeout})
			if err != nil {
				return false, err
			}
			return code == 0, nil
		}
	default:
		return errors.Errorf("unknown wait_for type %q", step.Type)
	}

	deadline := time.Now().Add(timeout)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, err := probe(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.Errorf("wait_for %s %s: no success within %v", step.Type, step.Target, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func httpProbe(ctx context.Context, client *retryablehttp.Client, step *config.WaitForStep) (bool, error) {
	req, err := retryablehttp.NewRequest(http.MethodGet, step.Target, nil)
	if err != nil {
		return false, err
	}
	req = req.WithContext(ctx)

	resp, err := client.Do(req)
	if err != nil {
		return false, nil
	}
	defer func() { _ = resp.Body.Close() }()

	if step.ExpectedStatus != 0 {
		if resp.StatusCode != step.ExpectedStatus {
			return false, nil
		}
	} else if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, nil
	}

	if step.ExpectedBody != "" {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return false, nil
		}
		return bodyMatches(string(body), step.ExpectedBody), nil
	}
	return true, nil
}

// bodyMatches accepts either a plain substring or, when the expectation
// compiles as a regular expression, a pattern match.
func bodyMatches(body, expected string) bool {
	if strings.Contains(body, expected) {
		return true
	}
	if re, err := regexp.Compile(expected); err == nil {
		return re.MatchString(body)
	}
	return false
}
