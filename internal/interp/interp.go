// Package interp executes single steps (shell, upload, download,
// template, wait_for, resource) against an endpoint, consulting the facts
// cache for `when:` predicates and delegating resource declarations to
// the provider registry.
package interp

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/nexusrun/nexus/internal/artifact"
	"github.com/nexusrun/nexus/internal/condition"
	"github.com/nexusrun/nexus/internal/config"
	"github.com/nexusrun/nexus/internal/facts"
	"github.com/nexusrun/nexus/internal/resource"
	"github.com/nexusrun/nexus/internal/telemetry"
	"github.com/pkg/errors"
)

// StepStatus classifies one executed step.
type StepStatus string

// Step outcomes.
const (
	StatusOK      StepStatus = "ok"
	StatusFailed  StepStatus = "failed"
	StatusSkipped StepStatus = "skipped"
)

// StepResult is the per-step record aggregated into host and task results.
type StepResult struct {
	Description string
	Status      StepStatus
	// ExitCode is -1 when the step did not run a command.
	ExitCode   int
	Output     []byte
	Err        error
	Duration   time.Duration
	Changed    bool
	SkipReason string
	// Notify names a handler to run at pipeline end, set when a resource
	// or template changed something.
	Notify string
}

// StepRunner executes steps for one pipeline run.
type StepRunner struct {
	Logger     hclog.Logger
	Bus        *telemetry.Bus
	Facts      *facts.Cache
	Store      *artifact.Store
	PipelineID string
	CheckMode  bool
	// Output, when set, receives streamed command output (verbose mode).
	Output func(host, tag string, chunk []byte)
}

// RunStep executes one step on one endpoint. Failures are returned in the
// result, not as an error: the caller decides propagation per strategy.
func (r *StepRunner) RunStep(ctx context.Context, task string, ep Endpoint, step *config.Step) StepResult {
	start := time.Now()
	host := ep.Host()
	description := step.Describe()

	finish := func(res StepResult) StepResult {
		res.Description = description
		res.Duration = time.Since(start)
		r.emit("command.stop", map[string]interface{}{
			"task":      task,
			"host":      host,
			"command":   description,
			"output":    string(res.Output),
			"exit_code": res.ExitCode,
			"error":     errString(res.Err),
		})
		return res
	}

	r.emit("command.start", map[string]interface{}{
		"task":    task,
		"host":    host,
		"command": description,
	})

	if step.When != nil {
		hostFacts, err := r.FactsFor(ctx, ep)
		if err != nil {
			return finish(StepResult{Status: StatusFailed, ExitCode: -1, Err: errors.Wrap(err, "gathering facts")})
		}
		ok, err := condition.EvalBool(step.When, condition.Context{HostID: host, Facts: hostFacts.Map()})
		if err != nil {
			// a broken predicate skips the step with a warning, it does
			// not fail the task
			r.Logger.Warn("when: predicate failed to evaluate", "task", task, "host", host, "err", err)
			return finish(StepResult{Status: StatusSkipped, ExitCode: -1, SkipReason: "when: evaluation error: " + err.Error()})
		}
		if !ok {
			return finish(StepResult{Status: StatusSkipped, ExitCode: -1, SkipReason: "when: condition false"})
		}
	}

	if r.CheckMode && step.Kind != config.StepResource {
		return finish(StepResult{Status: StatusSkipped, ExitCode: -1, SkipReason: "check mode"})
	}

	switch step.Kind {
	case config.StepShell:
		return finish(r.runShell(ctx, ep, step.Shell))
	case config.StepUpload:
		return finish(r.runUpload(ctx, ep, step.Upload))
	case config.StepDownload:
		return finish(r.runDownload(ctx, ep, step.Download))
	case config.StepTemplate:
		return finish(r.runTemplate(ctx, ep, step.Template))
	case config.StepWaitFor:
		if err := r.waitFor(ctx, ep, step.WaitFor); err != nil {
			return finish(StepResult{Status: StatusFailed, ExitCode: -1, Err: err})
		}
		return finish(StepResult{Status: StatusOK, ExitCode: -1})
	case config.StepResource:
		return finish(r.runResource(ctx, ep, step.Resource))
	default:
		return finish(StepResult{Status: StatusFailed, ExitCode: -1, Err: errors.Errorf("unknown step kind %q", step.Kind)})
	}
}

func (r *StepRunner) runShell(ctx context.Context, ep Endpoint, step *config.ShellStep) StepResult {
	opts := ExecOpts{Env: step.Env, Timeout: step.Timeout.Std(), Sudo: step.Sudo}
	if r.Output != nil {
		host := ep.Host()
		opts.OnChunk = func(tag string, chunk []byte) {
			r.Output(host, tag, chunk)
		}
	}
	out, code, err := ep.Exec(ctx, step.Cmd, opts)
	if err != nil {
		return StepResult{Status: StatusFailed, ExitCode: -1, Output: out, Err: err}
	}
	if code != 0 {
		return StepResult{
			Status:   StatusFailed,
			ExitCode: code,
			Output:   out,
			Err:      errors.Errorf("command exited %d", code),
		}
	}
	return StepResult{Status: StatusOK, ExitCode: code, Output: out, Changed: true}
}

func (r *StepRunner) runUpload(ctx context.Context, ep Endpoint, step *config.UploadStep) StepResult {
	local, err := r.resolveLocal(step.Local)
	if err != nil {
		return StepResult{Status: StatusFailed, ExitCode: -1, Err: err}
	}
	mode := step.Mode.Std()
	if mode == 0 {
		mode = 0o644
	}
	if err := ep.Upload(ctx, local, step.Remote, mode, step.Sudo); err != nil {
		return StepResult{Status: StatusFailed, ExitCode: -1, Err: err}
	}
	return StepResult{Status: StatusOK, ExitCode: -1, Changed: true}
}

func (r *StepRunner) runDownload(ctx context.Context, ep Endpoint, step *config.DownloadStep) StepResult {
	if err := ep.Download(ctx, step.Remote, step.Local, step.Sudo); err != nil {
		return StepResult{Status: StatusFailed, ExitCode: -1, Err: err}
	}
	return StepResult{Status: StatusOK, ExitCode: -1, Changed: true}
}

func (r *StepRunner) runTemplate(ctx context.Context, ep Endpoint, step *config.TemplateStep) StepResult {
	source, err := r.resolveLocal(step.Source)
	if err != nil {
		return StepResult{Status: StatusFailed, ExitCode: -1, Err: err}
	}
	raw, err := os.ReadFile(source)
	if err != nil {
		return StepResult{Status: StatusFailed, ExitCode: -1, Err: errors.Wrapf(err, "reading template %v", step.Source)}
	}
	rendered, err := RenderTemplate(string(raw), step.Vars)
	if err != nil {
		// render errors never reach the remote side
		return StepResult{Status: StatusFailed, ExitCode: -1, Err: err}
	}
	mode := step.Mode.Std()
	if mode == 0 {
		mode = 0o644
	}
	if err := ep.WriteFile(ctx, []byte(rendered), step.Dest, mode, step.Sudo); err != nil {
		return StepResult{Status: StatusFailed, ExitCode: -1, Err: err}
	}
	return StepResult{Status: StatusOK, ExitCode: -1, Changed: true, Notify: step.Notify}
}

func (r *StepRunner) runResource(ctx context.Context, ep Endpoint, step *config.ResourceStep) StepResult {
	hostFacts, err := r.FactsFor(ctx, ep)
	if err != nil {
		return StepResult{Status: StatusFailed, ExitCode: -1, Err: errors.Wrap(err, "gathering facts")}
	}

	res := resource.Run(ctx, &transportAdapter{ep: ep}, &resource.Resource{
		Kind:       step.Kind,
		State:      step.State,
		Notify:     step.Notify,
		Attributes: step.Attributes,
	}, resource.Context{
		OSFamily:  hostFacts.OSFamily,
		CheckMode: r.CheckMode,
	})

	result := StepResult{
		Description: res.Description,
		ExitCode:    -1,
		Changed:     res.State == resource.StateChanged,
		Notify:      res.Notify,
	}
	switch res.State {
	case resource.StateFailed:
		result.Status = StatusFailed
		result.Err = res.Err
	case resource.StateSkipped:
		result.Status = StatusSkipped
		if res.Diff != nil && res.Diff.Changed {
			result.SkipReason = "check mode: would change (" + strings.Join(res.Diff.Changes, ", ") + ")"
		} else {
			result.SkipReason = "check mode"
		}
	default:
		result.Status = StatusOK
	}
	return result
}

// FactsFor gathers facts for the endpoint's host on first use, then
// serves the pipeline-scoped cache.
func (r *StepRunner) FactsFor(ctx context.Context, ep Endpoint) (facts.Facts, error) {
	host := ep.Host()
	if host == ":local" {
		return r.Facts.GetOrGather(host, func() (facts.Facts, error) {
			return facts.GatherLocal(), nil
		})
	}
	return r.Facts.GetOrGather(host, func() (facts.Facts, error) {
		return facts.Gather(ctx, &factsRunner{ep: ep})
	})
}

// resolveLocal expands artifact:<name> references through the store.
func (r *StepRunner) resolveLocal(path string) (string, error) {
	const prefix = "artifact:"
	if !strings.HasPrefix(path, prefix) {
		return path, nil
	}
	name := strings.TrimPrefix(path, prefix)
	resolved, err := r.Store.GetPath(r.PipelineID, name)
	if err != nil {
		return "", errors.Wrapf(err, "resolving %v", path)
	}
	return resolved, nil
}

func (r *StepRunner) emit(topic string, payload map[string]interface{}) {
	if r.Bus != nil {
		r.Bus.Emit(topic, payload)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// factsRunner adapts an Endpoint to the facts gatherer.
type factsRunner struct {
	ep Endpoint
}

func (f *factsRunner) Run(ctx context.Context, cmd string, timeout time.Duration) ([]byte, int, error) {
	return f.ep.Exec(ctx, cmd, ExecOpts{Timeout: timeout})
}

// transportAdapter adapts an Endpoint to the resource provider transport.
type transportAdapter struct {
	ep Endpoint
}

func (t *transportAdapter) Exec(ctx context.Context, cmd string, sudo bool) ([]byte, int, error) {
	return t.ep.Exec(ctx, cmd, ExecOpts{Sudo: sudo})
}

func (t *transportAdapter) WriteFile(ctx context.Context, content []byte, path string, mode os.FileMode, sudo bool) error {
	return t.ep.WriteFile(ctx, content, path, mode, sudo)
}
