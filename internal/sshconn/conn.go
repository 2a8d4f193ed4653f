// Package sshconn manages a single authenticated SSH channel to one
// remote host: command execution (with optional sudo elevation and
// streamed output) and file transfer over SFTP.
package sshconn

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
)

// DefaultConnectTimeout bounds the TCP+handshake phase of a dial.
const DefaultConnectTimeout = 10 * time.Second

// DefaultExecTimeout bounds a single remote command when the caller does
// not say otherwise.
const DefaultExecTimeout = 300 * time.Second

// Options configure a dial.
type Options struct {
	// User is the remote login name.
	User string
	// Port defaults to 22.
	Port int
	// IdentityFile is a path to a private key. Takes precedence over
	// Password when both are set.
	IdentityFile string
	// Password enables password auth.
	Password string
	// ConnectTimeout defaults to DefaultConnectTimeout.
	ConnectTimeout time.Duration
	// HostKeyCallback defaults to accepting any host key. Supply a
	// known-hosts callback to get KindHostKeyMismatch classification.
	HostKeyCallback ssh.HostKeyCallback
	// Logger receives dial/exec debug lines.
	Logger hclog.Logger
}

// ExecOpts adjust one remote command.
type ExecOpts struct {
	Env     map[string]string
	Timeout time.Duration
}

// OnChunk receives remote output as it arrives, tagged "stdout" or
// "stderr".
type OnChunk func(tag string, chunk []byte)

// Connection is a single authenticated channel to one host.
type Connection struct {
	host   string
	addr   string
	client *ssh.Client
	logger hclog.Logger

	mu     sync.Mutex
	closed bool
}

// Connect dials and authenticates. Transient network failures are retried
// with exponential backoff (250ms, 500ms, 1s); auth and host key failures
// surface immediately.
func Connect(host string, opts Options) (*Connection, error) {
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	port := opts.Port
	if port == 0 {
		port = 22
	}
	connectTimeout := opts.ConnectTimeout
	if connectTimeout == 0 {
		connectTimeout = DefaultConnectTimeout
	}
	hostKeyCallback := opts.HostKeyCallback
	if hostKeyCallback == nil {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	auth, err := authMethods(opts)
	if err != nil {
		return nil, err
	}

	config := &ssh.ClientConfig{
		User:            opts.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         connectTimeout,
	}
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))

	var client *ssh.Client
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 250 * time.Millisecond
	expo.Multiplier = 2
	expo.RandomizationFactor = 0
	policy := backoff.WithMaxRetries(expo, 3)
	dialErr := backoff.Retry(func() error {
		var err error
		client, err = ssh.Dial("tcp", addr, config)
		if err == nil {
			return nil
		}
		cerr := classifyDialError(host, err)
		if !cerr.Retryable() {
			return backoff.Permanent(cerr)
		}
		logger.Debug("ssh dial retry", "host", host, "err", err)
		return cerr
	}, policy)
	if dialErr != nil {
		return nil, dialErr
	}

	logger.Debug("ssh connected", "host", host, "addr", addr)
	return &Connection{host: host, addr: addr, client: client, logger: logger}, nil
}

func authMethods(opts Options) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if opts.IdentityFile != "" {
		key, err := os.ReadFile(opts.IdentityFile)
		if err != nil {
			return nil, errors.Wrapf(err, "reading identity file %v", opts.IdentityFile)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing identity file %v", opts.IdentityFile)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if opts.Password != "" {
		methods = append(methods, ssh.Password(opts.Password))
	}
	if len(methods) == 0 {
		return nil, errors.Errorf("no authentication configured for user %q", opts.User)
	}
	return methods, nil
}

func classifyDialError(host string, err error) *ConnectError {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods remain"):
		return &ConnectError{Kind: KindAuthFailed, Host: host, Err: err}
	case strings.Contains(msg, "host key mismatch") || strings.Contains(msg, "key is unknown") || strings.Contains(msg, "knownhosts"):
		return &ConnectError{Kind: KindHostKeyMismatch, Host: host, Err: err}
	case strings.Contains(msg, "connection refused"):
		return &ConnectError{Kind: KindConnectionRefused, Host: host, Err: err}
	case strings.Contains(msg, "i/o timeout") || strings.Contains(msg, "timed out"):
		return &ConnectError{Kind: KindTimeout, Host: host, Err: err}
	default:
		return &ConnectError{Kind: KindNetwork, Host: host, Err: err}
	}
}

// Host returns the symbolic hostname this connection was dialed with.
func (c *Connection) Host() string {
	return c.host
}

// Exec runs cmd on the remote host, capturing merged stdout/stderr. A
// non-zero exit code is a value, not an error.
func (c *Connection) Exec(ctx context.Context, cmd string, opts ExecOpts) ([]byte, int, error) {
	var buf bytes.Buffer
	var mu sync.Mutex
	code, err := c.ExecStreaming(ctx, cmd, opts, func(_ string, chunk []byte) {
		mu.Lock()
		defer mu.Unlock()
		buf.Write(chunk)
	})
	mu.Lock()
	defer mu.Unlock()
	return buf.Bytes(), code, err
}

// ExecSudo runs cmd elevated via `sudo -n sh -c ...`. A sudo that wants a
// password is surfaced as *SudoError.
func (c *Connection) ExecSudo(ctx context.Context, cmd string, opts ExecOpts) ([]byte, int, error) {
	out, code, err := c.Exec(ctx, SudoWrap(cmd), opts)
	if err != nil {
		return out, code, err
	}
	if code != 0 && SudoPasswordRequired(out) {
		return out, code, &SudoError{Host: c.host}
	}
	return out, code, nil
}

// SudoWrap renders the elevated form of a command.
func SudoWrap(cmd string) string {
	return "sudo -n sh -c " + Quote(cmd)
}

// SudoPasswordRequired recognizes the non-interactive sudo refusal in
// command output, so callers that stream (and therefore bypass ExecSudo)
// can classify the failure the same way.
func SudoPasswordRequired(out []byte) bool {
	s := string(out)
	return strings.Contains(s, "a password is required") ||
		strings.Contains(s, "sudo: no tty present")
}

// ExecStreaming runs cmd, delivering output chunks as they arrive. The
// context (plus opts.Timeout, default 300s) bounds the execution; on
// expiry the session is closed, tearing down the remote channel.
func (c *Connection) ExecStreaming(ctx context.Context, cmd string, opts ExecOpts, onChunk OnChunk) (int, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return -1, errors.Wrapf(err, "opening session on %v", c.host)
	}
	defer func() { _ = session.Close() }()

	stdout, err := session.StdoutPipe()
	if err != nil {
		return -1, err
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		return -1, err
	}

	full := cmd
	if len(opts.Env) > 0 {
		full = envPrefix(opts.Env) + cmd
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultExecTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := session.Start(full); err != nil {
		return -1, errors.Wrapf(err, "starting %q on %v", cmd, c.host)
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go drain(&readers, stdout, "stdout", onChunk)
	go drain(&readers, stderr, "stderr", onChunk)

	waitCh := make(chan error, 1)
	go func() {
		readers.Wait()
		waitCh <- session.Wait()
	}()

	select {
	case waitErr := <-waitCh:
		return sshExitStatus(waitErr)
	case <-runCtx.Done():
		// closing the session closes the remote channel; the Wait goroutine
		// unblocks shortly after
		_ = session.Close()
		<-waitCh
		if ctx.Err() != nil {
			return -1, ctx.Err()
		}
		return -1, &ConnectError{Kind: KindTimeout, Host: c.host,
			Err: errors.Errorf("%q exceeded %v", cmd, timeout)}
	}
}

func envPrefix(env map[string]string) string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString("export ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(Quote(env[k]))
		b.WriteString("; ")
	}
	return b.String()
}

func drain(wg *sync.WaitGroup, r interface{ Read([]byte) (int, error) }, tag string, onChunk OnChunk) {
	defer wg.Done()
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 && onChunk != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			onChunk(tag, chunk)
		}
		if err != nil {
			return
		}
	}
}

func sshExitStatus(waitErr error) (int, error) {
	if waitErr == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	return -1, waitErr
}

// Alive probes the connection with a cheap remote no-op.
func (c *Connection) Alive(ctx context.Context) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()
	_, code, err := c.Exec(ctx, "true", ExecOpts{Timeout: 5 * time.Second})
	return err == nil && code == 0
}

// Close tears the channel down. Safe to call twice.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.client.Close()
}
