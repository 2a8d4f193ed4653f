// Package process is the local command executor. It spawns child
// processes through a shell, streams their output as it arrives, and
// enforces per-command timeouts with a graceful-kill grace period. The
// streaming API is primary; the buffered Run is a thin wrapper that
// accumulates chunks.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
)

// ErrClosing is returned when the executor is shutting down, meaning no
// more child processes can be spawned and in-flight ones are being
// stopped.
var ErrClosing = errors.New("executor is already closing")

// ErrTimedOut is wrapped into the error returned for commands that
// exceeded their timeout and were killed.
var ErrTimedOut = errors.New("command timed out")

// ChunkTag labels which stream a chunk of output came from.
type ChunkTag string

// The two output streams.
const (
	Stdout ChunkTag = "stdout"
	Stderr ChunkTag = "stderr"
)

// OnChunk receives output as it arrives. Back-pressure is the callback's
// responsibility: a slow callback slows the reader.
type OnChunk func(tag ChunkTag, chunk []byte)

// Opts adjust a single command execution.
type Opts struct {
	// Env is appended to the inherited environment.
	Env map[string]string
	// Timeout kills the process when exceeded. Zero means no timeout.
	Timeout time.Duration
	// Dir is the working directory; empty means inherit.
	Dir string
}

// DefaultKillGrace is how long a child gets between SIGTERM and SIGKILL.
const DefaultKillGrace = 10 * time.Second

// Executor tracks the child processes it has spawned so that a shutdown
// (operator interrupt) can stop all of them.
type Executor struct {
	mu        sync.Mutex
	done      bool
	children  map[*exec.Cmd]struct{}
	killGrace time.Duration
	logger    hclog.Logger
}

// NewExecutor creates an executor. The logger receives per-process debug
// lines.
func NewExecutor(logger hclog.Logger) *Executor {
	return &Executor{
		children:  make(map[*exec.Cmd]struct{}),
		killGrace: DefaultKillGrace,
		logger:    logger,
	}
}

// Run executes cmd through `sh -c`, capturing merged stdout/stderr as a
// single byte string. A non-zero exit code is not an error: it is
// returned alongside the output. Only spawn failure, timeout or
// signal-kill produce an error.
func (e *Executor) Run(ctx context.Context, cmd string, opts Opts) ([]byte, int, error) {
	var buf bytes.Buffer
	var bufMu sync.Mutex
	exitCode, err := e.RunStreaming(ctx, cmd, opts, func(_ ChunkTag, chunk []byte) {
		bufMu.Lock()
		defer bufMu.Unlock()
		buf.Write(chunk)
	})
	bufMu.Lock()
	defer bufMu.Unlock()
	return buf.Bytes(), exitCode, err
}

// RunStreaming executes cmd through `sh -c`, invoking onChunk for every
// piece of output as it arrives, tagged stdout or stderr. Returns the
// exit code once the process and both stream readers finish.
func (e *Executor) RunStreaming(ctx context.Context, cmd string, opts Opts, onChunk OnChunk) (int, error) {
	child := exec.Command("sh", "-c", cmd)
	child.Dir = opts.Dir
	child.Env = mergedEnv(opts.Env)
	setSetpgid(child, true)

	stdout, err := child.StdoutPipe()
	if err != nil {
		return -1, err
	}
	stderr, err := child.StderrPipe()
	if err != nil {
		return -1, err
	}

	if err := e.track(child); err != nil {
		return -1, err
	}
	defer e.untrack(child)

	if err := child.Start(); err != nil {
		return -1, fmt.Errorf("spawning %q: %w", cmd, err)
	}
	e.logger.Debug("spawned", "cmd", cmd, "pid", child.Process.Pid)

	var readers sync.WaitGroup
	readers.Add(2)
	go streamPipe(&readers, stdout, Stdout, onChunk)
	go streamPipe(&readers, stderr, Stderr, onChunk)

	runCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	waitCh := make(chan error, 1)
	go func() {
		readers.Wait()
		waitCh <- child.Wait()
	}()

	select {
	case waitErr := <-waitCh:
		return exitStatus(waitErr)
	case <-runCtx.Done():
		e.terminate(child)
		<-waitCh
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return -1, fmt.Errorf("%q after %v: %w", cmd, opts.Timeout, ErrTimedOut)
		}
		return -1, runCtx.Err()
	}
}

// Close stops every in-flight child and rejects new spawns. Blocks until
// all children have exited.
func (e *Executor) Close() {
	e.mu.Lock()
	if e.done {
		e.mu.Unlock()
		return
	}
	e.done = true
	children := make([]*exec.Cmd, 0, len(e.children))
	for child := range e.children {
		children = append(children, child)
	}
	e.mu.Unlock()

	var wg sync.WaitGroup
	for _, child := range children {
		child := child
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.terminate(child)
		}()
	}
	wg.Wait()
}

func (e *Executor) track(child *exec.Cmd) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return ErrClosing
	}
	e.children[child] = struct{}{}
	return nil
}

func (e *Executor) untrack(child *exec.Cmd) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.children, child)
}

// terminate sends SIGTERM to the child's process group, waits out the
// grace period, then SIGKILLs whatever is left.
func (e *Executor) terminate(child *exec.Cmd) {
	proc := child.Process
	if proc == nil {
		return
	}
	if err := signalGroup(proc.Pid, syscall.SIGTERM); err != nil && !processNotFoundErr(err) {
		e.logger.Debug("sigterm failed", "pid", proc.Pid, "err", err)
	}

	exited := make(chan struct{})
	go func() {
		for {
			if err := signalGroup(proc.Pid, syscall.Signal(0)); processNotFoundErr(err) {
				close(exited)
				return
			}
			time.Sleep(50 * time.Millisecond)
		}
	}()

	select {
	case <-exited:
	case <-time.After(e.killGrace):
		_ = signalGroup(proc.Pid, syscall.SIGKILL)
	}
}

func streamPipe(wg *sync.WaitGroup, r interface{ Read([]byte) (int, error) }, tag ChunkTag, onChunk OnChunk) {
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

// exitStatus converts a Wait error to an exit code. A non-zero exit comes
// back as a value; a signal-killed process or wait failure is an error.
func exitStatus(waitErr error) (int, error) {
	if waitErr == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				return -1, fmt.Errorf("killed by signal %v", status.Signal())
			}
			return status.ExitStatus(), nil
		}
		return exitErr.ExitCode(), nil
	}
	return -1, waitErr
}

func mergedEnv(extra map[string]string) []string {
	if len(extra) == 0 {
		return nil
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := os.Environ()
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}
