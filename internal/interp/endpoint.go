package interp

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nexusrun/nexus/internal/process"
	"github.com/nexusrun/nexus/internal/sshconn"
	"github.com/pkg/errors"
)

// ExecOpts adjust one command run through an endpoint.
type ExecOpts struct {
	Env     map[string]string
	Timeout time.Duration
	Sudo    bool
	// OnChunk, when set, receives output as it arrives ("stdout"/"stderr"
	// tagged). Buffered capture still happens for the step result.
	OnChunk func(tag string, chunk []byte)
}

// Endpoint is where steps run: the local machine or one SSH connection
// checked out of the host's pool.
type Endpoint interface {
	// Host is the symbolic id steps report against (":local" or the host
	// name from the config).
	Host() string
	Exec(ctx context.Context, cmd string, opts ExecOpts) ([]byte, int, error)
	Upload(ctx context.Context, localPath, remotePath string, mode os.FileMode, sudo bool) error
	Download(ctx context.Context, remotePath, localPath string, sudo bool) error
	WriteFile(ctx context.Context, content []byte, path string, mode os.FileMode, sudo bool) error
}

// localEndpoint drives the machine nexus runs on through the process
// executor.
type localEndpoint struct {
	exec *process.Executor
}

// NewLocalEndpoint wraps the local executor as an Endpoint.
func NewLocalEndpoint(exec *process.Executor) Endpoint {
	return &localEndpoint{exec: exec}
}

func (l *localEndpoint) Host() string { return ":local" }

func (l *localEndpoint) Exec(ctx context.Context, cmd string, opts ExecOpts) ([]byte, int, error) {
	if opts.Sudo {
		cmd = sshconn.SudoWrap(cmd)
	}
	popts := process.Opts{Env: opts.Env, Timeout: opts.Timeout}

	var out []byte
	var code int
	var err error
	if opts.OnChunk == nil {
		out, code, err = l.exec.Run(ctx, cmd, popts)
	} else {
		var buf capture
		code, err = l.exec.RunStreaming(ctx, cmd, popts, func(tag process.ChunkTag, chunk []byte) {
			buf.add(chunk)
			opts.OnChunk(string(tag), chunk)
		})
		out = buf.bytes()
	}
	if err == nil && opts.Sudo && code != 0 && sshconn.SudoPasswordRequired(out) {
		return out, code, &sshconn.SudoError{Host: l.Host()}
	}
	return out, code, err
}

func (l *localEndpoint) Upload(ctx context.Context, localPath, remotePath string, mode os.FileMode, sudo bool) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return errors.Wrapf(err, "reading %v", localPath)
	}
	return l.WriteFile(ctx, data, remotePath, mode, sudo)
}

func (l *localEndpoint) Download(ctx context.Context, remotePath, localPath string, sudo bool) error {
	if sudo {
		out, code, err := l.Exec(ctx, "cat "+sshconn.Quote(remotePath), ExecOpts{Sudo: true})
		if err != nil {
			return err
		}
		if code != 0 {
			return errors.Errorf("reading %v: %s", remotePath, out)
		}
		return os.WriteFile(localPath, out, 0o644)
	}
	return copyFile(remotePath, localPath, 0o644)
}

func (l *localEndpoint) WriteFile(ctx context.Context, content []byte, path string, mode os.FileMode, sudo bool) error {
	if !sudo {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		return os.WriteFile(path, content, mode)
	}
	// write as the invoking user, then move into place as root
	staging := filepath.Join(os.TempDir(), ".nexus-stage-"+uuid.NewString())
	if err := os.WriteFile(staging, content, 0o600); err != nil {
		return err
	}
	defer func() { _ = os.Remove(staging) }()
	move := "mv " + sshconn.Quote(staging) + " " + sshconn.Quote(path) +
		" && chmod " + octal(mode) + " " + sshconn.Quote(path)
	out, code, err := l.Exec(ctx, move, ExecOpts{Sudo: true})
	if err != nil {
		return err
	}
	if code != 0 {
		return errors.Errorf("moving %v into place: %s", path, out)
	}
	return nil
}

// RemoteConn is the execution surface of *sshconn.Connection the endpoint
// needs; narrowed to an interface so tests can fake it and so the
// pipeline can hand over whatever the pool checked out.
type RemoteConn interface {
	Exec(ctx context.Context, cmd string, opts sshconn.ExecOpts) ([]byte, int, error)
	ExecSudo(ctx context.Context, cmd string, opts sshconn.ExecOpts) ([]byte, int, error)
	ExecStreaming(ctx context.Context, cmd string, opts sshconn.ExecOpts, onChunk sshconn.OnChunk) (int, error)
	Upload(ctx context.Context, localPath, remotePath string, opts sshconn.TransferOpts) error
	Download(ctx context.Context, remotePath, localPath string, opts sshconn.TransferOpts) error
}

type sshEndpoint struct {
	host string
	conn RemoteConn
}

// NewSSHEndpoint wraps a checked-out connection as an Endpoint bound to a
// symbolic host name.
func NewSSHEndpoint(host string, conn RemoteConn) Endpoint {
	return &sshEndpoint{host: host, conn: conn}
}

func (s *sshEndpoint) Host() string { return s.host }

func (s *sshEndpoint) Exec(ctx context.Context, cmd string, opts ExecOpts) ([]byte, int, error) {
	eopts := sshconn.ExecOpts{Env: opts.Env, Timeout: opts.Timeout}
	if opts.OnChunk == nil {
		if opts.Sudo {
			return s.conn.ExecSudo(ctx, cmd, eopts)
		}
		return s.conn.Exec(ctx, cmd, eopts)
	}

	// streaming bypasses ExecSudo, so classify the refusal here
	if opts.Sudo {
		cmd = sshconn.SudoWrap(cmd)
	}
	var buf capture
	code, err := s.conn.ExecStreaming(ctx, cmd, eopts, func(tag string, chunk []byte) {
		buf.add(chunk)
		opts.OnChunk(tag, chunk)
	})
	out := buf.bytes()
	if err == nil && opts.Sudo && code != 0 && sshconn.SudoPasswordRequired(out) {
		return out, code, &sshconn.SudoError{Host: s.host}
	}
	return out, code, err
}

func (s *sshEndpoint) Upload(ctx context.Context, localPath, remotePath string, mode os.FileMode, sudo bool) error {
	return s.conn.Upload(ctx, localPath, remotePath, sshconn.TransferOpts{Mode: mode, Sudo: sudo})
}

func (s *sshEndpoint) Download(ctx context.Context, remotePath, localPath string, sudo bool) error {
	return s.conn.Download(ctx, remotePath, localPath, sshconn.TransferOpts{Sudo: sudo})
}

func (s *sshEndpoint) WriteFile(ctx context.Context, content []byte, path string, mode os.FileMode, sudo bool) error {
	staging, err := os.CreateTemp("", ".nexus-render-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(staging.Name()) }()
	if _, err := staging.Write(content); err != nil {
		_ = staging.Close()
		return err
	}
	if err := staging.Close(); err != nil {
		return err
	}
	return s.conn.Upload(ctx, staging.Name(), path, sshconn.TransferOpts{Mode: mode, Sudo: sudo})
}

// capture accumulates streamed chunks for the buffered result. Chunks
// arrive from the stdout and stderr readers concurrently.
type capture struct {
	mu   sync.Mutex
	data []byte
}

func (c *capture) add(chunk []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = append(c.data, chunk...)
}

func (c *capture) bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func octal(mode os.FileMode) string {
	return "0" + string([]byte{
		'0' + byte((mode>>6)&7),
		'0' + byte((mode>>3)&7),
		'0' + byte(mode&7),
	})
}
