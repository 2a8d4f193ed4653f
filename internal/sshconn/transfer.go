package sshconn

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/pkg/sftp"
)

// TransferOpts adjust a single file transfer.
type TransferOpts struct {
	// Mode is applied to the remote file on upload. Zero keeps 0644.
	Mode os.FileMode
	// Sudo stages the transfer through a temp path and moves it into
	// place (or reads it out) as root.
	Sudo bool
}

// Upload copies a local file to remotePath. With Sudo set the file is
// first written to a world-unreadable temp path owned by the login user,
// then moved into place and chmodded as root, so the login user never
// needs write access to the destination.
func (c *Connection) Upload(ctx context.Context, localPath, remotePath string, opts TransferOpts) error {
	mode := opts.Mode
	if mode == 0 {
		mode = 0o644
	}

	target := remotePath
	stageMode := mode
	if opts.Sudo {
		target = path.Join("/tmp", ".nexus-upload-"+uuid.NewString())
		stageMode = 0o600
	}

	if err := c.sftpPut(ctx, localPath, target, stageMode); err != nil {
		return err
	}

	if opts.Sudo {
		move := fmt.Sprintf("mv %s %s && chmod %o %s",
			Quote(target), Quote(remotePath), mode, Quote(remotePath))
		out, code, err := c.ExecSudo(ctx, move, ExecOpts{Timeout: 60 * time.Second})
		if err != nil {
			return err
		}
		if code != 0 {
			return errors.Errorf("moving %v into place on %v: %s", remotePath, c.host, out)
		}
	}
	return nil
}

// Download copies a remote file to localPath. With Sudo set the content
// is read out through an elevated cat since SFTP runs as the login user.
func (c *Connection) Download(ctx context.Context, remotePath, localPath string, opts TransferOpts) error {
	if opts.Sudo {
		out, code, err := c.ExecSudo(ctx, "cat "+Quote(remotePath), ExecOpts{})
		if err != nil {
			return err
		}
		if code != 0 {
			return errors.Errorf("reading %v on %v: %s", remotePath, c.host, out)
		}
		return os.WriteFile(localPath, out, 0o644)
	}

	client, err := sftp.NewClient(c.client)
	if err != nil {
		return errors.Wrapf(err, "opening sftp to %v", c.host)
	}
	defer func() { _ = client.Close() }()

	src, err := client.Open(remotePath)
	if err != nil {
		return errors.Wrapf(err, "opening %v on %v", remotePath, c.host)
	}
	defer func() { _ = src.Close() }()

	dst, err := os.OpenFile(localPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := copyCtx(ctx, dst, src); err != nil {
		_ = dst.Close()
		return err
	}
	return dst.Close()
}

func (c *Connection) sftpPut(ctx context.Context, localPath, remotePath string, mode os.FileMode) error {
	client, err := sftp.NewClient(c.client)
	if err != nil {
		return errors.Wrapf(err, "opening sftp to %v", c.host)
	}
	defer func() { _ = client.Close() }()

	src, err := os.Open(localPath)
	if err != nil {
		return errors.Wrapf(err, "opening %v", localPath)
	}
	defer func() { _ = src.Close() }()

	dst, err := client.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return errors.Wrapf(err, "creating %v on %v", remotePath, c.host)
	}
	if _, err := copyCtx(ctx, dst, src); err != nil {
		_ = dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return client.Chmod(remotePath, mode)
}

// copyCtx is io.Copy that notices context cancellation between chunks.
func copyCtx(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var written int64
	buf := make([]byte, 128*1024)
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			wn, writeErr := dst.Write(buf[:n])
			written += int64(wn)
			if writeErr != nil {
				return written, writeErr
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}
