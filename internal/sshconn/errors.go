package sshconn

import (
	"fmt"
)

// ErrorKind classifies connection-level failures so the pipeline can
// decide between retrying and failing the host.
type ErrorKind string

// Connection failure kinds.
const (
	KindAuthFailed        ErrorKind = "auth_failed"
	KindTimeout           ErrorKind = "timeout"
	KindConnectionRefused ErrorKind = "connection_refused"
	KindHostKeyMismatch   ErrorKind = "host_key_mismatch"
	KindNetwork           ErrorKind = "network_error"
)

// ConnectError wraps a connection failure with its classification and the
// host it happened on.
type ConnectError struct {
	Kind ErrorKind
	Host string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("ssh %s: %s: %v", e.Host, e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// Retryable reports whether reconnecting could plausibly succeed. Auth
// failures and host key mismatches will not fix themselves.
func (e *ConnectError) Retryable() bool {
	switch e.Kind {
	case KindConnectionRefused, KindNetwork, KindTimeout:
		return true
	default:
		return false
	}
}

// SudoError is returned when privilege elevation needs a password that
// non-interactive execution cannot supply.
type SudoError struct {
	Host string
}

func (e *SudoError) Error() string {
	return fmt.Sprintf("sudo on %s requires a password; configure passwordless sudo for the connecting user", e.Host)
}
