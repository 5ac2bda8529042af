package sshsession

import (
	"context"
	"errors"
	"net"
	"strings"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrAuthFailed  = errors.New("authentication failed")
	ErrTimeout     = errors.New("timeout")
	ErrTransport   = errors.New("transport error")
	ErrExecFailed  = errors.New("exec failed")
	ErrAlreadyOpen = errors.New("session already open")
	ErrInvalid     = errors.New("invalid connection descriptor")
)

// Error is returned by every operation in this package.
type Error struct {
	Op   string // open, dial, exec, probe, bridge, ...
	Kind error  // one of the Err* sentinels
	Err  error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.Error()
	}
	return e.Op + ": " + e.Kind.Error() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(op string, kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// Reason returns a stable snake_case token for err, suitable for API bodies.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAuthFailed):
		return "auth_failed"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrAlreadyOpen):
		return "already_open"
	case errors.Is(err, ErrExecFailed):
		return "exec_failed"
	case errors.Is(err, ErrInvalid):
		return "invalid"
	default:
		return "transport_error"
	}
}

// classify maps a dial or handshake failure onto the error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}

	msg := err.Error()
	var ne net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &ne) && ne.Timeout(),
		strings.Contains(msg, "i/o timeout"):
		return newError(op, ErrTimeout, err)
	case strings.Contains(msg, "unable to authenticate"),
		strings.Contains(msg, "no supported methods remain"):
		return newError(op, ErrAuthFailed, err)
	default:
		return newError(op, ErrTransport, err)
	}
}
