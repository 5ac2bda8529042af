package sshsession

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alitto/pond"
	"golang.org/x/crypto/ssh"
)

const DefaultExecTimeout = 60 * time.Second

type ExecStatus string

const (
	ExecSuccess       ExecStatus = "success"
	ExecRemoteFailure ExecStatus = "remote_failure"
)

// Result of one remote command. ExitKnown is false when the server closed
// the channel without reporting an exit status.
type Result struct {
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	ExitCode  int           `json:"exit_code"`
	ExitKnown bool          `json:"exit_known"`
	Duration  time.Duration `json:"duration"`
}

// Status prefers the real exit status and only falls back to "stderr is
// non-empty" when the server sent none.
func (r *Result) Status() ExecStatus {
	if r.ExitKnown {
		if r.ExitCode == 0 {
			return ExecSuccess
		}
		return ExecRemoteFailure
	}
	if r.Stderr != "" {
		return ExecRemoteFailure
	}
	return ExecSuccess
}

// Executor runs one-shot commands, each over its own transport.
type Executor struct {
	store   Store
	dialer  *Dialer
	timeout time.Duration
}

func NewExecutor(store Store, dialer *Dialer, timeout time.Duration) *Executor {
	if dialer == nil {
		dialer = NewDialer(DefaultConnectTimeout)
	}
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}
	return &Executor{
		store:   store,
		dialer:  dialer,
		timeout: timeout,
	}
}

// Execute looks up connectionID and runs command on it.
func (e *Executor) Execute(ctx context.Context, connectionID, command string, timeout time.Duration) (*Result, error) {
	desc, err := e.store.FindConnection(ctx, connectionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, newError("exec", ErrNotFound, err)
		}
		return nil, fmt.Errorf("exec: lookup connection: %w", err)
	}
	return e.Run(ctx, desc, command, timeout)
}

// Run executes command against desc. Nothing is written to stdin; stdout and
// stderr are kept apart. On timeout the transport is closed.
func (e *Executor) Run(ctx context.Context, desc Descriptor, command string, timeout time.Duration) (*Result, error) {
	if timeout <= 0 {
		timeout = e.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	client, _, err := e.dialer.Dial(ctx, desc)
	if err != nil {
		return nil, wrapOp("exec", err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, newError("exec", ErrExecFailed, fmt.Errorf("failed to open channel: %w", err))
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	if err := session.Start(command); err != nil {
		return nil, newError("exec", ErrExecFailed, fmt.Errorf("failed to start command: %w", err))
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		client.Close()
		<-done
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, newError("exec", ErrTimeout, fmt.Errorf("command exceeded %s", timeout))
		}
		return nil, newError("exec", ErrTransport, ctx.Err())
	}

	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	var exitErr *ssh.ExitError
	var missingErr *ssh.ExitMissingError
	switch {
	case waitErr == nil:
		res.ExitKnown = true
	case errors.As(waitErr, &exitErr):
		res.ExitKnown = true
		res.ExitCode = exitErr.ExitStatus()
	case errors.As(waitErr, &missingErr):
		res.ExitCode = -1
	default:
		return nil, newError("exec", ErrTransport, waitErr)
	}

	slog.Debug("Command executed", "host", desc.Host, "exit_code", res.ExitCode, "duration_ms", res.Duration.Milliseconds())
	return res, nil
}

// Outcome is one connection's share of ExecuteMany.
type Outcome struct {
	ConnectionID string
	Result       *Result
	Err          error
}

// ExecuteMany runs command on every connection at once. The pool belongs to
// the call and has one worker per target, so a hung host holds only its own
// worker and never queues a fast one or another request. Callers bound the
// number of targets. Outcomes are returned in the order of connectionIDs.
func (e *Executor) ExecuteMany(ctx context.Context, connectionIDs []string, command string, timeout time.Duration) []Outcome {
	outcomes := make([]Outcome, len(connectionIDs))
	if len(connectionIDs) == 0 {
		return outcomes
	}
	pool := pond.New(len(connectionIDs), len(connectionIDs))
	for i, id := range connectionIDs {
		pool.Submit(func() {
			res, err := e.Execute(ctx, id, command, timeout)
			outcomes[i] = Outcome{ConnectionID: id, Result: res, Err: err}
		})
	}
	pool.StopAndWait()
	return outcomes
}
