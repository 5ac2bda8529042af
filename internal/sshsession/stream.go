package sshsession

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

const (
	streamBuffer  = 100
	maxStreamLine = 1024 * 1024
)

// Stream runs a long-lived command (tail -F, journalctl -f) and delivers
// stdout and stderr line by line. The channel closes when the command
// exits or ctx is cancelled; cancelling also closes the transport.
func (e *Executor) Stream(ctx context.Context, connectionID, command string) (<-chan string, error) {
	desc, err := e.store.FindConnection(ctx, connectionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, newError("stream", ErrNotFound, err)
		}
		return nil, fmt.Errorf("stream: lookup connection: %w", err)
	}

	client, _, err := e.dialer.Dial(ctx, desc)
	if err != nil {
		return nil, wrapOp("stream", err)
	}
	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, newError("stream", ErrExecFailed, fmt.Errorf("failed to open channel: %w", err))
	}

	pr, pw := io.Pipe()
	out := &lockedWriter{w: pw}
	session.Stdout = out
	session.Stderr = out
	if err := session.Start(command); err != nil {
		session.Close()
		client.Close()
		return nil, newError("stream", ErrExecFailed, fmt.Errorf("failed to start command: %w", err))
	}

	go func() {
		err := session.Wait()
		pw.CloseWithError(err)
	}()

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		session.Close()
		client.Close()
		pr.Close()
	}()

	ch := make(chan string, streamBuffer)
	go func() {
		defer close(ch)
		defer close(stop)

		sc := bufio.NewScanner(pr)
		sc.Buffer(make([]byte, 64*1024), maxStreamLine)
		for sc.Scan() {
			select {
			case ch <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := sc.Err(); err != nil && ctx.Err() == nil {
			slog.Debug("Stream ended", "host", desc.Host, "error", err)
		}
	}()
	return ch, nil
}
