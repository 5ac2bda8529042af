package sshsession

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"
)

const (
	MaxInputMessageSize = 64 * 1024
	MaxCols             = 500
	MaxRows             = 200
	InputRateLimit      = 100 // messages per second
	InputRateBurst      = 200

	DisconnectMessage = "Disconnected from terminal"
)

type FrameKind string

const (
	FrameInput      FrameKind = "input"
	FrameResize     FrameKind = "resize"
	FrameOutput     FrameKind = "output"
	FrameConnect    FrameKind = "connect"
	FrameError      FrameKind = "error"
	FrameDisconnect FrameKind = "disconnect"
)

// Frame is one message on the browser-side channel.
type Frame struct {
	Kind    FrameKind
	Data    []byte // input, output
	Cols    int    // resize
	Rows    int    // resize
	Message string // connect, error, disconnect
}

// Channel is a duplex message channel to the client. Receive must return an
// error once Close has been called.
type Channel interface {
	Receive() (Frame, error)
	Send(Frame) error
	Close() error
}

type Bridge struct {
	rateLimit rate.Limit
	burst     int
}

func NewBridge() *Bridge {
	return &Bridge{rateLimit: InputRateLimit, burst: InputRateBurst}
}

type pumpEnd struct {
	remote bool
	err    error
}

// Run relays between h and ch until either side ends, then closes the handle,
// tells the client it was disconnected and closes ch. It returns nil for a
// clean end and the cause otherwise.
func (b *Bridge) Run(ctx context.Context, h *Handle, ch Channel) error {
	if h.State() != StateReady {
		ch.Send(Frame{Kind: FrameError, Message: "session is not ready"})
		ch.Close()
		return newError("bridge", ErrNotFound, errors.New("session "+h.ID+" is not ready"))
	}
	// one viewer per shell; a second one is turned away and the shell keeps running
	if !h.attach() {
		ch.Send(Frame{Kind: FrameError, Message: "session already has a viewer"})
		ch.Close()
		return newError("bridge", ErrAlreadyOpen, errors.New("session "+h.ID+" already has a viewer"))
	}
	defer h.detach()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var sendMu sync.Mutex
	send := func(f Frame) error {
		sendMu.Lock()
		defer sendMu.Unlock()
		return ch.Send(f)
	}

	if err := send(Frame{Kind: FrameConnect, Message: "Connected"}); err != nil {
		h.Close()
		ch.Close()
		return nil
	}

	ends := make(chan pumpEnd, 2)
	outputDone := make(chan struct{})

	go func() {
		defer close(outputDone)
		buf := make([]byte, 32*1024)
		for {
			n, err := h.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				if serr := send(Frame{Kind: FrameOutput, Data: data}); serr != nil {
					ends <- pumpEnd{remote: false, err: serr}
					return
				}
			}
			if err != nil {
				ends <- pumpEnd{remote: true, err: err}
				return
			}
		}
	}()

	go func() {
		limiter := rate.NewLimiter(b.rateLimit, b.burst)
		for {
			f, err := ch.Receive()
			if err != nil {
				ends <- pumpEnd{remote: false, err: err}
				return
			}
			if err := b.handleInput(h, limiter, f); err != nil {
				ends <- pumpEnd{remote: true, err: err}
				return
			}
		}
	}()

	var end pumpEnd
	select {
	case end = <-ends:
	case <-ctx.Done():
		end = pumpEnd{remote: false, err: ctx.Err()}
	}

	h.Close()
	<-outputDone

	cause := h.Err()
	if cause != nil {
		send(Frame{Kind: FrameError, Message: cause.Error()})
	}
	send(Frame{Kind: FrameDisconnect, Message: DisconnectMessage})
	ch.Close()

	slog.Info("Terminal bridge ended", "session_id", h.ID, "remote", end.remote, "error", end.err, "cause", cause)

	if cause != nil {
		return cause
	}
	if !end.remote && end.err != nil && !errors.Is(end.err, io.EOF) && !errors.Is(end.err, context.Canceled) {
		return end.err
	}
	return nil
}

func (b *Bridge) handleInput(h *Handle, limiter *rate.Limiter, f Frame) error {
	switch f.Kind {
	case FrameInput:
		if len(f.Data) == 0 {
			return nil
		}
		if len(f.Data) > MaxInputMessageSize {
			slog.Warn("Dropping oversized terminal input", "session_id", h.ID, "size", len(f.Data))
			return nil
		}
		if !limiter.Allow() {
			slog.Warn("Terminal input rate limit exceeded", "session_id", h.ID)
			return nil
		}
		if _, err := h.Write(f.Data); err != nil {
			return err
		}
	case FrameResize:
		if err := h.Resize(f.Cols, f.Rows); err != nil {
			slog.Debug("Resize failed", "session_id", h.ID, "error", err)
		}
	}
	return nil
}
