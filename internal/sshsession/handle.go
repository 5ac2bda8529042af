package sshsession

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

type State int32

const (
	StateConnecting State = iota
	StateReady
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

const (
	DefaultTerm = "xterm-256color"
	DefaultCols = 80
	DefaultRows = 24
)

// errClosed is what readers of a handle see after an explicit Close.
var errClosed = errors.New("session closed")

type ShellOptions struct {
	Term string
	Cols int
	Rows int
}

func (o ShellOptions) withDefaults() ShellOptions {
	if o.Term == "" {
		o.Term = DefaultTerm
	}
	if o.Cols == 0 {
		o.Cols = DefaultCols
	}
	if o.Rows == 0 {
		o.Rows = DefaultRows
	}
	o.Cols, o.Rows = ClampSize(o.Cols, o.Rows)
	return o
}

// Handle is one live interactive shell. It owns its SSH transport; nothing
// else sends traffic over it.
type Handle struct {
	ID           string
	ConnectionID string
	CreatedAt    time.Time

	mu      sync.Mutex
	state   State
	cause   error // why the handle closed, nil for a clean end
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	info    DialInfo
	opts    ShellOptions

	// stdout and stderr of the remote shell merge into one pipe
	outR *io.PipeReader
	outW *io.PipeWriter

	ready     chan struct{} // closed once the handle leaves StateConnecting
	readyOnce sync.Once
	done      chan struct{}
	doneOnce  sync.Once
	openErr   error

	// set while a bridge relays this handle
	attached atomic.Bool

	lastActivity atomic.Int64
	bytesIn      atomic.Int64
	bytesOut     atomic.Int64

	onClosed func(*Handle)
}

func newHandle(id, connectionID string, onClosed func(*Handle)) *Handle {
	r, w := io.Pipe()
	h := &Handle{
		ID:           id,
		ConnectionID: connectionID,
		CreatedAt:    time.Now(),
		state:        StateConnecting,
		outR:         r,
		outW:         w,
		ready:        make(chan struct{}),
		done:         make(chan struct{}),
		onClosed:     onClosed,
	}
	h.touch()
	return h
}

// start opens the shell channel on an already authenticated client. On
// failure the client is closed and the handle is torn down.
func (h *Handle) start(client *ssh.Client, info DialInfo, desc Descriptor, opts ShellOptions) error {
	opts = opts.withDefaults()

	h.mu.Lock()
	if h.state != StateConnecting {
		h.mu.Unlock()
		client.Close()
		return newError("open", ErrTransport, fmt.Errorf("session closed while connecting"))
	}
	h.client = client
	h.info = info
	h.opts = opts
	h.mu.Unlock()

	session, err := client.NewSession()
	if err != nil {
		return h.fail(newError("open", ErrExecFailed, fmt.Errorf("failed to create session: %w", err)))
	}

	if desc.Options.ForwardAgent {
		forwardAgent(client, session)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty(opts.Term, opts.Rows, opts.Cols, modes); err != nil {
		session.Close()
		return h.fail(newError("open", ErrExecFailed, fmt.Errorf("failed to request PTY: %w", err)))
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return h.fail(newError("open", ErrExecFailed, fmt.Errorf("failed to get stdin: %w", err)))
	}
	out := &lockedWriter{w: h.outW}
	session.Stdout = out
	session.Stderr = out

	if err := session.Shell(); err != nil {
		session.Close()
		return h.fail(newError("open", ErrExecFailed, fmt.Errorf("failed to start shell: %w", err)))
	}

	h.mu.Lock()
	if h.state != StateConnecting {
		h.mu.Unlock()
		session.Close()
		client.Close()
		return newError("open", ErrTransport, fmt.Errorf("session closed while connecting"))
	}
	h.session = session
	h.stdin = stdin
	h.state = StateReady
	h.mu.Unlock()
	h.readyOnce.Do(func() { close(h.ready) })

	go h.wait(session)
	go h.watchTransport(client)
	return nil
}

// forwardAgent hands the local agent to the remote side when one is running.
func forwardAgent(client *ssh.Client, session *ssh.Session) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		slog.Warn("Agent forwarding requested but SSH_AUTH_SOCK is not set")
		return
	}
	if err := agent.ForwardToRemote(client, sock); err != nil {
		slog.Warn("Agent forwarding failed", "error", err)
		return
	}
	if err := agent.RequestAgentForwarding(session); err != nil {
		slog.Warn("Agent forwarding request refused", "error", err)
	}
}

// wait tears the handle down when the remote shell or the transport ends.
func (h *Handle) wait(session *ssh.Session) {
	err := session.Wait()
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		// the user exited the shell with a status; not a failure
		err = nil
	}
	if err != nil {
		h.shutdown(newError("session", ErrTransport, fmt.Errorf("remote shell ended: %w", err)))
		return
	}
	h.shutdown(nil)
}

// watchTransport notices a dead connection even while nothing drains the
// shell output and session.Wait is stuck behind the output copier.
func (h *Handle) watchTransport(client *ssh.Client) {
	err := client.Wait()
	if err == nil {
		err = io.EOF
	}
	h.shutdown(newError("session", ErrTransport, fmt.Errorf("connection lost: %w", err)))
}

func (h *Handle) fail(err error) error {
	h.mu.Lock()
	h.openErr = err
	h.mu.Unlock()
	h.shutdown(err)
	return err
}

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Err reports why the handle closed. It is nil while the handle is open and
// after a clean end (explicit Close or the shell exiting normally).
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cause
}

// Done is closed once the handle reaches StateClosed.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) Info() DialInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.info
}

func (h *Handle) Size() (cols, rows int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.opts.Cols, h.opts.Rows
}

// Read returns merged stdout/stderr bytes in arrival order. After Close it
// returns an error promptly, even while blocked.
func (h *Handle) Read(p []byte) (int, error) {
	n, err := h.outR.Read(p)
	if n > 0 {
		h.bytesOut.Add(int64(n))
		h.touch()
	}
	return n, err
}

// Write sends raw bytes to the shell's stdin.
func (h *Handle) Write(p []byte) (int, error) {
	h.mu.Lock()
	stdin, state := h.stdin, h.state
	h.mu.Unlock()
	if state != StateReady || stdin == nil {
		return 0, errClosed
	}
	n, err := stdin.Write(p)
	if n > 0 {
		h.bytesIn.Add(int64(n))
		h.touch()
	}
	return n, err
}

// Resize forwards a window-change to the remote PTY. Dimensions are clamped.
func (h *Handle) Resize(cols, rows int) error {
	cols, rows = ClampSize(cols, rows)
	h.mu.Lock()
	session, state := h.session, h.state
	if state == StateReady {
		h.opts.Cols, h.opts.Rows = cols, rows
	}
	h.mu.Unlock()
	if state != StateReady || session == nil {
		return errClosed
	}
	h.touch()
	return session.WindowChange(rows, cols)
}

// attach claims the handle for one viewer. It reports false when another
// viewer already holds it.
func (h *Handle) attach() bool {
	return h.attached.CompareAndSwap(false, true)
}

func (h *Handle) detach() {
	h.attached.Store(false)
}

// Attached reports whether a viewer is relaying the handle.
func (h *Handle) Attached() bool {
	return h.attached.Load()
}

func (h *Handle) LastActivity() time.Time {
	return time.Unix(0, h.lastActivity.Load())
}

func (h *Handle) Stats() (bytesIn, bytesOut int64) {
	return h.bytesIn.Load(), h.bytesOut.Load()
}

func (h *Handle) touch() {
	h.lastActivity.Store(time.Now().UnixNano())
}

// Close is idempotent and safe to call concurrently with Read and Write.
func (h *Handle) Close() error {
	h.shutdown(nil)
	return nil
}

func (h *Handle) shutdown(cause error) {
	h.mu.Lock()
	if h.state == StateClosing || h.state == StateClosed {
		h.mu.Unlock()
		return
	}
	h.state = StateClosing
	h.cause = cause
	session, client := h.session, h.client
	h.mu.Unlock()

	if cause == nil {
		h.outW.CloseWithError(errClosed)
	} else {
		h.outW.CloseWithError(cause)
	}
	if session != nil {
		session.Close()
	}
	if client != nil {
		client.Close()
	}

	h.mu.Lock()
	h.state = StateClosed
	h.mu.Unlock()

	h.readyOnce.Do(func() { close(h.ready) })
	h.doneOnce.Do(func() { close(h.done) })
	if h.onClosed != nil {
		h.onClosed(h)
	}
	slog.Info("SSH session closed", "session_id", h.ID, "connection_id", h.ConnectionID, "cause", cause)
}

// ClampSize bounds terminal dimensions to 1..MaxCols by 1..MaxRows.
func ClampSize(cols, rows int) (int, int) {
	return clamp(cols, 1, MaxCols), clamp(rows, 1, MaxRows)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
