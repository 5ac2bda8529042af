package sshsession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Policy decides what a second interactive Open for the same connection does.
type Policy string

const (
	// PolicyReject fails the second Open with ErrAlreadyOpen.
	PolicyReject Policy = "reject"
	// PolicyReuse waits for the existing shell and returns it.
	PolicyReuse Policy = "reuse"
)

// Manager owns the session-id table. At most one connecting or ready shell
// exists per connection id.
type Manager struct {
	store  Store
	dialer *Dialer
	policy Policy

	mu       sync.Mutex
	sessions map[string]*Handle // session id -> handle
	shells   map[string]*Handle // connection id -> its interactive shell
	onClose  []func(*Handle)
}

func NewManager(store Store, dialer *Dialer, policy Policy) *Manager {
	if dialer == nil {
		dialer = NewDialer(DefaultConnectTimeout)
	}
	if policy != PolicyReuse {
		policy = PolicyReject
	}
	return &Manager{
		store:    store,
		dialer:   dialer,
		policy:   policy,
		sessions: make(map[string]*Handle),
		shells:   make(map[string]*Handle),
	}
}

func (m *Manager) Policy() Policy {
	return m.policy
}

// Open dials connectionID and starts a login shell with a PTY. The slot for
// the connection is reserved before dialing so two concurrent opens cannot
// both succeed under PolicyReject.
func (m *Manager) Open(ctx context.Context, connectionID string, opts ShellOptions) (*Handle, error) {
	desc, err := m.store.FindConnection(ctx, connectionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, newError("open", ErrNotFound, err)
		}
		return nil, fmt.Errorf("open: lookup connection: %w", err)
	}

	m.mu.Lock()
	if existing := m.shells[connectionID]; existing != nil {
		m.mu.Unlock()
		if m.policy == PolicyReuse {
			return m.awaitExisting(ctx, existing)
		}
		return nil, newError("open", ErrAlreadyOpen, fmt.Errorf("connection %s already has session %s", connectionID, existing.ID))
	}
	h := newHandle(uuid.NewString(), connectionID, m.release)
	m.sessions[h.ID] = h
	m.shells[connectionID] = h
	m.mu.Unlock()

	slog.Info("Opening SSH session", "session_id", h.ID, "connection_id", connectionID, "host", desc.Host)

	client, info, err := m.dialer.Dial(ctx, desc)
	if err != nil {
		return nil, h.fail(wrapOp("open", err))
	}
	if err := h.start(client, info, desc, opts); err != nil {
		return nil, err
	}
	return h, nil
}

func (m *Manager) awaitExisting(ctx context.Context, h *Handle) (*Handle, error) {
	select {
	case <-h.ready:
	case <-ctx.Done():
		return nil, newError("open", ErrTimeout, ctx.Err())
	}

	h.mu.Lock()
	state, openErr := h.state, h.openErr
	h.mu.Unlock()
	if state == StateReady {
		return h, nil
	}
	if openErr != nil {
		return nil, openErr
	}
	return nil, newError("open", ErrNotFound, fmt.Errorf("session %s closed", h.ID))
}

// Get returns a handle that has not been closed.
func (m *Manager) Get(sessionID string) (*Handle, error) {
	m.mu.Lock()
	h := m.sessions[sessionID]
	m.mu.Unlock()
	if h == nil || h.State() == StateClosed {
		return nil, newError("get", ErrNotFound, fmt.Errorf("session %s", sessionID))
	}
	return h, nil
}

// Close tears a session down. Unknown or already closed ids return nil.
func (m *Manager) Close(sessionID string) error {
	m.mu.Lock()
	h := m.sessions[sessionID]
	m.mu.Unlock()
	if h == nil {
		return nil
	}
	return h.Close()
}

// List returns live handles, oldest first. An empty connectionID lists all.
func (m *Manager) List(connectionID string) []*Handle {
	m.mu.Lock()
	out := make([]*Handle, 0, len(m.sessions))
	for _, h := range m.sessions {
		if connectionID == "" || h.ConnectionID == connectionID {
			out = append(out, h)
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// CloseIdle closes handles with no traffic for longer than maxIdle and
// returns how many it closed.
func (m *Manager) CloseIdle(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	closed := 0
	for _, h := range m.List("") {
		if h.State() == StateReady && h.LastActivity().Before(cutoff) {
			slog.Info("Closing idle SSH session", "session_id", h.ID, "idle", time.Since(h.LastActivity()).Round(time.Second))
			h.Close()
			closed++
		}
	}
	return closed
}

func (m *Manager) CloseAll() {
	handles := m.List("")
	for _, h := range handles {
		h.Close()
	}
	slog.Info("All SSH sessions closed", "count", len(handles))
}

// OnClose registers fn to run once for every handle that reaches
// StateClosed, whoever closed it. Register before the first Open.
func (m *Manager) OnClose(fn func(*Handle)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onClose = append(m.onClose, fn)
}

// release drops a closed handle from both tables.
func (m *Manager) release(h *Handle) {
	m.mu.Lock()
	if m.sessions[h.ID] == h {
		delete(m.sessions, h.ID)
	}
	if m.shells[h.ConnectionID] == h {
		delete(m.shells, h.ConnectionID)
	}
	hooks := m.onClose
	m.mu.Unlock()

	for _, fn := range hooks {
		fn(h)
	}
}

func wrapOp(op string, err error) error {
	var se *Error
	if errors.As(err, &se) {
		return &Error{Op: op, Kind: se.Kind, Err: se.Err}
	}
	return classify(op, err)
}
