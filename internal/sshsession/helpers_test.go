package sshsession

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ahmetk3436/sshdeck/internal/sshtest"
)

type memStore struct {
	mu    sync.Mutex
	descs map[string]Descriptor
}

func newMemStore() *memStore {
	return &memStore{descs: make(map[string]Descriptor)}
}

func (s *memStore) put(d Descriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.descs[d.ID] = d
}

func (s *memStore) FindConnection(ctx context.Context, id string) (Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.descs[id]
	if !ok {
		return Descriptor{}, fmt.Errorf("connection %s: %w", id, ErrNotFound)
	}
	return d, nil
}

func descriptorFor(srv *sshtest.Server, id, password string) Descriptor {
	return Descriptor{
		ID:       id,
		Name:     id,
		Host:     srv.Host,
		Port:     srv.Port,
		Username: srv.User,
		Password: password,
	}
}

// fakeChannel is an in-memory Channel. Frames the bridge sends land in out.
type fakeChannel struct {
	in     chan Frame
	out    chan Frame
	closed chan struct{}
	once   sync.Once
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		in:     make(chan Frame, 16),
		out:    make(chan Frame, 1024),
		closed: make(chan struct{}),
	}
}

func (c *fakeChannel) Receive() (Frame, error) {
	select {
	case f := <-c.in:
		return f, nil
	case <-c.closed:
		return Frame{}, io.EOF
	}
}

func (c *fakeChannel) Send(f Frame) error {
	select {
	case <-c.closed:
		return errors.New("channel closed")
	default:
	}
	c.out <- f
	return nil
}

func (c *fakeChannel) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeChannel) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// awaitOutput reads output frames until their concatenation contains want.
// The PTY turns \n into \r\n, so line endings are compared normalised.
func awaitOutput(t *testing.T, ch *fakeChannel, want string, timeout time.Duration) string {
	t.Helper()
	var got strings.Builder
	deadline := time.After(timeout)
	for {
		select {
		case f := <-ch.out:
			if f.Kind == FrameOutput {
				got.Write(f.Data)
				if norm := strings.ReplaceAll(got.String(), "\r\n", "\n"); strings.Contains(norm, want) {
					return norm
				}
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q, got %q", want, got.String())
			return ""
		}
	}
}

// drainFrames collects everything left in out after the bridge returned.
func drainFrames(ch *fakeChannel) []Frame {
	var frames []Frame
	for {
		select {
		case f := <-ch.out:
			frames = append(frames, f)
		default:
			return frames
		}
	}
}

func controlFrames(frames []Frame) []Frame {
	var out []Frame
	for _, f := range frames {
		if f.Kind != FrameOutput {
			out = append(out, f)
		}
	}
	return out
}

func mustAtoi(t *testing.T, s string) int {
	t.Helper()
	n, err := strconv.Atoi(s)
	if err != nil {
		t.Fatalf("atoi %q: %v", s, err)
	}
	return n
}
