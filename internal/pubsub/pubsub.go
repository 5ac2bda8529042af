// Package pubsub fans events (command output, docker actions) out to
// WebSocket subscribers, through Redis when configured.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

const (
	ChannelSSHOutput    = "ssh:output"
	ChannelDockerEvents = "docker:events"
)

const subscriberBuffer = 64

type Message struct {
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
}

type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)
	Close() error
}

type Subscription interface {
	Messages() <-chan Message
	Close() error
}

func PublishJSON(ctx context.Context, bus Bus, channel string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return bus.Publish(ctx, channel, b)
}

// MemoryBus is a single-process bus. A subscriber that falls behind loses
// messages instead of blocking publishers.
type MemoryBus struct {
	mu   sync.Mutex
	subs map[string]map[*memorySub]struct{}
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[*memorySub]struct{})}
}

func (b *MemoryBus) Publish(ctx context.Context, channel string, payload []byte) error {
	msg := Message{Channel: channel, Payload: append([]byte(nil), payload...)}
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs[channel] {
		select {
		case s.ch <- msg:
		default:
			slog.Debug("Dropping event for slow subscriber", "channel", channel)
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	s := &memorySub{bus: b, channels: channels, ch: make(chan Message, subscriberBuffer)}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range channels {
		if b.subs[c] == nil {
			b.subs[c] = make(map[*memorySub]struct{})
		}
		b.subs[c][s] = struct{}{}
	}
	return s, nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, set := range b.subs {
		for s := range set {
			s.closeLocked()
		}
	}
	b.subs = make(map[string]map[*memorySub]struct{})
	return nil
}

type memorySub struct {
	bus      *MemoryBus
	channels []string
	ch       chan Message
	closed   bool
}

func (s *memorySub) Messages() <-chan Message { return s.ch }

func (s *memorySub) Close() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.closeLocked()
	return nil
}

func (s *memorySub) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	for _, c := range s.channels {
		delete(s.bus.subs[c], s)
	}
	close(s.ch)
}

type RedisBus struct {
	client *redis.Client
}

func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	ps := b.client.Subscribe(ctx, channels...)
	// wait for the subscription to be confirmed
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	s := &redisSub{ps: ps, ch: make(chan Message, subscriberBuffer), done: make(chan struct{})}
	go func() {
		defer close(s.ch)
		for m := range ps.Channel() {
			select {
			case s.ch <- Message{Channel: m.Channel, Payload: json.RawMessage(m.Payload)}:
			case <-s.done:
				return
			}
		}
	}()
	return s, nil
}

// Close is a no-op; the redis client is owned by main.
func (b *RedisBus) Close() error { return nil }

type redisSub struct {
	ps   *redis.PubSub
	ch   chan Message
	done chan struct{}
	once sync.Once
}

func (s *redisSub) Messages() <-chan Message { return s.ch }

func (s *redisSub) Close() error {
	s.once.Do(func() { close(s.done) })
	return s.ps.Close()
}
