package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/ahmetk3436/sshdeck/internal/pubsub"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
)

var eventChannels = []string{pubsub.ChannelSSHOutput, pubsub.ChannelDockerEvents}

// EventHandler relays bus messages to WebSocket clients.
type EventHandler struct {
	bus pubsub.Bus
}

func NewEventHandler(bus pubsub.Bus) *EventHandler {
	return &EventHandler{bus: bus}
}

// channelsFor picks the requested channels (?channels=ssh:output,...),
// ignoring unknown names. No selection means all of them.
func channelsFor(query string) []string {
	if query == "" {
		return eventChannels
	}
	var out []string
	for _, want := range strings.Split(query, ",") {
		for _, ch := range eventChannels {
			if strings.TrimSpace(want) == ch {
				out = append(out, ch)
			}
		}
	}
	if len(out) == 0 {
		return eventChannels
	}
	return out
}

// Events sends every message as {"channel": ..., "payload": {...}}.
func (h *EventHandler) Events() fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		ch := newWSChannel(c)
		defer ch.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sub, err := h.bus.Subscribe(ctx, channelsFor(c.Query("channels"))...)
		if err != nil {
			slog.Error("Event subscribe failed", "error", err)
			ch.sendControl(wsControl{Type: "error", Message: "Failed to subscribe to events"})
			return
		}
		defer sub.Close()

		go func() {
			defer cancel()
			for {
				if _, _, err := c.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Messages():
				if !ok {
					return
				}
				b, err := json.Marshal(msg)
				if err != nil {
					continue
				}
				if err := ch.write(websocket.TextMessage, b); err != nil {
					return
				}
			}
		}
	})
}
