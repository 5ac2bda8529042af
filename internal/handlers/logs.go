package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ahmetk3436/sshdeck/internal/remotelogs"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
)

type LogHandler struct {
	logs *remotelogs.Service
}

func NewLogHandler(logs *remotelogs.Service) *LogHandler {
	return &LogHandler{logs: logs}
}

type queryer interface {
	Query(key string, defaultValue ...string) string
}

func logRequest(q queryer) remotelogs.Request {
	req := remotelogs.Request{
		Source:    remotelogs.Source(q.Query("source", string(remotelogs.SourceJournal))),
		Unit:      q.Query("unit"),
		Path:      q.Query("path"),
		Container: q.Query("container"),
	}
	req.Lines, _ = strconv.Atoi(q.Query("lines"))
	return req
}

// GetLogs returns the last lines of a journal unit, a file or a container.
func (h *LogHandler) GetLogs(c *fiber.Ctx) error {
	connID, err := parseID(c)
	if err != nil {
		return badRequest(c, "Invalid connection ID")
	}
	req := logRequest(c)
	out, err := h.logs.Fetch(c.UserContext(), connID.String(), req)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"source": req.Source,
		"logs":   out,
	})
}

// StreamLogs follows a log as server-sent events, one event per line.
func (h *LogHandler) StreamLogs(c *fiber.Ctx) error {
	connID, err := parseID(c)
	if err != nil {
		return badRequest(c, "Invalid connection ID")
	}
	req := logRequest(c)
	if err := req.Validate(); err != nil {
		return respondError(c, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	lines, err := h.logs.Follow(ctx, connID.String(), req)
	if err != nil {
		cancel()
		return respondError(c, err)
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	c.Context().SetBodyStreamWriter(sseWriter(lines, cancel))
	return nil
}

// sseHeartbeat is how often an idle stream writes a comment line, so a
// vanished client is noticed even when the remote log is quiet.
var sseHeartbeat = 15 * time.Second

func sseWriter(lines <-chan string, cancel context.CancelFunc) fasthttp.StreamWriter {
	return func(w *bufio.Writer) {
		defer cancel()
		ticker := time.NewTicker(sseHeartbeat)
		defer ticker.Stop()
		for {
			select {
			case line, ok := <-lines:
				if !ok {
					fmt.Fprint(w, "event: end\ndata: {}\n\n")
					w.Flush()
					return
				}
				fmt.Fprintf(w, "data: %s\n\n", strings.TrimRight(line, "\r"))
			case <-ticker.C:
				fmt.Fprint(w, ": ping\n\n")
			}
			if err := w.Flush(); err != nil {
				// client went away
				return
			}
		}
	}
}

type logLine struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// FollowLogs streams log lines over a WebSocket until either side ends.
func (h *LogHandler) FollowLogs() fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		ch := newWSChannel(c)
		defer ch.Close()

		connID, err := uuid.Parse(c.Params("id"))
		if err != nil {
			ch.sendControl(wsControl{Type: "error", Message: "Invalid connection ID", Reason: "invalid"})
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		// any read error means the browser is gone
		go func() {
			defer cancel()
			for {
				if _, _, err := c.ReadMessage(); err != nil {
					return
				}
			}
		}()

		lines, err := h.logs.Follow(ctx, connID.String(), logRequest(c))
		if err != nil {
			ch.sendError(err)
			return
		}
		ch.sendControl(wsControl{Type: "connect", Message: "Following logs"})

		for line := range lines {
			b, _ := json.Marshal(logLine{Type: "line", Data: line})
			if err := ch.write(websocket.TextMessage, b); err != nil {
				slog.Debug("Log follower write failed", "connection_id", connID, "error", err)
				return
			}
		}
		ch.sendControl(wsControl{Type: "disconnect", Message: "Log stream ended"})
	})
}
