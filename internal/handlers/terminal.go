package handlers

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/ahmetk3436/sshdeck/internal/sshsession"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

type TerminalHandler struct {
	sessions *SessionHandler
	bridge   *sshsession.Bridge
}

func NewTerminalHandler(sessions *SessionHandler, bridge *sshsession.Bridge) *TerminalHandler {
	return &TerminalHandler{sessions: sessions, bridge: bridge}
}

// UpgradeCheck is middleware that checks if the request is a websocket upgrade
func UpgradeCheck() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}
}

// HandleTerminal opens a new shell on the connection and bridges it to the
// socket. Query parameters term, cols and rows size the PTY.
func (h *TerminalHandler) HandleTerminal() fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		ch := newWSChannel(c)
		connID, err := uuid.Parse(c.Params("id"))
		if err != nil {
			ch.sendControl(wsControl{Type: string(sshsession.FrameError), Message: "Invalid connection ID", Reason: "invalid"})
			ch.Close()
			return
		}

		who, _ := c.Locals("username").(string)
		opts := sshsession.ShellOptions{
			Term: c.Query("term"),
			Cols: queryInt(c, "cols"),
			Rows: queryInt(c, "rows"),
		}
		handle, err := h.sessions.open(context.Background(), connID, opts, who)
		if err != nil {
			slog.Warn("Terminal open failed", "connection_id", connID, "reason", sshsession.Reason(err), "error", err)
			ch.sendError(err)
			ch.Close()
			return
		}
		CreateAuditLog(h.sessions.db, who, "session.open", handle.ID, map[string]interface{}{"connection_id": connID.String()})

		h.run(handle, ch)
	})
}

// HandleAttach bridges the socket to a session opened earlier through the
// sessions API.
func (h *TerminalHandler) HandleAttach() fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		ch := newWSChannel(c)
		handle, err := h.sessions.manager.Get(c.Params("id"))
		if err != nil {
			ch.sendError(err)
			ch.Close()
			return
		}
		h.run(handle, ch)
	})
}

func (h *TerminalHandler) run(handle *sshsession.Handle, ch *wsChannel) {
	slog.Info("Terminal session started", "session_id", handle.ID, "connection_id", handle.ConnectionID)
	if err := h.bridge.Run(context.Background(), handle, ch); err != nil {
		slog.Warn("Terminal session ended abnormally", "session_id", handle.ID, "error", err)
	}
}

func queryInt(c *websocket.Conn, key string) int {
	n, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return 0
	}
	return n
}
