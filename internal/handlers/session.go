package handlers

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ahmetk3436/sshdeck/internal/models"
	"github.com/ahmetk3436/sshdeck/internal/sshsession"
	"github.com/ahmetk3436/sshdeck/internal/store"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type sessionView struct {
	ID            string    `json:"id"`
	ConnectionID  string    `json:"connection_id"`
	State         string    `json:"state"`
	Cols          int       `json:"cols"`
	Rows          int       `json:"rows"`
	ServerVersion string    `json:"server_version"`
	Fingerprint   string    `json:"fingerprint"`
	CreatedAt     time.Time `json:"created_at"`
	LastActivity  time.Time `json:"last_activity"`
	BytesIn       int64     `json:"bytes_in"`
	BytesOut      int64     `json:"bytes_out"`
}

func viewOfSession(h *sshsession.Handle) sessionView {
	cols, rows := h.Size()
	info := h.Info()
	in, out := h.Stats()
	return sessionView{
		ID:            h.ID,
		ConnectionID:  h.ConnectionID,
		State:         h.State().String(),
		Cols:          cols,
		Rows:          rows,
		ServerVersion: info.ServerVersion,
		Fingerprint:   info.Fingerprint,
		CreatedAt:     h.CreatedAt,
		LastActivity:  h.LastActivity(),
		BytesIn:       in,
		BytesOut:      out,
	}
}

// SessionHandler manages interactive shells and keeps their
// models.TerminalSession rows in step with the live handles.
type SessionHandler struct {
	db      *gorm.DB
	store   *store.ConnectionStore
	manager *sshsession.Manager
}

func NewSessionHandler(db *gorm.DB, st *store.ConnectionStore, manager *sshsession.Manager) *SessionHandler {
	h := &SessionHandler{db: db, store: st, manager: manager}
	manager.OnClose(h.recordClose)
	return h
}

// open starts a shell and records it.
func (h *SessionHandler) open(ctx context.Context, connID uuid.UUID, opts sshsession.ShellOptions, who string) (*sshsession.Handle, error) {
	handle, err := h.manager.Open(ctx, connID.String(), opts)
	if err != nil {
		if unreachable(err) {
			h.setStatus(connID, models.StatusError)
		}
		return nil, err
	}

	cols, rows := handle.Size()
	row := models.TerminalSession{
		ID:           uuid.MustParse(handle.ID),
		ConnectionID: connID,
		Actor:        who,
		Status:       models.SessionActive,
		Cols:         cols,
		Rows:         rows,
		StartedAt:    handle.CreatedAt,
	}
	// reuse hands back a shell that already has a row
	if err := h.db.Where(models.TerminalSession{ID: row.ID}).FirstOrCreate(&row).Error; err != nil {
		slog.Error("Failed to record terminal session", "session_id", handle.ID, "error", err)
	}
	if handle.State() == sshsession.StateClosed {
		// closed before the row existed, so the hook found nothing to update
		h.recordClose(handle)
	}

	h.setStatus(connID, models.StatusConnected)
	return handle, nil
}

// unreachable reports open and session failures that say something about
// the host rather than about the request.
func unreachable(err error) bool {
	return errors.Is(err, sshsession.ErrAuthFailed) ||
		errors.Is(err, sshsession.ErrTimeout) ||
		errors.Is(err, sshsession.ErrTransport)
}

func (h *SessionHandler) setStatus(connID uuid.UUID, status string) {
	if err := h.store.SetStatus(context.Background(), connID, status); err != nil {
		slog.Warn("Failed to update connection status", "connection_id", connID, "status", status, "error", err)
	}
}

func (h *SessionHandler) recordClose(handle *sshsession.Handle) {
	now := time.Now()
	in, out := handle.Stats()
	status := models.SessionClosed
	reason := ""
	if err := handle.Err(); err != nil {
		status = models.SessionError
		reason = err.Error()
		if connID, perr := uuid.Parse(handle.ConnectionID); perr == nil && unreachable(err) {
			h.setStatus(connID, models.StatusError)
		}
	}

	err := h.db.Model(&models.TerminalSession{}).Where("id = ?", handle.ID).Updates(map[string]interface{}{
		"status":           status,
		"ended_at":         now,
		"duration_seconds": int(now.Sub(handle.CreatedAt).Seconds()),
		"bytes_in":         in,
		"bytes_out":        out,
		"end_reason":       reason,
	}).Error
	if err != nil {
		slog.Error("Failed to update terminal session", "session_id", handle.ID, "error", err)
	}
	slog.Info("Terminal session ended", "session_id", handle.ID, "status", status, "bytes_in", in, "bytes_out", out)
}

// OpenSession starts a shell that a terminal WebSocket attaches to later.
func (h *SessionHandler) OpenSession(c *fiber.Ctx) error {
	connID, err := parseID(c)
	if err != nil {
		return badRequest(c, "Invalid connection ID")
	}
	var req struct {
		Term string `json:"term"`
		Cols int    `json:"cols"`
		Rows int    `json:"rows"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "Invalid request body")
		}
	}

	handle, err := h.open(c.UserContext(), connID, sshsession.ShellOptions{Term: req.Term, Cols: req.Cols, Rows: req.Rows}, actor(c))
	if err != nil {
		return respondError(c, err)
	}
	CreateAuditLog(h.db, actor(c), "session.open", handle.ID, map[string]interface{}{"connection_id": connID.String()})
	return c.Status(fiber.StatusCreated).JSON(viewOfSession(handle))
}

// ListSessions returns live sessions, optionally for one connection.
func (h *SessionHandler) ListSessions(c *fiber.Ctx) error {
	handles := h.manager.List(c.Query("connection_id"))
	views := make([]sessionView, 0, len(handles))
	for _, s := range handles {
		views = append(views, viewOfSession(s))
	}
	return c.JSON(fiber.Map{
		"sessions": views,
		"policy":   h.manager.Policy(),
	})
}

func (h *SessionHandler) GetSession(c *fiber.Ctx) error {
	handle, err := h.manager.Get(c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(viewOfSession(handle))
}

// CloseSession is idempotent: unknown or finished sessions are not an error.
func (h *SessionHandler) CloseSession(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := h.manager.Close(id); err != nil {
		return respondError(c, err)
	}
	CreateAuditLog(h.db, actor(c), "session.close", id, nil)
	return c.JSON(fiber.Map{"message": "Session closed"})
}

// SessionHistory lists recorded terminal sessions, newest first.
func (h *SessionHandler) SessionHistory(c *fiber.Ctx) error {
	page, perPage := pagination(c, 50, 200)
	query := h.db.WithContext(c.UserContext()).Model(&models.TerminalSession{})
	if v := c.Query("connection_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return badRequest(c, "Invalid connection ID")
		}
		query = query.Where("connection_id = ?", id)
	}

	var total int64
	query.Count(&total)

	var sessions []models.TerminalSession
	if err := query.Order("started_at DESC").
		Offset((page - 1) * perPage).
		Limit(perPage).
		Find(&sessions).Error; err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"sessions": sessions,
		"total":    total,
		"page":     page,
		"per_page": perPage,
	})
}
