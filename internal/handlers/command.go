package handlers

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/ahmetk3436/sshdeck/internal/models"
	"github.com/ahmetk3436/sshdeck/internal/pubsub"
	"github.com/ahmetk3436/sshdeck/internal/sshsession"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	maxExecTargets  = 100
	maxExecTimeout  = 10 * time.Minute
	execStatusError = "error"
)

// OutputEvent is published on pubsub.ChannelSSHOutput for every command run
// through the API.
type OutputEvent struct {
	ConnectionID string    `json:"connection_id"`
	Command      string    `json:"command"`
	Stdout       string    `json:"stdout"`
	Stderr       string    `json:"stderr"`
	ExitCode     int       `json:"exit_code"`
	Status       string    `json:"status"`
	Error        string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

type CommandHandler struct {
	db       *gorm.DB
	executor *sshsession.Executor
	bus      pubsub.Bus
}

func NewCommandHandler(db *gorm.DB, executor *sshsession.Executor, bus pubsub.Bus) *CommandHandler {
	return &CommandHandler{db: db, executor: executor, bus: bus}
}

type execRequest struct {
	Command        string   `json:"command"`
	TimeoutSeconds int      `json:"timeout_seconds"`
	SaveHistory    *bool    `json:"save_history"`
	ConnectionIDs  []string `json:"connection_ids"`
}

func (r *execRequest) timeout() time.Duration {
	return min(time.Duration(max(r.TimeoutSeconds, 0))*time.Second, maxExecTimeout)
}

func (r *execRequest) saveHistory() bool {
	return r.SaveHistory == nil || *r.SaveHistory
}

// ExecCommand runs a one-shot command on one connection.
func (h *CommandHandler) ExecCommand(c *fiber.Ctx) error {
	connID, err := parseID(c)
	if err != nil {
		return badRequest(c, "Invalid connection ID")
	}
	var req execRequest
	if err := c.BodyParser(&req); err != nil || strings.TrimSpace(req.Command) == "" {
		return badRequest(c, "Command is required")
	}

	start := time.Now()
	res, execErr := h.executor.Execute(c.UserContext(), connID.String(), req.Command, req.timeout())
	entry := h.record(c.UserContext(), connID, req.Command, start, res, execErr, req.saveHistory())
	if execErr != nil {
		return respondError(c, execErr)
	}

	return c.JSON(fiber.Map{
		"id":          entry.ID,
		"command":     req.Command,
		"stdout":      res.Stdout,
		"stderr":      res.Stderr,
		"exit_code":   entry.ExitCode,
		"exit_known":  res.ExitKnown,
		"status":      entry.Status,
		"duration_ms": res.Duration.Milliseconds(),
	})
}

// ExecMany runs one command on several connections at once.
func (h *CommandHandler) ExecMany(c *fiber.Ctx) error {
	var req execRequest
	if err := c.BodyParser(&req); err != nil || strings.TrimSpace(req.Command) == "" {
		return badRequest(c, "Command is required")
	}
	if len(req.ConnectionIDs) == 0 || len(req.ConnectionIDs) > maxExecTargets {
		return badRequest(c, "connection_ids must list between 1 and 100 connections")
	}
	ids := make([]uuid.UUID, len(req.ConnectionIDs))
	for i, s := range req.ConnectionIDs {
		id, err := uuid.Parse(s)
		if err != nil {
			return badRequest(c, "Invalid connection ID: "+s)
		}
		ids[i] = id
	}

	start := time.Now()
	outcomes := h.executor.ExecuteMany(c.UserContext(), req.ConnectionIDs, req.Command, req.timeout())

	results := make([]fiber.Map, 0, len(outcomes))
	succeeded := 0
	for i, o := range outcomes {
		entry := h.record(c.UserContext(), ids[i], req.Command, start, o.Result, o.Err, req.saveHistory())
		item := fiber.Map{
			"connection_id": o.ConnectionID,
			"status":        entry.Status,
			"exit_code":     entry.ExitCode,
		}
		if o.Err != nil {
			item["error"] = o.Err.Error()
			item["reason"] = sshsession.Reason(o.Err)
		} else {
			item["stdout"] = o.Result.Stdout
			item["stderr"] = o.Result.Stderr
			item["duration_ms"] = o.Result.Duration.Milliseconds()
			if entry.Status == string(sshsession.ExecSuccess) {
				succeeded++
			}
		}
		results = append(results, item)
	}

	CreateAuditLog(h.db, actor(c), "command.execute_many", req.Command, map[string]interface{}{
		"targets":   len(ids),
		"succeeded": succeeded,
	})
	return c.JSON(fiber.Map{
		"command":   req.Command,
		"results":   results,
		"total":     len(results),
		"succeeded": succeeded,
	})
}

// record publishes the outcome and, when asked, stores it as history. Runs
// against unknown connections are neither published nor stored.
func (h *CommandHandler) record(ctx context.Context, connID uuid.UUID, command string, start time.Time, res *sshsession.Result, execErr error, save bool) models.CommandHistory {
	entry := models.CommandHistory{
		ConnectionID: connID,
		Command:      command,
		ExecutedAt:   start,
		ExitCode:     -1,
		Status:       execStatusError,
	}
	if execErr != nil {
		entry.Error = execErr.Error()
		entry.DurationMs = int(time.Since(start).Milliseconds())
	} else {
		entry.Stdout = res.Stdout
		entry.Stderr = res.Stderr
		entry.Status = string(res.Status())
		entry.DurationMs = int(res.Duration.Milliseconds())
		if res.ExitKnown {
			entry.ExitCode = res.ExitCode
		}
	}
	if errors.Is(execErr, sshsession.ErrNotFound) {
		return entry
	}

	ev := OutputEvent{
		ConnectionID: connID.String(),
		Command:      command,
		Stdout:       entry.Stdout,
		Stderr:       entry.Stderr,
		ExitCode:     entry.ExitCode,
		Status:       entry.Status,
		Error:        entry.Error,
		Timestamp:    time.Now().UTC(),
	}
	if err := pubsub.PublishJSON(ctx, h.bus, pubsub.ChannelSSHOutput, ev); err != nil {
		slog.Warn("Failed to publish command output", "error", err)
	}

	if save {
		if err := h.db.WithContext(ctx).Create(&entry).Error; err != nil {
			slog.Error("Failed to save command history", "connection_id", connID, "error", err)
		}
	}
	return entry
}

func (h *CommandHandler) GetHistory(c *fiber.Ctx) error {
	connID, err := parseID(c)
	if err != nil {
		return badRequest(c, "Invalid connection ID")
	}
	page, perPage := pagination(c, 50, 100)
	db := h.db.WithContext(c.UserContext())

	var total int64
	db.Model(&models.CommandHistory{}).Where("connection_id = ?", connID).Count(&total)

	var history []models.CommandHistory
	if err := db.Where("connection_id = ?", connID).
		Order("executed_at DESC").
		Offset((page - 1) * perPage).
		Limit(perPage).
		Find(&history).Error; err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"history":  history,
		"total":    total,
		"page":     page,
		"per_page": perPage,
	})
}

func (h *CommandHandler) ListFavorites(c *fiber.Ctx) error {
	var favorites []models.CommandHistory
	if err := h.db.WithContext(c.UserContext()).
		Where("is_favorite = ?", true).
		Order("executed_at DESC").
		Find(&favorites).Error; err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"favorites": favorites})
}

func (h *CommandHandler) ToggleFavorite(c *fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return badRequest(c, "Invalid command ID")
	}

	var cmd models.CommandHistory
	if err := h.db.WithContext(c.UserContext()).First(&cmd, "id = ?", id).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   true,
			"message": "Command not found",
		})
	}

	cmd.IsFavorite = !cmd.IsFavorite
	if err := h.db.WithContext(c.UserContext()).Model(&cmd).Update("is_favorite", cmd.IsFavorite).Error; err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"message":     "Favorite toggled",
		"is_favorite": cmd.IsFavorite,
	})
}

func (h *CommandHandler) DeleteFavorite(c *fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return badRequest(c, "Invalid command ID")
	}
	h.db.WithContext(c.UserContext()).Model(&models.CommandHistory{}).Where("id = ?", id).Update("is_favorite", false)
	return c.JSON(fiber.Map{"message": "Favorite removed"})
}
