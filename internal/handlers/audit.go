package handlers

import (
	"encoding/json"
	"log/slog"

	"github.com/ahmetk3436/sshdeck/internal/models"
	"github.com/gofiber/fiber/v2"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type AuditHandler struct {
	db *gorm.DB
}

func NewAuditHandler(db *gorm.DB) *AuditHandler {
	return &AuditHandler{db: db}
}

// ListAuditLogs returns paginated audit logs, filterable by actor and action.
func (h *AuditHandler) ListAuditLogs(c *fiber.Ctx) error {
	page, perPage := pagination(c, 50, 200)
	query := h.db.WithContext(c.UserContext()).Model(&models.AuditLog{})

	if v := c.Query("actor"); v != "" {
		query = query.Where("actor = ?", v)
	}
	if v := c.Query("action"); v != "" {
		query = query.Where("action = ?", v)
	}

	var total int64
	query.Count(&total)

	var logs []models.AuditLog
	if err := query.Order("created_at DESC").
		Offset((page - 1) * perPage).
		Limit(perPage).
		Find(&logs).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   true,
			"message": "Failed to list audit logs",
		})
	}

	return c.JSON(fiber.Map{
		"logs":     logs,
		"total":    total,
		"page":     page,
		"per_page": perPage,
	})
}

// CreateAuditLog records an audit entry. Failures are logged, never
// surfaced to the request that caused them.
func CreateAuditLog(db *gorm.DB, actor, action, target string, details map[string]interface{}) {
	var detailsJSON datatypes.JSON
	if details != nil {
		if b, err := json.Marshal(details); err == nil {
			detailsJSON = datatypes.JSON(b)
		}
	}

	entry := models.AuditLog{
		Actor:   actor,
		Action:  action,
		Target:  target,
		Details: detailsJSON,
	}
	if err := db.Create(&entry).Error; err != nil {
		slog.Warn("Failed to write audit log", "action", action, "error", err)
	}
}
