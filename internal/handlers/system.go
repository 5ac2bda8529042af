package handlers

import (
	"time"

	"github.com/ahmetk3436/sshdeck/internal/models"
	"github.com/ahmetk3436/sshdeck/internal/sshsession"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

var startTime = time.Now()
var Version = "1.0.0"

type SystemHandler struct {
	db      *gorm.DB
	manager *sshsession.Manager
}

func NewSystemHandler(db *gorm.DB, manager *sshsession.Manager) *SystemHandler {
	return &SystemHandler{db: db, manager: manager}
}

func (h *SystemHandler) Health(c *fiber.Ctx) error {
	dbStatus := "ok"
	statusCode := fiber.StatusOK

	sqlDB, err := h.db.DB()
	if err != nil {
		dbStatus = "error: " + err.Error()
		statusCode = fiber.StatusServiceUnavailable
	} else if err := sqlDB.PingContext(c.UserContext()); err != nil {
		dbStatus = "unreachable: " + err.Error()
		statusCode = fiber.StatusServiceUnavailable
	}

	overall := "ok"
	if statusCode != fiber.StatusOK {
		overall = "degraded"
	}

	return c.Status(statusCode).JSON(fiber.Map{
		"status":  overall,
		"service": "sshdeck",
		"version": Version,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"uptime":  time.Since(startTime).String(),
		"db":      dbStatus,
	})
}

func (h *SystemHandler) Info(c *fiber.Ctx) error {
	db := h.db.WithContext(c.UserContext())
	var connTotal, connOnline, cmdCount, sessionCount int64
	db.Model(&models.Connection{}).Count(&connTotal)
	db.Model(&models.Connection{}).Where("status = ?", models.StatusConnected).Count(&connOnline)
	db.Model(&models.CommandHistory{}).Count(&cmdCount)
	db.Model(&models.TerminalSession{}).Count(&sessionCount)

	return c.JSON(fiber.Map{
		"version": Version,
		"uptime":  time.Since(startTime).String(),
		"connections": fiber.Map{
			"total":     connTotal,
			"connected": connOnline,
		},
		"commands_executed": cmdCount,
		"terminal_sessions": sessionCount,
		"active_sessions":   len(h.manager.List("")),
		"shell_policy":      h.manager.Policy(),
	})
}
