package handlers

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/ahmetk3436/sshdeck/internal/config"
	"github.com/ahmetk3436/sshdeck/internal/middleware"
	"github.com/gofiber/fiber/v2"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const minPasswordLen = 8

type AuthHandler struct {
	cfg *config.Config
	db  *gorm.DB

	mu           sync.RWMutex
	passwordHash []byte
}

func NewAuthHandler(cfg *config.Config, db *gorm.DB) *AuthHandler {
	// Hash the admin password on startup
	hash, err := bcrypt.GenerateFromPassword([]byte(cfg.AdminPassword), bcrypt.DefaultCost)
	if err != nil {
		slog.Error("Failed to hash admin password", "error", err)
	}
	if cfg.AdminPassword == "" {
		slog.Warn("ADMIN_PASSWORD is empty, login is disabled")
		hash = nil
	}
	return &AuthHandler{cfg: cfg, db: db, passwordHash: hash}
}

func (h *AuthHandler) checkPassword(password string) bool {
	h.mu.RLock()
	hash := h.passwordHash
	h.mu.RUnlock()
	if hash == nil {
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil
}

func (h *AuthHandler) Login(c *fiber.Ctx) error {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	if req.Username != h.cfg.AdminUsername || !h.checkPassword(req.Password) {
		CreateAuditLog(h.db, req.Username, "auth.login_failed", c.IP(), nil)
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error":   true,
			"message": "Invalid credentials",
		})
	}

	resp, err := h.tokenResponse(req.Username, h.cfg.AdminDisplayName, h.cfg.AdminRole)
	if err != nil {
		slog.Error("Failed to generate tokens", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   true,
			"message": "Failed to generate tokens",
		})
	}
	CreateAuditLog(h.db, req.Username, "auth.login", c.IP(), nil)
	return c.JSON(resp)
}

func (h *AuthHandler) Refresh(c *fiber.Ctx) error {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	claims, err := middleware.ParseToken(req.RefreshToken, h.cfg.JWTSecret)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error":   true,
			"message": "Invalid or expired refresh token",
		})
	}

	resp, err := h.tokenResponse(claims.Username, claims.DisplayName, claims.Role)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   true,
			"message": "Failed to generate tokens",
		})
	}
	return c.JSON(resp)
}

func (h *AuthHandler) tokenResponse(username, displayName, role string) (fiber.Map, error) {
	access, refresh, err := middleware.GenerateTokens(username, h.cfg.JWTSecret, displayName, role)
	if err != nil {
		return nil, err
	}
	return fiber.Map{
		"access_token":  access,
		"refresh_token": refresh,
		"user": fiber.Map{
			"username":        username,
			"display_name":    displayName,
			"role":            role,
			"avatar_initials": buildInitials(displayName),
		},
	}, nil
}

func (h *AuthHandler) Me(c *fiber.Ctx) error {
	username, _ := c.Locals("username").(string)
	displayName, _ := c.Locals("display_name").(string)
	role, _ := c.Locals("role").(string)

	return c.JSON(fiber.Map{
		"username":        username,
		"display_name":    displayName,
		"role":            role,
		"avatar_initials": buildInitials(displayName),
	})
}

func (h *AuthHandler) ChangePassword(c *fiber.Ctx) error {
	var req struct {
		OldPassword string `json:"old_password"`
		NewPassword string `json:"new_password"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if req.OldPassword == "" || req.NewPassword == "" {
		return badRequest(c, "Both old_password and new_password are required")
	}
	if len(req.NewPassword) < minPasswordLen {
		return badRequest(c, "New password must be at least 8 characters")
	}

	if !h.checkPassword(req.OldPassword) {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error":   true,
			"message": "Current password is incorrect",
		})
	}

	newHash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		slog.Error("Failed to hash new password", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   true,
			"message": "Failed to update password",
		})
	}

	h.mu.Lock()
	h.passwordHash = newHash
	h.mu.Unlock()

	slog.Info("Admin password changed")
	CreateAuditLog(h.db, actor(c), "auth.password_change", "", nil)
	return c.JSON(fiber.Map{
		"message": "Password changed successfully",
	})
}

// buildInitials extracts uppercase initials from a display name.
// e.g. "Jane Doe" -> "JD", "Jane" -> "J"
func buildInitials(name string) string {
	parts := strings.Fields(name)
	if len(parts) == 0 {
		return "?"
	}
	initials := ""
	for _, p := range parts {
		initials += strings.ToUpper(p[:1])
	}
	if len(initials) > 2 {
		initials = initials[:2]
	}
	return initials
}
