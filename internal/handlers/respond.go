package handlers

import (
	"errors"
	"log/slog"

	"github.com/ahmetk3436/sshdeck/internal/dockerremote"
	"github.com/ahmetk3436/sshdeck/internal/remotelogs"
	"github.com/ahmetk3436/sshdeck/internal/sftpfs"
	"github.com/ahmetk3436/sshdeck/internal/sshconfig"
	"github.com/ahmetk3436/sshdeck/internal/sshsession"
	"github.com/ahmetk3436/sshdeck/internal/store"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

func badRequest(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error":   true,
		"message": message,
	})
}

// statusFor maps a domain error onto an HTTP status and a reason token.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fiber.StatusNotFound, "not_found"
	case errors.Is(err, store.ErrDuplicateName):
		return fiber.StatusConflict, "duplicate_name"
	case errors.Is(err, store.ErrInvalid), errors.Is(err, sshsession.ErrInvalid):
		return fiber.StatusBadRequest, "invalid"
	case errors.Is(err, sftpfs.ErrInvalidPath), errors.Is(err, dockerremote.ErrInvalidAction),
		errors.Is(err, remotelogs.ErrInvalidRequest), errors.Is(err, sshconfig.ErrInvalidUpload),
		errors.Is(err, sshconfig.ErrInvalidPath), errors.Is(err, sshconfig.ErrEmpty):
		return fiber.StatusBadRequest, "invalid"
	case errors.Is(err, sftpfs.ErrTooLarge):
		return fiber.StatusRequestEntityTooLarge, "too_large"
	case errors.Is(err, sftpfs.ErrNotExist), errors.Is(err, dockerremote.ErrContainerNotFound):
		return fiber.StatusNotFound, "not_found"
	case errors.Is(err, dockerremote.ErrDaemon):
		return fiber.StatusBadGateway, "docker_error"
	}

	var se *sshsession.Error
	if !errors.As(err, &se) {
		return fiber.StatusInternalServerError, "internal"
	}
	reason := sshsession.Reason(err)
	switch {
	case errors.Is(err, sshsession.ErrNotFound):
		return fiber.StatusNotFound, reason
	case errors.Is(err, sshsession.ErrAuthFailed):
		return fiber.StatusUnauthorized, reason
	case errors.Is(err, sshsession.ErrAlreadyOpen):
		return fiber.StatusConflict, reason
	case errors.Is(err, sshsession.ErrTimeout):
		return fiber.StatusGatewayTimeout, reason
	default:
		return fiber.StatusBadGateway, reason
	}
}

// respondError writes the error envelope for err. Internal errors are
// logged and their text is not sent to the client.
func respondError(c *fiber.Ctx, err error) error {
	code, reason := statusFor(err)
	message := err.Error()
	if code == fiber.StatusInternalServerError {
		slog.Error("Request failed", "method", c.Method(), "path", c.Path(), "error", err)
		message = "Internal server error"
	}
	return c.Status(code).JSON(fiber.Map{
		"error":   true,
		"message": message,
		"reason":  reason,
	})
}

func parseID(c *fiber.Ctx) (uuid.UUID, error) {
	return uuid.Parse(c.Params("id"))
}

func actor(c *fiber.Ctx) string {
	if u, ok := c.Locals("username").(string); ok && u != "" {
		return u
	}
	return "system"
}

func pagination(c *fiber.Ctx, defPerPage, maxPerPage int) (page, perPage int) {
	page = c.QueryInt("page", 1)
	perPage = c.QueryInt("per_page", defPerPage)
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > maxPerPage {
		perPage = defPerPage
	}
	return page, perPage
}
