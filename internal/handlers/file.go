package handlers

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/ahmetk3436/sshdeck/internal/sftpfs"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// FileHandler serves remote files over SFTP.
type FileHandler struct {
	db    *gorm.DB
	files *sftpfs.Service
}

func NewFileHandler(db *gorm.DB, files *sftpfs.Service) *FileHandler {
	return &FileHandler{db: db, files: files}
}

// ListFiles returns a directory listing, directories first.
func (h *FileHandler) ListFiles(c *fiber.Ctx) error {
	connID, err := parseID(c)
	if err != nil {
		return badRequest(c, "Invalid connection ID")
	}
	dir := c.Query("path", "/")
	entries, err := h.files.List(c.UserContext(), connID.String(), dir)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"path":  dir,
		"files": entries,
	})
}

// ReadFile returns the content of a file (limited to 1MB).
func (h *FileHandler) ReadFile(c *fiber.Ctx) error {
	connID, err := parseID(c)
	if err != nil {
		return badRequest(c, "Invalid connection ID")
	}
	fc, err := h.files.Read(c.UserContext(), connID.String(), c.Query("path"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fc)
}

// WriteFile writes content to a file on the server.
func (h *FileHandler) WriteFile(c *fiber.Ctx) error {
	connID, err := parseID(c)
	if err != nil {
		return badRequest(c, "Invalid connection ID")
	}
	var req struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	if err := h.files.Write(c.UserContext(), connID.String(), req.Path, []byte(req.Content)); err != nil {
		return respondError(c, err)
	}
	CreateAuditLog(h.db, actor(c), "file.write", req.Path, map[string]interface{}{
		"connection_id": connID.String(),
		"size":          len(req.Content),
	})
	return c.JSON(fiber.Map{"message": "File saved", "path": req.Path, "size": len(req.Content)})
}

func (h *FileHandler) DeleteFile(c *fiber.Ctx) error {
	connID, err := parseID(c)
	if err != nil {
		return badRequest(c, "Invalid connection ID")
	}
	p := c.Query("path")
	if err := h.files.Delete(c.UserContext(), connID.String(), p); err != nil {
		return respondError(c, err)
	}
	CreateAuditLog(h.db, actor(c), "file.delete", p, map[string]interface{}{"connection_id": connID.String()})
	return c.JSON(fiber.Map{"message": "Deleted", "path": p})
}

func (h *FileHandler) Mkdir(c *fiber.Ctx) error {
	connID, err := parseID(c)
	if err != nil {
		return badRequest(c, "Invalid connection ID")
	}
	var req struct {
		Path string `json:"path"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if err := h.files.Mkdir(c.UserContext(), connID.String(), req.Path); err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"message": "Directory created", "path": req.Path})
}

func (h *FileHandler) Rename(c *fiber.Ctx) error {
	connID, err := parseID(c)
	if err != nil {
		return badRequest(c, "Invalid connection ID")
	}
	var req struct {
		From string `json:"from"`
		To   string `json:"to"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if err := h.files.Rename(c.UserContext(), connID.String(), req.From, req.To); err != nil {
		return respondError(c, err)
	}
	CreateAuditLog(h.db, actor(c), "file.rename", req.From, map[string]interface{}{
		"connection_id": connID.String(),
		"to":            req.To,
	})
	return c.JSON(fiber.Map{"message": "Renamed", "from": req.From, "to": req.To})
}

// Download streams a file as an attachment. The SFTP transport stays open
// until the body has been written.
func (h *FileHandler) Download(c *fiber.Ctx) error {
	connID, err := parseID(c)
	if err != nil {
		return badRequest(c, "Invalid connection ID")
	}
	f, err := h.files.Open(c.UserContext(), connID.String(), c.Query("path"))
	if err != nil {
		return respondError(c, err)
	}

	slog.Info("File download", "connection_id", connID, "path", c.Query("path"), "size", f.Size)
	c.Set(fiber.HeaderContentType, fiber.MIMEOctetStream)
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%s", strconv.Quote(f.Name)))
	// fasthttp closes the stream once it is sent
	return c.SendStream(f, int(f.Size))
}

func (h *FileHandler) DiskUsage(c *fiber.Ctx) error {
	connID, err := parseID(c)
	if err != nil {
		return badRequest(c, "Invalid connection ID")
	}
	usage, err := h.files.DiskUsage(c.UserContext(), connID.String(), c.Query("path", "/"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(usage)
}
