package handlers

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/ahmetk3436/sshdeck/internal/models"
	"github.com/ahmetk3436/sshdeck/internal/sshconfig"
	"github.com/ahmetk3436/sshdeck/internal/sshsession"
	"github.com/ahmetk3436/sshdeck/internal/store"
	"github.com/gofiber/fiber/v2"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// connectionView is a stored connection as the API shows it. Secrets never
// leave the server; only whether they are set.
type connectionView struct {
	models.Connection
	HasPassword   bool `json:"has_password"`
	HasPrivateKey bool `json:"has_private_key"`
}

func viewOf(conn *models.Connection) connectionView {
	return connectionView{
		Connection:    *conn,
		HasPassword:   conn.EncryptedPassword != "",
		HasPrivateKey: conn.EncryptedPrivateKey != "",
	}
}

type ConnectionHandler struct {
	db       *gorm.DB
	store    *store.ConnectionStore
	prober   *sshsession.Prober
	manager  *sshsession.Manager
	importer *sshconfig.Importer
}

func NewConnectionHandler(db *gorm.DB, st *store.ConnectionStore, prober *sshsession.Prober, manager *sshsession.Manager, importer *sshconfig.Importer) *ConnectionHandler {
	return &ConnectionHandler{db: db, store: st, prober: prober, manager: manager, importer: importer}
}

func (h *ConnectionHandler) ListConnections(c *fiber.Ctx) error {
	conns, err := h.store.List(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	views := make([]connectionView, 0, len(conns))
	for i := range conns {
		views = append(views, viewOf(&conns[i]))
	}
	return c.JSON(fiber.Map{"connections": views})
}

func (h *ConnectionHandler) CreateConnection(c *fiber.Ctx) error {
	var req store.ConnectionInput
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	conn, err := h.store.Create(c.UserContext(), req)
	if err != nil {
		return respondError(c, err)
	}

	slog.Info("Connection created", "name", conn.Name, "host", conn.Host)
	CreateAuditLog(h.db, actor(c), "connection.create", conn.ID.String(), map[string]interface{}{
		"name": conn.Name,
		"host": conn.Host,
	})
	return c.Status(fiber.StatusCreated).JSON(viewOf(conn))
}

func (h *ConnectionHandler) GetConnection(c *fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return badRequest(c, "Invalid connection ID")
	}
	conn, err := h.store.Get(c.UserContext(), id)
	if err != nil {
		return respondError(c, err)
	}

	sessions := h.manager.List(conn.ID.String())
	return c.JSON(fiber.Map{
		"connection":      viewOf(conn),
		"active_sessions": len(sessions),
	})
}

func (h *ConnectionHandler) UpdateConnection(c *fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return badRequest(c, "Invalid connection ID")
	}
	var req store.ConnectionPatch
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	conn, err := h.store.Update(c.UserContext(), id, req)
	if err != nil {
		return respondError(c, err)
	}
	CreateAuditLog(h.db, actor(c), "connection.update", conn.ID.String(), map[string]interface{}{"name": conn.Name})
	return c.JSON(viewOf(conn))
}

// DeleteConnection removes the descriptor and tears down its live sessions.
func (h *ConnectionHandler) DeleteConnection(c *fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return badRequest(c, "Invalid connection ID")
	}
	if err := h.store.Delete(c.UserContext(), id); err != nil {
		return respondError(c, err)
	}
	for _, s := range h.manager.List(id.String()) {
		s.Close()
	}

	CreateAuditLog(h.db, actor(c), "connection.delete", id.String(), nil)
	return c.JSON(fiber.Map{"message": "Connection deleted"})
}

// TestConnection probes a stored connection and records the result.
func (h *ConnectionHandler) TestConnection(c *fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return badRequest(c, "Invalid connection ID")
	}

	res, err := h.prober.ProbeStored(c.UserContext(), id.String())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"success":        true,
		"message":        "Connection successful",
		"fingerprint":    res.Fingerprint,
		"server_version": res.ServerVersion,
		"latency_ms":     res.Latency.Milliseconds(),
	})
}

// TestAdhoc probes a descriptor that has not been saved.
func (h *ConnectionHandler) TestAdhoc(c *fiber.Ctx) error {
	var req store.ConnectionInput
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	tmp := &models.Connection{
		Name:     req.Name,
		Host:     req.Host,
		Port:     req.Port,
		Username: req.Username,
		Options:  datatypes.NewJSONType(req.Options),
	}
	desc := store.DescriptorFrom(tmp, req.Password, req.PrivateKey, req.Passphrase)
	if err := desc.Validate(); err != nil {
		return respondError(c, err)
	}

	res, err := h.prober.Probe(c.UserContext(), desc)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"success":        true,
		"message":        "Connection successful",
		"fingerprint":    res.Fingerprint,
		"server_version": res.ServerVersion,
		"latency_ms":     res.Latency.Milliseconds(),
	})
}

// ImportConfig imports an uploaded ssh_config file (multipart field "config").
func (h *ConnectionHandler) ImportConfig(c *fiber.Ctx) error {
	fh, err := c.FormFile("config")
	if err != nil {
		return badRequest(c, "No config file uploaded")
	}
	if err := sshconfig.ValidateUpload(fh.Filename, fh.Size); err != nil {
		return respondError(c, err)
	}

	f, err := fh.Open()
	if err != nil {
		return respondError(c, fmt.Errorf("open upload: %w", err))
	}
	defer f.Close()
	content, err := io.ReadAll(io.LimitReader(f, sshconfig.MaxUploadSize+1))
	if err != nil {
		return respondError(c, fmt.Errorf("read upload: %w", err))
	}

	sum, err := h.importer.Import(c.UserContext(), content, c.FormValue("test") == "true")
	if err != nil {
		return respondError(c, err)
	}
	CreateAuditLog(h.db, actor(c), "connection.import", fh.Filename, map[string]interface{}{
		"imported": sum.Imported,
		"failed":   sum.Failed,
	})
	return c.JSON(sum)
}

// ImportConfigPath imports an ssh_config file on the server's own disk.
func (h *ConnectionHandler) ImportConfigPath(c *fiber.Ctx) error {
	var req struct {
		Path string `json:"path"`
		Test bool   `json:"test"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if req.Path == "" {
		req.Path = "~/.ssh/config"
	}

	sum, err := h.importer.ImportFile(c.UserContext(), req.Path, req.Test)
	if err != nil {
		return respondError(c, err)
	}
	CreateAuditLog(h.db, actor(c), "connection.import", req.Path, map[string]interface{}{
		"imported": sum.Imported,
		"failed":   sum.Failed,
	})
	return c.JSON(sum)
}
