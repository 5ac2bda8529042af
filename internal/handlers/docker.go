package handlers

import (
	"fmt"

	"github.com/ahmetk3436/sshdeck/internal/dockerremote"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// DockerHandler drives the Docker daemon of a connection's host.
type DockerHandler struct {
	db     *gorm.DB
	docker *dockerremote.Service
}

func NewDockerHandler(db *gorm.DB, docker *dockerremote.Service) *DockerHandler {
	return &DockerHandler{db: db, docker: docker}
}

func sanitizeContainerID(id string) bool {
	for _, ch := range id {
		if !((ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9') || ch == '-' || ch == '_' || ch == '.') {
			return false
		}
	}
	return len(id) > 0 && len(id) <= 128
}

// ListContainers returns containers; ?all=false hides stopped ones.
func (h *DockerHandler) ListContainers(c *fiber.Ctx) error {
	connID, err := parseID(c)
	if err != nil {
		return badRequest(c, "Invalid connection ID")
	}
	containers, err := h.docker.List(c.UserContext(), connID.String(), c.QueryBool("all", true))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"containers": containers})
}

// ContainerAction performs start/stop/restart/remove on a container.
func (h *DockerHandler) ContainerAction(c *fiber.Ctx) error {
	connID, err := parseID(c)
	if err != nil {
		return badRequest(c, "Invalid connection ID")
	}
	cid := c.Params("cid")
	if !sanitizeContainerID(cid) {
		return badRequest(c, "Invalid container ID")
	}
	var req struct {
		Action string `json:"action"`
	}
	if err := c.BodyParser(&req); err != nil || req.Action == "" {
		return badRequest(c, "Action is required (start, stop, restart, remove)")
	}

	if err := h.docker.Action(c.UserContext(), connID.String(), cid, req.Action); err != nil {
		return respondError(c, err)
	}
	CreateAuditLog(h.db, actor(c), "docker."+req.Action, cid, map[string]interface{}{"connection_id": connID.String()})
	return c.JSON(fiber.Map{
		"message": fmt.Sprintf("Container %s: %s", cid, req.Action),
	})
}

func (h *DockerHandler) InspectContainer(c *fiber.Ctx) error {
	connID, err := parseID(c)
	if err != nil {
		return badRequest(c, "Invalid connection ID")
	}
	cid := c.Params("cid")
	if !sanitizeContainerID(cid) {
		return badRequest(c, "Invalid container ID")
	}
	info, err := h.docker.Inspect(c.UserContext(), connID.String(), cid)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(info)
}

func (h *DockerHandler) ContainerLogs(c *fiber.Ctx) error {
	connID, err := parseID(c)
	if err != nil {
		return badRequest(c, "Invalid connection ID")
	}
	cid := c.Params("cid")
	if !sanitizeContainerID(cid) {
		return badRequest(c, "Invalid container ID")
	}
	logs, err := h.docker.Logs(c.UserContext(), connID.String(), cid, c.QueryInt("tail", dockerremote.DefaultTail))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"logs": logs})
}

// ContainerExec runs a one-shot shell command inside a running container.
func (h *DockerHandler) ContainerExec(c *fiber.Ctx) error {
	connID, err := parseID(c)
	if err != nil {
		return badRequest(c, "Invalid connection ID")
	}
	cid := c.Params("cid")
	if !sanitizeContainerID(cid) {
		return badRequest(c, "Invalid container ID")
	}
	var req struct {
		Command string `json:"command"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	res, err := h.docker.Exec(c.UserContext(), connID.String(), cid, req.Command)
	if err != nil {
		return respondError(c, err)
	}
	CreateAuditLog(h.db, actor(c), "docker.exec", cid, map[string]interface{}{
		"connection_id": connID.String(),
		"command":       req.Command,
		"exit_code":     res.ExitCode,
	})
	return c.JSON(res)
}
