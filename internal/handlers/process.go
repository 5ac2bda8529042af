package handlers

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ahmetk3436/sshdeck/internal/sshsession"
	"github.com/alessio/shellescape"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

var serviceNamePattern = regexp.MustCompile(`^[A-Za-z0-9@._:-]+$`)

var serviceActions = map[string]bool{
	"restart": true, "start": true, "stop": true,
	"enable": true, "disable": true,
}

type Process struct {
	User    string `json:"user"`
	PID     int    `json:"pid"`
	CPU     string `json:"cpu"`
	Mem     string `json:"mem"`
	Stat    string `json:"stat"`
	Start   string `json:"start"`
	Time    string `json:"time"`
	Command string `json:"command"`
}

type Service struct {
	Name        string `json:"name"`
	Load        string `json:"load"`
	Active      string `json:"active"`
	Sub         string `json:"sub"`
	Description string `json:"description"`
}

// ProcessHandler inspects and controls processes and systemd units on a
// connection's host through one-shot commands.
type ProcessHandler struct {
	db       *gorm.DB
	executor *sshsession.Executor
}

func NewProcessHandler(db *gorm.DB, executor *sshsession.Executor) *ProcessHandler {
	return &ProcessHandler{db: db, executor: executor}
}

// run executes cmd and treats a non-zero exit with no stdout as failure.
func (h *ProcessHandler) run(c *fiber.Ctx, connID, cmd string) (*sshsession.Result, error) {
	res, err := h.executor.Execute(c.UserContext(), connID, cmd, 0)
	if err != nil {
		return nil, err
	}
	if res.Status() == sshsession.ExecRemoteFailure && strings.TrimSpace(res.Stdout) == "" {
		return nil, &sshsession.Error{Op: "exec", Kind: sshsession.ErrExecFailed, Err: errors.New(strings.TrimSpace(res.Stderr))}
	}
	return res, nil
}

// ListProcesses returns the top 50 processes sorted by CPU usage.
func (h *ProcessHandler) ListProcesses(c *fiber.Ctx) error {
	connID, err := parseID(c)
	if err != nil {
		return badRequest(c, "Invalid connection ID")
	}
	res, err := h.run(c, connID.String(), "ps aux --sort=-%cpu | head -51")
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"processes": parseProcesses(res.Stdout)})
}

// KillProcess sends a signal (default 15) to a process.
func (h *ProcessHandler) KillProcess(c *fiber.Ctx) error {
	connID, err := parseID(c)
	if err != nil {
		return badRequest(c, "Invalid connection ID")
	}
	pid, err := strconv.Atoi(c.Params("pid"))
	if err != nil || pid < 1 {
		return badRequest(c, "PID must be a positive number")
	}
	var req struct {
		Signal int `json:"signal"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "Invalid request body")
		}
	}
	if req.Signal == 0 {
		req.Signal = 15
	}
	if req.Signal < 1 || req.Signal > 64 {
		return badRequest(c, "Signal must be between 1 and 64")
	}

	cmd := shellescape.QuoteCommand([]string{"kill", "-" + strconv.Itoa(req.Signal), strconv.Itoa(pid)})
	res, err := h.executor.Execute(c.UserContext(), connID.String(), cmd, 0)
	if err != nil {
		return respondError(c, err)
	}
	if res.Status() != sshsession.ExecSuccess {
		return respondError(c, &sshsession.Error{Op: "kill", Kind: sshsession.ErrExecFailed, Err: errors.New(strings.TrimSpace(res.Stderr))})
	}

	CreateAuditLog(h.db, actor(c), "process.kill", strconv.Itoa(pid), map[string]interface{}{
		"connection_id": connID.String(),
		"signal":        req.Signal,
	})
	return c.JSON(fiber.Map{
		"message": fmt.Sprintf("Signal %d sent to PID %d", req.Signal, pid),
	})
}

// ListServices returns systemd service units.
func (h *ProcessHandler) ListServices(c *fiber.Ctx) error {
	connID, err := parseID(c)
	if err != nil {
		return badRequest(c, "Invalid connection ID")
	}
	res, err := h.run(c, connID.String(), "systemctl list-units --type=service --all --no-pager --plain --no-legend | head -200")
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"services": parseServices(res.Stdout)})
}

// ServiceAction performs a systemctl action on a unit.
func (h *ProcessHandler) ServiceAction(c *fiber.Ctx) error {
	connID, err := parseID(c)
	if err != nil {
		return badRequest(c, "Invalid connection ID")
	}
	name := c.Params("name")
	if !serviceNamePattern.MatchString(name) {
		return badRequest(c, "Invalid service name")
	}
	var req struct {
		Action string `json:"action"`
	}
	if err := c.BodyParser(&req); err != nil || !serviceActions[req.Action] {
		return badRequest(c, "Action must be one of: restart, start, stop, enable, disable")
	}

	cmd := shellescape.QuoteCommand([]string{"systemctl", req.Action, name})
	res, err := h.executor.Execute(c.UserContext(), connID.String(), cmd, 0)
	if err != nil {
		return respondError(c, err)
	}
	if res.Status() != sshsession.ExecSuccess {
		return respondError(c, &sshsession.Error{Op: "systemctl", Kind: sshsession.ErrExecFailed, Err: errors.New(strings.TrimSpace(res.Stderr))})
	}

	CreateAuditLog(h.db, actor(c), "service."+req.Action, name, map[string]interface{}{"connection_id": connID.String()})
	return c.JSON(fiber.Map{
		"message": fmt.Sprintf("Service %s: %s", name, req.Action),
		"output":  res.Stdout,
	})
}

// parseProcesses parses `ps aux` output.
// Fields: USER PID %CPU %MEM VSZ RSS TTY STAT START TIME COMMAND
func parseProcesses(output string) []Process {
	processes := []Process{}
	for i, line := range strings.Split(strings.TrimSpace(output), "\n") {
		if i == 0 {
			continue // header
		}
		fields := strings.Fields(line)
		if len(fields) < 11 {
			continue
		}
		pid, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		processes = append(processes, Process{
			User:    fields[0],
			PID:     pid,
			CPU:     fields[2],
			Mem:     fields[3],
			Stat:    fields[7],
			Start:   fields[8],
			Time:    fields[9],
			Command: strings.Join(fields[10:], " "),
		})
	}
	return processes
}

// parseServices parses `systemctl list-units --plain --no-legend` output.
// Fields: UNIT LOAD ACTIVE SUB DESCRIPTION
func parseServices(output string) []Service {
	services := []Service{}
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		services = append(services, Service{
			Name:        fields[0],
			Load:        fields[1],
			Active:      fields[2],
			Sub:         fields[3],
			Description: strings.Join(fields[4:], " "),
		})
	}
	return services
}
