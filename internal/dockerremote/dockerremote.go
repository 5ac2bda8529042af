// Package dockerremote drives the Docker Engine on a remote host by
// tunnelling the Docker API over the SSH transport to the daemon socket.
package dockerremote

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/ahmetk3436/sshdeck/internal/cache"
	"github.com/ahmetk3436/sshdeck/internal/pubsub"
	"github.com/ahmetk3436/sshdeck/internal/sshsession"
	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	SocketPath   = "/var/run/docker.sock"
	ListTTL      = 60 * time.Second
	DefaultTail  = 100
	MaxTail      = 5000
	stopTimeout  = 10 // seconds
	shortIDLen   = 12
	followBuffer = 100
)

const (
	ActionStart   = "start"
	ActionStop    = "stop"
	ActionRestart = "restart"
	ActionRemove  = "remove"
)

var (
	ErrContainerNotFound = errors.New("container not found")
	ErrInvalidAction     = errors.New("invalid container action")
	ErrDaemon            = errors.New("docker daemon error")
)

type Container struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Image   string    `json:"image"`
	State   string    `json:"state"`
	Status  string    `json:"status"`
	Ports   []string  `json:"ports"`
	Created time.Time `json:"created"`
}

// Event is published on pubsub.ChannelDockerEvents after every action.
type Event struct {
	ConnectionID string    `json:"connection_id"`
	ContainerID  string    `json:"container_id"`
	Action       string    `json:"action"`
	Timestamp    time.Time `json:"timestamp"`
}

// DialFunc opens a stream to the Docker daemon. Network and address are
// those the Docker client asks for and may be ignored.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Tunnel returns a DialFunc for a connection plus a closer for whatever
// transport backs it.
type Tunnel func(ctx context.Context, connectionID string) (DialFunc, io.Closer, error)

// SSHTunnel dials the stored connection and forwards to SocketPath on the
// remote side.
func SSHTunnel(store sshsession.Store, dialer *sshsession.Dialer) Tunnel {
	return func(ctx context.Context, connectionID string) (DialFunc, io.Closer, error) {
		desc, err := store.FindConnection(ctx, connectionID)
		if err != nil {
			return nil, nil, err
		}
		client, _, err := dialer.Dial(ctx, desc)
		if err != nil {
			return nil, nil, err
		}
		return socketDialer(client), client, nil
	}
}

type streamDialer interface {
	Dial(network, addr string) (net.Conn, error)
}

// socketDialer opens channels to SocketPath over an established transport.
// A channel open cannot be interrupted, so a cancelled dial returns at once
// and closes the channel if it shows up later.
func socketDialer(client streamDialer) DialFunc {
	type result struct {
		conn net.Conn
		err  error
	}
	return func(ctx context.Context, _, _ string) (net.Conn, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		done := make(chan result, 1)
		go func() {
			conn, err := client.Dial("unix", SocketPath)
			done <- result{conn, err}
		}()
		select {
		case r := <-done:
			if r.err != nil {
				return nil, fmt.Errorf("tunnel to %s: %w", SocketPath, r.err)
			}
			return r.conn, nil
		case <-ctx.Done():
			go func() {
				if r := <-done; r.conn != nil {
					r.conn.Close()
				}
			}()
			return nil, ctx.Err()
		}
	}
}

type Service struct {
	tunnel Tunnel
	cache  cache.Cache
	bus    pubsub.Bus
}

func New(tunnel Tunnel, c cache.Cache, bus pubsub.Bus) *Service {
	return &Service{tunnel: tunnel, cache: c, bus: bus}
}

// conn is a Docker client bound to one tunnelled transport.
type conn struct {
	*dockerclient.Client
	transport io.Closer
}

func (c *conn) Close() error {
	c.Client.Close()
	return c.transport.Close()
}

func (s *Service) connect(ctx context.Context, connectionID string) (*conn, error) {
	dial, closer, err := s.tunnel(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.WithHost("unix://"+SocketPath),
		dockerclient.WithDialContext(dial),
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		closer.Close()
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &conn{Client: cli, transport: closer}, nil
}

func listKey(connectionID string, all bool) string {
	return fmt.Sprintf("containers:%s:%t", connectionID, all)
}

func (s *Service) List(ctx context.Context, connectionID string, all bool) ([]Container, error) {
	key := listKey(connectionID, all)
	var cached []Container
	if ok, _ := cache.GetJSON(ctx, s.cache, key, &cached); ok {
		return cached, nil
	}

	c, err := s.connect(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	summaries, err := c.ContainerList(ctx, container.ListOptions{All: all})
	if err != nil {
		return nil, daemonError("list containers", err)
	}

	out := make([]Container, 0, len(summaries))
	for _, sum := range summaries {
		out = append(out, toContainer(sum))
	}
	if err := cache.SetJSON(ctx, s.cache, key, out, ListTTL); err != nil {
		slog.Warn("Failed to cache container list", "connection_id", connectionID, "error", err)
	}
	return out, nil
}

func toContainer(sum container.Summary) Container {
	name := ""
	if len(sum.Names) > 0 {
		name = strings.TrimPrefix(sum.Names[0], "/")
	}
	ports := make([]string, 0, len(sum.Ports))
	for _, p := range sum.Ports {
		if p.PublicPort != 0 {
			ports = append(ports, fmt.Sprintf("%s:%d->%d/%s", p.IP, p.PublicPort, p.PrivatePort, p.Type))
		} else {
			ports = append(ports, fmt.Sprintf("%d/%s", p.PrivatePort, p.Type))
		}
	}
	return Container{
		ID:      shortID(sum.ID),
		Name:    name,
		Image:   sum.Image,
		State:   sum.State,
		Status:  sum.Status,
		Ports:   ports,
		Created: time.Unix(sum.Created, 0).UTC(),
	}
}

func shortID(id string) string {
	if len(id) > shortIDLen {
		return id[:shortIDLen]
	}
	return id
}

// Action runs start, stop, restart or remove against one container.
func (s *Service) Action(ctx context.Context, connectionID, containerID, action string) error {
	if containerID == "" {
		return fmt.Errorf("%w: empty container id", ErrContainerNotFound)
	}
	switch action {
	case ActionStart, ActionStop, ActionRestart, ActionRemove:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}

	c, err := s.connect(ctx, connectionID)
	if err != nil {
		return err
	}
	defer c.Close()

	timeout := stopTimeout
	switch action {
	case ActionStart:
		err = c.ContainerStart(ctx, containerID, container.StartOptions{})
	case ActionStop:
		err = c.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout})
	case ActionRestart:
		err = c.ContainerRestart(ctx, containerID, container.StopOptions{Timeout: &timeout})
	case ActionRemove:
		err = c.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	}
	if err != nil {
		return daemonError(action+" "+containerID, err)
	}

	s.cache.Invalidate(ctx, listKey(connectionID, true), listKey(connectionID, false))
	ev := Event{ConnectionID: connectionID, ContainerID: containerID, Action: action, Timestamp: time.Now().UTC()}
	if err := pubsub.PublishJSON(ctx, s.bus, pubsub.ChannelDockerEvents, ev); err != nil {
		slog.Warn("Failed to publish docker event", "action", action, "error", err)
	}
	slog.Info("Container action", "connection_id", connectionID, "container", containerID, "action", action)
	return nil
}

func (s *Service) Inspect(ctx context.Context, connectionID, containerID string) (container.InspectResponse, error) {
	c, err := s.connect(ctx, connectionID)
	if err != nil {
		return container.InspectResponse{}, err
	}
	defer c.Close()

	info, err := c.ContainerInspect(ctx, containerID)
	if err != nil {
		return container.InspectResponse{}, daemonError("inspect "+containerID, err)
	}
	return info, nil
}

// ExecResult is the outcome of a one-shot command inside a container.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Exec runs cmd inside a running container via sh -c and waits for it.
func (s *Service) Exec(ctx context.Context, connectionID, containerID, cmd string) (*ExecResult, error) {
	if strings.TrimSpace(cmd) == "" {
		return nil, fmt.Errorf("%w: empty command", ErrInvalidAction)
	}
	c, err := s.connect(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	created, err := c.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          []string{"sh", "-c", cmd},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, daemonError("exec create "+containerID, err)
	}
	resp, err := c.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, daemonError("exec attach "+containerID, err)
	}
	defer resp.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, resp.Reader); err != nil {
		return nil, daemonError("exec read "+containerID, err)
	}
	inspect, err := c.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, daemonError("exec inspect "+containerID, err)
	}
	return &ExecResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: inspect.ExitCode}, nil
}

// ClampTail bounds a requested line count to 1..MaxTail, defaulting 0.
func ClampTail(n int) int {
	if n <= 0 {
		return DefaultTail
	}
	if n > MaxTail {
		return MaxTail
	}
	return n
}

// Logs returns the last tail lines of a container's output, stdout and
// stderr interleaved.
func (s *Service) Logs(ctx context.Context, connectionID, containerID string, tail int) (string, error) {
	c, err := s.connect(ctx, connectionID)
	if err != nil {
		return "", err
	}
	defer c.Close()

	rc, tty, err := c.openLogs(ctx, containerID, ClampTail(tail), false)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	var buf bytes.Buffer
	if err := copyLogs(&buf, rc, tty); err != nil {
		return "", daemonError("logs "+containerID, err)
	}
	return buf.String(), nil
}

// FollowLogs streams log lines until ctx is cancelled or the container
// stops. The channel is closed when streaming ends.
func (s *Service) FollowLogs(ctx context.Context, connectionID, containerID string, tail int) (<-chan string, error) {
	c, err := s.connect(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	rc, tty, err := c.openLogs(ctx, containerID, ClampTail(tail), true)
	if err != nil {
		c.Close()
		return nil, err
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(copyLogs(pw, rc, tty))
	}()

	ch := make(chan string, followBuffer)
	go func() {
		defer close(ch)
		defer c.Close()
		defer rc.Close()
		defer pr.Close()

		sc := bufio.NewScanner(pr)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			select {
			case ch <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (c *conn) openLogs(ctx context.Context, containerID string, tail int, follow bool) (io.ReadCloser, bool, error) {
	info, err := c.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, false, daemonError("inspect "+containerID, err)
	}
	rc, err := c.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     follow,
		Tail:       fmt.Sprint(tail),
	})
	if err != nil {
		return nil, false, daemonError("logs "+containerID, err)
	}
	tty := info.Config != nil && info.Config.Tty
	return rc, tty, nil
}

// copyLogs demultiplexes the stdout/stderr framing unless the container
// runs with a TTY, in which case the stream is raw.
func copyLogs(w io.Writer, r io.Reader, tty bool) error {
	var err error
	if tty {
		_, err = io.Copy(w, r)
	} else {
		_, err = stdcopy.StdCopy(w, w, r)
	}
	return err
}

func daemonError(op string, err error) error {
	if dockerclient.IsErrNotFound(err) {
		return fmt.Errorf("%s: %w", op, ErrContainerNotFound)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrDaemon, err)
}
