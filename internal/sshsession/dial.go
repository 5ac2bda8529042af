package sshsession

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

const DefaultConnectTimeout = 10 * time.Second

// DialInfo describes the server side of a finished handshake.
type DialInfo struct {
	Fingerprint   string
	ServerVersion string
}

// Dialer opens authenticated SSH transports with a bounded connect timeout.
type Dialer struct {
	Timeout time.Duration
}

func NewDialer(timeout time.Duration) *Dialer {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	return &Dialer{Timeout: timeout}
}

func (d *Dialer) timeoutFor(desc Descriptor) time.Duration {
	if desc.Options.ConnectTimeout > 0 {
		return desc.Options.ConnectTimeout
	}
	if d != nil && d.Timeout > 0 {
		return d.Timeout
	}
	return DefaultConnectTimeout
}

// Dial connects and authenticates. The connect timeout covers TCP connect
// (or proxy command start) plus the SSH handshake; ctx can shorten it.
func (d *Dialer) Dial(ctx context.Context, desc Descriptor) (*ssh.Client, DialInfo, error) {
	var info DialInfo
	if err := desc.Validate(); err != nil {
		return nil, info, err
	}

	auth, err := desc.authMethods()
	if err != nil {
		return nil, info, err
	}
	hostKeyCallback, err := desc.hostKeyCallback(&info.Fingerprint)
	if err != nil {
		return nil, info, err
	}
	if desc.Options.Compression {
		slog.Debug("SSH compression requested but not supported, ignoring", "host", desc.Host)
	}

	timeout := d.timeoutFor(desc)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addr := desc.Addr()
	conn, err := dialTransport(ctx, desc, addr)
	if err != nil {
		return nil, info, classify("dial", fmt.Errorf("failed to connect to %s: %w", addr, err))
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	config := &ssh.ClientConfig{
		User:            desc.Username,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}

	type result struct {
		conn  ssh.Conn
		chans <-chan ssh.NewChannel
		reqs  <-chan *ssh.Request
		err   error
	}
	done := make(chan result, 1)
	go func() {
		c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
		done <- result{c, chans, reqs, err}
	}()

	var r result
	select {
	case r = <-done:
	case <-ctx.Done():
		conn.Close()
		<-done
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, info, newError("dial", ErrTimeout, fmt.Errorf("handshake with %s: %w", addr, ctx.Err()))
		}
		return nil, info, newError("dial", ErrTransport, ctx.Err())
	}
	if r.err != nil {
		conn.Close()
		return nil, info, classify("dial", fmt.Errorf("handshake with %s: %w", addr, r.err))
	}

	conn.SetDeadline(time.Time{})
	info.ServerVersion = string(r.conn.ServerVersion())
	slog.Info("SSH connection established", "host", addr, "user", desc.Username)
	return ssh.NewClient(r.conn, r.chans, r.reqs), info, nil
}

func dialTransport(ctx context.Context, desc Descriptor, addr string) (net.Conn, error) {
	if desc.Options.ProxyCommand != "" {
		return dialProxyCommand(ctx, desc)
	}
	var nd net.Dialer
	return nd.DialContext(ctx, "tcp", addr)
}

// dialProxyCommand runs ProxyCommand through the local shell and speaks SSH
// over its stdio, expanding %h, %p and %r like OpenSSH.
func dialProxyCommand(ctx context.Context, desc Descriptor) (net.Conn, error) {
	port := desc.Port
	if port == 0 {
		port = 22
	}
	command := strings.NewReplacer(
		"%h", desc.Host,
		"%p", strconv.Itoa(port),
		"%r", desc.Username,
		"%%", "%",
	).Replace(desc.Options.ProxyCommand)

	// The process must outlive ctx, which only bounds the handshake.
	cmd := exec.Command("/bin/sh", "-c", command)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("proxy command: %w", err)
	}
	if err := ctx.Err(); err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return nil, err
	}
	remote := &net.TCPAddr{IP: net.ParseIP(desc.Host), Port: port}
	if remote.IP == nil {
		remote.IP = net.IPv4zero
	}
	return &proxyConn{cmd: cmd, r: stdout, w: stdin, remote: remote}, nil
}

type proxyConn struct {
	cmd    *exec.Cmd
	r      io.ReadCloser
	w      io.WriteCloser
	remote net.Addr // known_hosts only accepts TCP addresses
}

func (c *proxyConn) Read(p []byte) (int, error)  { return c.r.Read(p) }
func (c *proxyConn) Write(p []byte) (int, error) { return c.w.Write(p) }

func (c *proxyConn) Close() error {
	c.w.Close()
	if c.cmd.Process != nil {
		c.cmd.Process.Kill()
	}
	c.cmd.Wait()
	return nil
}

func (c *proxyConn) LocalAddr() net.Addr                { return &net.TCPAddr{IP: net.IPv4zero} }
func (c *proxyConn) RemoteAddr() net.Addr               { return c.remote }
func (c *proxyConn) SetDeadline(t time.Time) error      { return nil }
func (c *proxyConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *proxyConn) SetWriteDeadline(t time.Time) error { return nil }
