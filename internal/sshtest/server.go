// Package sshtest runs an in-process SSH server for tests.
//
// The server accepts a fixed user/password (and optionally one public key),
// runs exec requests through /bin/sh with real exit codes, serves an echo
// shell that reports PTY window changes, and exposes the sftp subsystem.
package sshtest

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gliderlabs/ssh"
	"github.com/pkg/sftp"
	gossh "golang.org/x/crypto/ssh"
)

const (
	DefaultUser     = "test"
	DefaultPassword = "test123"

	// Prompt is written when an interactive shell starts.
	Prompt = "$ "

	// NoExitPrefix runs the rest of the command and closes the channel
	// without sending an exit status.
	NoExitPrefix = "noexit:"

	// StderrPrefix, typed as a shell line, echoes the rest to stderr.
	StderrPrefix = "stderr:"
)

type Server struct {
	Host     string
	Port     int
	User     string
	Password string
	HostKey  gossh.PublicKey

	authorizedKey gossh.PublicKey
	srv           *ssh.Server
	listener      net.Listener

	mu    sync.Mutex
	conns []net.Conn
}

type Option func(*Server)

// WithAuthorizedKey additionally accepts public key auth for key.
func WithAuthorizedKey(key gossh.PublicKey) Option {
	return func(s *Server) { s.authorizedKey = key }
}

func Start(t testing.TB, opts ...Option) *Server {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	signer, err := gossh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	s := &Server{
		User:     DefaultUser,
		Password: DefaultPassword,
		HostKey:  signer.PublicKey(),
		listener: l,
	}
	for _, opt := range opts {
		opt(s)
	}

	addr := l.Addr().(*net.TCPAddr)
	s.Host = addr.IP.String()
	s.Port = addr.Port

	s.srv = &ssh.Server{
		Handler: s.handle,
		PasswordHandler: func(ctx ssh.Context, password string) bool {
			return ctx.User() == s.User && password == s.Password
		},
		PtyCallback: func(ctx ssh.Context, pty ssh.Pty) bool { return true },
		SubsystemHandlers: map[string]ssh.SubsystemHandler{
			"sftp": handleSFTP,
		},
		ConnCallback: func(ctx ssh.Context, conn net.Conn) net.Conn {
			s.mu.Lock()
			s.conns = append(s.conns, conn)
			s.mu.Unlock()
			return conn
		},
	}
	if s.authorizedKey != nil {
		s.srv.PublicKeyHandler = func(ctx ssh.Context, key ssh.PublicKey) bool {
			return ctx.User() == s.User && ssh.KeysEqual(key, s.authorizedKey)
		}
	}
	s.srv.AddHostKey(signer)

	go func() {
		if err := s.srv.Serve(l); err != nil && !errors.Is(err, ssh.ErrServerClosed) {
			t.Logf("sshtest: serve: %v", err)
		}
	}()
	t.Cleanup(func() { s.srv.Close() })
	return s
}

func (s *Server) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// DropConnections severs every accepted TCP connection without an SSH
// goodbye, simulating a transport failure.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

func (s *Server) handle(sess ssh.Session) {
	if sess.RawCommand() != "" {
		runCommand(sess)
		return
	}
	runEchoShell(sess)
}

func runCommand(sess ssh.Session) {
	command := sess.RawCommand()
	noExit := strings.HasPrefix(command, NoExitPrefix)
	command = strings.TrimPrefix(command, NoExitPrefix)

	cmd := exec.CommandContext(sess.Context(), "/bin/sh", "-c", command)
	cmd.Stdout = sess
	cmd.Stderr = sess.Stderr()
	// children holding the pipes (sleep) must not outlive a killed shell
	cmd.WaitDelay = time.Second
	err := cmd.Run()

	if noExit {
		sess.Close()
		return
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		sess.Exit(0)
	case errors.As(err, &exitErr):
		sess.Exit(exitErr.ExitCode())
	default:
		fmt.Fprintf(sess.Stderr(), "sshtest: %v\n", err)
		sess.Exit(127)
	}
}

// runEchoShell echoes input back, reports window changes as
// "resize:<cols>x<rows>\n", and exits on Ctrl-D.
func runEchoShell(sess ssh.Session) {
	_, winCh, isPty := sess.Pty()
	var wmu sync.Mutex
	write := func(w io.Writer, b []byte) {
		wmu.Lock()
		defer wmu.Unlock()
		w.Write(b)
	}

	if isPty {
		go func() {
			first := true
			for win := range winCh {
				// the initial window is the pty-req size, not a change
				if first {
					first = false
					continue
				}
				write(sess, []byte(fmt.Sprintf("resize:%dx%d\n", win.Width, win.Height)))
			}
		}()
	}

	write(sess, []byte(Prompt))

	var line bytes.Buffer
	buf := make([]byte, 4096)
	for {
		n, err := sess.Read(buf)
		for _, b := range buf[:n] {
			if b == 0x04 {
				sess.Exit(0)
				return
			}
			line.WriteByte(b)
			if b == '\r' || b == '\n' {
				text := strings.TrimRight(line.String(), "\r\n")
				line.Reset()
				if strings.HasPrefix(text, StderrPrefix) {
					write(sess.Stderr(), []byte(strings.TrimPrefix(text, StderrPrefix)+"\n"))
					continue
				}
				write(sess, []byte(text+"\n"))
			}
		}
		if err != nil {
			return
		}
	}
}

func handleSFTP(sess ssh.Session) {
	server, err := sftp.NewServer(sess)
	if err != nil {
		return
	}
	if err := server.Serve(); err != nil && !errors.Is(err, io.EOF) {
		server.Close()
		return
	}
	server.Close()
}

// BlackHole returns the address of a listener that accepts TCP connections
// and never speaks, so SSH handshakes against it stall until a deadline.
func BlackHole(t testing.TB) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	var mu sync.Mutex
	var held []net.Conn
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			held = append(held, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		l.Close()
		mu.Lock()
		for _, c := range held {
			c.Close()
		}
		mu.Unlock()
	})
	return l.Addr().String()
}
