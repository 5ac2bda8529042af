// Package remotelogs reads logs from a remote host: the systemd journal,
// plain log files, or a Docker container's output.
package remotelogs

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ahmetk3436/sshdeck/internal/dockerremote"
	"github.com/ahmetk3436/sshdeck/internal/sshsession"
	"github.com/alessio/shellescape"
)

type Source string

const (
	SourceJournal Source = "journal"
	SourceFile    Source = "file"
	SourceDocker  Source = "docker"
)

const (
	DefaultLines = 100
	MaxLines     = 5000
	fetchTimeout = 30 * time.Second
)

var ErrInvalidRequest = errors.New("invalid log request")

var unitPattern = regexp.MustCompile(`^[A-Za-z0-9@._:\\-]+$`)

// Request selects a log source. Unit applies to the journal, Path to file
// logs and Container to docker logs.
type Request struct {
	Source    Source `json:"source"`
	Unit      string `json:"unit,omitempty"`
	Path      string `json:"path,omitempty"`
	Container string `json:"container,omitempty"`
	Lines     int    `json:"lines,omitempty"`
}

func clampLines(n int) int {
	if n <= 0 {
		return DefaultLines
	}
	if n > MaxLines {
		return MaxLines
	}
	return n
}

func (r Request) Validate() error {
	switch r.Source {
	case SourceJournal:
		if r.Unit != "" && !unitPattern.MatchString(r.Unit) {
			return fmt.Errorf("%w: bad unit name %q", ErrInvalidRequest, r.Unit)
		}
	case SourceFile:
		if !strings.HasPrefix(r.Path, "/") || strings.ContainsRune(r.Path, 0) {
			return fmt.Errorf("%w: file path must be absolute", ErrInvalidRequest)
		}
	case SourceDocker:
		if r.Container == "" {
			return fmt.Errorf("%w: container is required", ErrInvalidRequest)
		}
	default:
		return fmt.Errorf("%w: unknown source %q", ErrInvalidRequest, r.Source)
	}
	return nil
}

// Command builds the remote shell command for journal and file sources.
func (r Request) Command(follow bool) (string, error) {
	if err := r.Validate(); err != nil {
		return "", err
	}
	n := fmt.Sprint(clampLines(r.Lines))
	switch r.Source {
	case SourceJournal:
		args := []string{"journalctl", "--no-pager", "-n", n}
		if r.Unit != "" {
			args = append(args, "-u", r.Unit)
		}
		if follow {
			args = append(args, "-f")
		}
		return shellescape.QuoteCommand(args), nil
	case SourceFile:
		args := []string{"tail", "-n", n}
		if follow {
			args = append(args, "-F")
		}
		return shellescape.QuoteCommand(append(args, r.Path)), nil
	}
	return "", fmt.Errorf("%w: %s has no shell command", ErrInvalidRequest, r.Source)
}

type Service struct {
	exec   *sshsession.Executor
	docker *dockerremote.Service
}

func New(exec *sshsession.Executor, docker *dockerremote.Service) *Service {
	return &Service{exec: exec, docker: docker}
}

// Fetch returns the last lines of the requested log. For journal and file
// sources a non-zero exit with no output is reported as an error.
func (s *Service) Fetch(ctx context.Context, connectionID string, req Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	if req.Source == SourceDocker {
		return s.docker.Logs(ctx, connectionID, req.Container, clampLines(req.Lines))
	}

	cmd, err := req.Command(false)
	if err != nil {
		return "", err
	}
	res, err := s.exec.Execute(ctx, connectionID, cmd, fetchTimeout)
	if err != nil {
		return "", err
	}
	if res.Status() == sshsession.ExecRemoteFailure && res.Stdout == "" {
		return "", &sshsession.Error{
			Op:   "logs",
			Kind: sshsession.ErrExecFailed,
			Err:  fmt.Errorf("%s logs: %s", req.Source, strings.TrimSpace(res.Stderr)),
		}
	}
	return res.Stdout, nil
}

// Follow streams lines until ctx is cancelled or the remote side ends.
func (s *Service) Follow(ctx context.Context, connectionID string, req Request) (<-chan string, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.Source == SourceDocker {
		return s.docker.FollowLogs(ctx, connectionID, req.Container, clampLines(req.Lines))
	}
	cmd, err := req.Command(true)
	if err != nil {
		return nil, err
	}
	return s.exec.Stream(ctx, connectionID, cmd)
}
