// Package sshconfig imports OpenSSH client config files (~/.ssh/config)
// as stored connections.
package sshconfig

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ahmetk3436/sshdeck/internal/models"
	"github.com/ahmetk3436/sshdeck/internal/sshsession"
	"github.com/ahmetk3436/sshdeck/internal/store"
	"github.com/kevinburke/ssh_config"
)

const MaxUploadSize = 5 << 20

var AllowedExtensions = []string{".conf", ".config", ".txt"}

var (
	ErrInvalidUpload = errors.New("invalid config upload")
	ErrInvalidPath   = errors.New("invalid path. Only ~/.ssh/config is supported")
	ErrEmpty         = errors.New("config file is empty")
)

// ValidateUpload checks an uploaded file's name and size.
func ValidateUpload(filename string, size int64) error {
	if size > MaxUploadSize {
		return fmt.Errorf("%w: file size exceeds 5MB limit", ErrInvalidUpload)
	}
	ext := strings.ToLower(filepath.Ext(filename))
	for _, allowed := range AllowedExtensions {
		if ext == allowed {
			return nil
		}
	}
	return fmt.Errorf("%w: allowed types are %s", ErrInvalidUpload, strings.Join(AllowedExtensions, ", "))
}

// ValidatePath accepts only paths naming an .ssh/config file and expands a
// leading ~ against home.
func ValidatePath(p, home string) (string, error) {
	if p == "" || strings.Contains(p, "..") || !strings.Contains(p, ".ssh/config") {
		return "", ErrInvalidPath
	}
	return expandHome(p, home), nil
}

func expandHome(p, home string) string {
	switch {
	case p == "~":
		return home
	case strings.HasPrefix(p, "~/"):
		return filepath.Join(home, p[2:])
	}
	return strings.ReplaceAll(p, "%d", home)
}

// Entry is one concrete Host alias from a config file.
type Entry struct {
	Alias string
	Input store.ConnectionInput
	// IdentityFile is the key file that was loaded, if any.
	IdentityFile string
	Err          error
}

type Parsed struct {
	Entries []Entry
	// Skipped lists the patterns of wildcard blocks.
	Skipped []string
}

// Parse decodes config content. Host blocks with a wildcard pattern are
// skipped; every other alias becomes an Entry, with Err set when it lacks
// what a connection needs. Identity files are read relative to home.
func Parse(r io.Reader, home string) (*Parsed, error) {
	cfg, err := ssh_config.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("parse ssh config: %w", err)
	}

	out := &Parsed{}
	seen := make(map[string]bool)
	for _, host := range cfg.Hosts {
		if isWildcard(host) {
			for _, pat := range host.Patterns {
				if s := pat.String(); s != "*" {
					out.Skipped = append(out.Skipped, s)
				}
			}
			continue
		}
		for _, pat := range host.Patterns {
			alias := pat.String()
			// the first block naming an alias wins, as in ssh(1)
			if seen[alias] {
				continue
			}
			seen[alias] = true
			out.Entries = append(out.Entries, resolve(cfg, alias, home))
		}
	}
	return out, nil
}

// isWildcard reports whether any pattern of the block is a glob. Such
// blocks only carry shared settings.
func isWildcard(h *ssh_config.Host) bool {
	for _, pat := range h.Patterns {
		if strings.ContainsAny(pat.String(), "*?") {
			return true
		}
	}
	return false
}

func resolve(cfg *ssh_config.Config, alias, home string) Entry {
	get := func(key string) string {
		v, _ := cfg.Get(alias, key)
		return strings.TrimSpace(v)
	}
	e := Entry{Alias: alias}
	in := store.ConnectionInput{
		Name:         alias,
		Host:         get("HostName"),
		Username:     get("User"),
		ImportedFrom: models.SourceSSHConfig,
	}
	if in.Host == "" {
		in.Host = alias
	}
	if in.Username == "" {
		e.Err = errors.New("no User set for host")
	}

	if v := get("Port"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port < 1 || port > 65535 {
			e.Err = fmt.Errorf("bad Port %q", v)
		}
		in.Port = port
	}

	in.Options = models.ConnectionOptions{
		Compression:           isYes(get("Compression")),
		ForwardAgent:          isYes(get("ForwardAgent")),
		StrictHostKeyChecking: get("StrictHostKeyChecking"),
		ProxyCommand:          get("ProxyCommand"),
	}
	if v := get("ConnectTimeout"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			in.Options.ConnectTimeout = n
		}
	}
	if v := get("UserKnownHostsFile"); v != "" {
		in.Options.UserKnownHostsFile = expandHome(strings.Fields(v)[0], home)
	}

	identities, _ := cfg.GetAll(alias, "IdentityFile")
	for _, id := range identities {
		path := expandHome(strings.TrimSpace(id), home)
		key, err := os.ReadFile(path)
		if err != nil {
			slog.Debug("Identity file not readable", "host", alias, "path", path, "error", err)
			continue
		}
		in.PrivateKey = string(key)
		e.IdentityFile = path
		break
	}
	if in.PrivateKey == "" && e.Err == nil {
		if len(identities) > 0 {
			e.Err = fmt.Errorf("identity file not readable: %s", strings.Join(identities, ", "))
		} else {
			e.Err = errors.New("no IdentityFile for host")
		}
	}

	e.Input = in
	return e
}

func isYes(v string) bool {
	return strings.EqualFold(v, "yes")
}

// Creator persists a connection; *store.ConnectionStore implements it.
type Creator interface {
	Create(ctx context.Context, in store.ConnectionInput) (*models.Connection, error)
}

// Tester probes a stored connection; *sshsession.Prober implements it.
type Tester interface {
	ProbeStored(ctx context.Context, connectionID string) (*sshsession.ProbeResult, error)
}

type Result struct {
	Name         string `json:"name"`
	Host         string `json:"host"`
	Success      bool   `json:"success"`
	Error        string `json:"error,omitempty"`
	ConnectionID string `json:"connection_id,omitempty"`
	Tested       bool   `json:"tested,omitempty"`
	TestError    string `json:"test_error,omitempty"`
}

type Summary struct {
	Success  bool     `json:"success"`
	Imported int      `json:"imported_count"`
	Failed   int      `json:"failed_count"`
	Skipped  []string `json:"skipped"`
	Results  []Result `json:"imported"`
}

type Importer struct {
	creator Creator
	tester  Tester
	home    string
}

// NewImporter returns an importer; tester may be nil to disable testing.
func NewImporter(creator Creator, tester Tester, home string) *Importer {
	return &Importer{creator: creator, tester: tester, home: home}
}

// Import creates a connection per concrete host in content. Failures are
// reported per entry; the call only errors on unparseable input.
func (im *Importer) Import(ctx context.Context, content []byte, test bool) (*Summary, error) {
	if len(bytes.TrimSpace(content)) == 0 {
		return nil, ErrEmpty
	}
	parsed, err := Parse(bytes.NewReader(content), im.home)
	if err != nil {
		return nil, err
	}

	sum := &Summary{Skipped: parsed.Skipped, Results: make([]Result, 0, len(parsed.Entries))}
	if sum.Skipped == nil {
		sum.Skipped = []string{}
	}
	for _, e := range parsed.Entries {
		res := Result{Name: e.Alias, Host: e.Input.Host}
		if e.Err != nil {
			res.Error = e.Err.Error()
			sum.Failed++
			sum.Results = append(sum.Results, res)
			continue
		}
		conn, err := im.creator.Create(ctx, e.Input)
		if err != nil {
			res.Error = err.Error()
			sum.Failed++
			sum.Results = append(sum.Results, res)
			continue
		}
		res.Success = true
		res.ConnectionID = conn.ID.String()
		sum.Imported++

		if test && im.tester != nil {
			res.Tested = true
			if _, err := im.tester.ProbeStored(ctx, res.ConnectionID); err != nil {
				res.TestError = err.Error()
			}
		}
		sum.Results = append(sum.Results, res)
	}
	sum.Success = sum.Imported > 0 || len(parsed.Entries) == 0

	slog.Info("SSH config imported", "imported", sum.Imported, "failed", sum.Failed, "skipped", len(sum.Skipped))
	return sum, nil
}

// ImportFile validates and reads a config path on this machine.
func (im *Importer) ImportFile(ctx context.Context, path string, test bool) (*Summary, error) {
	full, err := ValidatePath(path, im.home)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(full)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", full, err)
	}
	if fi.Size() > MaxUploadSize {
		return nil, fmt.Errorf("%w: file size exceeds 5MB limit", ErrInvalidUpload)
	}
	content, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", full, err)
	}
	return im.Import(ctx, content, test)
}
