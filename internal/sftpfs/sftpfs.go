// Package sftpfs browses and edits remote files over the SFTP subsystem.
// Every call dials its own transport and closes it when done.
package sftpfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/ahmetk3436/sshdeck/internal/cache"
	"github.com/ahmetk3436/sshdeck/internal/sshsession"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

const (
	MaxReadSize  = 1 << 20 // 1 MiB, larger files are truncated
	MaxWriteSize = 2 << 20
	ListingTTL   = 30 * time.Second
	maxPathLen   = 4096
)

var (
	ErrInvalidPath = errors.New("invalid path")
	ErrTooLarge    = errors.New("content too large")
	ErrNotExist    = errors.New("no such file or directory")
)

type DirEntry struct {
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	Type       string    `json:"type"` // "file" | "dir" | "symlink"
	Size       int64     `json:"size"`
	Mode       string    `json:"mode"`
	ModifiedAt time.Time `json:"modified_at"`
}

type FileContent struct {
	Path      string `json:"path"`
	Content   string `json:"content"`
	Size      int64  `json:"size"`
	Truncated bool   `json:"truncated"`
}

type Usage struct {
	Path       string `json:"path"`
	TotalBytes uint64 `json:"total_bytes"`
	FreeBytes  uint64 `json:"free_bytes"`
	UsedBytes  uint64 `json:"used_bytes"`
}

type Service struct {
	store  sshsession.Store
	dialer *sshsession.Dialer
	cache  cache.Cache
}

func New(store sshsession.Store, dialer *sshsession.Dialer, c cache.Cache) *Service {
	return &Service{store: store, dialer: dialer, cache: c}
}

type session struct {
	ssh  *ssh.Client
	sftp *sftp.Client
}

func (s *session) Close() error {
	s.sftp.Close()
	return s.ssh.Close()
}

func (s *Service) open(ctx context.Context, connectionID string) (*session, error) {
	desc, err := s.store.FindConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	client, _, err := s.dialer.Dial(ctx, desc)
	if err != nil {
		return nil, err
	}
	sc, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, &sshsession.Error{Op: "sftp", Kind: sshsession.ErrExecFailed, Err: fmt.Errorf("open subsystem: %w", err)}
	}
	return &session{ssh: client, sftp: sc}, nil
}

// CleanPath requires an absolute path and returns its cleaned form.
func CleanPath(p string) (string, error) {
	if p == "" || len(p) > maxPathLen || strings.ContainsRune(p, 0) || !strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return path.Clean(p), nil
}

func listingKey(connectionID, dir string) string {
	return "sftp:" + connectionID + ":" + dir
}

func (s *Service) List(ctx context.Context, connectionID, dir string) ([]DirEntry, error) {
	dir, err := CleanPath(dir)
	if err != nil {
		return nil, err
	}
	key := listingKey(connectionID, dir)
	var cached []DirEntry
	if ok, _ := cache.GetJSON(ctx, s.cache, key, &cached); ok {
		return cached, nil
	}

	sess, err := s.open(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	infos, err := sess.sftp.ReadDir(dir)
	if err != nil {
		return nil, wrapFSError("readdir", dir, err)
	}

	entries := make([]DirEntry, 0, len(infos))
	for _, fi := range infos {
		entries = append(entries, toEntry(dir, fi))
	}
	// directories first, then by name
	sort.Slice(entries, func(i, j int) bool {
		if (entries[i].Type == "dir") != (entries[j].Type == "dir") {
			return entries[i].Type == "dir"
		}
		return entries[i].Name < entries[j].Name
	})

	cache.SetJSON(ctx, s.cache, key, entries, ListingTTL)
	return entries, nil
}

func toEntry(dir string, fi os.FileInfo) DirEntry {
	t := "file"
	if fi.Mode()&os.ModeSymlink != 0 {
		t = "symlink"
	} else if fi.IsDir() {
		t = "dir"
	}
	return DirEntry{
		Name:       fi.Name(),
		Path:       path.Join(dir, fi.Name()),
		Type:       t,
		Size:       fi.Size(),
		Mode:       fi.Mode().String(),
		ModifiedAt: fi.ModTime(),
	}
}

func (s *Service) Read(ctx context.Context, connectionID, p string) (*FileContent, error) {
	p, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	sess, err := s.open(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	f, err := sess.sftp.Open(p)
	if err != nil {
		return nil, wrapFSError("open", p, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, wrapFSError("stat", p, err)
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrInvalidPath, p)
	}

	data, err := io.ReadAll(io.LimitReader(f, MaxReadSize))
	if err != nil {
		return nil, wrapFSError("read", p, err)
	}
	return &FileContent{
		Path:      p,
		Content:   string(data),
		Size:      fi.Size(),
		Truncated: fi.Size() > MaxReadSize,
	}, nil
}

func (s *Service) Write(ctx context.Context, connectionID, p string, content []byte) error {
	p, err := CleanPath(p)
	if err != nil {
		return err
	}
	if len(content) > MaxWriteSize {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, len(content), MaxWriteSize)
	}
	sess, err := s.open(ctx, connectionID)
	if err != nil {
		return err
	}
	defer sess.Close()

	f, err := sess.sftp.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return wrapFSError("create", p, err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return wrapFSError("write", p, err)
	}
	if err := f.Close(); err != nil {
		return wrapFSError("close", p, err)
	}
	s.invalidate(ctx, connectionID, path.Dir(p))
	return nil
}

// Delete removes a file or an empty directory.
func (s *Service) Delete(ctx context.Context, connectionID, p string) error {
	p, err := CleanPath(p)
	if err != nil {
		return err
	}
	if p == "/" {
		return fmt.Errorf("%w: refusing to delete /", ErrInvalidPath)
	}
	sess, err := s.open(ctx, connectionID)
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := sess.sftp.Remove(p); err != nil {
		return wrapFSError("remove", p, err)
	}
	s.invalidate(ctx, connectionID, path.Dir(p), p)
	return nil
}

func (s *Service) Mkdir(ctx context.Context, connectionID, p string) error {
	p, err := CleanPath(p)
	if err != nil {
		return err
	}
	sess, err := s.open(ctx, connectionID)
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := sess.sftp.MkdirAll(p); err != nil {
		return wrapFSError("mkdir", p, err)
	}
	s.invalidate(ctx, connectionID, path.Dir(p))
	return nil
}

func (s *Service) Rename(ctx context.Context, connectionID, from, to string) error {
	from, err := CleanPath(from)
	if err != nil {
		return err
	}
	to, err = CleanPath(to)
	if err != nil {
		return err
	}
	sess, err := s.open(ctx, connectionID)
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := sess.sftp.Rename(from, to); err != nil {
		return wrapFSError("rename", from, err)
	}
	s.invalidate(ctx, connectionID, path.Dir(from), path.Dir(to), from)
	return nil
}

// RemoteFile is an open remote file. Closing it also closes the transport
// it was read through.
type RemoteFile struct {
	*sftp.File
	Name string
	Size int64
	sess *session
}

func (f *RemoteFile) Close() error {
	f.File.Close()
	return f.sess.Close()
}

// Open opens a regular file for reading. The caller must Close it.
func (s *Service) Open(ctx context.Context, connectionID, p string) (*RemoteFile, error) {
	p, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	sess, err := s.open(ctx, connectionID)
	if err != nil {
		return nil, err
	}

	fi, err := sess.sftp.Stat(p)
	if err != nil {
		sess.Close()
		return nil, wrapFSError("stat", p, err)
	}
	if fi.IsDir() {
		sess.Close()
		return nil, fmt.Errorf("%w: %s is a directory", ErrInvalidPath, p)
	}
	f, err := sess.sftp.Open(p)
	if err != nil {
		sess.Close()
		return nil, wrapFSError("open", p, err)
	}
	return &RemoteFile{File: f, Name: path.Base(p), Size: fi.Size(), sess: sess}, nil
}

// DiskUsage reports filesystem capacity for the mount holding p.
func (s *Service) DiskUsage(ctx context.Context, connectionID, p string) (*Usage, error) {
	p, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	sess, err := s.open(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	vfs, err := sess.sftp.StatVFS(p)
	if err != nil {
		return nil, wrapFSError("statvfs", p, err)
	}
	total := vfs.TotalSpace()
	free := vfs.FreeSpace()
	return &Usage{Path: p, TotalBytes: total, FreeBytes: free, UsedBytes: total - free}, nil
}

func (s *Service) invalidate(ctx context.Context, connectionID string, dirs ...string) {
	keys := make([]string, len(dirs))
	for i, d := range dirs {
		keys[i] = listingKey(connectionID, d)
	}
	s.cache.Invalidate(ctx, keys...)
}

func wrapFSError(op, p string, err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("sftp %s %s: %w", op, p, ErrNotExist)
	}
	return fmt.Errorf("sftp %s %s: %w", op, p, err)
}
