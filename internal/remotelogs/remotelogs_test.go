package remotelogs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ahmetk3436/sshdeck/internal/sshsession"
	"github.com/ahmetk3436/sshdeck/internal/sshtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticStore map[string]sshsession.Descriptor

func (s staticStore) FindConnection(ctx context.Context, id string) (sshsession.Descriptor, error) {
	d, ok := s[id]
	if !ok {
		return sshsession.Descriptor{}, fmt.Errorf("connection %s: %w", id, sshsession.ErrNotFound)
	}
	return d, nil
}

func newService(t *testing.T) *Service {
	t.Helper()
	srv := sshtest.Start(t)
	store := staticStore{"web": {
		ID: "web", Name: "web", Host: srv.Host, Port: srv.Port,
		Username: srv.User, Password: srv.Password,
	}}
	exec := sshsession.NewExecutor(store, sshsession.NewDialer(5*time.Second), 10*time.Second)
	return New(exec, nil)
}

func TestCommand(t *testing.T) {
	cases := []struct {
		req    Request
		follow bool
		want   string
	}{
		{Request{Source: SourceJournal}, false, "journalctl --no-pager -n 100"},
		{Request{Source: SourceJournal, Unit: "nginx.service", Lines: 20}, true, "journalctl --no-pager -n 20 -u nginx.service -f"},
		{Request{Source: SourceFile, Path: "/var/log/syslog", Lines: 99999}, false, "tail -n 5000 /var/log/syslog"},
		{Request{Source: SourceFile, Path: "/var/log/my app.log"}, true, "tail -n 100 -F '/var/log/my app.log'"},
	}
	for _, tc := range cases {
		got, err := tc.req.Command(tc.follow)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}
}

func TestValidate(t *testing.T) {
	bad := []Request{
		{Source: "syslog"},
		{Source: SourceJournal, Unit: "nginx; rm -rf /"},
		{Source: SourceFile, Path: "relative.log"},
		{Source: SourceDocker},
	}
	for _, r := range bad {
		assert.ErrorIs(t, r.Validate(), ErrInvalidRequest, "%+v", r)
	}

	_, err := Request{Source: SourceDocker, Container: "web"}.Command(false)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestFetchFileTail(t *testing.T) {
	svc := newService(t)
	path := filepath.Join(t.TempDir(), "app.log")
	require.NoError(t, os.WriteFile(path, []byte("one\ntwo\nthree\n"), 0o644))

	out, err := svc.Fetch(context.Background(), "web", Request{Source: SourceFile, Path: path, Lines: 2})
	require.NoError(t, err)
	assert.Equal(t, "two\nthree\n", out)
}

func TestFetchMissingFileFails(t *testing.T) {
	svc := newService(t)
	_, err := svc.Fetch(context.Background(), "web", Request{Source: SourceFile, Path: "/nonexistent/app.log"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "file logs")
	assert.ErrorIs(t, err, sshsession.ErrExecFailed)
}

func TestFollowFile(t *testing.T) {
	svc := newService(t)
	path := filepath.Join(t.TempDir(), "app.log")
	require.NoError(t, os.WriteFile(path, []byte("boot\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := svc.Follow(ctx, "web", Request{Source: SourceFile, Path: path, Lines: 1})
	require.NoError(t, err)

	next := func() string {
		select {
		case l := <-ch:
			return l
		case <-time.After(5 * time.Second):
			t.Fatal("no line")
			return ""
		}
	}
	assert.Equal(t, "boot", next())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString("request served\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.Equal(t, "request served", next())

	cancel()
	for range ch {
	}
}
