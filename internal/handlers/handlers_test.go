package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ahmetk3436/sshdeck/internal/config"
	"github.com/ahmetk3436/sshdeck/internal/crypto"
	"github.com/ahmetk3436/sshdeck/internal/database"
	"github.com/ahmetk3436/sshdeck/internal/models"
	"github.com/ahmetk3436/sshdeck/internal/pubsub"
	"github.com/ahmetk3436/sshdeck/internal/sftpfs"
	"github.com/ahmetk3436/sshdeck/internal/sshsession"
	"github.com/ahmetk3436/sshdeck/internal/sshtest"
	"github.com/ahmetk3436/sshdeck/internal/store"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type testEnv struct {
	app     *fiber.App
	db      *gorm.DB
	store   *store.ConnectionStore
	manager *sshsession.Manager
	bus     *pubsub.MemoryBus
	srv     *sshtest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.OpenMemory()
	require.NoError(t, err)
	enc, err := crypto.NewEncryptor("")
	require.NoError(t, err)

	st := store.New(db, enc)
	dialer := sshsession.NewDialer(5 * time.Second)
	manager := sshsession.NewManager(st, dialer, sshsession.PolicyReject)
	executor := sshsession.NewExecutor(st, dialer, 10*time.Second)
	prober := sshsession.NewProber(st, dialer, st)
	bus := pubsub.NewMemoryBus()
	t.Cleanup(func() {
		manager.CloseAll()
		bus.Close()
	})

	connections := NewConnectionHandler(db, st, prober, manager, nil)
	sessions := NewSessionHandler(db, st, manager)
	commands := NewCommandHandler(db, executor, bus)
	processes := NewProcessHandler(db, executor)

	app := fiber.New()
	app.Get("/connections", connections.ListConnections)
	app.Post("/connections", connections.CreateConnection)
	app.Get("/connections/:id", connections.GetConnection)
	app.Put("/connections/:id", connections.UpdateConnection)
	app.Delete("/connections/:id", connections.DeleteConnection)
	app.Post("/connections/:id/test", connections.TestConnection)
	app.Post("/connections/:id/sessions", sessions.OpenSession)
	app.Get("/sessions", sessions.ListSessions)
	app.Get("/sessions/history", sessions.SessionHistory)
	app.Get("/sessions/:id", sessions.GetSession)
	app.Delete("/sessions/:id", sessions.CloseSession)
	app.Post("/connections/:id/exec", commands.ExecCommand)
	app.Post("/execute", commands.ExecMany)
	app.Get("/connections/:id/history", commands.GetHistory)
	app.Post("/connections/:id/processes/:pid/kill", processes.KillProcess)
	app.Post("/connections/:id/services/:name/action", processes.ServiceAction)

	return &testEnv{
		app:     app,
		db:      db,
		store:   st,
		manager: manager,
		bus:     bus,
		srv:     sshtest.Start(t),
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

// addConnection stores a connection pointing at the test server.
func (e *testEnv) addConnection(t *testing.T, name string) *models.Connection {
	t.Helper()
	conn, err := e.store.Create(context.Background(), store.ConnectionInput{
		Name:     name,
		Host:     e.srv.Host,
		Port:     e.srv.Port,
		Username: e.srv.User,
		Password: e.srv.Password,
	})
	require.NoError(t, err)
	return conn
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err    error
		code   int
		reason string
	}{
		{store.ErrNotFound, http.StatusNotFound, "not_found"},
		{fmt.Errorf("create: %w", store.ErrDuplicateName), http.StatusConflict, "duplicate_name"},
		{store.ErrInvalid, http.StatusBadRequest, "invalid"},
		{sftpfs.ErrTooLarge, http.StatusRequestEntityTooLarge, "too_large"},
		{&sshsession.Error{Op: "open", Kind: sshsession.ErrAuthFailed}, http.StatusUnauthorized, "auth_failed"},
		{&sshsession.Error{Op: "open", Kind: sshsession.ErrAlreadyOpen}, http.StatusConflict, "already_open"},
		{&sshsession.Error{Op: "exec", Kind: sshsession.ErrTimeout}, http.StatusGatewayTimeout, "timeout"},
		{&sshsession.Error{Op: "dial", Kind: sshsession.ErrTransport}, http.StatusBadGateway, "transport_error"},
		{&sshsession.Error{Op: "get", Kind: sshsession.ErrNotFound}, http.StatusNotFound, "not_found"},
		{errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		code, reason := statusFor(tc.err)
		assert.Equal(t, tc.code, code, tc.err.Error())
		assert.Equal(t, tc.reason, reason, tc.err.Error())
	}
}

func TestConnectionCRUD(t *testing.T) {
	e := newTestEnv(t)

	code, body := e.do(t, "POST", "/connections", map[string]any{
		"name": "web", "host": "10.0.0.1", "username": "root", "password": "s3cret",
	})
	require.Equal(t, http.StatusCreated, code, body)
	id := body["id"].(string)
	assert.Equal(t, true, body["has_password"])
	assert.Equal(t, false, body["has_private_key"])
	assert.NotContains(t, body, "password")
	assert.NotContains(t, body, "encrypted_password")
	assert.EqualValues(t, 22, body["port"])

	code, body = e.do(t, "POST", "/connections", map[string]any{
		"name": "web", "host": "10.0.0.2", "username": "root", "password": "x",
	})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "duplicate_name", body["reason"])

	code, body = e.do(t, "POST", "/connections", map[string]any{"name": "nohost"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, true, body["error"])

	code, body = e.do(t, "PUT", "/connections/"+id, map[string]any{"port": 2222})
	require.Equal(t, http.StatusOK, code, body)
	assert.EqualValues(t, 2222, body["port"])

	code, body = e.do(t, "GET", "/connections/"+id, nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 0, body["active_sessions"])

	code, body = e.do(t, "GET", "/connections", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["connections"], 1)

	code, _ = e.do(t, "GET", "/connections/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = e.do(t, "DELETE", "/connections/"+id, nil)
	assert.Equal(t, http.StatusOK, code)

	code, body = e.do(t, "GET", "/connections/"+id, nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "not_found", body["reason"])
}

func TestTestConnectionRecordsProbe(t *testing.T) {
	e := newTestEnv(t)
	conn := e.addConnection(t, "box")

	code, body := e.do(t, "POST", "/connections/"+conn.ID.String()+"/test", nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, true, body["success"])
	assert.NotEmpty(t, body["fingerprint"])

	stored, err := e.store.Get(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.True(t, stored.LastTest.Data().Success)

	bad, err := e.store.Create(context.Background(), store.ConnectionInput{
		Name: "bad", Host: e.srv.Host, Port: e.srv.Port, Username: e.srv.User, Password: "wrong",
	})
	require.NoError(t, err)
	code, body = e.do(t, "POST", "/connections/"+bad.ID.String()+"/test", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "auth_failed", body["reason"])
}

func TestExecCommandRecordsHistory(t *testing.T) {
	e := newTestEnv(t)
	conn := e.addConnection(t, "box")

	sub, err := e.bus.Subscribe(context.Background(), pubsub.ChannelSSHOutput)
	require.NoError(t, err)
	defer sub.Close()

	code, body := e.do(t, "POST", "/connections/"+conn.ID.String()+"/exec", map[string]any{
		"command": "echo hi; echo oops >&2; exit 3",
	})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "hi\n", body["stdout"])
	assert.Equal(t, "oops\n", body["stderr"])
	assert.EqualValues(t, 3, body["exit_code"])
	assert.Equal(t, true, body["exit_known"])
	assert.Equal(t, string(sshsession.ExecRemoteFailure), body["status"])

	select {
	case msg := <-sub.Messages():
		var ev OutputEvent
		require.NoError(t, json.Unmarshal(msg.Payload, &ev))
		assert.Equal(t, conn.ID.String(), ev.ConnectionID)
		assert.Equal(t, 3, ev.ExitCode)
	case <-time.After(2 * time.Second):
		t.Fatal("no output event published")
	}

	save := false
	code, _ = e.do(t, "POST", "/connections/"+conn.ID.String()+"/exec", map[string]any{
		"command": "true", "save_history": save,
	})
	require.Equal(t, http.StatusOK, code)

	code, body = e.do(t, "GET", "/connections/"+conn.ID.String()+"/history", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["total"])
	entry := body["history"].([]any)[0].(map[string]any)
	assert.Equal(t, "echo hi; echo oops >&2; exit 3", entry["command"])

	code, _ = e.do(t, "POST", "/connections/"+conn.ID.String()+"/exec", map[string]any{"command": "  "})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestExecUnknownConnectionIsNotRecorded(t *testing.T) {
	e := newTestEnv(t)
	id := "6f1c2a52-6d38-4c1e-9b8e-1f6f2b7d9a10"

	code, body := e.do(t, "POST", "/connections/"+id+"/exec", map[string]any{"command": "uptime"})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "not_found", body["reason"])

	var n int64
	e.db.Model(&models.CommandHistory{}).Count(&n)
	assert.Zero(t, n)
}

func TestExecMany(t *testing.T) {
	e := newTestEnv(t)
	a := e.addConnection(t, "a")
	b := e.addConnection(t, "b")
	missing := "6f1c2a52-6d38-4c1e-9b8e-1f6f2b7d9a10"

	code, body := e.do(t, "POST", "/execute", map[string]any{
		"command":        "echo ok",
		"connection_ids": []string{a.ID.String(), missing, b.ID.String()},
	})
	require.Equal(t, http.StatusOK, code, body)
	assert.EqualValues(t, 3, body["total"])
	assert.EqualValues(t, 2, body["succeeded"])

	results := body["results"].([]any)
	require.Len(t, results, 3)
	assert.Equal(t, a.ID.String(), results[0].(map[string]any)["connection_id"])
	assert.Equal(t, "ok\n", results[0].(map[string]any)["stdout"])
	assert.Equal(t, "not_found", results[1].(map[string]any)["reason"])
	assert.Equal(t, b.ID.String(), results[2].(map[string]any)["connection_id"])

	code, _ = e.do(t, "POST", "/execute", map[string]any{"command": "echo", "connection_ids": []string{}})
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = e.do(t, "POST", "/execute", map[string]any{"command": "echo", "connection_ids": []string{"nope"}})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestSessionLifecycleIsRecorded(t *testing.T) {
	e := newTestEnv(t)
	conn := e.addConnection(t, "box")
	path := "/connections/" + conn.ID.String() + "/sessions"

	code, body := e.do(t, "POST", path, map[string]any{"cols": 100, "rows": 30})
	require.Equal(t, http.StatusCreated, code, body)
	sid := body["id"].(string)
	assert.EqualValues(t, 100, body["cols"])

	var row models.TerminalSession
	require.NoError(t, e.db.First(&row, "id = ?", sid).Error)
	assert.Equal(t, models.SessionActive, row.Status)
	assert.Equal(t, conn.ID, row.ConnectionID)

	stored, err := e.store.Get(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusConnected, stored.Status)
	assert.NotNil(t, stored.LastConnectedAt)

	// a second shell on the same connection is refused
	code, body = e.do(t, "POST", path, nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "already_open", body["reason"])

	code, body = e.do(t, "GET", "/sessions?connection_id="+conn.ID.String(), nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["sessions"], 1)

	code, _ = e.do(t, "DELETE", "/sessions/"+sid, nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = e.do(t, "DELETE", "/sessions/"+sid, nil)
	assert.Equal(t, http.StatusOK, code)

	require.Eventually(t, func() bool {
		var r models.TerminalSession
		return e.db.First(&r, "id = ?", sid).Error == nil && r.Status == models.SessionClosed && r.EndedAt != nil
	}, 3*time.Second, 20*time.Millisecond)

	code, _ = e.do(t, "GET", "/sessions/"+sid, nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, body = e.do(t, "GET", "/sessions/history", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["total"])
}

func TestSessionOpenFailureMarksConnection(t *testing.T) {
	e := newTestEnv(t)
	bad, err := e.store.Create(context.Background(), store.ConnectionInput{
		Name: "bad", Host: e.srv.Host, Port: e.srv.Port, Username: e.srv.User, Password: "wrong",
	})
	require.NoError(t, err)

	code, body := e.do(t, "POST", "/connections/"+bad.ID.String()+"/sessions", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "auth_failed", body["reason"])

	stored, err := e.store.Get(context.Background(), bad.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, stored.Status)
	assert.Nil(t, stored.LastConnectedAt)
}

func TestDeleteConnectionClosesSessions(t *testing.T) {
	e := newTestEnv(t)
	conn := e.addConnection(t, "box")

	code, body := e.do(t, "POST", "/connections/"+conn.ID.String()+"/sessions", nil)
	require.Equal(t, http.StatusCreated, code, body)

	code, _ = e.do(t, "DELETE", "/connections/"+conn.ID.String(), nil)
	require.Equal(t, http.StatusOK, code)

	require.Eventually(t, func() bool {
		return len(e.manager.List(conn.ID.String())) == 0
	}, 3*time.Second, 20*time.Millisecond)
}

func TestProcessInputValidation(t *testing.T) {
	e := newTestEnv(t)
	conn := e.addConnection(t, "box")
	base := "/connections/" + conn.ID.String()

	code, _ := e.do(t, "POST", base+"/processes/abc/kill", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = e.do(t, "POST", base+"/processes/12/kill", map[string]any{"signal": 99})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = e.do(t, "POST", base+"/services/nginx/action", map[string]any{"action": "reboot"})
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = e.do(t, "POST", base+"/services/a$b/action", map[string]any{"action": "restart"})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestParseProcesses(t *testing.T) {
	out := `USER         PID %CPU %MEM    VSZ   RSS TTY      STAT START   TIME COMMAND
root           1  0.0  0.1 167744 11520 ?        Ss   Oct01   0:12 /sbin/init splash
www-data    4211  2.5  1.2 220000 50000 ?        S    10:02   1:03 nginx: worker process
garbage line
`
	procs := parseProcesses(out)
	require.Len(t, procs, 2)
	assert.Equal(t, 1, procs[0].PID)
	assert.Equal(t, "/sbin/init splash", procs[0].Command)
	assert.Equal(t, "www-data", procs[1].User)
	assert.Equal(t, "2.5", procs[1].CPU)
	assert.Equal(t, "nginx: worker process", procs[1].Command)
}

func TestParseServices(t *testing.T) {
	out := `cron.service      loaded active running Regular background program processing daemon
nginx.service     loaded failed failed  A high performance web server
`
	svcs := parseServices(out)
	require.Len(t, svcs, 2)
	assert.Equal(t, "cron.service", svcs[0].Name)
	assert.Equal(t, "running", svcs[0].Sub)
	assert.Equal(t, "Regular background program processing daemon", svcs[0].Description)
	assert.Equal(t, "failed", svcs[1].Active)
}

func TestDecodeInbound(t *testing.T) {
	f := decodeInbound([]byte(`{"type":"resize","cols":120,"rows":40}`))
	assert.Equal(t, sshsession.FrameResize, f.Kind)
	assert.Equal(t, 120, f.Cols)
	assert.Equal(t, 40, f.Rows)

	f = decodeInbound([]byte(`{"type":"input","data":"ls\r"}`))
	assert.Equal(t, sshsession.FrameInput, f.Kind)
	assert.Equal(t, "ls\r", string(f.Data))

	f = decodeInbound([]byte("echo {}\r"))
	assert.Equal(t, sshsession.FrameInput, f.Kind)
	assert.Equal(t, "echo {}\r", string(f.Data))

	// JSON that is not a control message is typed input
	f = decodeInbound([]byte(`{"a":1}`))
	assert.Equal(t, sshsession.FrameInput, f.Kind)
	assert.Equal(t, `{"a":1}`, string(f.Data))
}

func TestChannelsFor(t *testing.T) {
	assert.Equal(t, eventChannels, channelsFor(""))
	assert.Equal(t, []string{pubsub.ChannelDockerEvents}, channelsFor("docker:events"))
	assert.Equal(t, eventChannels, channelsFor("bogus"))
}

func TestAuthLoginAndRefresh(t *testing.T) {
	db, err := database.OpenMemory()
	require.NoError(t, err)
	cfg := &config.Config{
		AdminUsername:    "admin",
		AdminPassword:    "correct-horse",
		AdminDisplayName: "Deck Admin",
		AdminRole:        "admin",
		JWTSecret:        "test-secret",
	}
	h := NewAuthHandler(cfg, db)
	app := fiber.New()
	app.Post("/login", h.Login)
	app.Post("/refresh", h.Refresh)
	e := &testEnv{app: app}

	code, _ := e.do(t, "POST", "/login", map[string]any{"username": "admin", "password": "nope"})
	assert.Equal(t, http.StatusUnauthorized, code)

	code, body := e.do(t, "POST", "/login", map[string]any{"username": "admin", "password": "correct-horse"})
	require.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, body["access_token"])
	assert.Equal(t, "DA", body["user"].(map[string]any)["avatar_initials"])

	code, body = e.do(t, "POST", "/refresh", map[string]any{"refresh_token": body["refresh_token"]})
	require.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, body["access_token"])

	code, _ = e.do(t, "POST", "/refresh", map[string]any{"refresh_token": "garbage"})
	assert.Equal(t, http.StatusUnauthorized, code)

	var n int64
	db.Model(&models.AuditLog{}).Where("action = ?", "auth.login_failed").Count(&n)
	assert.EqualValues(t, 1, n)
}
