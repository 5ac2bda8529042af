package sshsession

import (
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ahmetk3436/sshdeck/internal/sshtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExecutor(t *testing.T) (*sshtest.Server, *memStore, *Executor) {
	t.Helper()
	srv := sshtest.Start(t)
	store := newMemStore()
	store.put(descriptorFor(srv, "conn-1", sshtest.DefaultPassword))
	exec := NewExecutor(store, NewDialer(5*time.Second), 10*time.Second)
	return srv, store, exec
}

func TestExecuteKeepsStreamsApart(t *testing.T) {
	_, _, exec := newTestExecutor(t)

	res, err := exec.Execute(context.Background(), "conn-1", `printf 'a\nb'; printf 'err1' >&2; printf 'c'; printf 'err2' >&2`, 0)
	require.NoError(t, err)
	assert.Equal(t, "a\nbc", res.Stdout)
	assert.Equal(t, "err1err2", res.Stderr)
	assert.True(t, res.ExitKnown)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, ExecSuccess, res.Status())
}

func TestExecuteLargeOutputIsByteExact(t *testing.T) {
	_, _, exec := newTestExecutor(t)

	res, err := exec.Execute(context.Background(), "conn-1", `i=0; while [ $i -lt 5000 ]; do echo "line-$i"; i=$((i+1)); done`, 0)
	require.NoError(t, err)

	var want strings.Builder
	for i := 0; i < 5000; i++ {
		want.WriteString("line-")
		want.WriteString(strconv.Itoa(i))
		want.WriteString("\n")
	}
	assert.Equal(t, want.String(), res.Stdout)
	assert.Empty(t, res.Stderr)
}

func TestExecuteReportsExitStatus(t *testing.T) {
	_, _, exec := newTestExecutor(t)

	res, err := exec.Execute(context.Background(), "conn-1", "echo partial; exit 3", 0)
	require.NoError(t, err)
	assert.True(t, res.ExitKnown)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "partial\n", res.Stdout)
	assert.Equal(t, ExecRemoteFailure, res.Status())
}

func TestExecuteWarningsOnStderrAreNotFailures(t *testing.T) {
	_, _, exec := newTestExecutor(t)

	res, err := exec.Execute(context.Background(), "conn-1", "echo warning >&2; echo done", 0)
	require.NoError(t, err)
	assert.Equal(t, "warning\n", res.Stderr)
	assert.Equal(t, ExecSuccess, res.Status())
}

func TestExecuteWithoutExitStatusFallsBackToStderr(t *testing.T) {
	_, _, exec := newTestExecutor(t)

	res, err := exec.Execute(context.Background(), "conn-1", sshtest.NoExitPrefix+"echo boom >&2", 0)
	require.NoError(t, err)
	assert.False(t, res.ExitKnown)
	assert.Equal(t, -1, res.ExitCode)
	assert.Equal(t, ExecRemoteFailure, res.Status())

	res, err = exec.Execute(context.Background(), "conn-1", sshtest.NoExitPrefix+"echo fine", 0)
	require.NoError(t, err)
	assert.False(t, res.ExitKnown)
	assert.Equal(t, ExecSuccess, res.Status())
}

func TestExecuteTimeout(t *testing.T) {
	_, _, exec := newTestExecutor(t)

	start := time.Now()
	_, err := exec.Execute(context.Background(), "conn-1", "sleep 5", 300*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestExecuteUnknownConnection(t *testing.T) {
	_, _, exec := newTestExecutor(t)

	_, err := exec.Execute(context.Background(), "nope", "true", 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExecuteWrongPassword(t *testing.T) {
	srv, store, exec := newTestExecutor(t)
	store.put(descriptorFor(srv, "bad", "wrong"))

	_, err := exec.Execute(context.Background(), "bad", "true", 0)
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestSlowCommandDoesNotDelayFastOne(t *testing.T) {
	srv, store, exec := newTestExecutor(t)
	store.put(descriptorFor(srv, "conn-2", sshtest.DefaultPassword))

	go func() {
		exec.Execute(context.Background(), "conn-1", "sleep 5", 10*time.Second)
	}()
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	res, err := exec.Execute(context.Background(), "conn-2", "echo ok", 0)
	require.NoError(t, err)
	assert.Equal(t, "ok\n", res.Stdout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestExecuteMany(t *testing.T) {
	srv, store, exec := newTestExecutor(t)
	store.put(descriptorFor(srv, "conn-2", sshtest.DefaultPassword))

	start := time.Now()
	outcomes := exec.ExecuteMany(context.Background(), []string{"conn-1", "missing", "conn-2"}, "echo ok", 0)
	require.Len(t, outcomes, 3)

	assert.Equal(t, "conn-1", outcomes[0].ConnectionID)
	require.NoError(t, outcomes[0].Err)
	assert.Equal(t, "ok\n", outcomes[0].Result.Stdout)

	assert.Equal(t, "missing", outcomes[1].ConnectionID)
	assert.ErrorIs(t, outcomes[1].Err, ErrNotFound)
	assert.Nil(t, outcomes[1].Result)

	require.NoError(t, outcomes[2].Err)
	assert.Equal(t, "ok\n", outcomes[2].Result.Stdout)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestExecuteManyHungHostsDoNotDelayFastOne(t *testing.T) {
	srv := sshtest.Start(t)
	hole := sshtest.BlackHole(t)
	store := newMemStore()
	store.put(descriptorFor(srv, "fast", sshtest.DefaultPassword))
	for _, id := range []string{"hung-1", "hung-2", "hung-3"} {
		d := descriptorFor(srv, id, sshtest.DefaultPassword)
		host, port, err := net.SplitHostPort(hole)
		require.NoError(t, err)
		d.Host, d.Port = host, mustAtoi(t, port)
		store.put(d)
	}
	exec := NewExecutor(store, NewDialer(3*time.Second), 10*time.Second)

	start := time.Now()
	done := make(chan []Outcome, 1)
	go func() {
		done <- exec.ExecuteMany(context.Background(), []string{"hung-1", "hung-2", "hung-3", "fast"}, "echo ok", 0)
	}()

	// a concurrent single run is not queued behind the hung hosts either
	time.Sleep(50 * time.Millisecond)
	res, err := exec.Execute(context.Background(), "fast", "echo solo", 0)
	require.NoError(t, err)
	assert.Equal(t, "solo\n", res.Stdout)
	assert.Less(t, time.Since(start), 2*time.Second)

	outcomes := <-done
	elapsed := time.Since(start)
	require.Len(t, outcomes, 4)
	require.NoError(t, outcomes[3].Err)
	assert.Equal(t, "ok\n", outcomes[3].Result.Stdout)
	for _, o := range outcomes[:3] {
		assert.ErrorIs(t, o.Err, ErrTimeout)
	}
	// every hung host times out in parallel rather than one after another
	assert.Less(t, elapsed, 6*time.Second)
}

func TestResultStatus(t *testing.T) {
	assert.Equal(t, ExecSuccess, (&Result{ExitKnown: true}).Status())
	assert.Equal(t, ExecSuccess, (&Result{ExitKnown: true, Stderr: "noise"}).Status())
	assert.Equal(t, ExecRemoteFailure, (&Result{ExitKnown: true, ExitCode: 1}).Status())
	assert.Equal(t, ExecRemoteFailure, (&Result{ExitCode: -1, Stderr: "x"}).Status())
	assert.Equal(t, ExecSuccess, (&Result{ExitCode: -1}).Status())
}
