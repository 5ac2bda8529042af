package sshsession

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/ahmetk3436/sshdeck/internal/sshtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bridgeEnv struct {
	srv *sshtest.Server
	m   *Manager
	h   *Handle
	ch  *fakeChannel
	res chan error
}

func startBridge(t *testing.T) *bridgeEnv {
	t.Helper()
	srv := sshtest.Start(t)
	store := newMemStore()
	store.put(descriptorFor(srv, "conn-1", sshtest.DefaultPassword))
	m := NewManager(store, nil, PolicyReject)
	t.Cleanup(m.CloseAll)

	h, err := m.Open(context.Background(), "conn-1", ShellOptions{})
	require.NoError(t, err)

	env := &bridgeEnv{srv: srv, m: m, h: h, ch: newFakeChannel(), res: make(chan error, 1)}
	go func() { env.res <- NewBridge().Run(context.Background(), h, env.ch) }()

	first := <-env.ch.out
	require.Equal(t, FrameConnect, first.Kind)
	awaitOutput(t, env.ch, sshtest.Prompt, 5*time.Second)
	return env
}

func (e *bridgeEnv) wait(t *testing.T, within time.Duration) error {
	t.Helper()
	select {
	case err := <-e.res:
		return err
	case <-time.After(within):
		t.Fatalf("bridge did not stop within %s", within)
		return nil
	}
}

func TestBridgeRelaysInputAndOutput(t *testing.T) {
	env := startBridge(t)

	env.ch.in <- Frame{Kind: FrameInput, Data: []byte("hello\r")}
	awaitOutput(t, env.ch, "hello\n", 5*time.Second)

	in, out := env.h.Stats()
	assert.Equal(t, int64(len("hello\r")), in)
	assert.Greater(t, out, int64(0))
}

func TestBridgeMergesStderr(t *testing.T) {
	env := startBridge(t)

	env.ch.in <- Frame{Kind: FrameInput, Data: []byte(sshtest.StderrPrefix + "oops\r")}
	awaitOutput(t, env.ch, "oops\n", 5*time.Second)
}

func TestBridgeClampsResize(t *testing.T) {
	env := startBridge(t)

	env.ch.in <- Frame{Kind: FrameResize, Cols: 9999, Rows: 0}
	awaitOutput(t, env.ch, "resize:500x1\n", 5*time.Second)

	env.ch.in <- Frame{Kind: FrameResize, Cols: 132, Rows: 43}
	awaitOutput(t, env.ch, "resize:132x43\n", 5*time.Second)
	cols, rows := env.h.Size()
	assert.Equal(t, 132, cols)
	assert.Equal(t, 43, rows)
}

func TestBridgeDropsOversizedInput(t *testing.T) {
	env := startBridge(t)

	env.ch.in <- Frame{Kind: FrameInput, Data: bytes.Repeat([]byte("a"), MaxInputMessageSize+1)}
	env.ch.in <- Frame{Kind: FrameInput, Data: []byte("ok\r")}
	got := awaitOutput(t, env.ch, "ok\n", 5*time.Second)
	assert.NotContains(t, got, "aaaa")
}

func TestBridgeStopsWhenHandleClosed(t *testing.T) {
	env := startBridge(t)

	// the output pump is blocked reading from the idle shell
	start := time.Now()
	require.NoError(t, env.m.Close(env.h.ID))
	err := env.wait(t, time.Second)
	assert.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)

	frames := controlFrames(drainFrames(env.ch))
	require.Len(t, frames, 1)
	assert.Equal(t, FrameDisconnect, frames[0].Kind)
	assert.Equal(t, DisconnectMessage, frames[0].Message)
	assert.True(t, env.ch.isClosed())
	assert.Empty(t, env.m.List(""))
}

func TestBridgeClientDisconnectClosesHandle(t *testing.T) {
	env := startBridge(t)

	env.ch.Close()
	assert.NoError(t, env.wait(t, 2*time.Second))
	assert.Equal(t, StateClosed, env.h.State())
	assert.Empty(t, env.m.List(""))
}

func TestBridgeShellExitIsClean(t *testing.T) {
	env := startBridge(t)

	env.ch.in <- Frame{Kind: FrameInput, Data: []byte{0x04}}
	assert.NoError(t, env.wait(t, 5*time.Second))

	frames := controlFrames(drainFrames(env.ch))
	require.NotEmpty(t, frames)
	for _, f := range frames {
		assert.NotEqual(t, FrameError, f.Kind)
	}
	assert.Equal(t, FrameDisconnect, frames[len(frames)-1].Kind)
}

func TestBridgeTransportFailureIsReported(t *testing.T) {
	env := startBridge(t)

	env.srv.DropConnections()
	err := env.wait(t, 5*time.Second)
	assert.Error(t, err)

	frames := controlFrames(drainFrames(env.ch))
	require.Len(t, frames, 2)
	assert.Equal(t, FrameError, frames[0].Kind)
	assert.NotEmpty(t, frames[0].Message)
	assert.Equal(t, FrameDisconnect, frames[1].Kind)
	assert.Equal(t, DisconnectMessage, frames[1].Message)
}

func TestBridgeRejectsClosedHandle(t *testing.T) {
	srv := sshtest.Start(t)
	store := newMemStore()
	store.put(descriptorFor(srv, "conn-1", sshtest.DefaultPassword))
	m := NewManager(store, nil, PolicyReject)

	h, err := m.Open(context.Background(), "conn-1", ShellOptions{})
	require.NoError(t, err)
	require.NoError(t, h.Close())

	ch := newFakeChannel()
	err = NewBridge().Run(context.Background(), h, ch)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.True(t, ch.isClosed())
}

func TestBridgeTurnsAwaySecondViewer(t *testing.T) {
	env := startBridge(t)

	second := newFakeChannel()
	err := NewBridge().Run(context.Background(), env.h, second)
	assert.ErrorIs(t, err, ErrAlreadyOpen)
	assert.True(t, second.isClosed())
	frames := drainFrames(second)
	require.Len(t, frames, 1)
	assert.Equal(t, FrameError, frames[0].Kind)

	// the first viewer keeps the whole stream and the shell stays up
	assert.Equal(t, StateReady, env.h.State())
	assert.True(t, env.h.Attached())
	for i := 0; i < 5; i++ {
		line := "line" + string(rune('a'+i))
		env.ch.in <- Frame{Kind: FrameInput, Data: []byte(line + "\r")}
		awaitOutput(t, env.ch, line+"\n", 5*time.Second)
	}
}

func TestBridgeReleasesHandleOnEnd(t *testing.T) {
	env := startBridge(t)
	env.ch.Close()
	require.NoError(t, env.wait(t, 2*time.Second))
	assert.False(t, env.h.Attached())
}

func TestBridgeStopsOnContextCancel(t *testing.T) {
	srv := sshtest.Start(t)
	store := newMemStore()
	store.put(descriptorFor(srv, "conn-1", sshtest.DefaultPassword))
	m := NewManager(store, nil, PolicyReject)

	h, err := m.Open(context.Background(), "conn-1", ShellOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ch := newFakeChannel()
	res := make(chan error, 1)
	go func() { res <- NewBridge().Run(ctx, h, ch) }()

	cancel()
	select {
	case err := <-res:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("bridge ignored context cancellation")
	}
	assert.Equal(t, StateClosed, h.State())
}

func TestClampSize(t *testing.T) {
	cols, rows := ClampSize(0, -5)
	assert.Equal(t, 1, cols)
	assert.Equal(t, 1, rows)

	cols, rows = ClampSize(501, 201)
	assert.Equal(t, MaxCols, cols)
	assert.Equal(t, MaxRows, rows)

	cols, rows = ClampSize(80, 24)
	assert.Equal(t, 80, cols)
	assert.Equal(t, 24, rows)
}
