package services

import (
	"log/slog"
	"time"

	"github.com/ahmetk3436/sshdeck/internal/sshsession"
)

const janitorInterval = time.Minute

// SessionJanitor closes interactive sessions that saw no traffic for
// longer than maxIdle.
type SessionJanitor struct {
	manager  *sshsession.Manager
	maxIdle  time.Duration
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

func NewSessionJanitor(manager *sshsession.Manager, maxIdle time.Duration) *SessionJanitor {
	interval := janitorInterval
	if maxIdle < interval {
		interval = max(maxIdle/2, time.Millisecond)
	}
	return &SessionJanitor{
		manager:  manager,
		maxIdle:  maxIdle,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (j *SessionJanitor) Start() {
	go j.loop()
	slog.Info("Session janitor started", "max_idle", j.maxIdle)
}

func (j *SessionJanitor) Stop() {
	close(j.stop)
	<-j.done
	slog.Info("Session janitor stopped")
}

func (j *SessionJanitor) loop() {
	defer close(j.done)
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.Sweep()
		case <-j.stop:
			return
		}
	}
}

func (j *SessionJanitor) Sweep() int {
	n := j.manager.CloseIdle(j.maxIdle)
	if n > 0 {
		slog.Info("Closed idle sessions", "count", n)
	}
	return n
}
