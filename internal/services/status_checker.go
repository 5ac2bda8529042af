package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ahmetk3436/sshdeck/internal/models"
	"github.com/ahmetk3436/sshdeck/internal/sshsession"
	"github.com/robfig/cron/v3"
)

const (
	statusCheckConcurrency = 8
	statusCheckTimeout     = 30 * time.Second
)

type ConnectionLister interface {
	List(ctx context.Context) ([]models.Connection, error)
}

// StatusChecker probes every stored connection on a cron schedule. Each
// probe records last_test and flips the connection status.
type StatusChecker struct {
	lister   ConnectionLister
	prober   *sshsession.Prober
	schedule string
	cron     *cron.Cron
}

func NewStatusChecker(lister ConnectionLister, prober *sshsession.Prober, schedule string) *StatusChecker {
	return &StatusChecker{
		lister:   lister,
		prober:   prober,
		schedule: schedule,
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
}

func (sc *StatusChecker) Start() error {
	_, err := sc.cron.AddFunc(sc.schedule, func() {
		sc.CheckAll(context.Background())
	})
	if err != nil {
		return fmt.Errorf("status check schedule %q: %w", sc.schedule, err)
	}
	sc.cron.Start()
	slog.Info("Status checker started", "schedule", sc.schedule)
	return nil
}

// Stop waits for a running check to finish.
func (sc *StatusChecker) Stop() {
	<-sc.cron.Stop().Done()
	slog.Info("Status checker stopped")
}

// CheckAll probes all connections, a few at a time, and returns how many
// were checked and how many failed.
func (sc *StatusChecker) CheckAll(ctx context.Context) (checked, failed int) {
	conns, err := sc.lister.List(ctx)
	if err != nil {
		slog.Error("Failed to list connections for status check", "error", err)
		return 0, 0
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, statusCheckConcurrency)
	for _, c := range conns {
		wg.Add(1)
		sem <- struct{}{}
		go func(c models.Connection) {
			defer wg.Done()
			defer func() { <-sem }()

			pctx, cancel := context.WithTimeout(ctx, statusCheckTimeout)
			defer cancel()
			_, err := sc.prober.ProbeStored(pctx, c.ID.String())

			mu.Lock()
			checked++
			if err != nil {
				failed++
			}
			mu.Unlock()
			if err != nil {
				slog.Warn("Connection check failed", "connection", c.Name, "reason", sshsession.Reason(err), "error", err)
			}
		}(c)
	}
	wg.Wait()

	slog.Info("Status check complete", "checked", checked, "failed", failed)
	return checked, failed
}
