package sshsession

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type ProbeResult struct {
	Fingerprint   string        `json:"fingerprint"`
	ServerVersion string        `json:"server_version"`
	Latency       time.Duration `json:"latency"`
}

// ProbeRecorder persists the outcome of a probe against a stored connection.
type ProbeRecorder interface {
	RecordProbe(ctx context.Context, connectionID string, res *ProbeResult, err error) error
}

// Prober validates credentials: dial, wait for the handshake, close.
type Prober struct {
	store    Store
	dialer   *Dialer
	recorder ProbeRecorder
}

func NewProber(store Store, dialer *Dialer, recorder ProbeRecorder) *Prober {
	if dialer == nil {
		dialer = NewDialer(DefaultConnectTimeout)
	}
	return &Prober{store: store, dialer: dialer, recorder: recorder}
}

func (p *Prober) Probe(ctx context.Context, desc Descriptor) (*ProbeResult, error) {
	start := time.Now()
	client, info, err := p.dialer.Dial(ctx, desc)
	if err != nil {
		return nil, wrapOp("probe", err)
	}
	client.Close()
	return &ProbeResult{
		Fingerprint:   info.Fingerprint,
		ServerVersion: info.ServerVersion,
		Latency:       time.Since(start),
	}, nil
}

// ProbeStored probes a stored connection and records the outcome.
func (p *Prober) ProbeStored(ctx context.Context, connectionID string) (*ProbeResult, error) {
	desc, err := p.store.FindConnection(ctx, connectionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, newError("probe", ErrNotFound, err)
		}
		return nil, fmt.Errorf("probe: lookup connection: %w", err)
	}

	res, probeErr := p.Probe(ctx, desc)
	if p.recorder != nil {
		if err := p.recorder.RecordProbe(ctx, connectionID, res, probeErr); err != nil {
			return res, fmt.Errorf("probe: record result: %w", err)
		}
	}
	return res, probeErr
}
