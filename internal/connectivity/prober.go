package connectivity

import (
	"context"
	"log/slog"
	"time"

	"github.com/hyperengineering/todosync/internal/types"
)

// Pinger checks the remote store. Implemented by remote.Client.
type Pinger interface {
	Ping(ctx context.Context) (*types.HealthResponse, error)
}

// StateSetter receives probe results. Implemented by Broadcaster.
type StateSetter interface {
	Set(online bool)
}

// Prober polls the remote health endpoint and publishes reachability.
type Prober struct {
	pinger   Pinger
	target   StateSetter
	interval time.Duration
	timeout  time.Duration
}

// NewProber creates a Prober that checks every interval, allowing each
// check at most timeout.
func NewProber(pinger Pinger, target StateSetter, interval, timeout time.Duration) *Prober {
	if timeout <= 0 || timeout > interval {
		timeout = interval
	}
	return &Prober{pinger: pinger, target: target, interval: interval, timeout: timeout}
}

// Run probes immediately, then on each interval, until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "connectivity",
		"worker", "prober",
		"interval", p.interval.String(),
	)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Probe(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "connectivity",
				"worker", "prober",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}

// Probe performs one check, publishes the result and returns it.
func (p *Prober) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	_, err := p.pinger.Ping(ctx)
	if err != nil && ctx.Err() != nil && ctx.Err() != context.DeadlineExceeded {
		// shutting down; leave the last known state alone
		return false
	}
	online := err == nil
	if err != nil {
		slog.Debug("probe failed", "component", "connectivity", "error", err)
	}
	p.target.Set(online)
	return online
}
