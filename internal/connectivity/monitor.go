package connectivity

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hyperengineering/todosync/internal/reconcile"
)

// Signals delivers reachability transitions. Implemented by Broadcaster.
type Signals interface {
	OnReachable(fn func()) (unsubscribe func())
	OnUnreachable(fn func()) (unsubscribe func())
}

// Synchronizer runs a reconciliation pass. Implemented by reconcile.Reconciler.
type Synchronizer interface {
	Synchronize(ctx context.Context) (*reconcile.PassResult, error)
}

// Refresher reloads the local cache from the remote store.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Monitor reconciles, then refreshes, every time connectivity returns.
// Triggers that arrive while a run is in progress coalesce into one more run.
type Monitor struct {
	signals   Signals
	syncer    Synchronizer
	refresher Refresher
	trigger   chan struct{}
}

// NewMonitor creates a Monitor. refresher may be nil.
func NewMonitor(signals Signals, syncer Synchronizer, refresher Refresher) *Monitor {
	return &Monitor{
		signals:   signals,
		syncer:    syncer,
		refresher: refresher,
		trigger:   make(chan struct{}, 1),
	}
}

// Trigger schedules a run without waiting for it.
func (m *Monitor) Trigger() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

// Start subscribes to both signals and starts the worker goroutine.
// The returned func releases both subscriptions and waits for the worker
// to exit. Cancelling ctx also stops the worker.
func (m *Monitor) Start(ctx context.Context) (unsubscribe func()) {
	ctx, cancel := context.WithCancel(ctx)

	offReachable := m.signals.OnReachable(func() {
		slog.Info("connectivity restored", "component", "connectivity")
		m.Trigger()
	})
	offUnreachable := m.signals.OnUnreachable(func() {
		slog.Info("connectivity lost", "component", "connectivity")
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.run(ctx)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			offReachable()
			offUnreachable()
			cancel()
			wg.Wait()
		})
	}
}

func (m *Monitor) run(ctx context.Context) {
	slog.Info("worker started",
		"component", "connectivity",
		"worker", "reconcile-on-reconnect",
	)
	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "connectivity",
				"worker", "reconcile-on-reconnect",
				"reason", "context_cancelled",
			)
			return
		case <-m.trigger:
			m.reconcile(ctx)
		}
	}
}

func (m *Monitor) reconcile(ctx context.Context) {
	res, err := m.syncer.Synchronize(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Error("reconciliation failed",
			"component", "connectivity",
			"action", "synchronize",
			"error", err,
		)
		return
	}
	if res.Outcome == reconcile.PartiallyFailed {
		slog.Warn("reconciliation incomplete",
			"component", "connectivity",
			"pass_id", res.PassID,
			"errors", len(res.Errors),
			"retained", res.Retained,
		)
	}

	if m.refresher == nil || res.Offline {
		return
	}
	if err := m.refresher.Refresh(ctx); err != nil && ctx.Err() == nil {
		slog.Warn("refresh after reconciliation failed",
			"component", "connectivity",
			"action", "refresh",
			"error", err,
		)
	}
}
