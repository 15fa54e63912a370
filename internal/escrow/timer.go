package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically sweeps funded escrows whose release window has lapsed
// and drives them through the same release path as a buyer acceptance. The
// deadline is data (auto_release_at), not a scheduled task, so it survives
// restarts; the sweep is safe to run concurrently with itself and with
// buyer-initiated actions.
type Timer struct {
	service  *Service
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new auto-release timer.
func NewTimer(service *Service, store Store, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Timer{
		service:  service,
		store:    store,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in auto-release sweep", "panic", fmt.Sprint(r))
		}
	}()
	t.sweep(ctx)
}

func (t *Timer) sweep(ctx context.Context) {
	due, err := t.store.ListDueForRelease(ctx, time.Now(), 100)
	if err != nil {
		t.logger.Warn("failed to list due escrows", "error", err)
		return
	}

	for _, e := range due {
		// AutoRelease re-fetches under the per-escrow lock; a lost race with a
		// buyer action is a silent no-op.
		released, err := t.service.AutoRelease(ctx, e.ID)
		if err != nil {
			t.logger.Warn("auto-release failed",
				"escrowId", e.ID, "orderId", e.OrderID, "error", err)
			continue
		}
		if !released {
			continue // another actor settled it first
		}
		t.logger.Info("escrow auto-released",
			"escrowId", e.ID, "orderId", e.OrderID,
			"seller", e.SellerAddr, "amountMinor", e.AmountMinor)
	}
}
