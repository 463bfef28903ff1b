package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Sweeper periodically runs ProcessTimeouts so expired escrows are refunded
// without an external scheduler. One tick per hour matches the expiry bucket
// granularity.
type Sweeper struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewSweeper creates a new escrow timeout sweeper.
func NewSweeper(service *Service, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweeper loop is actively running.
func (t *Sweeper) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Sweeper) Start(ctx context.Context) {
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

// Stop signals the sweeper to stop.
func (t *Sweeper) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in escrow sweeper", "panic", fmt.Sprint(r))
		}
	}()

	count, err := t.service.ProcessTimeouts(ctx, time.Now())
	if err != nil {
		t.logger.Warn("escrow timeout sweep failed", "error", err)
		return
	}
	if count > 0 {
		t.logger.Info("escrow timeout sweep completed", "refunded", count)
	}
}
