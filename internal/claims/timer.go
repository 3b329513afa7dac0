package claims

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically expires policies whose coverage window has closed,
// returning their reserved cover to the capital pool.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new policy expiry timer.
func NewTimer(service *Service, logger *slog.Logger) *Timer {
	return &Timer{
		service:  service,
		interval: 30 * time.Second,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the expiry loop. Call in a goroutine.
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
			t.safeExpire(ctx)
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

func (t *Timer) safeExpire(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in policy expiry timer", "panic", fmt.Sprint(r))
		}
	}()

	count, err := t.service.ExpirePolicies(ctx, claimBatchSize)
	if err != nil {
		t.logger.Warn("failed to expire policies", "error", err)
		return
	}
	if count > 0 {
		t.logger.Info("expired policies", "count", count)
	}
}
