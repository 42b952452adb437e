package reconciliation

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer runs reconciliation passes on a fixed interval. Passes never
// overlap; if one is still running when the ticker fires, that tick is
// skipped.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	done     chan struct{}
	running  atomic.Bool
}

func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Timer{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the timer loop. The first pass runs one interval after
// start, not immediately, so deploys don't hammer the provider API.
func (t *Timer) Start() {
	go t.loop()
}

func (t *Timer) loop() {
	defer close(t.done)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.safeRun()
		case <-t.stop:
			return
		}
	}
}

// Stop halts the loop and waits for it to exit. A pass already in flight
// finishes first.
func (t *Timer) Stop() {
	close(t.stop)
	<-t.done
}

func (t *Timer) safeRun() {
	if !t.running.CompareAndSwap(false, true) {
		t.logger.Warn("reconciliation pass still running, skipping tick")
		return
	}
	defer t.running.Store(false)
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("reconciliation pass panicked", "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), t.interval)
	defer cancel()

	if err := t.service.Run(ctx); err != nil {
		t.logger.Error("reconciliation pass failed", "error", err)
	}
}
