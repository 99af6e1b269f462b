package store

import (
	"context"
	"log/slog"
	"time"

	"relaymesh/internal/metrics"
)

// Sweeper periodically deletes physically expired records from every
// bucket. Staleness is already enforced at read time; the sweeper only
// reclaims space.
type Sweeper struct {
	store    *Store
	delay    time.Duration
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewSweeper creates a sweeper that first runs after delay, then every
// interval.
func NewSweeper(s *Store, delay, interval time.Duration) *Sweeper {
	return &Sweeper{store: s, delay: delay, interval: interval}
}

// Start launches the sweep loop.
func (w *Sweeper) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.run(ctx)
}

// Stop cancels the loop and waits for it to exit.
func (w *Sweeper) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
}

func (w *Sweeper) run(ctx context.Context) {
	defer close(w.done)

	select {
	case <-ctx.Done():
		return
	case <-time.After(w.delay):
	}
	w.sweep(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *Sweeper) sweep(ctx context.Context) {
	for _, spec := range w.store.Buckets() {
		deleted, err := w.store.SweepExpired(ctx, spec.Name)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("sweep failed", "bucket", spec.Name, "error", err)
			continue
		}
		if deleted > 0 {
			metrics.SweptRecords.WithLabelValues(spec.Name).Add(float64(deleted))
			slog.Debug("swept expired records", "bucket", spec.Name, "deleted", deleted)
		}
	}
}
