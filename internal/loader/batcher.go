// Package loader coalesces individual lookups into batched network
// fetches. Concurrent requests for the same key share one in-flight
// fetch; requests arriving within the batch window ride the same query.
package loader

import (
	"context"
	"sync"
	"time"

	"relaymesh/internal/metrics"
)

// FetchFunc executes one batch. It returns a value per key it found;
// absent keys are simply missing from the map. A returned error is a
// transport-level failure and is delivered to every waiter in the batch.
type FetchFunc[V any] func(ctx context.Context, keys []string) (map[string]V, error)

type result[V any] struct {
	value V
	found bool
	err   error
}

// Batcher coalesces Load calls for up to window, or until maxBatch
// distinct keys accumulate, then runs one fetch for the whole set.
type Batcher[V any] struct {
	name     string
	window   time.Duration
	maxBatch int
	fetch    FetchFunc[V]

	mu      sync.Mutex
	pending map[string][]chan result[V]
	memo    map[string]result[V]
	timer   *time.Timer
}

// NewBatcher creates a batcher. name labels the batch-execution metric.
func NewBatcher[V any](name string, window time.Duration, maxBatch int, fetch FetchFunc[V]) *Batcher[V] {
	return &Batcher[V]{
		name:     name,
		window:   window,
		maxBatch: maxBatch,
		fetch:    fetch,
		pending:  make(map[string][]chan result[V]),
		memo:     make(map[string]result[V]),
	}
}

// Load requests one key. Memoized results are returned immediately;
// otherwise Load blocks until the batch containing the key completes or
// ctx is done. found is false when the fetch ran but the key did not
// exist anywhere.
func (b *Batcher[V]) Load(ctx context.Context, key string) (value V, found bool, err error) {
	ch := make(chan result[V], 1)

	b.mu.Lock()
	if res, ok := b.memo[key]; ok {
		b.mu.Unlock()
		return res.value, res.found, nil
	}
	waiters, inFlight := b.pending[key]
	b.pending[key] = append(waiters, ch)
	full := !inFlight && len(b.pending) >= b.maxBatch
	if full {
		if b.timer != nil {
			b.timer.Stop()
			b.timer = nil
		}
		batch := b.take()
		b.mu.Unlock()
		go b.run(batch)
	} else {
		if !inFlight && b.timer == nil {
			b.timer = time.AfterFunc(b.window, b.flush)
		}
		b.mu.Unlock()
	}

	select {
	case <-ctx.Done():
		return value, false, ctx.Err()
	case res := <-ch:
		return res.value, res.found, res.err
	}
}

// flush is the timer callback: runs whatever accumulated in the window.
func (b *Batcher[V]) flush() {
	b.mu.Lock()
	b.timer = nil
	batch := b.take()
	b.mu.Unlock()
	if len(batch) > 0 {
		b.run(batch)
	}
}

// take detaches the pending set. Caller must hold b.mu.
func (b *Batcher[V]) take() map[string][]chan result[V] {
	batch := b.pending
	b.pending = make(map[string][]chan result[V])
	return batch
}

// run executes one batch on a background context: a single caller
// canceling must not abort a fetch other callers are waiting on.
func (b *Batcher[V]) run(batch map[string][]chan result[V]) {
	keys := make([]string, 0, len(batch))
	for key := range batch {
		keys = append(keys, key)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	metrics.BatchesExecuted.WithLabelValues(b.name).Inc()
	values, err := b.fetch(ctx, keys)

	for key, waiters := range batch {
		var res result[V]
		if err != nil {
			res.err = err
		} else if v, ok := values[key]; ok {
			res.value = v
			res.found = true
		}
		if err == nil {
			b.mu.Lock()
			b.memo[key] = res
			b.mu.Unlock()
		}
		for _, ch := range waiters {
			ch <- res
		}
	}
}

// Invalidate drops the memoized result for one key so the next Load
// fetches again.
func (b *Batcher[V]) Invalidate(key string) {
	b.mu.Lock()
	delete(b.memo, key)
	b.mu.Unlock()
}

// InvalidateAll clears the whole memo.
func (b *Batcher[V]) InvalidateAll() {
	b.mu.Lock()
	b.memo = make(map[string]result[V])
	b.mu.Unlock()
}
