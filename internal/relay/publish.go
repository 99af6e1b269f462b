package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"relaymesh/internal/metrics"
	"relaymesh/internal/types"
)

// PublishResult is the per-relay outcome of a publish.
type PublishResult struct {
	Relay    string
	Accepted bool
	// Reason carries the relay's machine-readable rejection prefix
	// (e.g. "blocked:", "rate-limited:") when Accepted is false.
	Reason string
	Err    error
}

// Publish sends the signed event to every relay concurrently and waits
// for each relay's acknowledgment. Results arrive in relay-list order.
// The call never fails as a whole; inspect the per-relay results.
func (p *Pool) Publish(ctx context.Context, relays []string, evt types.Event, timeout time.Duration) []PublishResult {
	pubCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results := make([]PublishResult, len(relays))
	var wg sync.WaitGroup
	for i, relayURL := range relays {
		wg.Add(1)
		go func(i int, relayURL string) {
			defer wg.Done()
			results[i] = p.publishOne(pubCtx, relayURL, evt)
		}(i, relayURL)
	}
	wg.Wait()

	for _, r := range results {
		if r.Err != nil {
			slog.Debug("publish: relay failed", "relay", r.Relay, "error", r.Err)
		} else if !r.Accepted {
			slog.Debug("publish: relay rejected", "relay", r.Relay, "reason", r.Reason)
		}
	}
	return results
}

func (p *Pool) publishOne(ctx context.Context, relayURL string, evt types.Event) PublishResult {
	res := PublishResult{Relay: relayURL}

	if p.InBackoff(relayURL) {
		res.Err = ErrBackoff
		return res
	}
	rc, err := p.getOrCreateConn(ctx, relayURL)
	if err != nil {
		res.Err = err
		return res
	}

	waiter := make(chan okResult, 1)
	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		res.Err = errors.New("connection closed")
		return res
	}
	rc.okWaiters[evt.ID] = waiter
	rc.mu.Unlock()

	defer func() {
		rc.mu.Lock()
		delete(rc.okWaiters, evt.ID)
		rc.mu.Unlock()
	}()

	start := time.Now()
	if err := rc.writeJSON([]interface{}{"EVENT", evt}); err != nil {
		rc.markClosed()
		p.health.recordFailure(relayURL)
		res.Err = err
		return res
	}
	metrics.RelayRequests.WithLabelValues(relayURL).Inc()

	select {
	case <-ctx.Done():
		res.Err = ctx.Err()
		return res
	case ok, open := <-waiter:
		if !open {
			res.Err = errors.New("connection closed awaiting ack")
			return res
		}
		p.health.recordSuccess(relayURL, time.Since(start))
		res.Accepted = ok.accepted
		res.Reason = ok.reason
		if ok.accepted {
			p.seen.record(evt.ID, relayURL)
		}
		return res
	}
}
