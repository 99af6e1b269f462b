package relay

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"relaymesh/internal/types"
)

// QueryStats summarizes what happened during a fan-out query. Callers
// use it to distinguish "no results" from "no relay could be reached".
type QueryStats struct {
	Attempted int
	Succeeded int
	Failed    int
	Events    int
}

// Exhausted reports that every attempted relay failed before reaching
// end of stored events.
func (qs QueryStats) Exhausted() bool {
	return qs.Attempted > 0 && qs.Succeeded == 0
}

// Query fans the filter out to every relay concurrently, deduplicates
// by event ID, and returns the merged results sorted newest first. Each
// relay contributes until EOSE or the context deadline. Per-relay
// failures only affect health accounting; the call as a whole succeeds
// as long as one relay answers.
func (p *Pool) Query(ctx context.Context, relays []string, filter types.Filter, timeout time.Duration) ([]types.Event, QueryStats) {
	if len(relays) == 0 {
		return nil, QueryStats{}
	}

	queryCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		mu     sync.Mutex
		byID   = make(map[string]*types.Event)
		stats  QueryStats
		wg     sync.WaitGroup
	)
	stats.Attempted = len(relays)

	for _, relayURL := range relays {
		wg.Add(1)
		go func(relayURL string) {
			defer wg.Done()

			start := time.Now()
			events, ok := p.queryOne(queryCtx, relayURL, filter)

			mu.Lock()
			defer mu.Unlock()
			if !ok {
				stats.Failed++
				return
			}
			stats.Succeeded++
			p.health.recordSuccess(relayURL, time.Since(start))
			for i := range events {
				evt := events[i]
				if existing, dup := byID[evt.ID]; dup {
					existing.RelaysSeen = append(existing.RelaysSeen, relayURL)
					continue
				}
				byID[evt.ID] = &evt
			}
		}(relayURL)
	}
	wg.Wait()

	merged := make([]types.Event, 0, len(byID))
	for _, evt := range byID {
		merged = append(merged, *evt)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].CreatedAt != merged[j].CreatedAt {
			return merged[i].CreatedAt > merged[j].CreatedAt
		}
		return merged[i].ID < merged[j].ID
	})
	stats.Events = len(merged)
	return merged, stats
}

// queryOne runs the filter against one relay until EOSE or cancellation.
// ok is false when the relay could not be subscribed or died before EOSE.
func (p *Pool) queryOne(ctx context.Context, relayURL string, filter types.Filter) ([]types.Event, bool) {
	sub, err := p.Open(ctx, relayURL, filter)
	if err != nil {
		if err != ErrBackoff {
			slog.Debug("query: subscribe failed", "relay", relayURL, "error", err)
		}
		return nil, false
	}
	defer sub.Close()

	var events []types.Event
	for {
		select {
		case <-ctx.Done():
			// Timed out before EOSE: keep what arrived but count the
			// relay as answered only if something did.
			return events, len(events) > 0
		case <-sub.Done():
			return events, false
		case evt := <-sub.events:
			if filter.Matches(&evt) {
				events = append(events, evt)
			}
		case <-sub.EOSE():
			return events, true
		}
	}
}

// QueryOne is the single-relay variant used by the directory when it
// needs a relay-list from a specific source.
func (p *Pool) QueryOne(ctx context.Context, relayURL string, filter types.Filter, timeout time.Duration) ([]types.Event, error) {
	queryCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	events, ok := p.queryOne(queryCtx, relayURL, filter)
	if !ok && len(events) == 0 {
		return nil, context.DeadlineExceeded
	}
	p.health.recordSuccess(relayURL, time.Since(start))
	return events, nil
}
