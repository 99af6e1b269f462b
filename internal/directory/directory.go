// Package directory resolves where a user's data lives: their announced
// relay list (kind 10002) and the capability documents of individual
// relays. Results are cached in the persistent store; concurrent lookups
// for the same key collapse into one network fetch.
package directory

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"relaymesh/internal/bus"
	"relaymesh/internal/config"
	"relaymesh/internal/relay"
	"relaymesh/internal/store"
	"relaymesh/internal/types"
)

// ErrBadRelayURL is returned for URLs that are not ws:// or wss://.
var ErrBadRelayURL = errors.New("not a relay URL")

// Pool is the slice of the connection pool the directory needs. The
// concrete *relay.Pool satisfies it; tests substitute a fake.
type Pool interface {
	Query(ctx context.Context, relays []string, filter types.Filter, timeout time.Duration) ([]types.Event, relay.QueryStats)
	SetQuality(url string, quality int)
}

// Service is the relay directory.
type Service struct {
	pool  Pool
	store *store.Store
	cfg   *config.Config

	flight singleflight.Group

	// fetchInfo is swappable for tests; defaults to the HTTP NIP-11 fetch.
	fetchInfo func(ctx context.Context, url string, timeout time.Duration) (types.RelayInfo, error)

	backoffMu   sync.Mutex
	infoBackoff map[string]time.Time
}

// NewService creates the directory over the given pool and store.
func NewService(pool Pool, st *store.Store, cfg *config.Config) *Service {
	return &Service{
		pool:        pool,
		store:       st,
		cfg:         cfg,
		fetchInfo:   relay.FetchInfo,
		infoBackoff: make(map[string]time.Time),
	}
}

// fallbackList synthesizes a relay list from the configured defaults.
// CreatedAt is zero so any observed announcement replaces it.
func (s *Service) fallbackList() *types.RelayList {
	return &types.RelayList{
		Read:  append([]string(nil), s.cfg.DefaultRelays...),
		Write: append([]string(nil), s.cfg.DefaultRelays...),
	}
}

// oversized reports whether either side of an announced list exceeds
// the configured cap. Oversized lists are rejected wholesale rather
// than truncated: truncation would silently bias toward whatever relays
// happened to be listed first.
func (s *Service) oversized(list *types.RelayList) bool {
	return len(list.Read) > s.cfg.MaxRelaysPerList ||
		len(list.Write) > s.cfg.MaxRelaysPerList
}

// ResolveRelays returns the user's announced relay list, or the default
// list when none exists, the announcement is oversized, or the network
// could not be reached. The caller always gets a usable list.
func (s *Service) ResolveRelays(ctx context.Context, pubkey string) *types.RelayList {
	var cached types.RelayList
	found, notFound, err := s.store.Get(ctx, store.BucketRelayLists, pubkey, &cached)
	if err != nil {
		slog.Warn("directory: relay list cache read failed", "pubkey", pubkey, "error", err)
	}
	if found {
		return &cached
	}
	if notFound {
		return s.fallbackList()
	}

	v, _, _ := s.flight.Do("list:"+pubkey, func() (interface{}, error) {
		return s.fetchRelayList(ctx, pubkey), nil
	})
	return v.(*types.RelayList)
}

// RefreshRelays drops the cached relay list and resolves it from the
// network again.
func (s *Service) RefreshRelays(ctx context.Context, pubkey string) *types.RelayList {
	if err := s.store.Delete(ctx, store.BucketRelayLists, pubkey); err != nil {
		slog.Warn("directory: relay list invalidation failed", "pubkey", pubkey, "error", err)
	}
	return s.ResolveRelays(ctx, pubkey)
}

func (s *Service) fetchRelayList(ctx context.Context, pubkey string) *types.RelayList {
	filter := types.Filter{
		Authors: []string{pubkey},
		Kinds:   []int{types.KindRelayList},
		Limit:   1,
	}
	events, stats := s.pool.Query(ctx, s.cfg.ProfileRelays, filter, s.cfg.QueryTimeout.Std())

	evt := newestRelayList(events, pubkey)
	if evt == nil {
		if stats.Exhausted() {
			// Transport failure: fall back without tombstoning so the
			// next lookup retries.
			return s.fallbackList()
		}
		if err := s.store.PutNotFound(ctx, store.BucketRelayLists, pubkey); err != nil {
			slog.Warn("directory: tombstone write failed", "pubkey", pubkey, "error", err)
		}
		return s.fallbackList()
	}

	list := types.ParseRelayList(evt)
	if list == nil || (len(list.Read) == 0 && len(list.Write) == 0) || s.oversized(list) {
		slog.Debug("directory: unusable relay list, using defaults",
			"pubkey", pubkey, "oversized", list != nil && s.oversized(list))
		return s.fallbackList()
	}

	if err := s.store.Put(ctx, store.BucketRelayLists, pubkey, list, list.CreatedAt); err != nil {
		slog.Warn("directory: relay list cache write failed", "pubkey", pubkey, "error", err)
	}
	return list
}

// ResolveRelaysBatch resolves many pubkeys, satisfying what it can from
// the cache and fetching the remainder with a single combined query.
func (s *Service) ResolveRelaysBatch(ctx context.Context, pubkeys []string) map[string]*types.RelayList {
	results := make(map[string]*types.RelayList, len(pubkeys))

	var toFetch []string
	for _, pk := range pubkeys {
		var cached types.RelayList
		found, notFound, err := s.store.Get(ctx, store.BucketRelayLists, pk, &cached)
		if err == nil && found {
			list := cached
			results[pk] = &list
			continue
		}
		if notFound {
			results[pk] = s.fallbackList()
			continue
		}
		toFetch = append(toFetch, pk)
	}
	if len(toFetch) == 0 {
		return results
	}

	filter := types.Filter{
		Authors: toFetch,
		Kinds:   []int{types.KindRelayList},
		Limit:   len(toFetch),
	}
	events, stats := s.pool.Query(ctx, s.cfg.ProfileRelays, filter, s.cfg.QueryTimeout.Std())

	byAuthor := make(map[string]*types.Event)
	for i := range events {
		evt := &events[i]
		if evt.Kind != types.KindRelayList {
			continue
		}
		if cur, ok := byAuthor[evt.PubKey]; !ok || evt.CreatedAt > cur.CreatedAt {
			byAuthor[evt.PubKey] = evt
		}
	}

	for _, pk := range toFetch {
		evt := byAuthor[pk]
		if evt == nil {
			if !stats.Exhausted() {
				s.store.PutNotFound(ctx, store.BucketRelayLists, pk)
			}
			results[pk] = s.fallbackList()
			continue
		}
		list := types.ParseRelayList(evt)
		if list == nil || (len(list.Read) == 0 && len(list.Write) == 0) || s.oversized(list) {
			results[pk] = s.fallbackList()
			continue
		}
		if err := s.store.Put(ctx, store.BucketRelayLists, pk, list, list.CreatedAt); err != nil {
			slog.Warn("directory: relay list cache write failed", "pubkey", pk, "error", err)
		}
		results[pk] = list
	}
	return results
}

// UpdateFromObserved ingests a relay-list event seen in passing on any
// subscription. The store's newest-wins rule keeps stale announcements
// from clobbering fresher ones.
func (s *Service) UpdateFromObserved(ctx context.Context, evt types.Event) {
	if evt.Kind != types.KindRelayList {
		return
	}
	list := types.ParseRelayList(&evt)
	if list == nil || (len(list.Read) == 0 && len(list.Write) == 0) || s.oversized(list) {
		return
	}
	if err := s.store.Put(ctx, store.BucketRelayLists, evt.PubKey, list, evt.CreatedAt); err != nil {
		slog.Warn("directory: observed relay list write failed", "pubkey", evt.PubKey, "error", err)
		return
	}
	slog.Debug("directory: relay list updated from observed event", "pubkey", evt.PubKey)
}

// Run consumes relay-list events from the bus until the context ends.
func (s *Service) Run(ctx context.Context, b *bus.Bus) {
	events, cancel := b.Subscribe(types.KindRelayList)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-events:
			s.UpdateFromObserved(ctx, evt)
		}
	}
}

func newestRelayList(events []types.Event, pubkey string) *types.Event {
	var newest *types.Event
	for i := range events {
		evt := &events[i]
		if evt.Kind != types.KindRelayList || evt.PubKey != pubkey {
			continue
		}
		if newest == nil || evt.CreatedAt > newest.CreatedAt {
			newest = evt
		}
	}
	return newest
}
