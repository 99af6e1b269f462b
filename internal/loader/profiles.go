package loader

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"relaymesh/internal/config"
	"relaymesh/internal/metrics"
	"relaymesh/internal/relay"
	"relaymesh/internal/store"
	"relaymesh/internal/types"
)

// ErrExhausted reports that every selected relay failed, so the network
// result is unknown rather than empty.
var ErrExhausted = errors.New("all relays exhausted")

// ErrNotFound reports that the network was consulted and the record does
// not exist.
var ErrNotFound = errors.New("not found")

// Pool is the slice of the connection pool the loader needs.
type Pool interface {
	Query(ctx context.Context, relays []string, filter types.Filter, timeout time.Duration) ([]types.Event, relay.QueryStats)
}

// Selector supplies relay sets for profile lookups.
type Selector interface {
	ForProfile(ctx context.Context, pubkey string) []string
}

// indexEntry is the searchable projection of a profile kept in the
// profile index bucket.
type indexEntry struct {
	PubKey      string `json:"pubkey"`
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	NIP05       string `json:"nip05,omitempty"`
	About       string `json:"about,omitempty"`
}

// Profiles loads user profiles through the cache with batched network
// fetches behind it.
type Profiles struct {
	store    *store.Store
	pool     Pool
	selector Selector
	cfg      *config.Config
	batcher  *Batcher[types.ProfileInfo]
}

// NewProfiles creates the profile loader.
func NewProfiles(st *store.Store, pool Pool, sel Selector, cfg *config.Config) *Profiles {
	p := &Profiles{store: st, pool: pool, selector: sel, cfg: cfg}
	p.batcher = NewBatcher("profiles", cfg.BatchWindow.Std(), cfg.MaxBatch, p.fetchBatch)
	return p
}

// Get returns one profile. The cache is consulted first; on a miss the
// lookup joins the current batch. ErrNotFound means the network answered
// and no profile exists. ErrExhausted means no relay could be reached
// and no cached copy, fresh or stale, was available.
func (p *Profiles) Get(ctx context.Context, pubkey string) (*types.ProfileInfo, error) {
	var cached types.ProfileInfo
	found, notFound, err := p.store.Get(ctx, store.BucketProfiles, pubkey, &cached)
	if err != nil {
		slog.Warn("profiles: cache read failed", "pubkey", pubkey, "error", err)
	}
	if found {
		metrics.CacheHits.Inc()
		return &cached, nil
	}
	if notFound {
		metrics.CacheHits.Inc()
		return nil, ErrNotFound
	}
	metrics.CacheMisses.Inc()

	profile, ok, err := p.batcher.Load(ctx, pubkey)
	if err != nil {
		// Transport failure: serve a stale copy when one exists.
		if errors.Is(err, ErrExhausted) {
			var stale types.ProfileInfo
			if staleFound, _ := p.store.GetStale(ctx, store.BucketProfiles, pubkey, &stale); staleFound {
				slog.Debug("profiles: serving stale copy", "pubkey", pubkey)
				return &stale, nil
			}
		}
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return &profile, nil
}

// GetMany returns profiles for all pubkeys that have one. Missing and
// failed keys are simply absent from the result.
func (p *Profiles) GetMany(ctx context.Context, pubkeys []string) map[string]*types.ProfileInfo {
	results := make(map[string]*types.ProfileInfo, len(pubkeys))

	type keyed struct {
		pubkey  string
		profile *types.ProfileInfo
	}
	ch := make(chan keyed, len(pubkeys))
	for _, pk := range pubkeys {
		go func(pk string) {
			profile, err := p.Get(ctx, pk)
			if err != nil {
				ch <- keyed{pubkey: pk}
				return
			}
			ch <- keyed{pubkey: pk, profile: profile}
		}(pk)
	}
	for range pubkeys {
		res := <-ch
		if res.profile != nil {
			results[res.pubkey] = res.profile
		}
	}
	return results
}

// Invalidate drops the cached profile and its batch memo so the next
// lookup refetches.
func (p *Profiles) Invalidate(ctx context.Context, pubkey string) error {
	p.batcher.Invalidate(pubkey)
	return p.store.Delete(ctx, store.BucketProfiles, pubkey)
}

// InvalidateAll drops every cached profile and its index entry.
func (p *Profiles) InvalidateAll(ctx context.Context) error {
	p.batcher.InvalidateAll()
	var keys []string
	err := p.store.Iterate(ctx, store.BucketProfiles, func(key string, rec store.Record) error {
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := p.store.Delete(ctx, store.BucketProfiles, key); err != nil {
			return err
		}
		if err := p.store.Delete(ctx, store.BucketProfileIndex, key); err != nil {
			return err
		}
	}
	return nil
}

// fetchBatch runs one batched profile query. Relay candidates are the
// union of each batched user's profile relays. Keys the network answers
// for are written through to the cache; keys it denies get tombstones.
func (p *Profiles) fetchBatch(ctx context.Context, pubkeys []string) (map[string]types.ProfileInfo, error) {
	relaySet := make(map[string]struct{})
	var relays []string
	for _, pk := range pubkeys {
		for _, url := range p.selector.ForProfile(ctx, pk) {
			if _, ok := relaySet[url]; ok {
				continue
			}
			relaySet[url] = struct{}{}
			relays = append(relays, url)
		}
	}

	filter := types.Filter{
		Authors: pubkeys,
		Kinds:   []int{types.KindProfile},
		Limit:   len(pubkeys),
	}
	events, stats := p.pool.Query(ctx, relays, filter, p.cfg.QueryTimeout.Std())
	if stats.Exhausted() {
		return nil, ErrExhausted
	}

	newest := make(map[string]*types.Event, len(events))
	for i := range events {
		evt := &events[i]
		if evt.Kind != types.KindProfile {
			continue
		}
		if cur, ok := newest[evt.PubKey]; !ok || evt.CreatedAt > cur.CreatedAt {
			newest[evt.PubKey] = evt
		}
	}

	results := make(map[string]types.ProfileInfo, len(newest))
	for _, pk := range pubkeys {
		evt := newest[pk]
		if evt == nil {
			if err := p.store.PutNotFound(ctx, store.BucketProfiles, pk); err != nil {
				slog.Warn("profiles: tombstone write failed", "pubkey", pk, "error", err)
			}
			continue
		}
		profile := types.ParseProfile(evt)
		if profile == nil {
			continue
		}
		results[pk] = *profile
		p.writeThrough(ctx, evt, profile)
	}
	return results, nil
}

func (p *Profiles) writeThrough(ctx context.Context, evt *types.Event, profile *types.ProfileInfo) {
	if err := p.store.Put(ctx, store.BucketProfiles, evt.PubKey, profile, evt.CreatedAt); err != nil {
		slog.Warn("profiles: cache write failed", "pubkey", evt.PubKey, "error", err)
	}
	entry := indexEntry{
		PubKey:      profile.PubKey,
		Name:        profile.Name,
		DisplayName: profile.DisplayName,
		NIP05:       profile.Nip05,
		About:       profile.About,
	}
	if err := p.store.Put(ctx, store.BucketProfileIndex, evt.PubKey, entry, evt.CreatedAt); err != nil {
		slog.Warn("profiles: index write failed", "pubkey", evt.PubKey, "error", err)
	}
}

// IngestObserved updates the cache from a profile event seen in passing.
// Newest-wins in the store keeps old events from regressing the cache.
func (p *Profiles) IngestObserved(ctx context.Context, evt types.Event) {
	if evt.Kind != types.KindProfile {
		return
	}
	profile := types.ParseProfile(&evt)
	if profile == nil {
		return
	}
	// The memo may hold an older copy; the store's newest-wins check
	// does not reach it.
	p.batcher.Invalidate(evt.PubKey)
	p.writeThrough(ctx, &evt, profile)
}

// SearchLocal scans the profile index for entries whose name, display
// name, NIP-05, or about text contains the query, case-insensitively.
func (p *Profiles) SearchLocal(ctx context.Context, query string, limit int) ([]types.ProfileInfo, error) {
	needle := strings.ToLower(strings.TrimSpace(query))
	if needle == "" {
		return nil, nil
	}

	var pubkeys []string
	err := p.store.Iterate(ctx, store.BucketProfileIndex, func(key string, rec store.Record) error {
		if limit > 0 && len(pubkeys) >= limit {
			return nil
		}
		var entry indexEntry
		if err := rec.Unmarshal(&entry); err != nil {
			return nil
		}
		haystack := strings.ToLower(entry.Name + " " + entry.DisplayName + " " + entry.NIP05 + " " + entry.About)
		if strings.Contains(haystack, needle) {
			pubkeys = append(pubkeys, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	profiles := make([]types.ProfileInfo, 0, len(pubkeys))
	for _, pk := range pubkeys {
		var profile types.ProfileInfo
		if found, _, _ := p.store.Get(ctx, store.BucketProfiles, pk, &profile); found {
			profiles = append(profiles, profile)
		}
	}
	return profiles, nil
}
