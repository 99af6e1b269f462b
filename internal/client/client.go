// Package client is the top-level facade: one handle that wires the
// store, connection pool, relay directory, selection policy, batched
// loaders, and live subscription manager together behind a small API.
package client

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"relaymesh/internal/bus"
	"relaymesh/internal/config"
	"relaymesh/internal/directory"
	"relaymesh/internal/live"
	"relaymesh/internal/loader"
	"relaymesh/internal/metrics"
	"relaymesh/internal/relay"
	"relaymesh/internal/selection"
	"relaymesh/internal/signer"
	"relaymesh/internal/store"
	"relaymesh/internal/types"
)

// ErrExhausted reports that every selected relay failed and no cached
// copy could satisfy the request. It is the only hard error consumers
// need to distinguish; everything else degrades to cached or partial
// results.
var ErrExhausted = loader.ErrExhausted

// ErrNotFound reports that the network answered and the record does not
// exist.
var ErrNotFound = loader.ErrNotFound

// Client is the multi-relay data access layer.
type Client struct {
	cfg      *config.Config
	store    *store.Store
	sweeper  *store.Sweeper
	bus      *bus.Bus
	pool     *relay.Pool
	dir      *directory.Service
	selector *selection.Selector
	profiles *loader.Profiles
	live     *live.Manager
	signer   *signer.Signer

	cancel context.CancelFunc
}

// New builds a client over the given backend. Pass nil sig for a
// read-only client; Publish then requires pre-signed events.
func New(cfg *config.Config, backend store.Backend, sig *signer.Signer) *Client {
	st := store.New(backend, []store.BucketSpec{
		{Name: store.BucketProfiles, TTL: cfg.ProfileTTL.Std(), Replaceable: true},
		{Name: store.BucketEvents, TTL: cfg.EventTTL.Std()},
		{Name: store.BucketRelayLists, TTL: cfg.RelayListTTL.Std(), Replaceable: true},
		{Name: store.BucketRelayInfo, TTL: cfg.RelayInfoTTL.Std()},
		{Name: store.BucketProfileIndex, TTL: cfg.ProfileTTL.Std(), Replaceable: true},
	}, cfg.NotFoundTTL.Std())

	pool := relay.NewPool(relay.Config{
		DialTimeout:    cfg.DialTimeout.Std(),
		FailureBackoff: cfg.FailureBackoff.Std(),
	})

	c := &Client{
		cfg:    cfg,
		store:  st,
		bus:    bus.New(),
		pool:   pool,
		signer: sig,
	}
	c.dir = directory.NewService(pool, st, cfg)
	c.selector = selection.New(c.dir, pool, cfg)
	c.profiles = loader.NewProfiles(st, pool, c.selector, cfg)
	c.live = live.NewManager(poolOpener{pool}, cfg)

	// Replaceable events seen in passing on any connection flow through
	// the bus into the directory and profile caches.
	pool.SetObserver(c.bus.Publish)

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.dir.Run(ctx, c.bus)
	go c.ingestProfiles(ctx)

	c.sweeper = store.NewSweeper(st, cfg.SweepDelay.Std(), cfg.SweepInterval.Std())
	c.sweeper.Start()

	return c
}

// OpenBackend opens the store backend the configuration asks for:
// Redis when a URL is set, the embedded key-value store otherwise, and
// a plain in-memory map when the store path is empty.
func OpenBackend(cfg *config.Config) (store.Backend, error) {
	if cfg.RedisURL != "" {
		return store.OpenRedis(cfg.RedisURL, "relaymesh:")
	}
	if cfg.StorePath == "" {
		return store.NewMemoryBackend(), nil
	}
	return store.OpenPebble(cfg.StorePath)
}

func (c *Client) ingestProfiles(ctx context.Context) {
	events, cancel := c.bus.Subscribe(types.KindProfile)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-events:
			c.profiles.IngestObserved(ctx, evt)
		}
	}
}

// Close shuts down background loops, subscriptions, connections, and
// the store, in that order.
func (c *Client) Close() error {
	c.cancel()
	c.live.Close()
	c.sweeper.Stop()
	c.pool.Close()
	return c.store.Close()
}

// FetchProfile returns one user's profile, from cache when fresh.
func (c *Client) FetchProfile(ctx context.Context, pubkey string) (*types.ProfileInfo, error) {
	return c.profiles.Get(ctx, pubkey)
}

// FetchProfiles returns profiles for all pubkeys that have one.
func (c *Client) FetchProfiles(ctx context.Context, pubkeys []string) map[string]*types.ProfileInfo {
	return c.profiles.GetMany(ctx, pubkeys)
}

// InvalidateProfile drops the cached profile.
func (c *Client) InvalidateProfile(ctx context.Context, pubkey string) error {
	return c.profiles.Invalidate(ctx, pubkey)
}

// InvalidateAllProfiles drops every cached profile and search index
// entry.
func (c *Client) InvalidateAllProfiles(ctx context.Context) error {
	return c.profiles.InvalidateAll(ctx)
}

// FetchEvents runs an arbitrary filter against the relays best suited
// to it: the authors' write relays when the filter names authors, the
// defaults otherwise. Results are cached and returned newest first.
func (c *Client) FetchEvents(ctx context.Context, filter types.Filter) ([]types.Event, error) {
	var relays []string
	if len(filter.Authors) > 0 {
		seen := make(map[string]struct{})
		for _, author := range filter.Authors {
			for _, url := range c.selector.ForPosts(ctx, author) {
				if _, dup := seen[url]; dup {
					continue
				}
				seen[url] = struct{}{}
				relays = append(relays, url)
			}
		}
	} else {
		relays = c.pool.SortByHealth(dedupe(c.cfg.DefaultRelays))
	}
	return c.queryAndCache(ctx, relays, filter)
}

// RefreshRelayList bypasses the cache and re-resolves the relay list.
func (c *Client) RefreshRelayList(ctx context.Context, pubkey string) *types.RelayList {
	return c.dir.RefreshRelays(ctx, pubkey)
}

// FetchPosts returns a user's recent notes, newest first.
func (c *Client) FetchPosts(ctx context.Context, pubkey string, limit int) ([]types.Event, error) {
	filter := types.Filter{
		Authors: []string{pubkey},
		Kinds:   []int{types.KindNote},
		Limit:   limit,
	}
	relays := c.selector.ForPosts(ctx, pubkey)
	return c.queryAndCache(ctx, relays, filter)
}

// FetchEvent returns one event by ID. Relays known to have delivered it
// before are tried alongside the defaults.
func (c *Client) FetchEvent(ctx context.Context, id string) (*types.Event, error) {
	var cached types.Event
	found, notFound, err := c.store.Get(ctx, store.BucketEvents, id, &cached)
	if err != nil {
		slog.Warn("client: event cache read failed", "id", id, "error", err)
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

	candidates := append(c.pool.SeenAt(id), c.cfg.DefaultRelays...)
	relays := c.pool.SortByHealth(dedupe(candidates))

	filter := types.Filter{IDs: []string{id}, Limit: 1}
	events, stats := c.pool.Query(ctx, relays, filter, c.cfg.QueryTimeout.Std())
	if len(events) == 0 {
		if stats.Exhausted() {
			return nil, ErrExhausted
		}
		if err := c.store.PutNotFound(ctx, store.BucketEvents, id); err != nil {
			slog.Warn("client: tombstone write failed", "id", id, "error", err)
		}
		return nil, ErrNotFound
	}
	evt := events[0]
	c.cacheEvent(ctx, evt)
	return &evt, nil
}

// FetchReplies returns events replying to the given root, newest first.
func (c *Client) FetchReplies(ctx context.Context, rootID, rootAuthor string) ([]types.Event, error) {
	filter := types.Filter{
		Kinds: []int{types.KindNote},
		ETags: []string{rootID},
	}
	relays := c.selector.ForReplies(ctx, rootID, rootAuthor, c.viewer())
	return c.queryAndCache(ctx, relays, filter)
}

// viewer is the pubkey of the configured signer, used to mix the local
// user's read relays into selections. Empty for read-only clients.
func (c *Client) viewer() string {
	if c.signer == nil {
		return ""
	}
	return c.signer.PubKey()
}

// SearchProfiles searches the local profile index first and tops the
// results up from the search-capable relays.
func (c *Client) SearchProfiles(ctx context.Context, query string, limit int) ([]types.ProfileInfo, error) {
	local, err := c.profiles.SearchLocal(ctx, query, limit)
	if err != nil {
		slog.Warn("client: local search failed", "error", err)
	}
	if limit > 0 && len(local) >= limit {
		return local[:limit], nil
	}

	filter := types.Filter{
		Kinds:  []int{types.KindProfile},
		Search: query,
		Limit:  limit,
	}
	relays := c.selector.ForSearch(ctx, c.viewer())
	events, stats := c.pool.Query(ctx, relays, filter, c.cfg.QueryTimeout.Std())
	if stats.Exhausted() && len(local) == 0 {
		return nil, ErrExhausted
	}

	have := make(map[string]struct{}, len(local))
	for _, p := range local {
		have[p.PubKey] = struct{}{}
	}
	results := local
	for i := range events {
		evt := events[i]
		c.profiles.IngestObserved(ctx, evt)
		profile := types.ParseProfile(&evt)
		if profile == nil {
			continue
		}
		if _, dup := have[profile.PubKey]; dup {
			continue
		}
		have[profile.PubKey] = struct{}{}
		results = append(results, *profile)
		if limit > 0 && len(results) >= limit {
			break
		}
	}
	return results, nil
}

// RelayList returns a user's announced relay list or the defaults.
func (c *Client) RelayList(ctx context.Context, pubkey string) *types.RelayList {
	return c.dir.ResolveRelays(ctx, pubkey)
}

// RelayInfo returns a relay's capability document.
func (c *Client) RelayInfo(ctx context.Context, relayURL string) (types.RelayInfo, error) {
	return c.dir.EndpointInfo(ctx, relayURL)
}

// RefreshRelayInfo bypasses the cache and fetch backoff and refetches
// the capability document.
func (c *Client) RefreshRelayInfo(ctx context.Context, relayURL string) (types.RelayInfo, error) {
	return c.dir.RefreshEndpointInfo(ctx, relayURL)
}

// RelayInfoBatch returns capability documents for many relays.
func (c *Client) RelayInfoBatch(ctx context.Context, relayURLs []string) map[string]types.RelayInfo {
	return c.dir.EndpointInfoBatch(ctx, relayURLs)
}

// Endpoints returns health metrics for every relay seen so far.
func (c *Client) Endpoints() []relay.Endpoint {
	return c.pool.Endpoints()
}

// Subscribe opens a live subscription on the relays best suited to the
// filter: the authors' write relays when the filter names authors, the
// defaults otherwise. The relay set is recomputed on every reconnect.
func (c *Client) Subscribe(filter types.Filter, h live.Handlers) *live.Subscription {
	relays := func(ctx context.Context) []string {
		if len(filter.Authors) > 0 {
			seen := make(map[string]struct{})
			var urls []string
			for _, author := range filter.Authors {
				for _, url := range c.selector.ForPosts(ctx, author) {
					if _, dup := seen[url]; dup {
						continue
					}
					seen[url] = struct{}{}
					urls = append(urls, url)
				}
			}
			return c.pool.SortByHealth(urls)
		}
		return c.pool.SortByHealth(dedupe(c.cfg.DefaultRelays))
	}
	return c.live.Subscribe(filter, relays, h)
}

// Publish signs the event if needed and sends it to the author's write
// relays, any explicitly supplied extras, and the configured publish
// set. It returns the per-relay outcomes; the error is ErrExhausted
// when no relay accepted delivery.
func (c *Client) Publish(ctx context.Context, evt *types.Event, extra ...string) ([]relay.PublishResult, error) {
	if evt.Sig == "" {
		if c.signer == nil {
			return nil, errors.New("event is unsigned and no signer is configured")
		}
		if evt.CreatedAt == 0 {
			evt.CreatedAt = time.Now().Unix()
		}
		if err := c.signer.Sign(evt); err != nil {
			return nil, err
		}
	}

	relays := c.selector.ForPublish(ctx, evt.PubKey, extra...)
	results := c.pool.Publish(ctx, relays, *evt, c.cfg.PublishTimeout.Std())

	accepted := 0
	for _, r := range results {
		if r.Accepted {
			accepted++
		}
	}
	if accepted == 0 {
		return results, ErrExhausted
	}
	c.cacheEvent(ctx, *evt)
	return results, nil
}

// queryAndCache runs a fan-out query, caches the results, and maps an
// exhausted fan-out to ErrExhausted.
func (c *Client) queryAndCache(ctx context.Context, relays []string, filter types.Filter) ([]types.Event, error) {
	events, stats := c.pool.Query(ctx, relays, filter, c.cfg.QueryTimeout.Std())
	if stats.Exhausted() {
		return nil, ErrExhausted
	}
	for _, evt := range events {
		c.cacheEvent(ctx, evt)
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].CreatedAt > events[j].CreatedAt
	})
	return events, nil
}

func (c *Client) cacheEvent(ctx context.Context, evt types.Event) {
	if err := c.store.Put(ctx, store.BucketEvents, evt.ID, evt, evt.CreatedAt); err != nil {
		slog.Warn("client: event cache write failed", "id", evt.ID, "error", err)
	}
}

func dedupe(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, raw := range urls {
		url := types.NormalizeRelayURL(raw)
		if url == "" {
			continue
		}
		if _, dup := seen[url]; dup {
			continue
		}
		seen[url] = struct{}{}
		out = append(out, url)
	}
	return out
}

// poolOpener adapts the concrete pool to the live manager's interface.
type poolOpener struct {
	pool *relay.Pool
}

func (p poolOpener) Open(ctx context.Context, relayURL string, filter types.Filter) (live.Stream, error) {
	return p.pool.Open(ctx, relayURL, filter)
}
