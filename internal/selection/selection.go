// Package selection picks which relays to contact for each kind of
// operation. Every selector follows the same shape: gather candidates
// from per-identity relay lists and global fallbacks, deduplicate,
// order by health, then cap. Reads follow the outbox model: a user's
// data is looked up on the relays they write to.
package selection

import (
	"context"

	"relaymesh/internal/config"
	"relaymesh/internal/types"
)

// Per-operation caps and per-source contribution limits. Publishes are
// deliberately uncapped: dropping a write target loses data, dropping a
// read target only costs coverage.
const (
	maxProfileRelays = 5
	maxReplyRelays   = 6
	maxSearchRelays  = 4

	writeContribution    = 3
	readContribution     = 2
	authorReadForReplies = 3
	fallbackContribution = 2
)

// Resolver supplies a user's announced relay list.
type Resolver interface {
	ResolveRelays(ctx context.Context, pubkey string) *types.RelayList
}

// Ranker orders candidates by health and remembers where records were
// previously seen. The connection pool satisfies it.
type Ranker interface {
	SortByHealth(urls []string) []string
	SeenAt(id string) []string
}

// Selector builds relay sets for each operation.
type Selector struct {
	resolver Resolver
	ranker   Ranker
	cfg      *config.Config
}

// New creates a selector.
func New(resolver Resolver, ranker Ranker, cfg *config.Config) *Selector {
	return &Selector{resolver: resolver, ranker: ranker, cfg: cfg}
}

// top health-sorts one candidate source and keeps its best n entries,
// so each source contributes its strongest relays before the combined
// set is capped.
func (s *Selector) top(urls []string, n int) []string {
	sorted := s.ranker.SortByHealth(urls)
	if n > 0 && len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

// ForProfile selects relays for fetching a user's profile: the best of
// their write relays, a couple of their read relays, and the
// profile-aggregator fallbacks.
func (s *Selector) ForProfile(ctx context.Context, pubkey string) []string {
	list := s.resolver.ResolveRelays(ctx, pubkey)
	var candidates []string
	candidates = append(candidates, s.top(list.Write, writeContribution)...)
	candidates = append(candidates, s.top(list.Read, readContribution)...)
	candidates = append(candidates, s.top(s.cfg.ProfileRelays, fallbackContribution)...)
	return s.finish(candidates, maxProfileRelays)
}

// ForPosts selects relays for fetching a user's own notes. Same shape
// as ForProfile but with the global defaults as fallback.
func (s *Selector) ForPosts(ctx context.Context, pubkey string) []string {
	list := s.resolver.ResolveRelays(ctx, pubkey)
	var candidates []string
	candidates = append(candidates, s.top(list.Write, writeContribution)...)
	candidates = append(candidates, s.top(list.Read, readContribution)...)
	candidates = append(candidates, s.top(s.cfg.DefaultRelays, fallbackContribution)...)
	return s.finish(candidates, maxProfileRelays)
}

// ForReplies selects relays for fetching replies to an event. Relays
// that delivered the root event rank first since repliers typically
// publish where the root lives, then the root author's read relays,
// then the viewer's, then the defaults.
func (s *Selector) ForReplies(ctx context.Context, rootID, rootAuthor, viewer string) []string {
	candidates := append([]string(nil), s.ranker.SeenAt(rootID)...)
	if rootAuthor != "" {
		list := s.resolver.ResolveRelays(ctx, rootAuthor)
		candidates = append(candidates, s.top(list.Read, authorReadForReplies)...)
	}
	if viewer != "" && viewer != rootAuthor {
		list := s.resolver.ResolveRelays(ctx, viewer)
		candidates = append(candidates, s.top(list.Read, readContribution)...)
	}
	candidates = append(candidates, s.top(s.cfg.DefaultRelays, fallbackContribution)...)
	return s.finish(candidates, maxReplyRelays)
}

// ForSearch selects the search-capable relays first, topped up with the
// viewer's read relays.
func (s *Selector) ForSearch(ctx context.Context, viewer string) []string {
	candidates := append([]string(nil), s.cfg.SearchRelays...)
	if viewer != "" {
		list := s.resolver.ResolveRelays(ctx, viewer)
		candidates = append(candidates, s.top(list.Read, authorReadForReplies)...)
	}
	return s.finish(candidates, maxSearchRelays)
}

// ForPublish selects relays for publishing the user's event: all their
// write relays, any explicitly supplied extras, and the best of the
// configured publish set. Never capped.
func (s *Selector) ForPublish(ctx context.Context, pubkey string, extra ...string) []string {
	var candidates []string
	if pubkey != "" {
		list := s.resolver.ResolveRelays(ctx, pubkey)
		candidates = append(candidates, list.Write...)
	}
	candidates = append(candidates, extra...)
	candidates = append(candidates, s.top(s.cfg.PublishRelays, fallbackContribution)...)
	return s.finish(candidates, 0)
}

// finish normalizes and deduplicates candidates preserving first-seen
// order, sorts by health, and applies the limit. Capping happens after
// the health sort so truncation always keeps the strongest relays. A
// limit of 0 means unlimited.
func (s *Selector) finish(candidates []string, limit int) []string {
	seen := make(map[string]struct{}, len(candidates))
	deduped := make([]string, 0, len(candidates))
	for _, raw := range candidates {
		url := types.NormalizeRelayURL(raw)
		if url == "" {
			continue
		}
		if _, dup := seen[url]; dup {
			continue
		}
		seen[url] = struct{}{}
		deduped = append(deduped, url)
	}

	sorted := s.ranker.SortByHealth(deduped)
	if limit > 0 && len(sorted) > limit {
		sorted = sorted[:limit]
	}
	return sorted
}
