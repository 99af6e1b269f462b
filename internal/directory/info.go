package directory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"relaymesh/internal/store"
	"relaymesh/internal/types"
)

// EndpointInfo returns the capability document for one relay. Cached
// documents are served from the store; on a miss the document is fetched
// over HTTP, scored, and cached. A failed fetch yields a synthetic
// unreachable document and starts a fetch backoff so the relay is not
// hammered.
func (s *Service) EndpointInfo(ctx context.Context, relayURL string) (types.RelayInfo, error) {
	url := types.NormalizeRelayURL(relayURL)
	if url == "" {
		return types.RelayInfo{}, ErrBadRelayURL
	}

	var cached types.RelayInfo
	found, _, err := s.store.Get(ctx, store.BucketRelayInfo, url, &cached)
	if err != nil {
		slog.Warn("directory: info cache read failed", "relay", url, "error", err)
	}
	if found {
		return cached, nil
	}

	if s.infoBackedOff(url) {
		return types.RelayInfo{URL: url, Unreachable: true, FetchError: "fetch backoff"}, nil
	}

	v, err, _ := s.flight.Do("info:"+url, func() (interface{}, error) {
		return s.fetchAndScore(ctx, url), nil
	})
	if err != nil {
		return types.RelayInfo{}, err
	}
	return v.(types.RelayInfo), nil
}

// RefreshEndpointInfo drops the cached document and fetch backoff and
// fetches a fresh one.
func (s *Service) RefreshEndpointInfo(ctx context.Context, relayURL string) (types.RelayInfo, error) {
	url := types.NormalizeRelayURL(relayURL)
	if url == "" {
		return types.RelayInfo{}, ErrBadRelayURL
	}
	if err := s.store.Delete(ctx, store.BucketRelayInfo, url); err != nil {
		slog.Warn("directory: info invalidation failed", "relay", url, "error", err)
	}
	s.backoffMu.Lock()
	delete(s.infoBackoff, url)
	s.backoffMu.Unlock()
	return s.EndpointInfo(ctx, url)
}

// EndpointInfoBatch fetches documents for many relays with bounded
// concurrency. One relay failing never affects the others; every
// requested URL gets an entry in the result.
func (s *Service) EndpointInfoBatch(ctx context.Context, relayURLs []string) map[string]types.RelayInfo {
	sem := make(chan struct{}, s.cfg.InfoConcurrency)
	results := make(map[string]types.RelayInfo, len(relayURLs))

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, raw := range relayURLs {
		url := types.NormalizeRelayURL(raw)
		if url == "" {
			continue
		}
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			info, err := s.EndpointInfo(ctx, url)
			if err != nil {
				info = types.RelayInfo{URL: url, Unreachable: true, FetchError: err.Error()}
			}
			mu.Lock()
			results[url] = info
			mu.Unlock()
		}(url)
	}
	wg.Wait()
	return results
}

// fetchAndScore performs the HTTP fetch, caches successful documents,
// and feeds the quality score to the pool's health tracker. Failures
// are never persisted: the in-memory backoff suppresses refetching for
// a short window, and once it elapses the next lookup tries again.
func (s *Service) fetchAndScore(ctx context.Context, url string) types.RelayInfo {
	info, err := s.fetchInfo(ctx, url, s.cfg.InfoTimeout.Std())
	info.URL = url
	if err != nil {
		slog.Debug("directory: info fetch failed", "relay", url, "error", err)
		info.Unreachable = true
		info.FetchError = err.Error()
		s.startInfoBackoff(url)
		s.pool.SetQuality(url, QualityScore(info))
		return info
	}

	s.pool.SetQuality(url, QualityScore(info))
	if err := s.store.Put(ctx, store.BucketRelayInfo, url, info, time.Now().Unix()); err != nil {
		slog.Warn("directory: info cache write failed", "relay", url, "error", err)
	}
	return info
}

func (s *Service) infoBackedOff(url string) bool {
	s.backoffMu.Lock()
	defer s.backoffMu.Unlock()
	until, ok := s.infoBackoff[url]
	return ok && time.Now().Before(until)
}

func (s *Service) startInfoBackoff(url string) {
	s.backoffMu.Lock()
	s.infoBackoff[url] = time.Now().Add(s.cfg.InfoBackoff.Std())
	s.backoffMu.Unlock()
}

// QualityScore derives a 0-100 capability score from a NIP-11 document.
// Completeness of the document, protocol support, latency, and access
// restrictions all feed in; an unreachable relay scores zero.
func QualityScore(info types.RelayInfo) int {
	if info.Unreachable {
		return 0
	}

	score := 50
	if info.Name != "" {
		score += 10
	}
	if info.Description != "" {
		score += 10
	}
	if info.Contact != "" {
		score += 5
	}
	if len(info.SupportedNIPs) > 0 {
		score += 15
	}
	if info.Software != "" && info.Version != "" {
		score += 10
	}

	switch {
	case info.ResponseTimeMs > 0 && info.ResponseTimeMs < 1000:
		score += 10
	case info.ResponseTimeMs > 0 && info.ResponseTimeMs < 3000:
		score += 5
	case info.ResponseTimeMs > 10000:
		score -= 20
	}

	if lim := info.Limitation; lim != nil {
		if lim.AuthRequired {
			score -= 5
		}
		if lim.PaymentRequired {
			score -= 10
		}
		if lim.RestrictedWrites {
			score -= 15
		}
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}
