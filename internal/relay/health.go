// Package relay owns the websocket connections to relays: a lazy
// connection pool with per-subscription message routing, fan-out queries,
// publishes, and per-endpoint health accounting used to rank candidates.
package relay

import (
	"sort"
	"sync"
	"time"
)

// Score bounds and adjustment rules for the reliability score.
const (
	scoreFloor       = 0
	scoreCeil        = 100
	successReward    = 5
	failurePenalty   = 10
	maxStreakPenalty = 30
	defaultQuality   = 50
	defaultReliable  = 50
)

// Endpoint is the observed state of one relay URL. Instances are mutable
// and process-wide, keyed by URL inside the tracker.
type Endpoint struct {
	URL           string
	AvgResponseMs int64
	ResponseCount int
	LastResponse  int64
	Reachable     bool
	FailureStreak int
	BackoffUntil  int64

	// Quality is capability-derived (set by the directory service from
	// the NIP-11 document); Reliability is history-derived.
	Quality     int
	Reliability int
}

// Score is the combined health ranking used for candidate ordering.
func (e *Endpoint) Score() int {
	return e.Quality + e.Reliability
}

// healthTracker maintains Endpoint records under one mutex. It is the
// only shared-mutable structure in the package besides the conn map.
type healthTracker struct {
	mu        sync.Mutex
	endpoints map[string]*Endpoint
	backoff   time.Duration
}

func newHealthTracker(backoff time.Duration) *healthTracker {
	return &healthTracker{
		endpoints: make(map[string]*Endpoint),
		backoff:   backoff,
	}
}

// get returns the endpoint record, creating a neutral one on first sight.
// Caller must hold h.mu.
func (h *healthTracker) get(url string) *Endpoint {
	ep, ok := h.endpoints[url]
	if !ok {
		ep = &Endpoint{
			URL:         url,
			Reachable:   true,
			Quality:     defaultQuality,
			Reliability: defaultReliable,
		}
		h.endpoints[url] = ep
	}
	return ep
}

func (h *healthTracker) recordSuccess(url string, rtt time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ep := h.get(url)
	ep.Reachable = true
	ep.FailureStreak = 0
	ep.BackoffUntil = 0
	ep.Reliability = clamp(ep.Reliability + successReward)
	ep.LastResponse = time.Now().Unix()

	// Exponential moving average (alpha=0.3), matching the latency
	// input the quality score expects.
	ms := rtt.Milliseconds()
	if ep.ResponseCount == 0 {
		ep.AvgResponseMs = ms
	} else {
		ep.AvgResponseMs = int64(0.3*float64(ms) + 0.7*float64(ep.AvgResponseMs))
	}
	ep.ResponseCount++
}

func (h *healthTracker) recordFailure(url string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ep := h.get(url)
	ep.Reachable = false
	ep.FailureStreak++
	penalty := failurePenalty * ep.FailureStreak
	if penalty > maxStreakPenalty {
		penalty = maxStreakPenalty
	}
	ep.Reliability = clamp(ep.Reliability - penalty)
	ep.BackoffUntil = time.Now().Add(h.backoff).Unix()
}

func (h *healthTracker) setQuality(url string, quality int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.get(url).Quality = clamp(quality)
}

func (h *healthTracker) inBackoff(url string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	ep, ok := h.endpoints[url]
	if !ok {
		return false
	}
	return ep.BackoffUntil > 0 && time.Now().Unix() < ep.BackoffUntil
}

// sortByHealth returns the URLs ordered by combined score descending.
// The sort is stable so equal scores keep their original order.
func (h *healthTracker) sortByHealth(urls []string) []string {
	h.mu.Lock()
	scores := make(map[string]int, len(urls))
	for _, url := range urls {
		scores[url] = h.get(url).Score()
	}
	h.mu.Unlock()

	sorted := make([]string, len(urls))
	copy(sorted, urls)
	sort.SliceStable(sorted, func(i, j int) bool {
		return scores[sorted[i]] > scores[sorted[j]]
	})
	return sorted
}

func (h *healthTracker) snapshot() []Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Endpoint, 0, len(h.endpoints))
	for _, ep := range h.endpoints {
		out = append(out, *ep)
	}
	return out
}

func clamp(v int) int {
	if v < scoreFloor {
		return scoreFloor
	}
	if v > scoreCeil {
		return scoreCeil
	}
	return v
}

// seenIndex remembers which relays have delivered which record IDs so a
// re-query for the same record can go straight to relays known to have
// it. Bounded: oldest entries are evicted FIFO.
type seenIndex struct {
	mu     sync.Mutex
	seen   map[string][]string
	order  []string
	maxLen int
}

func newSeenIndex(maxLen int) *seenIndex {
	return &seenIndex{
		seen:   make(map[string][]string),
		maxLen: maxLen,
	}
}

func (s *seenIndex) record(id, url string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	urls, ok := s.seen[id]
	if !ok {
		if len(s.order) >= s.maxLen {
			oldest := s.order[0]
			s.order = s.order[1:]
			delete(s.seen, oldest)
		}
		s.order = append(s.order, id)
	}
	for _, u := range urls {
		if u == url {
			return
		}
	}
	s.seen[id] = append(urls, url)
}

func (s *seenIndex) locations(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	urls := s.seen[id]
	out := make([]string, len(urls))
	copy(out, urls)
	return out
}
