// Package live maintains long-running subscriptions across multiple
// relays: it opens streams, merges and deduplicates their events, waits
// for stored-event completion before declaring the subscription ready,
// and reconnects with a fresh relay set when all streams die.
package live

import (
	"context"
	"crypto/rand"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"relaymesh/internal/config"
	"relaymesh/internal/metrics"
	"relaymesh/internal/types"
)

// State is the lifecycle phase of a subscription.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAwaitingCompletion
	StateReady
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAwaitingCompletion:
		return "awaiting_completion"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Stream is one open per-relay subscription. *relay.StreamSub satisfies
// it through the client's adapter; tests provide fakes.
type Stream interface {
	Events() <-chan types.Event
	EOSE() <-chan struct{}
	Done() <-chan struct{}
	Relay() string
	Close()
}

// Opener opens a stream on one relay.
type Opener interface {
	Open(ctx context.Context, relayURL string, filter types.Filter) (Stream, error)
}

// RelayFunc produces the relay set for a connection attempt. It is
// called again on every reconnect so relay health and announced relay
// lists observed in the meantime influence the new set.
type RelayFunc func(ctx context.Context) []string

// Handlers are the subscription callbacks. All of them are invoked from
// the subscription's own goroutine, never concurrently.
type Handlers struct {
	// OnEvent delivers one deduplicated event. live is false for stored
	// events replayed during the backfill phase and true afterwards.
	OnEvent func(evt types.Event, live bool)
	// OnReady fires when the backfill phase completes. connected is true
	// when at least one relay reported end of stored events.
	OnReady func(connected bool)
	// OnClose fires exactly once when the subscription ends.
	OnClose func(err error)
}

// Manager owns all live subscriptions.
type Manager struct {
	opener Opener
	cfg    *config.Config

	mu     sync.Mutex
	subs   map[string]*Subscription
	closed bool
}

// NewManager creates a subscription manager.
func NewManager(opener Opener, cfg *config.Config) *Manager {
	return &Manager{
		opener: opener,
		cfg:    cfg,
		subs:   make(map[string]*Subscription),
	}
}

// Subscribe starts a live subscription and returns immediately. The
// returned subscription is already connecting in the background.
func (m *Manager) Subscribe(filter types.Filter, relays RelayFunc, h Handlers) *Subscription {
	sub := &Subscription{
		id:      "live-" + ulid.MustNew(ulid.Now(), rand.Reader).String(),
		manager: m,
		filter:  filter,
		relays:  relays,
		h:       h,
		state:   StateIdle,
		seen:    make(map[string]struct{}),
		closeCh: make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		sub.setState(StateClosed)
		if h.OnClose != nil {
			h.OnClose(context.Canceled)
		}
		return sub
	}
	m.subs[sub.id] = sub
	m.mu.Unlock()

	metrics.LiveSubscriptions.Inc()
	go sub.run()
	return sub
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	if _, ok := m.subs[id]; ok {
		delete(m.subs, id)
		metrics.LiveSubscriptions.Dec()
	}
	m.mu.Unlock()
}

// Count returns the number of active subscriptions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// Close shuts down every subscription and rejects new ones.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	subs := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}

// Subscription is one live multi-relay subscription.
type Subscription struct {
	id      string
	manager *Manager
	filter  types.Filter
	relays  RelayFunc
	h       Handlers

	stateMu sync.Mutex
	state   State

	// seen holds every delivered event ID for the subscription's whole
	// lifetime, across reconnects, so replayed events are never
	// delivered twice.
	seen map[string]struct{}

	// ordered is the consumer-visible merged view: every delivered
	// event, kept in strict descending timestamp order with the ID as
	// tie-break, no matter the arrival order.
	eventsMu sync.Mutex
	ordered  []types.Event

	closeOnce sync.Once
	closeCh   chan struct{}
}

// ID returns the subscription's identifier.
func (s *Subscription) ID() string { return s.id }

// State returns the current lifecycle phase.
func (s *Subscription) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *Subscription) setState(st State) {
	s.stateMu.Lock()
	s.state = st
	s.stateMu.Unlock()
}

// Close terminates the subscription. Safe to call multiple times and
// from any goroutine. No reconnect follows a close.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() { close(s.closeCh) })
}

// run drives the connect / backfill / stream / reconnect cycle until
// the subscription is closed.
func (s *Subscription) run() {
	defer func() {
		s.setState(StateClosed)
		s.manager.remove(s.id)
		if s.h.OnClose != nil {
			s.h.OnClose(nil)
		}
	}()

	for attempt := 0; ; attempt++ {
		select {
		case <-s.closeCh:
			return
		default:
		}

		if attempt > 0 {
			s.setState(StateReconnecting)
			slog.Debug("live: reconnecting", "sub", s.id, "attempt", attempt)
			select {
			case <-s.closeCh:
				return
			case <-time.After(s.manager.cfg.ReconnectDelay.Std()):
			}
		}

		if !s.connectAndStream() {
			return
		}
	}
}

// connectAndStream performs one full connection cycle. It returns false
// when the subscription was closed and true when all streams died and a
// reconnect should follow.
func (s *Subscription) connectAndStream() bool {
	s.setState(StateConnecting)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relays := s.relays(ctx)
	if limit := s.manager.cfg.MaxLiveRelays; limit > 0 && len(relays) > limit {
		relays = relays[:limit]
	}

	streams := make([]Stream, 0, len(relays))
	for _, url := range relays {
		stream, err := s.manager.opener.Open(ctx, url, s.filter)
		if err != nil {
			slog.Debug("live: open failed", "sub", s.id, "relay", url, "error", err)
			continue
		}
		streams = append(streams, stream)
	}
	defer func() {
		for _, stream := range streams {
			stream.Close()
		}
	}()

	if len(streams) == 0 {
		// Nothing connected. Report not-connected readiness and let the
		// run loop schedule a reconnect.
		s.setState(StateReady)
		if s.h.OnReady != nil {
			s.h.OnReady(false)
		}
		return true
	}

	relayNames := make([]string, len(streams))
	for i, stream := range streams {
		relayNames[i] = stream.Relay()
	}

	merged := make(chan types.Event, 256)
	eose := make(chan string, len(streams))
	dead := make(chan string, len(streams))
	for _, stream := range streams {
		go pump(stream, merged, eose, dead)
	}

	connected, alive, closed := s.backfill(relayNames, merged, eose, dead)
	if closed {
		return false
	}

	s.setState(StateReady)
	if s.h.OnReady != nil {
		s.h.OnReady(connected)
	}

	return s.streamLive(alive, merged, dead)
}

// pump forwards one stream's messages into the merged channels. Queued
// events are forwarded before an EOSE so the end-of-stored marker never
// overtakes the stored events it terminates, and queued events are
// flushed before the death of a stream is reported for the same reason.
func pump(stream Stream, merged chan<- types.Event, eose, dead chan<- string) {
	sentEOSE := false
	for {
		select {
		case evt := <-stream.Events():
			if !forward(stream, merged, evt) {
				dead <- stream.Relay()
				return
			}
			continue
		default:
		}

		select {
		case evt := <-stream.Events():
			if !forward(stream, merged, evt) {
				dead <- stream.Relay()
				return
			}
		case <-stream.EOSE():
			if !sentEOSE {
				sentEOSE = true
				eose <- stream.Relay()
			}
		case <-stream.Done():
			flush(stream, merged)
			dead <- stream.Relay()
			return
		}
	}
}

// forward delivers one event into merged. Returns false when the stream
// died, after a best-effort flush of whatever was still queued.
func forward(stream Stream, merged chan<- types.Event, evt types.Event) bool {
	select {
	case merged <- evt:
		return true
	default:
	}
	select {
	case merged <- evt:
		return true
	case <-stream.Done():
		select {
		case merged <- evt:
		default:
		}
		flush(stream, merged)
		return false
	}
}

// flush forwards events still queued on a dead stream without blocking.
func flush(stream Stream, merged chan<- types.Event) {
	for {
		select {
		case evt := <-stream.Events():
			select {
			case merged <- evt:
			default:
				return
			}
		default:
			return
		}
	}
}

// backfill collects stored events until every still-open stream reports
// EOSE or the completion timeout fires, then delivers them newest first.
// Each stream's EOSE is tracked individually: a stream that dies
// mid-replay stops being waited on, while the completion of one that
// dies after its EOSE stays counted. connected is true when at least
// one stream completed its replay; alive is the number of streams left
// running.
func (s *Subscription) backfill(relays []string, merged <-chan types.Event, eose, dead <-chan string) (connected bool, alive int, closed bool) {
	s.setState(StateAwaitingCompletion)

	timer := time.NewTimer(s.manager.cfg.CompletionTimeout.Std())
	defer timer.Stop()

	pending := make(map[string]struct{}, len(relays))
	for _, url := range relays {
		pending[url] = struct{}{}
	}
	alive = len(relays)

	var buffered []types.Event
	eoseCount := 0

collect:
	for len(pending) > 0 {
		// Drain queued events before honoring completion markers so
		// stored events are never reclassified as live.
		select {
		case evt := <-merged:
			buffered = append(buffered, evt)
			continue
		default:
		}

		select {
		case <-s.closeCh:
			return false, alive, true
		case evt := <-merged:
			buffered = append(buffered, evt)
		case url := <-eose:
			eoseCount++
			delete(pending, url)
		case url := <-dead:
			alive--
			delete(pending, url)
		case <-timer.C:
			break collect
		}
	}

	// Anything still queued arrived before the last completion marker.
drain:
	for {
		select {
		case evt := <-merged:
			buffered = append(buffered, evt)
		default:
			break drain
		}
	}

	// Stored events replay newest first, strictly descending, so the
	// consumer can render a feed top-down without sorting.
	sort.Slice(buffered, func(i, j int) bool {
		if buffered[i].CreatedAt != buffered[j].CreatedAt {
			return buffered[i].CreatedAt > buffered[j].CreatedAt
		}
		return buffered[i].ID < buffered[j].ID
	})
	for _, evt := range buffered {
		s.deliver(evt, false)
	}
	return eoseCount > 0, alive, false
}

// streamLive delivers events as they arrive until every stream dies or
// the subscription closes. Returns true when a reconnect should follow.
func (s *Subscription) streamLive(active int, merged <-chan types.Event, dead <-chan string) bool {
	for active > 0 {
		select {
		case <-s.closeCh:
			return false
		case evt := <-merged:
			s.deliver(evt, true)
		case relayURL := <-dead:
			active--
			slog.Debug("live: stream died", "sub", s.id, "relay", relayURL, "remaining", active)
		}
	}
	return true
}

// deliver dispatches one event if its ID has not been seen before.
func (s *Subscription) deliver(evt types.Event, liveEvent bool) {
	if !s.filter.Matches(&evt) {
		return
	}
	if _, dup := s.seen[evt.ID]; dup {
		return
	}
	s.seen[evt.ID] = struct{}{}
	s.insert(evt)
	if s.h.OnEvent != nil {
		s.h.OnEvent(evt, liveEvent)
	}
}

// insert places the event into the ordered view with a sorted insert,
// preserving strict descending order for every arrival.
func (s *Subscription) insert(evt types.Event) {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	i := sort.Search(len(s.ordered), func(i int) bool {
		if s.ordered[i].CreatedAt != evt.CreatedAt {
			return s.ordered[i].CreatedAt < evt.CreatedAt
		}
		return s.ordered[i].ID > evt.ID
	})
	s.ordered = append(s.ordered, types.Event{})
	copy(s.ordered[i+1:], s.ordered[i:])
	s.ordered[i] = evt
}

// Events returns a snapshot of every event delivered so far, newest
// first.
func (s *Subscription) Events() []types.Event {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	out := make([]types.Event, len(s.ordered))
	copy(out, s.ordered)
	return out
}
