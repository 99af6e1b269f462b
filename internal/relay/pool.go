package relay

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"relaymesh/internal/metrics"
	"relaymesh/internal/types"
)

// ErrBackoff is returned when a relay is inside its failure-backoff
// window and should not be dialed yet.
var ErrBackoff = errors.New("relay in failure backoff")

const (
	streamBuffer   = 100
	maxSeenRecords = 4096
	idleTimeout    = 2 * time.Minute
	cleanupPeriod  = time.Minute
)

// Config holds the pool's timing knobs.
type Config struct {
	DialTimeout    time.Duration
	FailureBackoff time.Duration
}

// Pool manages one websocket connection per relay, created lazily and
// shared between queries and live subscriptions.
type Pool struct {
	mu    sync.RWMutex
	conns map[string]*relayConn

	health *healthTracker
	seen   *seenIndex
	cfg    Config

	// observer, when set, receives every replaceable event read off any
	// connection. The client wires this to the internal bus.
	observerMu sync.RWMutex
	observer   func(types.Event)

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewPool creates an empty pool and starts its idle-connection reaper.
func NewPool(cfg Config) *Pool {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.FailureBackoff <= 0 {
		cfg.FailureBackoff = 30 * time.Second
	}
	p := &Pool{
		conns:  make(map[string]*relayConn),
		health: newHealthTracker(cfg.FailureBackoff),
		seen:   newSeenIndex(maxSeenRecords),
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}
	go p.cleanupLoop()
	return p
}

// SetObserver registers the opportunistic-event callback.
func (p *Pool) SetObserver(fn func(types.Event)) {
	p.observerMu.Lock()
	p.observer = fn
	p.observerMu.Unlock()
}

// SortByHealth orders candidate URLs by combined quality+reliability
// score descending, stable on ties.
func (p *Pool) SortByHealth(urls []string) []string {
	return p.health.sortByHealth(urls)
}

// SetQuality records the capability-derived quality score for a relay.
func (p *Pool) SetQuality(url string, quality int) {
	p.health.setQuality(url, quality)
}

// RecordSeen notes that a relay delivered the given record ID.
func (p *Pool) RecordSeen(id, url string) {
	p.seen.record(id, url)
}

// SeenAt returns the relays known to have delivered the record ID.
func (p *Pool) SeenAt(id string) []string {
	return p.seen.locations(id)
}

// InBackoff reports whether the relay is inside its failure-backoff
// window.
func (p *Pool) InBackoff(url string) bool {
	return p.health.inBackoff(url)
}

// Endpoints returns a snapshot of all tracked endpoint metrics.
func (p *Pool) Endpoints() []Endpoint {
	return p.health.snapshot()
}

// ConnectionCount returns the number of open connections.
func (p *Pool) ConnectionCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns)
}

// Close tears down every connection and stops the reaper.
func (p *Pool) Close() {
	p.stopOnce.Do(func() { close(p.stopCh) })

	p.mu.Lock()
	conns := make([]*relayConn, 0, len(p.conns))
	for _, rc := range p.conns {
		conns = append(conns, rc)
	}
	p.conns = make(map[string]*relayConn)
	p.mu.Unlock()

	for _, rc := range conns {
		rc.markClosed()
	}
}

// relayConn manages a single websocket connection with multiple
// subscriptions multiplexed over it.
type relayConn struct {
	conn     *websocket.Conn
	relayURL string
	pool     *Pool

	mu           sync.Mutex
	writeMu      sync.Mutex
	subs         map[string]*StreamSub
	okWaiters    map[string]chan okResult
	closed       bool
	lastActivity time.Time
}

type okResult struct {
	accepted bool
	reason   string
}

// getOrCreateConn returns an existing live connection or dials a new one.
func (p *Pool) getOrCreateConn(ctx context.Context, relayURL string) (*relayConn, error) {
	if !isRelayURLSafe(relayURL) {
		return nil, errors.New("relay URL blocked: unsafe destination")
	}

	p.mu.RLock()
	rc := p.conns[relayURL]
	p.mu.RUnlock()
	if rc != nil && !rc.isClosed() {
		return rc, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	rc = p.conns[relayURL]
	if rc != nil && !rc.isClosed() {
		return rc, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.DialTimeout)
	defer cancel()

	slog.Debug("pool: dialing relay", "relay", relayURL)
	start := time.Now()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, relayURL, nil)
	if err != nil {
		p.health.recordFailure(relayURL)
		metrics.RelayFailures.WithLabelValues(relayURL).Inc()
		return nil, err
	}
	p.health.recordSuccess(relayURL, time.Since(start))

	rc = &relayConn{
		conn:         conn,
		relayURL:     relayURL,
		pool:         p,
		subs:         make(map[string]*StreamSub),
		okWaiters:    make(map[string]chan okResult),
		lastActivity: time.Now(),
	}
	p.conns[relayURL] = rc
	metrics.ConnectionsActive.Set(float64(len(p.conns)))

	go rc.readLoop()
	return rc, nil
}

// StreamSub is an active subscription on one relay connection.
type StreamSub struct {
	id       string
	relayURL string

	events chan types.Event
	eose   chan struct{}
	done   chan struct{}

	closeOnce sync.Once
	unsub     func(send bool)
}

// Events yields records as they arrive from the relay.
func (s *StreamSub) Events() <-chan types.Event { return s.events }

// EOSE signals once when the relay reports end of stored events.
func (s *StreamSub) EOSE() <-chan struct{} { return s.eose }

// Done is closed when the subscription ends for any reason.
func (s *StreamSub) Done() <-chan struct{} { return s.done }

// Relay returns the relay URL this stream is attached to.
func (s *StreamSub) Relay() string { return s.relayURL }

// Close unsubscribes from the relay and releases the stream.
func (s *StreamSub) Close() {
	s.closeOnce.Do(func() {
		s.unsub(true)
		close(s.done)
	})
}

// finish closes the stream without sending CLOSE, used when the relay
// or connection already terminated it.
func (s *StreamSub) finish() {
	s.closeOnce.Do(func() {
		s.unsub(false)
		close(s.done)
	})
}

// Open starts a subscription with the given filter on one relay. The
// relay's failure-backoff window is honored: dialing a relay that
// recently failed returns ErrBackoff until the window elapses.
func (p *Pool) Open(ctx context.Context, relayURL string, filter types.Filter) (*StreamSub, error) {
	if p.InBackoff(relayURL) {
		return nil, ErrBackoff
	}

	rc, err := p.getOrCreateConn(ctx, relayURL)
	if err != nil {
		return nil, err
	}

	subID := newSubID()
	sub := &StreamSub{
		id:       subID,
		relayURL: relayURL,
		events:   make(chan types.Event, streamBuffer),
		eose:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	sub.unsub = func(send bool) { rc.removeSub(subID, send) }

	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return nil, errors.New("connection closed during subscribe")
	}
	rc.subs[subID] = sub
	rc.lastActivity = time.Now()
	rc.mu.Unlock()

	req := []interface{}{"REQ", subID, filter.ToWire()}
	if err := rc.writeJSON(req); err != nil {
		rc.removeSub(subID, false)
		rc.markClosed()
		p.health.recordFailure(relayURL)
		return nil, err
	}

	metrics.RelayRequests.WithLabelValues(relayURL).Inc()
	return sub, nil
}

func newSubID() string {
	return "rm-" + strings.ToLower(ulid.MustNew(ulid.Now(), rand.Reader).String())
}

func (rc *relayConn) writeJSON(v interface{}) error {
	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()
	rc.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	defer rc.conn.SetWriteDeadline(time.Time{})
	return rc.conn.WriteJSON(v)
}

func (rc *relayConn) isClosed() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.closed
}

// removeSub drops the subscription from the routing table, optionally
// sending CLOSE to the relay.
func (rc *relayConn) removeSub(subID string, sendClose bool) {
	rc.mu.Lock()
	_, exists := rc.subs[subID]
	shouldSend := sendClose && exists && !rc.closed
	delete(rc.subs, subID)
	rc.mu.Unlock()

	if shouldSend {
		rc.writeJSON([]interface{}{"CLOSE", subID})
	}
}

// readLoop continuously reads from the connection and routes messages to
// the owning subscriptions.
func (rc *relayConn) readLoop() {
	defer rc.markClosed()

	for {
		var msg types.NostrMessage
		if err := rc.conn.ReadJSON(&msg); err != nil {
			if !rc.isClosed() {
				slog.Debug("pool: read error", "relay", rc.relayURL, "error", err)
			}
			return
		}

		rc.mu.Lock()
		rc.lastActivity = time.Now()
		rc.mu.Unlock()

		if len(msg) < 2 {
			continue
		}
		msgType, ok := msg[0].(string)
		if !ok {
			continue
		}

		switch msgType {
		case "EVENT":
			if len(msg) < 3 {
				continue
			}
			subID, ok := msg[1].(string)
			if !ok {
				continue
			}
			evt, ok := parseEvent(msg[2])
			if !ok {
				continue
			}
			evt.RelaysSeen = []string{rc.relayURL}
			rc.pool.seen.record(evt.ID, rc.relayURL)
			rc.pool.notifyObserver(evt)

			rc.mu.Lock()
			sub := rc.subs[subID]
			rc.mu.Unlock()
			if sub != nil {
				select {
				case sub.events <- evt:
				case <-sub.done:
				default:
					metrics.EventsDropped.Inc()
				}
			}

		case "EOSE":
			subID, ok := msg[1].(string)
			if !ok {
				continue
			}
			rc.mu.Lock()
			sub := rc.subs[subID]
			rc.mu.Unlock()
			if sub != nil {
				select {
				case sub.eose <- struct{}{}:
				default:
				}
			}

		case "CLOSED":
			subID, _ := msg[1].(string)
			rc.mu.Lock()
			sub := rc.subs[subID]
			delete(rc.subs, subID)
			rc.mu.Unlock()
			if sub != nil {
				sub.finish()
			}

		case "OK":
			if len(msg) < 3 {
				continue
			}
			eventID, _ := msg[1].(string)
			accepted, _ := msg[2].(bool)
			reason := ""
			if len(msg) >= 4 {
				reason, _ = msg[3].(string)
			}
			rc.mu.Lock()
			waiter := rc.okWaiters[eventID]
			delete(rc.okWaiters, eventID)
			rc.mu.Unlock()
			if waiter != nil {
				waiter <- okResult{accepted: accepted, reason: reason}
			}

		case "NOTICE":
			notice, _ := msg[1].(string)
			slog.Debug("pool: notice", "relay", rc.relayURL, "notice", notice)
		}
	}
}

func (p *Pool) notifyObserver(evt types.Event) {
	if !types.IsReplaceable(evt.Kind) {
		return
	}
	p.observerMu.RLock()
	observer := p.observer
	p.observerMu.RUnlock()
	if observer != nil {
		observer(evt)
	}
}

func parseEvent(raw interface{}) (types.Event, bool) {
	data, err := json.Marshal(raw)
	if err != nil {
		return types.Event{}, false
	}
	var evt types.Event
	if err := json.Unmarshal(data, &evt); err != nil || evt.ID == "" {
		return types.Event{}, false
	}
	return evt, true
}

// markClosed marks the connection as closed and finishes every attached
// subscription.
func (rc *relayConn) markClosed() {
	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return
	}
	rc.closed = true
	rc.conn.Close()
	subs := make([]*StreamSub, 0, len(rc.subs))
	for _, sub := range rc.subs {
		subs = append(subs, sub)
	}
	rc.subs = make(map[string]*StreamSub)
	waiters := rc.okWaiters
	rc.okWaiters = make(map[string]chan okResult)
	rc.mu.Unlock()

	for _, sub := range subs {
		sub.finish()
	}
	for _, w := range waiters {
		close(w)
	}
}

// cleanupLoop periodically drops closed or idle connections.
func (p *Pool) cleanupLoop() {
	ticker := time.NewTicker(cleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.cleanup()
		}
	}
}

func (p *Pool) cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for url, rc := range p.conns {
		rc.mu.Lock()
		idle := len(rc.subs) == 0 && now.Sub(rc.lastActivity) > idleTimeout
		closed := rc.closed
		rc.mu.Unlock()

		if closed || idle {
			if !closed {
				slog.Debug("pool: closing idle connection", "relay", url)
				rc.markClosed()
			}
			delete(p.conns, url)
		}
	}
	metrics.ConnectionsActive.Set(float64(len(p.conns)))
}

// isRelayURLSafe validates that a relay URL is safe to connect to.
// Allows localhost for development but blocks other private IP ranges.
func isRelayURLSafe(relayURL string) bool {
	parsed, err := url.Parse(relayURL)
	if err != nil {
		return false
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return false
	}
	host := parsed.Hostname()
	if host == "" {
		return false
	}
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return true
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		// Unresolvable might still be a valid external host, but block
		// obvious internal names.
		if strings.HasSuffix(host, ".") ||
			strings.Contains(host, ".local") ||
			strings.Contains(host, ".internal") {
			return false
		}
		return true
	}
	for _, ip := range ips {
		if !isRelayIPSafe(ip) {
			return false
		}
	}
	return true
}

// isRelayIPSafe allows loopback but blocks private, link-local,
// unspecified, multicast, and cloud metadata addresses.
func isRelayIPSafe(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsLoopback() {
		return true
	}
	if ip.IsPrivate() {
		return false
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return false
	}
	if ip.IsUnspecified() || ip.IsMulticast() {
		return false
	}
	if ip.Equal(net.ParseIP("169.254.169.254")) {
		return false
	}
	return true
}
