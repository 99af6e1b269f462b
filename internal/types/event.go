// Package types provides shared type definitions used across internal packages.
package types

// Well-known event kinds handled by the caching layer.
const (
	KindProfile   = 0
	KindNote      = 1
	KindContacts  = 3
	KindRelayList = 10002
)

// Event represents a Nostr event (NIP-01)
type Event struct {
	ID         string     `json:"id"`
	PubKey     string     `json:"pubkey"`
	CreatedAt  int64      `json:"created_at"`
	Kind       int        `json:"kind"`
	Tags       [][]string `json:"tags"`
	Content    string     `json:"content"`
	Sig        string     `json:"sig"`
	RelaysSeen []string   `json:"-"`
}

// TagValue returns the second element of the first tag whose name matches,
// or "" when absent.
func (e *Event) TagValue(name string) string {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}

// IsReplaceable reports whether only the newest event per coordinate is
// meaningful for the given kind (NIP-01 replaceable + addressable ranges).
func IsReplaceable(kind int) bool {
	if kind == KindProfile || kind == KindContacts {
		return true
	}
	if kind >= 10000 && kind < 20000 {
		return true
	}
	if kind >= 30000 && kind < 40000 {
		return true
	}
	return false
}

// Coordinate returns the replaceable-record coordinate for an event:
// kind:pubkey for replaceable kinds, kind:pubkey:d-tag for addressable
// kinds, and the event ID for everything else.
func (e *Event) Coordinate() string {
	if !IsReplaceable(e.Kind) {
		return e.ID
	}
	coord := itoa(e.Kind) + ":" + e.PubKey
	if e.Kind >= 30000 && e.Kind < 40000 {
		coord += ":" + e.TagValue("d")
	}
	return coord
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [12]byte
	i := len(buf)
	neg := n < 0
	if neg {
		n = -n
	}
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Filter represents a Nostr subscription filter (NIP-01)
type Filter struct {
	IDs     []string
	Authors []string
	Kinds   []int
	Limit   int
	Since   *int64
	Until   *int64
	ETags   []string // #e tag filter (referenced events)
	PTags   []string // #p tag filter (mentions)
	DTags   []string // #d tag filter (addressable events)
	Search  string   // NIP-50 search query
}

// ToWire converts the filter to the NIP-01 JSON object sent inside a REQ.
func (f Filter) ToWire() map[string]interface{} {
	wire := map[string]interface{}{}
	if len(f.IDs) > 0 {
		wire["ids"] = f.IDs
	}
	if len(f.Authors) > 0 {
		wire["authors"] = f.Authors
	}
	if len(f.Kinds) > 0 {
		wire["kinds"] = f.Kinds
	}
	if f.Limit > 0 {
		wire["limit"] = f.Limit
	}
	if f.Since != nil {
		wire["since"] = *f.Since
	}
	if f.Until != nil {
		wire["until"] = *f.Until
	}
	if len(f.ETags) > 0 {
		wire["#e"] = f.ETags
	}
	if len(f.PTags) > 0 {
		wire["#p"] = f.PTags
	}
	if len(f.DTags) > 0 {
		wire["#d"] = f.DTags
	}
	if f.Search != "" {
		wire["search"] = f.Search
	}
	return wire
}

// Matches reports whether an event satisfies the filter. Used by the live
// subscription manager to guard against relays that ignore filters.
func (f Filter) Matches(evt *Event) bool {
	if len(f.IDs) > 0 && !containsString(f.IDs, evt.ID) {
		return false
	}
	if len(f.Authors) > 0 && !containsString(f.Authors, evt.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, evt.Kind) {
		return false
	}
	if f.Since != nil && evt.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && evt.CreatedAt > *f.Until {
		return false
	}
	if len(f.ETags) > 0 && !containsString(f.ETags, evt.TagValue("e")) {
		return false
	}
	if len(f.PTags) > 0 && !containsString(f.PTags, evt.TagValue("p")) {
		return false
	}
	if len(f.DTags) > 0 && !containsString(f.DTags, evt.TagValue("d")) {
		return false
	}
	return true
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func containsInt(list []int, v int) bool {
	for _, n := range list {
		if n == v {
			return true
		}
	}
	return false
}

// NostrMessage represents a raw Nostr protocol message
type NostrMessage []interface{}
