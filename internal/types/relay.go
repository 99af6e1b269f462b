package types

// RelayList represents a user's NIP-65 relay list
type RelayList struct {
	Read  []string `json:"read"`
	Write []string `json:"write"`

	// CreatedAt is the timestamp of the kind-10002 event the list was
	// parsed from. Zero for synthesized fallback lists so any observed
	// record replaces them.
	CreatedAt int64 `json:"created_at,omitempty"`
}

// ParseRelayList extracts read/write relay sets from a kind-10002 event's
// "r" tags. A tag with no marker counts for both sides.
func ParseRelayList(evt *Event) *RelayList {
	if evt == nil || evt.Kind != KindRelayList {
		return nil
	}
	list := &RelayList{CreatedAt: evt.CreatedAt}
	for _, tag := range evt.Tags {
		if len(tag) < 2 || tag[0] != "r" {
			continue
		}
		url := NormalizeRelayURL(tag[1])
		if url == "" {
			continue
		}
		marker := ""
		if len(tag) >= 3 {
			marker = tag[2]
		}
		switch marker {
		case "read":
			list.Read = append(list.Read, url)
		case "write":
			list.Write = append(list.Write, url)
		default:
			list.Read = append(list.Read, url)
			list.Write = append(list.Write, url)
		}
	}
	return list
}

// NormalizeRelayURL strips trailing slashes and rejects anything that is
// not a ws:// or wss:// URL.
func NormalizeRelayURL(raw string) string {
	if len(raw) == 0 {
		return ""
	}
	if !hasPrefixFold(raw, "ws://") && !hasPrefixFold(raw, "wss://") {
		return ""
	}
	for len(raw) > 0 && raw[len(raw)-1] == '/' {
		raw = raw[:len(raw)-1]
	}
	return raw
}

func hasPrefixFold(s, prefix string) bool {
	if len(s) < len(prefix) {
		return false
	}
	for i := 0; i < len(prefix); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		if c != prefix[i] {
			return false
		}
	}
	return true
}

// RelayInfo is the NIP-11 capability document for a relay, plus fetch
// metadata recorded by the directory service.
type RelayInfo struct {
	URL           string           `json:"url"`
	Name          string           `json:"name,omitempty"`
	Description   string           `json:"description,omitempty"`
	Contact       string           `json:"contact,omitempty"`
	SupportedNIPs []int            `json:"supported_nips,omitempty"`
	Software      string           `json:"software,omitempty"`
	Version       string           `json:"version,omitempty"`
	Limitation    *RelayLimitation `json:"limitation,omitempty"`

	// Unreachable marks a synthetic document produced when the fetch
	// failed and no cached document existed. FetchError carries the
	// failure reason for logging and health scoring.
	Unreachable bool   `json:"unreachable,omitempty"`
	FetchError  string `json:"fetch_error,omitempty"`

	// ResponseTimeMs is the observed fetch latency, an input to the
	// quality score.
	ResponseTimeMs int64 `json:"response_time_ms,omitempty"`
}

// RelayLimitation is the NIP-11 limitation sub-document.
type RelayLimitation struct {
	AuthRequired     bool `json:"auth_required,omitempty"`
	PaymentRequired  bool `json:"payment_required,omitempty"`
	RestrictedWrites bool `json:"restricted_writes,omitempty"`
}
