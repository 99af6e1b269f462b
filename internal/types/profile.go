package types

import "encoding/json"

// ProfileInfo contains user profile metadata (kind 0)
type ProfileInfo struct {
	PubKey      string `json:"pubkey,omitempty"`
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Picture     string `json:"picture,omitempty"`
	Nip05       string `json:"nip05,omitempty"`
	About       string `json:"about,omitempty"`
	Banner      string `json:"banner,omitempty"`
	Website     string `json:"website,omitempty"`

	// CreatedAt is the timestamp of the kind-0 event the profile was
	// parsed from, used for newest-wins comparisons.
	CreatedAt int64 `json:"created_at,omitempty"`
}

// ParseProfile decodes a kind-0 event's content into a ProfileInfo.
// Returns nil when the event is not a profile or the content is malformed.
func ParseProfile(evt *Event) *ProfileInfo {
	if evt == nil || evt.Kind != KindProfile {
		return nil
	}
	var p ProfileInfo
	if err := json.Unmarshal([]byte(evt.Content), &p); err != nil {
		return nil
	}
	p.PubKey = evt.PubKey
	p.CreatedAt = evt.CreatedAt
	return &p
}
