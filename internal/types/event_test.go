package types

import (
	"reflect"
	"testing"
)

func TestIsReplaceable(t *testing.T) {
	cases := []struct {
		kind int
		want bool
	}{
		{KindProfile, true},
		{KindContacts, true},
		{KindNote, false},
		{KindRelayList, true},
		{10000, true},
		{19999, true},
		{20000, false},
		{30023, true},
		{39999, true},
		{40000, false},
		{7, false},
	}
	for _, tc := range cases {
		if got := IsReplaceable(tc.kind); got != tc.want {
			t.Errorf("IsReplaceable(%d) = %v, want %v", tc.kind, got, tc.want)
		}
	}
}

func TestCoordinate(t *testing.T) {
	note := &Event{ID: "abc", Kind: KindNote, PubKey: "pk"}
	if got := note.Coordinate(); got != "abc" {
		t.Errorf("note coordinate = %q, want event ID", got)
	}

	profile := &Event{ID: "abc", Kind: KindProfile, PubKey: "pk"}
	if got := profile.Coordinate(); got != "0:pk" {
		t.Errorf("profile coordinate = %q, want 0:pk", got)
	}

	addr := &Event{ID: "abc", Kind: 30023, PubKey: "pk", Tags: [][]string{{"d", "my-article"}}}
	if got := addr.Coordinate(); got != "30023:pk:my-article" {
		t.Errorf("addressable coordinate = %q", got)
	}
}

func TestFilterMatches(t *testing.T) {
	since := int64(100)
	until := int64(200)
	evt := &Event{
		ID:        "id1",
		PubKey:    "author1",
		Kind:      KindNote,
		CreatedAt: 150,
		Tags:      [][]string{{"e", "root1"}, {"p", "mention1"}},
	}

	cases := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"empty matches all", Filter{}, true},
		{"author match", Filter{Authors: []string{"author1"}}, true},
		{"author mismatch", Filter{Authors: []string{"other"}}, false},
		{"kind match", Filter{Kinds: []int{KindNote}}, true},
		{"kind mismatch", Filter{Kinds: []int{KindProfile}}, false},
		{"id match", Filter{IDs: []string{"id1"}}, true},
		{"time window", Filter{Since: &since, Until: &until}, true},
		{"before since", Filter{Since: &until}, false},
		{"e tag match", Filter{ETags: []string{"root1"}}, true},
		{"e tag mismatch", Filter{ETags: []string{"other"}}, false},
		{"p tag match", Filter{PTags: []string{"mention1"}}, true},
	}
	for _, tc := range cases {
		if got := tc.filter.Matches(evt); got != tc.want {
			t.Errorf("%s: Matches = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestFilterToWire(t *testing.T) {
	since := int64(42)
	f := Filter{
		Authors: []string{"a"},
		Kinds:   []int{1},
		Limit:   10,
		Since:   &since,
		ETags:   []string{"e1"},
		Search:  "hello",
	}
	wire := f.ToWire()

	if !reflect.DeepEqual(wire["authors"], []string{"a"}) {
		t.Errorf("authors = %v", wire["authors"])
	}
	if wire["limit"] != 10 {
		t.Errorf("limit = %v", wire["limit"])
	}
	if wire["since"] != int64(42) {
		t.Errorf("since = %v", wire["since"])
	}
	if !reflect.DeepEqual(wire["#e"], []string{"e1"}) {
		t.Errorf("#e = %v", wire["#e"])
	}
	if wire["search"] != "hello" {
		t.Errorf("search = %v", wire["search"])
	}
	if _, present := wire["until"]; present {
		t.Error("until should be omitted when nil")
	}
	if _, present := wire["ids"]; present {
		t.Error("ids should be omitted when empty")
	}
}

func TestParseProfile(t *testing.T) {
	evt := &Event{
		Kind:      KindProfile,
		PubKey:    "pk1",
		CreatedAt: 123,
		Content:   `{"name":"alice","display_name":"Alice","nip05":"alice@example.com"}`,
	}
	p := ParseProfile(evt)
	if p == nil {
		t.Fatal("ParseProfile returned nil")
	}
	if p.Name != "alice" || p.DisplayName != "Alice" || p.Nip05 != "alice@example.com" {
		t.Errorf("parsed profile = %+v", p)
	}
	if p.PubKey != "pk1" || p.CreatedAt != 123 {
		t.Errorf("metadata not carried over: %+v", p)
	}

	if ParseProfile(&Event{Kind: KindNote, Content: "{}"}) != nil {
		t.Error("non-profile event should parse to nil")
	}
	if ParseProfile(&Event{Kind: KindProfile, Content: "not json"}) != nil {
		t.Error("malformed content should parse to nil")
	}
}

func TestParseRelayList(t *testing.T) {
	evt := &Event{
		Kind:      KindRelayList,
		CreatedAt: 99,
		Tags: [][]string{
			{"r", "wss://both.example.com/"},
			{"r", "wss://read.example.com", "read"},
			{"r", "wss://write.example.com", "write"},
			{"r", "https://not-a-relay.example.com"},
			{"x", "wss://wrong-tag.example.com"},
		},
	}
	list := ParseRelayList(evt)
	if list == nil {
		t.Fatal("ParseRelayList returned nil")
	}
	wantRead := []string{"wss://both.example.com", "wss://read.example.com"}
	wantWrite := []string{"wss://both.example.com", "wss://write.example.com"}
	if !reflect.DeepEqual(list.Read, wantRead) {
		t.Errorf("read = %v, want %v", list.Read, wantRead)
	}
	if !reflect.DeepEqual(list.Write, wantWrite) {
		t.Errorf("write = %v, want %v", list.Write, wantWrite)
	}
	if list.CreatedAt != 99 {
		t.Errorf("created_at = %d", list.CreatedAt)
	}

	if ParseRelayList(&Event{Kind: KindNote}) != nil {
		t.Error("non-relay-list event should parse to nil")
	}
}

func TestNormalizeRelayURL(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"wss://relay.example.com", "wss://relay.example.com"},
		{"wss://relay.example.com/", "wss://relay.example.com"},
		{"wss://relay.example.com///", "wss://relay.example.com"},
		{"ws://local.test", "ws://local.test"},
		{"WSS://upper.example.com", "WSS://upper.example.com"},
		{"https://relay.example.com", ""},
		{"relay.example.com", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := NormalizeRelayURL(tc.in); got != tc.want {
			t.Errorf("NormalizeRelayURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
