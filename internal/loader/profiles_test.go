package loader

import (
	"context"
	"errors"
	"testing"
	"time"

	"relaymesh/internal/config"
	"relaymesh/internal/relay"
	"relaymesh/internal/store"
	"relaymesh/internal/types"
)

type fakePool struct {
	events  []types.Event
	stats   relay.QueryStats
	queries int
}

func (f *fakePool) Query(ctx context.Context, relays []string, filter types.Filter, timeout time.Duration) ([]types.Event, relay.QueryStats) {
	f.queries++
	return f.events, f.stats
}

type fakeSelector struct{}

func (fakeSelector) ForProfile(ctx context.Context, pubkey string) []string {
	return []string{"wss://relay.example.com"}
}

func testProfiles(t *testing.T, pool *fakePool, profileTTL time.Duration) (*Profiles, *store.Store) {
	t.Helper()
	cfg := config.Default()
	cfg.BatchWindow = config.Duration(5 * time.Millisecond)
	st := store.New(store.NewMemoryBackend(), []store.BucketSpec{
		{Name: store.BucketProfiles, TTL: profileTTL, Replaceable: true},
		{Name: store.BucketProfileIndex, TTL: profileTTL, Replaceable: true},
	}, time.Minute)
	t.Cleanup(func() { st.Close() })
	return NewProfiles(st, pool, fakeSelector{}, cfg), st
}

func profileEvent(pubkey string, createdAt int64, name string) types.Event {
	return types.Event{
		ID:        "evt-" + pubkey + "-" + name,
		PubKey:    pubkey,
		Kind:      types.KindProfile,
		CreatedAt: createdAt,
		Content:   `{"name":"` + name + `"}`,
	}
}

func TestGetFetchesAndCaches(t *testing.T) {
	pool := &fakePool{
		events: []types.Event{profileEvent("pk1", 100, "alice")},
		stats:  relay.QueryStats{Attempted: 1, Succeeded: 1},
	}
	p, _ := testProfiles(t, pool, time.Hour)
	ctx := context.Background()

	got, err := p.Get(ctx, "pk1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "alice" {
		t.Errorf("profile = %+v", got)
	}

	// Second lookup served from the cache.
	if _, err := p.Get(ctx, "pk1"); err != nil {
		t.Fatal(err)
	}
	if pool.queries != 1 {
		t.Errorf("queries = %d, want 1", pool.queries)
	}
}

func TestGetNotFoundTombstones(t *testing.T) {
	pool := &fakePool{stats: relay.QueryStats{Attempted: 1, Succeeded: 1}}
	p, _ := testProfiles(t, pool, time.Hour)
	ctx := context.Background()

	if _, err := p.Get(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if _, err := p.Get(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second err = %v", err)
	}
	if pool.queries != 1 {
		t.Errorf("queries = %d, want tombstone to absorb the second lookup", pool.queries)
	}
}

func TestGetExhaustedServesStale(t *testing.T) {
	pool := &fakePool{
		events: []types.Event{profileEvent("pk1", 100, "alice")},
		stats:  relay.QueryStats{Attempted: 1, Succeeded: 1},
	}
	p, _ := testProfiles(t, pool, time.Nanosecond)
	ctx := context.Background()

	// Populate the cache, then let it go stale. The batch memo is
	// cleared so the lookup reaches the network path.
	if _, err := p.Get(ctx, "pk1"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * time.Second)
	p.batcher.Invalidate("pk1")

	// Network is now down: the stale copy is better than nothing.
	pool.events = nil
	pool.stats = relay.QueryStats{Attempted: 1, Failed: 1}

	got, err := p.Get(ctx, "pk1")
	if err != nil {
		t.Fatalf("err = %v, want stale fallback", err)
	}
	if got.Name != "alice" {
		t.Errorf("stale profile = %+v", got)
	}
}

func TestGetExhaustedNoCacheFails(t *testing.T) {
	pool := &fakePool{stats: relay.QueryStats{Attempted: 2, Failed: 2}}
	p, _ := testProfiles(t, pool, time.Hour)

	if _, err := p.Get(context.Background(), "pk1"); !errors.Is(err, ErrExhausted) {
		t.Errorf("err = %v, want ErrExhausted", err)
	}
}

func TestGetManySkipsFailures(t *testing.T) {
	pool := &fakePool{
		events: []types.Event{profileEvent("pk1", 100, "alice")},
		stats:  relay.QueryStats{Attempted: 1, Succeeded: 1},
	}
	p, _ := testProfiles(t, pool, time.Hour)

	got := p.GetMany(context.Background(), []string{"pk1", "ghost"})
	if len(got) != 1 {
		t.Fatalf("results = %v", got)
	}
	if got["pk1"].Name != "alice" {
		t.Errorf("pk1 = %+v", got["pk1"])
	}
}

func TestInvalidateForcesRefetch(t *testing.T) {
	pool := &fakePool{
		events: []types.Event{profileEvent("pk1", 100, "alice")},
		stats:  relay.QueryStats{Attempted: 1, Succeeded: 1},
	}
	p, _ := testProfiles(t, pool, time.Hour)
	ctx := context.Background()

	if _, err := p.Get(ctx, "pk1"); err != nil {
		t.Fatal(err)
	}
	if err := p.Invalidate(ctx, "pk1"); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Get(ctx, "pk1"); err != nil {
		t.Fatal(err)
	}
	if pool.queries != 2 {
		t.Errorf("queries = %d, want 2 after invalidation", pool.queries)
	}
}

func TestIngestObservedNewestWins(t *testing.T) {
	pool := &fakePool{}
	p, _ := testProfiles(t, pool, time.Hour)
	ctx := context.Background()

	p.IngestObserved(ctx, profileEvent("pk1", 200, "new"))
	p.IngestObserved(ctx, profileEvent("pk1", 100, "old"))

	got, err := p.Get(ctx, "pk1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "new" {
		t.Errorf("profile = %+v, want newest kept", got)
	}
	if pool.queries != 0 {
		t.Errorf("ingested profile should satisfy lookups, queries = %d", pool.queries)
	}
}

func TestSearchLocal(t *testing.T) {
	pool := &fakePool{}
	p, _ := testProfiles(t, pool, time.Hour)
	ctx := context.Background()

	p.IngestObserved(ctx, profileEvent("pk1", 100, "Alice Wonder"))
	p.IngestObserved(ctx, profileEvent("pk2", 100, "Bob Builder"))

	got, err := p.SearchLocal(ctx, "alice", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Name != "Alice Wonder" {
		t.Errorf("search results = %+v", got)
	}

	if got, _ := p.SearchLocal(ctx, "  ", 10); got != nil {
		t.Errorf("blank query returned %v", got)
	}
}
