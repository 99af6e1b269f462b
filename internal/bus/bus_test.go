package bus

import (
	"testing"
	"time"

	"relaymesh/internal/types"
)

func TestSubscribeFiltersByKind(t *testing.T) {
	b := New()
	profiles, cancel := b.Subscribe(types.KindProfile)
	defer cancel()

	b.Publish(types.Event{ID: "n1", Kind: types.KindNote})
	b.Publish(types.Event{ID: "p1", Kind: types.KindProfile})

	select {
	case evt := <-profiles:
		if evt.ID != "p1" {
			t.Errorf("received %s, want p1", evt.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
	select {
	case evt := <-profiles:
		t.Errorf("unexpected event %s", evt.ID)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSubscribeAllKinds(t *testing.T) {
	b := New()
	all, cancel := b.Subscribe()
	defer cancel()

	b.Publish(types.Event{ID: "n1", Kind: types.KindNote})
	b.Publish(types.Event{ID: "p1", Kind: types.KindProfile})

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case evt := <-all:
			got[evt.ID] = true
		case <-time.After(time.Second):
			t.Fatal("missing event")
		}
	}
	if !got["n1"] || !got["p1"] {
		t.Errorf("received = %v", got)
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe(types.KindNote)
	cancel()

	// Publishing after cancel must not panic or deliver.
	b.Publish(types.Event{ID: "n1", Kind: types.KindNote})
	select {
	case evt, ok := <-ch:
		if ok {
			t.Errorf("received %s after cancel", evt.ID)
		}
	case <-time.After(20 * time.Millisecond):
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	b := New()
	_, cancel := b.Subscribe(types.KindNote)
	defer cancel()

	// Nobody is draining; overflow must drop rather than block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			b.Publish(types.Event{ID: "x", Kind: types.KindNote})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
}
