package relay

import (
	"reflect"
	"testing"
	"time"
)

func TestReliabilityScoring(t *testing.T) {
	h := newHealthTracker(30 * time.Second)

	h.recordSuccess("wss://r1", 100*time.Millisecond)
	h.mu.Lock()
	ep := h.get("wss://r1")
	h.mu.Unlock()
	if ep.Reliability != defaultReliable+successReward {
		t.Errorf("reliability after success = %d", ep.Reliability)
	}

	// Failures penalize harder with each consecutive failure, capped.
	h.recordFailure("wss://r1")
	if ep.Reliability != 55-10 {
		t.Errorf("after 1 failure = %d, want 45", ep.Reliability)
	}
	h.recordFailure("wss://r1")
	if ep.Reliability != 45-20 {
		t.Errorf("after 2 failures = %d, want 25", ep.Reliability)
	}
	h.recordFailure("wss://r1")
	// Third failure would be -30, which hits the streak cap exactly.
	if ep.Reliability != 0 {
		t.Errorf("after 3 failures = %d, want 0", ep.Reliability)
	}
	h.recordFailure("wss://r1")
	if ep.Reliability != 0 {
		t.Errorf("reliability went below floor: %d", ep.Reliability)
	}

	// A success resets the streak.
	h.recordSuccess("wss://r1", 50*time.Millisecond)
	if ep.FailureStreak != 0 {
		t.Errorf("streak not reset: %d", ep.FailureStreak)
	}
	h.recordFailure("wss://r1")
	if ep.FailureStreak != 1 {
		t.Errorf("streak after reset = %d, want 1", ep.FailureStreak)
	}
}

func TestReliabilityCeiling(t *testing.T) {
	h := newHealthTracker(time.Second)
	for i := 0; i < 20; i++ {
		h.recordSuccess("wss://r1", time.Millisecond)
	}
	h.mu.Lock()
	rel := h.get("wss://r1").Reliability
	h.mu.Unlock()
	if rel != scoreCeil {
		t.Errorf("reliability = %d, want capped at %d", rel, scoreCeil)
	}
}

func TestBackoffWindow(t *testing.T) {
	h := newHealthTracker(time.Hour)

	if h.inBackoff("wss://unknown") {
		t.Error("unknown relay should not be in backoff")
	}
	h.recordFailure("wss://r1")
	if !h.inBackoff("wss://r1") {
		t.Error("failed relay should be in backoff")
	}
	h.recordSuccess("wss://r1", time.Millisecond)
	if h.inBackoff("wss://r1") {
		t.Error("success should clear backoff")
	}
}

func TestSortByHealthStable(t *testing.T) {
	h := newHealthTracker(time.Second)

	h.setQuality("wss://good", 90)
	h.setQuality("wss://bad", 10)
	// "wss://mid1" and "wss://mid2" stay at the neutral default and must
	// keep their input order.
	urls := []string{"wss://mid1", "wss://bad", "wss://good", "wss://mid2"}
	got := h.sortByHealth(urls)
	want := []string{"wss://good", "wss://mid1", "wss://mid2", "wss://bad"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("sorted = %v, want %v", got, want)
	}

	// Input slice untouched.
	if urls[0] != "wss://mid1" {
		t.Error("sortByHealth mutated its input")
	}
}

func TestResponseTimeEMA(t *testing.T) {
	h := newHealthTracker(time.Second)

	h.recordSuccess("wss://r1", 1000*time.Millisecond)
	h.mu.Lock()
	first := h.get("wss://r1").AvgResponseMs
	h.mu.Unlock()
	if first != 1000 {
		t.Errorf("first sample avg = %d, want 1000", first)
	}

	h.recordSuccess("wss://r1", 100*time.Millisecond)
	h.mu.Lock()
	second := h.get("wss://r1").AvgResponseMs
	h.mu.Unlock()
	// 0.3*100 + 0.7*1000 = 730
	if second != 730 {
		t.Errorf("EMA after second sample = %d, want 730", second)
	}
}

func TestSeenIndex(t *testing.T) {
	s := newSeenIndex(2)

	s.record("id1", "wss://a")
	s.record("id1", "wss://b")
	s.record("id1", "wss://a")
	got := s.locations("id1")
	if !reflect.DeepEqual(got, []string{"wss://a", "wss://b"}) {
		t.Errorf("locations = %v", got)
	}

	// Capacity 2: recording a third ID evicts the oldest.
	s.record("id2", "wss://a")
	s.record("id3", "wss://a")
	if len(s.locations("id1")) != 0 {
		t.Error("oldest entry not evicted")
	}
	if len(s.locations("id3")) != 1 {
		t.Error("newest entry missing")
	}
}
