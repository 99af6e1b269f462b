package loader

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestBatcherCoalesces(t *testing.T) {
	var (
		mu      sync.Mutex
		batches [][]string
	)
	b := NewBatcher("test", 30*time.Millisecond, 100, func(ctx context.Context, keys []string) (map[string]string, error) {
		mu.Lock()
		batches = append(batches, keys)
		mu.Unlock()
		out := make(map[string]string, len(keys))
		for _, k := range keys {
			out[k] = "v-" + k
		}
		return out, nil
	})

	ctx := context.Background()
	var wg sync.WaitGroup
	results := make([]string, 6)
	for i, key := range []string{"a", "b", "c", "a", "b", "a"} {
		wg.Add(1)
		go func(i int, key string) {
			defer wg.Done()
			v, found, err := b.Load(ctx, key)
			if err != nil || !found {
				t.Errorf("Load(%s): found=%v err=%v", key, found, err)
				return
			}
			results[i] = v
		}(i, key)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(batches) != 1 {
		t.Fatalf("batches = %d, want 1", len(batches))
	}
	sort.Strings(batches[0])
	if len(batches[0]) != 3 {
		t.Errorf("batch keys = %v, want 3 distinct", batches[0])
	}
	for i, key := range []string{"a", "b", "c", "a", "b", "a"} {
		if results[i] != "v-"+key {
			t.Errorf("result[%d] = %q, want %q", i, results[i], "v-"+key)
		}
	}
}

func TestBatcherMaxBatchSplits(t *testing.T) {
	var fetches atomic.Int32
	b := NewBatcher("test", time.Hour, 2, func(ctx context.Context, keys []string) (map[string]string, error) {
		fetches.Add(1)
		out := make(map[string]string, len(keys))
		for _, k := range keys {
			out[k] = k
		}
		return out, nil
	})

	ctx := context.Background()
	var wg sync.WaitGroup
	for _, key := range []string{"a", "b"} {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			if _, found, err := b.Load(ctx, key); err != nil || !found {
				t.Errorf("Load(%s) failed: %v", key, err)
			}
		}(key)
	}
	wg.Wait()

	// The window is an hour; only the size cap can have fired.
	if got := fetches.Load(); got != 1 {
		t.Errorf("fetches = %d, want 1 full batch", got)
	}
}

func TestBatcherMemoizesResults(t *testing.T) {
	var fetches atomic.Int32
	b := NewBatcher("test", time.Millisecond, 10, func(ctx context.Context, keys []string) (map[string]string, error) {
		fetches.Add(1)
		return map[string]string{"k": "v"}, nil
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		v, found, err := b.Load(ctx, "k")
		if err != nil || !found || v != "v" {
			t.Fatalf("Load #%d: v=%q found=%v err=%v", i, v, found, err)
		}
	}
	if got := fetches.Load(); got != 1 {
		t.Errorf("fetches = %d, want memo to absorb repeats", got)
	}

	b.Invalidate("k")
	if _, _, err := b.Load(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if got := fetches.Load(); got != 2 {
		t.Errorf("fetches = %d, want refetch after Invalidate", got)
	}

	b.InvalidateAll()
	if _, _, err := b.Load(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if got := fetches.Load(); got != 3 {
		t.Errorf("fetches = %d, want refetch after InvalidateAll", got)
	}
}

func TestBatcherMissingKey(t *testing.T) {
	b := NewBatcher("test", time.Millisecond, 10, func(ctx context.Context, keys []string) (map[string]string, error) {
		return map[string]string{}, nil
	})

	_, found, err := b.Load(context.Background(), "ghost")
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Error("missing key reported as found")
	}
}

func TestBatcherErrorReachesAllWaiters(t *testing.T) {
	boom := errors.New("boom")
	b := NewBatcher("test", 20*time.Millisecond, 10, func(ctx context.Context, keys []string) (map[string]string, error) {
		return nil, boom
	})

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := b.Load(ctx, "k"); !errors.Is(err, boom) {
				t.Errorf("err = %v, want fetch error", err)
			}
		}()
	}
	wg.Wait()
}

func TestBatcherCallerCancellation(t *testing.T) {
	release := make(chan struct{})
	b := NewBatcher("test", time.Millisecond, 10, func(ctx context.Context, keys []string) (map[string]string, error) {
		<-release
		return map[string]string{"k": "v"}, nil
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, _, err := b.Load(ctx, "k")
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Load did not return after cancellation")
	}
}
