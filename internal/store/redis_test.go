package store

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func testRedis(t *testing.T) *RedisBackend {
	t.Helper()
	mr := miniredis.RunT(t)
	b, err := OpenRedis("redis://"+mr.Addr(), "relaymesh:")
	if err != nil {
		t.Fatalf("OpenRedis: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestRedisRoundtrip(t *testing.T) {
	b := testRedis(t)
	ctx := context.Background()

	if err := b.Set(ctx, "k1", []byte("v1")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	data, found, err := b.Get(ctx, "k1")
	if err != nil || !found {
		t.Fatalf("Get: found=%v err=%v", found, err)
	}
	if string(data) != "v1" {
		t.Errorf("value = %q", data)
	}

	if err := b.Delete(ctx, "k1"); err != nil {
		t.Fatal(err)
	}
	if _, found, _ := b.Get(ctx, "k1"); found {
		t.Error("deleted key still present")
	}
}

func TestRedisGetMultiple(t *testing.T) {
	b := testRedis(t)
	ctx := context.Background()

	if err := b.Set(ctx, "a", []byte("1")); err != nil {
		t.Fatal(err)
	}
	if err := b.Set(ctx, "b", []byte("2")); err != nil {
		t.Fatal(err)
	}

	got, err := b.GetMultiple(ctx, []string{"a", "b", "c"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || string(got["a"]) != "1" || string(got["b"]) != "2" {
		t.Errorf("GetMultiple = %v", got)
	}
}

func TestRedisIterateStaysInNamespace(t *testing.T) {
	mr := miniredis.RunT(t)
	b, err := OpenRedis("redis://"+mr.Addr(), "relaymesh:")
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	ctx := context.Background()

	if err := b.Set(ctx, "events:a", []byte("1")); err != nil {
		t.Fatal(err)
	}
	// A foreign key in the same Redis must not leak into iteration.
	mr.Set("other:events:b", "2")

	var keys []string
	err = b.Iterate(ctx, "events:", func(key string, value []byte) error {
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys[0] != "events:a" {
		t.Errorf("iterated keys = %v", keys)
	}
}
