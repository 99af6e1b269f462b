package store

import (
	"context"
	"testing"
)

func testPebble(t *testing.T) *PebbleBackend {
	t.Helper()
	b, err := OpenPebble(t.TempDir())
	if err != nil {
		t.Fatalf("OpenPebble: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestPebbleRoundtrip(t *testing.T) {
	b := testPebble(t)
	ctx := context.Background()

	if _, found, err := b.Get(ctx, "missing"); err != nil || found {
		t.Fatalf("missing key: found=%v err=%v", found, err)
	}

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
		t.Fatalf("Delete: %v", err)
	}
	if _, found, _ := b.Get(ctx, "k1"); found {
		t.Error("deleted key still present")
	}
}

func TestPebbleIteratePrefix(t *testing.T) {
	b := testPebble(t)
	ctx := context.Background()

	for _, kv := range [][2]string{
		{"events:a", "1"},
		{"events:b", "2"},
		{"profiles:a", "3"},
	} {
		if err := b.Set(ctx, kv[0], []byte(kv[1])); err != nil {
			t.Fatal(err)
		}
	}

	got := map[string]string{}
	err := b.Iterate(ctx, "events:", func(key string, value []byte) error {
		got[key] = string(value)
		return nil
	})
	if err != nil {
		t.Fatalf("Iterate: %v", err)
	}
	if len(got) != 2 || got["events:a"] != "1" || got["events:b"] != "2" {
		t.Errorf("iterated = %v", got)
	}
}

func TestPebbleGetMultiple(t *testing.T) {
	b := testPebble(t)
	ctx := context.Background()

	if err := b.Set(ctx, "k1", []byte("v1")); err != nil {
		t.Fatal(err)
	}
	got, err := b.GetMultiple(ctx, []string{"k1", "k2"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || string(got["k1"]) != "v1" {
		t.Errorf("GetMultiple = %v", got)
	}
}
