package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cockroachdb/pebble"
)

// PebbleBackend implements Backend on a local Pebble database. This is the
// default durable backend: the cache survives restarts and offline runs.
type PebbleBackend struct {
	db *pebble.DB
}

// OpenPebble opens (or creates) a Pebble database at the given path.
func OpenPebble(path string) (*PebbleBackend, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", path, err)
	}
	slog.Info("pebble store opened", "path", path)
	return &PebbleBackend{db: db}, nil
}

func (p *PebbleBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, closer, err := p.db.Get([]byte(key))
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	cp := make([]byte, len(val))
	copy(cp, val)
	if err := closer.Close(); err != nil {
		return nil, false, err
	}
	return cp, true, nil
}

func (p *PebbleBackend) Set(ctx context.Context, key string, value []byte) error {
	return p.db.Set([]byte(key), value, pebble.NoSync)
}

func (p *PebbleBackend) Delete(ctx context.Context, key string) error {
	return p.db.Delete([]byte(key), pebble.NoSync)
}

func (p *PebbleBackend) GetMultiple(ctx context.Context, keys []string) (map[string][]byte, error) {
	result := make(map[string][]byte, len(keys))
	for _, key := range keys {
		val, found, err := p.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if found {
			result[key] = val
		}
	}
	return result, nil
}

func (p *PebbleBackend) Iterate(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	lower := []byte(prefix)
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: prefixUpperBound(lower),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		key := string(iter.Key())
		val := make([]byte, len(iter.Value()))
		copy(val, iter.Value())
		if err := fn(key, val); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (p *PebbleBackend) Close() error {
	return p.db.Close()
}

// prefixUpperBound returns the smallest key greater than every key with
// the given prefix, or nil when the prefix is all 0xff bytes.
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xff {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}
