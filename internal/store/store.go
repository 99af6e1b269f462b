package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Bucket names used by the services. Each bucket has its own TTL.
const (
	BucketProfiles     = "profiles"
	BucketEvents       = "events"
	BucketRelayLists   = "relaylists"
	BucketRelayInfo    = "relayinfo"
	BucketProfileIndex = "profile_index"
)

// BucketSpec describes one named bucket.
type BucketSpec struct {
	Name string
	// TTL after which records read as absent. Physical deletion happens
	// in the sweeper.
	TTL time.Duration
	// Replaceable buckets apply newest-wins on Put: an incoming record
	// whose CreatedAt is older than or equal to the stored one is
	// silently discarded.
	Replaceable bool
}

// Record is the envelope persisted for every entry.
type Record struct {
	Key      string `json:"key"`
	StoredAt int64  `json:"stored_at"`
	// CreatedAt is the record's own timestamp (event created_at), used
	// for newest-wins comparisons in replaceable buckets.
	CreatedAt int64 `json:"created_at,omitempty"`
	// NotFound marks a tombstone: the key was looked up on the network
	// and nothing existed. Tombstones expire on their own short TTL.
	NotFound bool            `json:"not_found,omitempty"`
	Value    json.RawMessage `json:"value,omitempty"`
}

// Unmarshal decodes the record's value into out.
func (r Record) Unmarshal(out interface{}) error {
	return json.Unmarshal(r.Value, out)
}

// Store layers envelopes, TTLs, and newest-wins over a Backend.
type Store struct {
	backend     Backend
	buckets     map[string]BucketSpec
	notFoundTTL time.Duration

	// putMu serializes replaceable writes so the newest-wins check and
	// the set it guards are atomic under concurrent Puts.
	putMu sync.Mutex
}

// New creates a store over the given backend. Unknown bucket names passed
// to Get/Put are an error, which catches typos early.
func New(backend Backend, specs []BucketSpec, notFoundTTL time.Duration) *Store {
	buckets := make(map[string]BucketSpec, len(specs))
	for _, spec := range specs {
		buckets[spec.Name] = spec
	}
	return &Store{backend: backend, buckets: buckets, notFoundTTL: notFoundTTL}
}

// Backend exposes the raw layer for tests and the sweeper.
func (s *Store) Backend() Backend { return s.backend }

// Buckets returns the configured bucket specs.
func (s *Store) Buckets() []BucketSpec {
	specs := make([]BucketSpec, 0, len(s.buckets))
	for _, spec := range s.buckets {
		specs = append(specs, spec)
	}
	return specs
}

func (s *Store) spec(bucket string) (BucketSpec, error) {
	spec, ok := s.buckets[bucket]
	if !ok {
		return BucketSpec{}, fmt.Errorf("unknown store bucket %q", bucket)
	}
	return spec, nil
}

func storeKey(bucket, key string) string {
	return bucket + ":" + key
}

// Put stores a value. createdAt is the record's own timestamp; pass 0 for
// non-replaceable data. For replaceable buckets an older-or-equal record
// is silently discarded so last-write-wins holds regardless of arrival
// order.
func (s *Store) Put(ctx context.Context, bucket, key string, v interface{}, createdAt int64) error {
	spec, err := s.spec(bucket)
	if err != nil {
		return err
	}

	if spec.Replaceable {
		s.putMu.Lock()
		defer s.putMu.Unlock()
		existing, found, err := s.record(ctx, bucket, key)
		if err != nil {
			return err
		}
		if found && !existing.NotFound && existing.CreatedAt >= createdAt {
			return nil
		}
	}

	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", bucket, key, err)
	}
	rec := Record{
		Key:       key,
		StoredAt:  time.Now().Unix(),
		CreatedAt: createdAt,
		Value:     value,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.backend.Set(ctx, storeKey(bucket, key), data)
}

// PutNotFound stores a tombstone for a key that the network reported as
// absent, so repeated lookups don't re-query relays.
func (s *Store) PutNotFound(ctx context.Context, bucket, key string) error {
	if _, err := s.spec(bucket); err != nil {
		return err
	}
	rec := Record{
		Key:      key,
		StoredAt: time.Now().Unix(),
		NotFound: true,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.backend.Set(ctx, storeKey(bucket, key), data)
}

// record reads the raw envelope without staleness evaluation.
func (s *Store) record(ctx context.Context, bucket, key string) (Record, bool, error) {
	data, found, err := s.backend.Get(ctx, storeKey(bucket, key))
	if err != nil || !found {
		return Record{}, false, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		// A corrupt envelope is treated as absent; the sweeper or the
		// next Put repairs it.
		return Record{}, false, nil
	}
	return rec, true, nil
}

func (s *Store) fresh(rec Record, spec BucketSpec) bool {
	ttl := spec.TTL
	if rec.NotFound {
		ttl = s.notFoundTTL
	}
	if ttl <= 0 {
		return true
	}
	return time.Since(time.Unix(rec.StoredAt, 0)) <= ttl
}

// Get unmarshals a fresh record into out. Returns (found, notFound, err):
// found=false when the key is missing or stale, notFound=true when a
// fresh tombstone says the key is known to not exist.
func (s *Store) Get(ctx context.Context, bucket, key string, out interface{}) (bool, bool, error) {
	spec, err := s.spec(bucket)
	if err != nil {
		return false, false, err
	}

	rec, found, err := s.record(ctx, bucket, key)
	if err != nil || !found {
		return false, false, err
	}
	if !s.fresh(rec, spec) {
		return false, false, nil
	}
	if rec.NotFound {
		return false, true, nil
	}
	if out != nil {
		if err := json.Unmarshal(rec.Value, out); err != nil {
			return false, false, nil
		}
	}
	return true, false, nil
}

// GetStale unmarshals a record into out ignoring freshness. Used as a
// last resort when the network is unreachable: stale data beats none.
func (s *Store) GetStale(ctx context.Context, bucket, key string, out interface{}) (bool, error) {
	if _, err := s.spec(bucket); err != nil {
		return false, err
	}
	rec, found, err := s.record(ctx, bucket, key)
	if err != nil || !found || rec.NotFound {
		return false, err
	}
	if out != nil {
		if err := json.Unmarshal(rec.Value, out); err != nil {
			return false, nil
		}
	}
	return true, nil
}

// GetMultiple returns fresh records for the requested keys. Keys with a
// fresh tombstone appear in notFound; everything else missing or stale
// appears in missing.
func (s *Store) GetMultiple(ctx context.Context, bucket string, keys []string) (found map[string]Record, notFound []string, missing []string, err error) {
	spec, err := s.spec(bucket)
	if err != nil {
		return nil, nil, nil, err
	}

	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = storeKey(bucket, k)
	}
	raw, err := s.backend.GetMultiple(ctx, prefixed)
	if err != nil {
		return nil, nil, keys, err
	}

	found = make(map[string]Record)
	for i, key := range keys {
		data, ok := raw[prefixed[i]]
		if !ok {
			missing = append(missing, key)
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil || !s.fresh(rec, spec) {
			missing = append(missing, key)
			continue
		}
		if rec.NotFound {
			notFound = append(notFound, key)
			continue
		}
		found[key] = rec
	}
	return found, notFound, missing, nil
}

// Delete removes a record.
func (s *Store) Delete(ctx context.Context, bucket, key string) error {
	if _, err := s.spec(bucket); err != nil {
		return err
	}
	return s.backend.Delete(ctx, storeKey(bucket, key))
}

// Iterate calls fn for every fresh record in the bucket.
func (s *Store) Iterate(ctx context.Context, bucket string, fn func(key string, rec Record) error) error {
	spec, err := s.spec(bucket)
	if err != nil {
		return err
	}
	prefix := bucket + ":"
	return s.backend.Iterate(ctx, prefix, func(key string, value []byte) error {
		var rec Record
		if err := json.Unmarshal(value, &rec); err != nil {
			return nil
		}
		if !s.fresh(rec, spec) || rec.NotFound {
			return nil
		}
		return fn(key[len(prefix):], rec)
	})
}

// SweepExpired physically deletes every stale record in the bucket and
// returns the number deleted.
func (s *Store) SweepExpired(ctx context.Context, bucket string) (int, error) {
	spec, err := s.spec(bucket)
	if err != nil {
		return 0, err
	}

	var stale []string
	prefix := bucket + ":"
	err = s.backend.Iterate(ctx, prefix, func(key string, value []byte) error {
		var rec Record
		if err := json.Unmarshal(value, &rec); err != nil {
			// Unreadable envelopes are swept too.
			stale = append(stale, key)
			return nil
		}
		if !s.fresh(rec, spec) {
			stale = append(stale, key)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, key := range stale {
		if err := s.backend.Delete(ctx, key); err != nil {
			return len(stale), err
		}
	}
	return len(stale), nil
}

// Close closes the underlying backend.
func (s *Store) Close() error {
	return s.backend.Close()
}
