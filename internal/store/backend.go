// Package store implements the local persistent store: named buckets of
// JSON envelopes with per-bucket TTLs evaluated at read time, newest-wins
// semantics for replaceable records, and a background sweeper that deletes
// physically expired records.
package store

import "context"

// Backend is the raw key-value layer beneath the envelope logic. TTLs are
// deliberately not part of this interface: staleness is decided at read
// time from the envelope's storedAt, and physical deletion happens in the
// sweeper, so every backend keeps records until told otherwise.
type Backend interface {
	// Get retrieves a value. Returns (value, found, error).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores a value, overwriting any existing one.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes a value. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// GetMultiple retrieves multiple values, returning only found keys.
	GetMultiple(ctx context.Context, keys []string) (map[string][]byte, error)

	// Iterate calls fn for every key with the given prefix. Returning an
	// error from fn stops the iteration and is returned as-is.
	Iterate(ctx context.Context, prefix string, fn func(key string, value []byte) error) error

	// Close releases backend resources.
	Close() error
}
