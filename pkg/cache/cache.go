// Package cache defines the metadata cache the communication layer
// depends on, and ships two implementations of it.
//
// The client caches perishable device metadata, most importantly
// NetworkInfo: connecting locally needs an IP, the IP is obtainable
// only via a cloud query, and devices change IP. The Store interface
// is the capability the host application supplies; it moves opaque
// bytes and fetch times, never interpreting either. Staleness policy
// (TTL) stays with the caller via Entry.
package cache

import (
	"encoding/json"
	"time"
)

// Store is the persistence capability required from the host
// application. Implementations must be safe for concurrent use by
// multiple devices.
type Store interface {
	// Get returns the stored bytes and fetch time for key.
	// ok is false when the key is absent.
	Get(key string) (value []byte, fetchedAt time.Time, ok bool)

	// Set stores value under key with its fetch time, replacing any
	// previous entry.
	Set(key string, value []byte, fetchedAt time.Time) error

	// Invalidate removes the entry for key. Removing an absent key is
	// not an error.
	Invalidate(key string) error
}

// Entry pairs a decoded cache value with the time it was fetched.
type Entry[T any] struct {
	Value     T
	FetchedAt time.Time
}

// Stale reports whether the entry is older than ttl.
func (e Entry[T]) Stale(ttl time.Duration) bool {
	return time.Since(e.FetchedAt) > ttl
}

// Age returns how long ago the entry was fetched.
func (e Entry[T]) Age() time.Duration {
	return time.Since(e.FetchedAt)
}

// Get decodes the JSON entry stored under key. ok is false when the
// key is absent or the stored bytes no longer decode into T; a
// corrupted entry behaves like a miss, never an error.
func Get[T any](s Store, key string) (Entry[T], bool) {
	data, fetchedAt, ok := s.Get(key)
	if !ok {
		return Entry[T]{}, false
	}
	var value T
	if err := json.Unmarshal(data, &value); err != nil {
		return Entry[T]{}, false
	}
	return Entry[T]{Value: value, FetchedAt: fetchedAt}, true
}

// Set encodes value as JSON and stores it under key.
func Set[T any](s Store, key string, value T, fetchedAt time.Time) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.Set(key, data, fetchedAt)
}
