package types

import (
	"context"
	"time"
)

// Store is durable key->entry storage that survives process restarts.
// Read errors degrade to cache-miss behavior at the cache layer; write
// errors are logged and swallowed there, so implementations report errors
// honestly and leave recovery policy to the caller.
type Store interface {
	// Get returns the entry for key, or (nil, nil) when absent.
	Get(ctx context.Context, key string) (*CacheEntry, error)

	// Put inserts or replaces the entry under entry.Key.
	Put(ctx context.Context, entry *CacheEntry) error

	// Touch bumps the access count and last-accessed time for key without
	// rewriting the payload. Touching an absent key is not an error.
	Touch(ctx context.Context, key string, at time.Time) error

	// Delete removes the entry for key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Clear removes every entry.
	Clear(ctx context.Context) error

	// GetAll enumerates all stored entries, payloads excluded where the
	// implementation can avoid loading them.
	GetAll(ctx context.Context) ([]*CacheEntry, error)

	// Close releases the underlying storage engine.
	Close() error
}

// EvictionPolicy decides which entries to remove when the store would
// exceed its capacity budget after admitting incomingSize more bytes.
type EvictionPolicy interface {
	SelectVictims(entries []*CacheEntry, incomingSize, capacity int64) []string
}

// Fetcher performs the remote analytics call for one query. It is the
// sole caller of the DHIS2 analytics endpoint and translates the wire
// format losslessly into a Payload. Cancellation and the hard timeout
// both arrive through ctx.
type Fetcher interface {
	Fetch(ctx context.Context, query Query) (*Payload, error)
}
