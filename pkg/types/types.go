package types

import (
	"time"
)

// Query describes one analytics data request against the DHIS2 API.
// Field order and duplicates are irrelevant for identity; the fingerprint
// package normalizes a Query before hashing so logically identical
// requests collapse to the same cache key.
type Query struct {
	DatasetID    string            `json:"dataset_id"`
	DataElements []string          `json:"data_elements,omitempty"`
	Periods      []string          `json:"periods,omitempty"`
	OrgUnits     []string          `json:"org_units,omitempty"`
	Filters      map[string]string `json:"filters,omitempty"`
	Columns      []string          `json:"columns,omitempty"`
	Granularity  string            `json:"granularity,omitempty"`
}

// Row is a single analytics record keyed by column name.
type Row map[string]interface{}

// Payload is the cached portion of an analytics response: the rows plus
// the ordered column list that gives them meaning.
type Payload struct {
	Rows    []Row    `json:"rows"`
	Columns []string `json:"columns"`
}

// CacheEntry represents one cached dataset, owned exclusively by the cache
// layer. SizeBytes is the serialized payload size computed at write time;
// capacity accounting and eviction use this value regardless of how the
// store encodes the payload on disk.
type CacheEntry struct {
	Key            string        `json:"key"`
	Descriptor     string        `json:"descriptor"`
	Payload        Payload       `json:"payload"`
	CreatedAt      time.Time     `json:"created_at"`
	TTL            time.Duration `json:"ttl"`
	AccessCount    int64         `json:"access_count"`
	LastAccessedAt time.Time     `json:"last_accessed_at"`
	SizeBytes      int64         `json:"size_bytes"`
}

// ExpiresAt returns the instant the entry stops being fresh.
func (e *CacheEntry) ExpiresAt() time.Time {
	return e.CreatedAt.Add(e.TTL)
}

// IsFresh reports whether the entry is still within its TTL at now.
func (e *CacheEntry) IsFresh(now time.Time) bool {
	return now.Before(e.ExpiresAt())
}

// IsExpiredPast reports whether the entry has been expired for longer
// than the given grace period.
func (e *CacheEntry) IsExpiredPast(now time.Time, grace time.Duration) bool {
	return now.After(e.ExpiresAt().Add(grace))
}

// ReadStatus classifies the outcome of a cache read.
type ReadStatus int

const (
	// ReadMiss means no entry exists for the key.
	ReadMiss ReadStatus = iota

	// ReadFresh means an entry exists and is within its TTL.
	ReadFresh

	// ReadStale means an entry exists but its TTL has elapsed.
	ReadStale
)

// String returns the string representation of a read status.
func (s ReadStatus) String() string {
	switch s {
	case ReadMiss:
		return "miss"
	case ReadFresh:
		return "fresh"
	case ReadStale:
		return "stale"
	default:
		return "unknown"
	}
}

// Priority orders preload tasks. Dequeue drains high fully before normal
// and normal fully before low.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// String returns the string representation of a priority class.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// FetchPhase describes where a keyed fetch currently is in its lifecycle.
type FetchPhase int

const (
	FetchIdle FetchPhase = iota
	FetchLoading
	FetchSuccess
	FetchError
)

// String returns the string representation of a fetch phase.
func (p FetchPhase) String() string {
	switch p {
	case FetchIdle:
		return "idle"
	case FetchLoading:
		return "loading"
	case FetchSuccess:
		return "success"
	case FetchError:
		return "error"
	default:
		return "unknown"
	}
}

// FetchState is the per-key status snapshot exposed for UI polling. It is
// informational only and never authoritative over the cache.
type FetchState struct {
	Phase     FetchPhase `json:"phase"`
	Progress  float64    `json:"progress"`
	Error     string     `json:"error,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// CacheStats represents cache performance statistics.
type CacheStats struct {
	Hits        uint64  `json:"hits"`
	StaleHits   uint64  `json:"stale_hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	Size        int64   `json:"size"`
	Capacity    int64   `json:"capacity"`
	HitRate     float64 `json:"hit_rate"`
	Utilization float64 `json:"utilization"`
}
