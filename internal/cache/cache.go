// Package cache implements the TTL and capacity semantics on top of the
// durable store: read classification (fresh, stale, miss), weighted
// eviction on write, and background cleanup of long-expired entries.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/socaya/dhis2cache/internal/metrics"
	"github.com/socaya/dhis2cache/pkg/errors"
	"github.com/socaya/dhis2cache/pkg/types"
	"github.com/socaya/dhis2cache/pkg/utils"
)

// Config represents cache layer configuration
type Config struct {
	// TTL is the freshness window applied to every entry at write time.
	TTL time.Duration

	// Capacity is the total size budget in bytes.
	Capacity int64

	// ReserveFraction is the headroom freed beyond the strict minimum
	// during an eviction pass.
	ReserveFraction float64

	// WeightFrequency and WeightRecency tune the eviction score.
	WeightFrequency float64
	WeightRecency   float64

	// GracePeriod is how long past expiry an unused entry may linger
	// before the janitor removes it.
	GracePeriod time.Duration

	// CleanupInterval is how often the janitor scans. Zero disables it.
	CleanupInterval time.Duration
}

// Layer owns all cache policy. Callers never touch the store directly:
// reads classify and bump access metadata, writes size the payload and run
// the eviction pass, and every storage failure degrades to miss semantics
// instead of surfacing.
type Layer struct {
	store  types.Store
	policy types.EvictionPolicy
	logger *utils.Logger
	mc     *metrics.Collector

	ttl             time.Duration
	capacity        int64
	grace           time.Duration
	cleanupInterval time.Duration

	// writeMu serializes writes and eviction passes so capacity
	// accounting never races. Reads do not take it.
	writeMu sync.Mutex

	group singleflight.Group

	statsMu sync.Mutex
	stats   types.CacheStats

	now      func() time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates the cache layer over the given store and starts the expiry
// janitor when a cleanup interval is configured. Close stops the janitor;
// the store's lifecycle belongs to the caller.
func New(cfg Config, store types.Store, logger *utils.Logger, mc *metrics.Collector) *Layer {
	l := &Layer{
		store:           store,
		policy:          NewWeightedPolicy(cfg.WeightFrequency, cfg.WeightRecency, cfg.ReserveFraction),
		logger:          logger.Named("cache"),
		mc:              mc,
		ttl:             cfg.TTL,
		capacity:        cfg.Capacity,
		grace:           cfg.GracePeriod,
		cleanupInterval: cfg.CleanupInterval,
		now:             time.Now,
		stopCh:          make(chan struct{}),
	}

	if l.cleanupInterval > 0 {
		go l.janitor()
	}
	return l
}

// Read returns the entry for key classified as fresh, stale, or miss. A
// successful read bumps the entry's access count and last-accessed time.
// Storage failures are logged and degrade to a miss; a corrupt entry is
// deleted so the next fill replaces it.
func (l *Layer) Read(ctx context.Context, key string) (types.ReadStatus, *types.CacheEntry) {
	v, err, _ := l.group.Do(key, func() (interface{}, error) {
		return l.store.Get(ctx, key)
	})
	if err != nil {
		if errors.CodeOf(err) == errors.ErrCodeCacheCorrupt {
			l.logger.Warn("corrupt entry %s, deleting: %v", key, err)
			if derr := l.store.Delete(ctx, key); derr != nil {
				l.logger.Warn("failed to delete corrupt entry %s: %v", key, derr)
			}
		} else {
			l.logger.Warn("read of %s degraded to miss: %v", key, err)
		}
		l.recordRead(types.ReadMiss)
		return types.ReadMiss, nil
	}

	entry, _ := v.(*types.CacheEntry)
	if entry == nil {
		l.recordRead(types.ReadMiss)
		return types.ReadMiss, nil
	}

	now := l.now()
	if terr := l.store.Touch(ctx, key, now); terr != nil {
		l.logger.Debug("touch of %s failed: %v", key, terr)
	}

	// Concurrent readers share the looked-up entry; hand each caller its
	// own copy reflecting the touch.
	out := *entry
	out.AccessCount++
	out.LastAccessedAt = now

	if entry.IsFresh(now) {
		l.recordRead(types.ReadFresh)
		return types.ReadFresh, &out
	}
	l.recordRead(types.ReadStale)
	return types.ReadStale, &out
}

// Write stores the payload under key, evicting lower-value entries first
// when the capacity budget requires it. The write never fails the caller:
// storage errors are logged and the cache simply stays without the entry.
// An existing entry under the same key is replaced, last write wins.
func (l *Layer) Write(ctx context.Context, key, descriptor string, payload *types.Payload) {
	raw, err := json.Marshal(payload)
	if err != nil {
		l.logger.Error("payload for %s does not serialize, dropping write: %v", key, err)
		return
	}
	size := int64(len(raw))

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	var stored int64
	entries, err := l.store.GetAll(ctx)
	if err != nil {
		l.logger.Warn("eviction scan failed, admitting %s without eviction: %v", key, err)
	} else {
		// The incoming entry replaces any existing one under its key, so
		// that entry is neither counted nor an eviction candidate.
		peers := entries[:0]
		for _, e := range entries {
			if e.Key != key {
				peers = append(peers, e)
				stored += e.SizeBytes
			}
		}

		victims := l.policy.SelectVictims(peers, size, l.capacity)
		if len(victims) > 0 {
			sizes := make(map[string]int64, len(peers))
			for _, e := range peers {
				sizes[e.Key] = e.SizeBytes
			}
			var freed int64
			for _, vk := range victims {
				if derr := l.store.Delete(ctx, vk); derr != nil {
					l.logger.Warn("failed to evict %s: %v", vk, derr)
					continue
				}
				freed += sizes[vk]
			}
			stored -= freed
			l.logger.Info("evicted %d entries (%d bytes) to admit %s", len(victims), freed, key)
			l.mc.RecordEviction(len(victims), freed)
			l.statsMu.Lock()
			l.stats.Evictions += uint64(len(victims))
			l.statsMu.Unlock()
		}
	}

	now := l.now()
	entry := &types.CacheEntry{
		Key:            key,
		Descriptor:     descriptor,
		Payload:        *payload,
		CreatedAt:      now,
		TTL:            l.ttl,
		LastAccessedAt: now,
		SizeBytes:      size,
	}
	if err := l.store.Put(ctx, entry); err != nil {
		l.logger.Error("failed to persist %s: %v", key, err)
		return
	}
	l.mc.SetCacheSize(stored + size)
}

// Invalidate removes one entry.
func (l *Layer) Invalidate(ctx context.Context, key string) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.store.Delete(ctx, key)
}

// InvalidateAll removes every entry.
func (l *Layer) InvalidateAll(ctx context.Context) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.store.Clear(ctx)
}

// Entries returns metadata for every stored entry, payloads excluded.
func (l *Layer) Entries(ctx context.Context) ([]*types.CacheEntry, error) {
	return l.store.GetAll(ctx)
}

// Stats returns a point-in-time snapshot of cache counters and occupancy.
func (l *Layer) Stats(ctx context.Context) types.CacheStats {
	l.statsMu.Lock()
	s := l.stats
	l.statsMu.Unlock()

	s.Capacity = l.capacity
	if entries, err := l.store.GetAll(ctx); err == nil {
		for _, e := range entries {
			s.Size += e.SizeBytes
		}
	} else {
		l.logger.Debug("stats size scan failed: %v", err)
	}

	if reads := s.Hits + s.StaleHits + s.Misses; reads > 0 {
		s.HitRate = float64(s.Hits+s.StaleHits) / float64(reads)
	}
	if l.capacity > 0 {
		s.Utilization = float64(s.Size) / float64(l.capacity)
	}
	return s
}

// Close stops the expiry janitor. Safe to call more than once.
func (l *Layer) Close() error {
	l.stopOnce.Do(func() { close(l.stopCh) })
	return nil
}

func (l *Layer) recordRead(status types.ReadStatus) {
	l.mc.RecordRead(status.String())
	l.statsMu.Lock()
	defer l.statsMu.Unlock()
	switch status {
	case types.ReadFresh:
		l.stats.Hits++
	case types.ReadStale:
		l.stats.StaleHits++
	default:
		l.stats.Misses++
	}
}

func (l *Layer) janitor() {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.cleanupExpired(context.Background())
		}
	}
}

// cleanupExpired removes entries expired for longer than the grace period.
// Stale entries inside the grace window stay usable for stale-while-
// revalidate reads.
func (l *Layer) cleanupExpired(ctx context.Context) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	entries, err := l.store.GetAll(ctx)
	if err != nil {
		l.logger.Warn("cleanup scan failed: %v", err)
		return
	}

	now := l.now()
	removed := 0
	for _, e := range entries {
		if !e.IsExpiredPast(now, l.grace) {
			continue
		}
		if err := l.store.Delete(ctx, e.Key); err != nil {
			l.logger.Warn("cleanup of %s failed: %v", e.Key, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		l.logger.Info("cleanup removed %d expired entries", removed)
	}
}
