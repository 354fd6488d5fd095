// Package swr implements stale-while-revalidate serving on top of the
// cache layer and preload queue. It is the public surface of the engine:
// callers ask for data by query and the orchestrator decides between
// serving fresh, serving stale with a background refresh, or blocking on
// a fill.
package swr

import (
	"context"
	"os"
	"sync"

	"github.com/socaya/dhis2cache/internal/cache"
	"github.com/socaya/dhis2cache/internal/config"
	"github.com/socaya/dhis2cache/internal/fetch"
	"github.com/socaya/dhis2cache/internal/fingerprint"
	"github.com/socaya/dhis2cache/internal/metrics"
	"github.com/socaya/dhis2cache/internal/preload"
	"github.com/socaya/dhis2cache/internal/store"
	"github.com/socaya/dhis2cache/pkg/errors"
	"github.com/socaya/dhis2cache/pkg/retry"
	"github.com/socaya/dhis2cache/pkg/types"
	"github.com/socaya/dhis2cache/pkg/utils"
)

// Options modifies a single Get call.
type Options struct {
	// ForceRefresh bypasses the cache read and blocks on a fresh fetch.
	// The result still lands in the cache.
	ForceRefresh bool
}

// Result is the outcome of a Get.
type Result struct {
	// Data is the payload served to the caller.
	Data *types.Payload `json:"data"`

	// Key is the fingerprint the query resolved to.
	Key string `json:"key"`

	// FromCache reports whether the payload came out of the cache rather
	// than a blocking fetch.
	FromCache bool `json:"from_cache"`

	// Stale reports that the served payload is past its TTL and a
	// background refresh is underway.
	Stale bool `json:"stale"`
}

// Orchestrator owns the engine's components and lifecycle.
type Orchestrator struct {
	cfg    *config.Configuration
	logger *utils.Logger
	mc     *metrics.Collector

	store types.Store
	cache *cache.Layer
	queue *preload.Queue

	mu      sync.Mutex
	started bool
	closed  bool
}

// New assembles the engine from configuration: store, cache layer,
// analytics client, and preload queue. Nothing runs until Start.
func New(cfg *config.Configuration) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "invalid configuration").WithCause(err)
	}

	level, _ := utils.ParseLogLevel(cfg.Global.LogLevel)
	logger := utils.NewLogger(level, os.Stderr)

	capacity, err := cfg.CapacityBytes()
	if err != nil {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "invalid cache capacity").WithCause(err)
	}

	mc, err := metrics.NewCollector(&metrics.Config{
		Enabled:   cfg.Monitoring.Metrics.Enabled,
		Namespace: cfg.Monitoring.Metrics.Namespace,
	})
	if err != nil {
		return nil, err
	}

	st, err := store.Open(store.Config{
		Path:        cfg.Store.Path,
		Compression: cfg.Cache.Compression,
	})
	if err != nil {
		return nil, err
	}

	layer := cache.New(cache.Config{
		TTL:             cfg.Cache.TTL,
		Capacity:        capacity,
		ReserveFraction: cfg.Cache.ReserveFraction,
		WeightFrequency: cfg.Cache.Weights.Frequency,
		WeightRecency:   cfg.Cache.Weights.Recency,
		GracePeriod:     cfg.Cache.GracePeriod,
		CleanupInterval: cfg.Cache.CleanupInterval,
	}, st, logger, mc)

	fetcher := fetch.NewClient(fetch.Config{
		BaseURL:  cfg.DHIS2.BaseURL,
		Username: cfg.DHIS2.Username,
		Password: cfg.DHIS2.Password,
		APIToken: cfg.DHIS2.APIToken,
		Timeout:  cfg.DHIS2.FetchTimeout,
	}, logger)

	queue := preload.New(preload.Config{
		WorkerConcurrency: cfg.Preload.WorkerConcurrency,
		Retry: retry.Config{
			MaxAttempts:  cfg.Preload.Retry.MaxAttempts,
			InitialDelay: cfg.Preload.Retry.InitialDelay,
			MaxDelay:     cfg.Preload.Retry.MaxDelay,
			Multiplier:   2.0,
			Jitter:       true,
			RetryableErrors: []errors.ErrorCode{
				errors.ErrCodeFetchNetwork,
				errors.ErrCodeFetchTimeout,
			},
		},
	}, layer, fetcher, logger, mc)

	return newOrchestrator(cfg, st, layer, queue, logger, mc), nil
}

func newOrchestrator(cfg *config.Configuration, st types.Store, layer *cache.Layer,
	queue *preload.Queue, logger *utils.Logger, mc *metrics.Collector) *Orchestrator {
	return &Orchestrator{
		cfg:    cfg,
		logger: logger.Named("swr"),
		mc:     mc,
		store:  st,
		cache:  layer,
		queue:  queue,
	}
}

// Start launches the preload workers.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return errors.New(errors.ErrCodeShutdown, "engine is closed").WithComponent("swr")
	}
	if o.started {
		return nil
	}
	if err := o.queue.Start(ctx); err != nil {
		return err
	}
	o.started = true
	o.logger.Info("engine started")
	return nil
}

// Close stops the workers, cancels queued and in-flight tasks, stops the
// cache janitor, and closes the store. Safe to call more than once.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	_ = o.queue.Close()
	_ = o.cache.Close()
	err := o.store.Close()
	o.logger.Info("engine stopped")
	return err
}

// Key returns the fingerprint a query resolves to.
func (o *Orchestrator) Key(query types.Query) string {
	return fingerprint.DeriveKey(query.DatasetID, query)
}

// Get serves one query with stale-while-revalidate semantics. A fresh
// entry returns immediately. A stale entry returns immediately too, with
// a low-priority refresh scheduled behind it. A miss, or ForceRefresh,
// blocks on a high-priority fetch; fetch errors surface only on this
// path. A canceled caller context abandons the wait without aborting the
// fetch, which still fills the cache for other waiters.
func (o *Orchestrator) Get(ctx context.Context, query types.Query, opts Options) (*Result, error) {
	key := fingerprint.DeriveKey(query.DatasetID, query)
	descriptor := fingerprint.Descriptor(query.DatasetID, query)

	if !opts.ForceRefresh {
		status, entry := o.cache.Read(ctx, key)
		switch status {
		case types.ReadFresh:
			return &Result{Data: &entry.Payload, Key: key, FromCache: true}, nil
		case types.ReadStale:
			o.queue.Enqueue(key, descriptor, query, types.PriorityLow, nil)
			o.logger.Debug("serving stale %s, refresh scheduled", key)
			return &Result{Data: &entry.Payload, Key: key, FromCache: true, Stale: true}, nil
		}
	}

	return o.fill(ctx, key, descriptor, query)
}

func (o *Orchestrator) fill(ctx context.Context, key, descriptor string, query types.Query) (*Result, error) {
	o.mu.Lock()
	started, closed := o.started, o.closed
	o.mu.Unlock()
	if closed {
		return nil, errors.New(errors.ErrCodeShutdown, "engine is closed").WithComponent("swr")
	}
	if !started {
		return nil, errors.New(errors.ErrCodeNotStarted, "engine not started").WithComponent("swr")
	}

	type outcome struct {
		payload *types.Payload
		err     error
	}
	ch := make(chan outcome, 1)
	o.queue.Enqueue(key, descriptor, query, types.PriorityHigh, func(p *types.Payload, err error) {
		ch <- outcome{p, err}
	})

	select {
	case out := <-ch:
		if out.err != nil {
			return nil, out.err
		}
		return &Result{Data: out.payload, Key: key}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Preload schedules a warm-up fetch for the query and returns the key it
// resolved to. Already-cached fresh entries are not refetched.
func (o *Orchestrator) Preload(ctx context.Context, query types.Query, priority types.Priority) string {
	key := fingerprint.DeriveKey(query.DatasetID, query)
	if status, _ := o.cache.Read(ctx, key); status == types.ReadFresh {
		return key
	}
	o.queue.Enqueue(key, fingerprint.Descriptor(query.DatasetID, query), query, priority, nil)
	return key
}

// CancelPreload aborts the queued or in-flight fetch for key.
func (o *Orchestrator) CancelPreload(key string) bool {
	return o.queue.Cancel(key)
}

// PreloadStatus returns the fetch state for key. Unknown keys are idle.
func (o *Orchestrator) PreloadStatus(key string) types.FetchState {
	return o.queue.Status(key)
}

// PreloadStatuses returns a snapshot of every tracked fetch state.
func (o *Orchestrator) PreloadStatuses() map[string]types.FetchState {
	return o.queue.Statuses()
}

// QueueDepths returns the queued task count per priority class.
func (o *Orchestrator) QueueDepths() map[string]int {
	return o.queue.Depths()
}

// Invalidate removes the cached entry for a query.
func (o *Orchestrator) Invalidate(ctx context.Context, query types.Query) error {
	return o.cache.Invalidate(ctx, fingerprint.DeriveKey(query.DatasetID, query))
}

// InvalidateKey removes the cached entry for an already-derived key.
func (o *Orchestrator) InvalidateKey(ctx context.Context, key string) error {
	return o.cache.Invalidate(ctx, key)
}

// InvalidateAll empties the cache.
func (o *Orchestrator) InvalidateAll(ctx context.Context) error {
	return o.cache.InvalidateAll(ctx)
}

// Stats returns cache counters and occupancy.
func (o *Orchestrator) Stats(ctx context.Context) types.CacheStats {
	return o.cache.Stats(ctx)
}

// Entries lists stored entry metadata, payloads excluded.
func (o *Orchestrator) Entries(ctx context.Context) ([]*types.CacheEntry, error) {
	return o.cache.Entries(ctx)
}

// Metrics exposes the Prometheus collector for the status server.
func (o *Orchestrator) Metrics() *metrics.Collector {
	return o.mc
}
