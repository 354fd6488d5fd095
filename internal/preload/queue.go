// Package preload implements the background fetch queue: strict priority
// ordering, per-key de-duplication, cancellable in-flight tasks, and the
// per-key fetch state surface the UI polls.
package preload

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/socaya/dhis2cache/internal/cache"
	"github.com/socaya/dhis2cache/internal/metrics"
	"github.com/socaya/dhis2cache/pkg/errors"
	"github.com/socaya/dhis2cache/pkg/retry"
	"github.com/socaya/dhis2cache/pkg/types"
	"github.com/socaya/dhis2cache/pkg/utils"
)

// Callback receives the settled result of a task: the fetched payload on
// success, a structured error on failure or cancellation. Callbacks run
// outside the queue's locks.
type Callback func(payload *types.Payload, err error)

// task is one keyed unit of work. A task exists in pending from Enqueue
// until it settles, which is what makes per-key de-duplication hold across
// the queued and in-flight phases.
type task struct {
	key        string
	descriptor string
	query      types.Query
	priority   types.Priority
	callbacks  []Callback

	dispatched bool
	ctx        context.Context
	cancel     context.CancelFunc
	enqueuedAt time.Time
}

// Config represents preload queue configuration
type Config struct {
	// WorkerConcurrency is the number of concurrent fetch workers.
	WorkerConcurrency int

	// Retry tunes the backoff applied around each fetch.
	Retry retry.Config
}

// Queue is the priority preload queue. High drains fully before normal,
// normal fully before low; within a class order is FIFO.
type Queue struct {
	cfg     Config
	cache   *cache.Layer
	fetcher types.Fetcher
	retryer *retry.Retryer
	logger  *utils.Logger
	mc      *metrics.Collector

	mu      sync.Mutex
	pending map[string]*task
	buckets map[types.Priority][]*task
	wake    chan struct{}
	started bool
	closed  bool

	statesMu sync.RWMutex
	states   map[string]types.FetchState

	g          *errgroup.Group
	rootCancel context.CancelFunc
}

// New creates the queue. Start must be called before workers drain it;
// Enqueue before Start simply accumulates tasks.
func New(cfg Config, cacheLayer *cache.Layer, fetcher types.Fetcher, logger *utils.Logger, mc *metrics.Collector) *Queue {
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = 1
	}
	return &Queue{
		cfg:     cfg,
		cache:   cacheLayer,
		fetcher: fetcher,
		retryer: retry.New(cfg.Retry),
		logger:  logger.Named("preload"),
		mc:      mc,
		pending: make(map[string]*task),
		buckets: map[types.Priority][]*task{
			types.PriorityHigh:   nil,
			types.PriorityNormal: nil,
			types.PriorityLow:    nil,
		},
		wake:   make(chan struct{}, 1),
		states: make(map[string]types.FetchState),
	}
}

// Start launches the worker pool. The workers run until Close or until
// ctx is canceled.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return errors.New(errors.ErrCodeInternal, "preload queue already started").
			WithComponent("preload")
	}
	q.started = true

	rctx, cancel := context.WithCancel(ctx)
	q.rootCancel = cancel
	g, gctx := errgroup.WithContext(rctx)
	q.g = g
	for i := 0; i < q.cfg.WorkerConcurrency; i++ {
		g.Go(func() error { return q.worker(gctx) })
	}
	q.logger.Info("started %d preload workers", q.cfg.WorkerConcurrency)
	return nil
}

// Enqueue schedules a fetch for key, de-duplicating against any queued or
// in-flight task for the same key. A duplicate enqueue attaches the
// callback to the existing task; a higher priority promotes a queued task
// but never disturbs one already dispatched. cb may be nil for
// fire-and-forget preloads.
func (q *Queue) Enqueue(key, descriptor string, query types.Query, priority types.Priority, cb Callback) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		if cb != nil {
			cb(nil, errors.New(errors.ErrCodeShutdown, "preload queue is shut down").
				WithComponent("preload"))
		}
		return
	}

	if existing, ok := q.pending[key]; ok {
		if cb != nil {
			existing.callbacks = append(existing.callbacks, cb)
		}
		if !existing.dispatched && priority > existing.priority {
			q.removeFromBucketLocked(existing)
			existing.priority = priority
			q.buckets[priority] = append(q.buckets[priority], existing)
			q.logger.Debug("promoted %s to %s", key, priority)
		}
		q.updateDepthsLocked()
		q.mu.Unlock()
		return
	}

	t := &task{
		key:        key,
		descriptor: descriptor,
		query:      query,
		priority:   priority,
		enqueuedAt: time.Now(),
	}
	if cb != nil {
		t.callbacks = []Callback{cb}
	}
	q.pending[key] = t
	q.buckets[priority] = append(q.buckets[priority], t)
	q.updateDepthsLocked()
	q.mu.Unlock()

	q.setState(key, types.FetchState{Phase: types.FetchLoading, UpdatedAt: time.Now()})
	q.signal()
}

// Cancel aborts the task for key. A queued task is removed and settles
// immediately; a dispatched task has its context canceled and settles when
// the fetch unwinds. Returns false when no task exists for the key.
func (q *Queue) Cancel(key string) bool {
	q.mu.Lock()
	t, ok := q.pending[key]
	if !ok {
		q.mu.Unlock()
		return false
	}
	if t.dispatched {
		cancel := t.cancel
		q.mu.Unlock()
		cancel()
		return true
	}

	q.removeFromBucketLocked(t)
	delete(q.pending, key)
	q.updateDepthsLocked()
	callbacks := t.callbacks
	q.mu.Unlock()

	q.settleCanceled(key, callbacks, "task canceled before dispatch")
	return true
}

// Status returns the fetch state for key. Unknown keys report idle.
func (q *Queue) Status(key string) types.FetchState {
	q.statesMu.RLock()
	defer q.statesMu.RUnlock()
	return q.states[key]
}

// Statuses returns a snapshot of every tracked fetch state.
func (q *Queue) Statuses() map[string]types.FetchState {
	q.statesMu.RLock()
	defer q.statesMu.RUnlock()
	out := make(map[string]types.FetchState, len(q.states))
	for k, v := range q.states {
		out[k] = v
	}
	return out
}

// Depths returns the number of queued tasks per priority class.
func (q *Queue) Depths() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return map[string]int{
		types.PriorityHigh.String():   len(q.buckets[types.PriorityHigh]),
		types.PriorityNormal.String(): len(q.buckets[types.PriorityNormal]),
		types.PriorityLow.String():    len(q.buckets[types.PriorityLow]),
	}
}

// Close stops the workers. Queued tasks settle as canceled; dispatched
// tasks have their contexts canceled and settle as the fetch unwinds.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true

	type abandoned struct {
		key       string
		callbacks []Callback
	}
	var drained []abandoned
	for _, priority := range []types.Priority{types.PriorityHigh, types.PriorityNormal, types.PriorityLow} {
		for _, t := range q.buckets[priority] {
			drained = append(drained, abandoned{t.key, t.callbacks})
			delete(q.pending, t.key)
		}
		q.buckets[priority] = nil
	}
	q.updateDepthsLocked()
	started := q.started
	q.mu.Unlock()

	for _, a := range drained {
		q.settleCanceled(a.key, a.callbacks, "preload queue shutting down")
	}

	if started {
		q.rootCancel()
		_ = q.g.Wait()
	}
	q.logger.Info("preload queue stopped, %d queued tasks canceled", len(drained))
	return nil
}

func (q *Queue) worker(ctx context.Context) error {
	for {
		t := q.next(ctx)
		if t == nil {
			return nil
		}
		q.run(t)
	}
}

// next blocks until a task is available or ctx ends. Dispatching marks the
// task and hands it its own cancelable context; the task stays in pending
// so duplicate enqueues keep attaching to it.
func (q *Queue) next(ctx context.Context) *task {
	for {
		q.mu.Lock()
		if t := q.popLocked(); t != nil {
			t.dispatched = true
			t.ctx, t.cancel = context.WithCancel(ctx)
			q.updateDepthsLocked()
			q.mu.Unlock()
			return t
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil
		case <-q.wake:
		}
	}
}

func (q *Queue) popLocked() *task {
	for _, priority := range []types.Priority{types.PriorityHigh, types.PriorityNormal, types.PriorityLow} {
		bucket := q.buckets[priority]
		if len(bucket) == 0 {
			continue
		}
		t := bucket[0]
		q.buckets[priority] = bucket[1:]
		return t
	}
	return nil
}

// run executes one dispatched task through the retrier and settles it.
func (q *Queue) run(t *task) {
	defer t.cancel()

	q.setState(t.key, types.FetchState{Phase: types.FetchLoading, Progress: 0.5, UpdatedAt: time.Now()})

	start := time.Now()
	var payload *types.Payload
	err := q.retryer.Do(t.ctx, func(ctx context.Context) error {
		p, ferr := q.fetcher.Fetch(ctx, t.query)
		if ferr != nil {
			return ferr
		}
		payload = p
		return nil
	})
	// A task context canceled mid-retry surfaces as a bare context error;
	// normalize so callers always observe the structured code.
	if err != nil && t.ctx.Err() == context.Canceled && !errors.IsCanceled(err) {
		err = errors.Newf(errors.ErrCodeFetchCanceled, "fetch of %s canceled", t.key).
			WithComponent("preload").WithCause(err)
	}

	q.mu.Lock()
	delete(q.pending, t.key)
	callbacks := t.callbacks
	q.mu.Unlock()

	switch {
	case err == nil:
		q.cache.Write(context.Background(), t.key, t.descriptor, payload)
		q.setState(t.key, types.FetchState{Phase: types.FetchSuccess, Progress: 1, UpdatedAt: time.Now()})
		q.mc.RecordFetch("success", time.Since(start))
		q.mc.RecordTaskSettled("success")
		q.logger.Debug("task %s settled after %v", t.key, time.Since(start))
		for _, cb := range callbacks {
			cb(payload, nil)
		}

	case errors.IsCanceled(err):
		q.settleCanceled(t.key, callbacks, err.Error())
		q.mc.RecordFetch("canceled", time.Since(start))

	default:
		q.setState(t.key, types.FetchState{
			Phase: types.FetchError, Error: err.Error(), UpdatedAt: time.Now(),
		})
		q.mc.RecordFetch("error", time.Since(start))
		q.mc.RecordFetchError(string(errors.CodeOf(err)))
		q.mc.RecordTaskSettled("error")
		// Background refreshes have no callbacks; the log line is the
		// only trace of the failure, and the stale entry stays served.
		q.logger.Warn("task %s failed: %v", t.key, err)
		for _, cb := range callbacks {
			cb(nil, err)
		}
	}
}

func (q *Queue) settleCanceled(key string, callbacks []Callback, reason string) {
	err := errors.New(errors.ErrCodeFetchCanceled, reason).WithComponent("preload")
	q.setState(key, types.FetchState{
		Phase: types.FetchError, Error: err.Error(), UpdatedAt: time.Now(),
	})
	q.mc.RecordTaskSettled("canceled")
	q.logger.Debug("task %s canceled: %s", key, reason)
	for _, cb := range callbacks {
		cb(nil, err)
	}
}

func (q *Queue) setState(key string, state types.FetchState) {
	q.statesMu.Lock()
	q.states[key] = state
	q.statesMu.Unlock()
}

func (q *Queue) removeFromBucketLocked(t *task) {
	bucket := q.buckets[t.priority]
	for i, candidate := range bucket {
		if candidate == t {
			q.buckets[t.priority] = append(bucket[:i], bucket[i+1:]...)
			return
		}
	}
}

func (q *Queue) updateDepthsLocked() {
	for priority, bucket := range q.buckets {
		q.mc.SetQueueDepth(priority.String(), len(bucket))
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
