// Package metrics provides Prometheus instrumentation for the cache and
// preload engine.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config represents metrics configuration
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// Collector registers and updates the engine's Prometheus metrics. All
// record methods are safe on a nil or disabled collector so components can
// instrument unconditionally.
type Collector struct {
	config   *Config
	registry *prometheus.Registry

	readCounter    *prometheus.CounterVec
	evictionsTotal prometheus.Counter
	evictedBytes   prometheus.Counter
	cacheSizeGauge prometheus.Gauge
	fetchDuration  *prometheus.HistogramVec
	fetchErrors    *prometheus.CounterVec
	queueDepth     *prometheus.GaugeVec
	tasksSettled   *prometheus.CounterVec
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:   true,
			Namespace: "dhis2cache",
		}
	}

	if !config.Enabled {
		return &Collector{config: config}, nil
	}

	registry := prometheus.NewRegistry()
	c := &Collector{
		config:   config,
		registry: registry,
	}

	ns := config.Namespace

	c.readCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "cache_reads_total",
		Help:      "Cache reads by outcome (fresh, stale, miss)",
	}, []string{"status"})

	c.evictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "cache_evictions_total",
		Help:      "Entries evicted to honor the capacity budget",
	})

	c.evictedBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "cache_evicted_bytes_total",
		Help:      "Bytes reclaimed by eviction passes",
	})

	c.cacheSizeGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "cache_size_bytes",
		Help:      "Current total size of stored entries",
	})

	c.fetchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns,
		Name:      "fetch_duration_seconds",
		Help:      "Remote analytics fetch duration by outcome",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"outcome"})

	c.fetchErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "fetch_errors_total",
		Help:      "Fetch failures by error code",
	}, []string{"code"})

	c.queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "preload_queue_depth",
		Help:      "Queued preload tasks by priority class",
	}, []string{"priority"})

	c.tasksSettled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "preload_tasks_settled_total",
		Help:      "Preload tasks settled by outcome (success, error, canceled)",
	}, []string{"outcome"})

	collectors := []prometheus.Collector{
		c.readCounter, c.evictionsTotal, c.evictedBytes, c.cacheSizeGauge,
		c.fetchDuration, c.fetchErrors, c.queueDepth, c.tasksSettled,
	}
	for _, col := range collectors {
		if err := registry.Register(col); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}

	return c, nil
}

// Handler returns the Prometheus scrape handler, or nil when disabled.
func (c *Collector) Handler() http.Handler {
	if c == nil || c.registry == nil {
		return nil
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

func (c *Collector) enabled() bool {
	return c != nil && c.registry != nil
}

// RecordRead counts a cache read by outcome string (fresh, stale, miss).
func (c *Collector) RecordRead(status string) {
	if !c.enabled() {
		return
	}
	c.readCounter.WithLabelValues(status).Inc()
}

// RecordEviction counts one eviction pass result.
func (c *Collector) RecordEviction(entries int, bytes int64) {
	if !c.enabled() {
		return
	}
	c.evictionsTotal.Add(float64(entries))
	c.evictedBytes.Add(float64(bytes))
}

// SetCacheSize updates the stored-bytes gauge.
func (c *Collector) SetCacheSize(bytes int64) {
	if !c.enabled() {
		return
	}
	c.cacheSizeGauge.Set(float64(bytes))
}

// RecordFetch observes one remote fetch by outcome (success, error, canceled).
func (c *Collector) RecordFetch(outcome string, duration time.Duration) {
	if !c.enabled() {
		return
	}
	c.fetchDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordFetchError counts a fetch failure by structured error code.
func (c *Collector) RecordFetchError(code string) {
	if !c.enabled() {
		return
	}
	c.fetchErrors.WithLabelValues(code).Inc()
}

// SetQueueDepth updates the queued-task gauge for one priority class.
func (c *Collector) SetQueueDepth(priority string, depth int) {
	if !c.enabled() {
		return
	}
	c.queueDepth.WithLabelValues(priority).Set(float64(depth))
}

// RecordTaskSettled counts a preload task settlement by outcome.
func (c *Collector) RecordTaskSettled(outcome string) {
	if !c.enabled() {
		return
	}
	c.tasksSettled.WithLabelValues(outcome).Inc()
}
