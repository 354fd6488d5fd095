package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNewCollector_Disabled(t *testing.T) {
	c, err := NewCollector(&Config{Enabled: false})
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}

	// All record methods must be no-ops, not panics.
	c.RecordRead("fresh")
	c.RecordEviction(1, 100)
	c.RecordFetch("success", time.Second)
	c.SetQueueDepth("high", 3)

	if c.Handler() != nil {
		t.Error("disabled collector should have no handler")
	}
}

func TestNilCollector_Safe(t *testing.T) {
	var c *Collector
	c.RecordRead("miss")
	c.RecordFetchError("FETCH_NETWORK")
	c.RecordTaskSettled("canceled")
	c.SetCacheSize(10)
	if c.Handler() != nil {
		t.Error("nil collector should have no handler")
	}
}

func TestCollector_Scrape(t *testing.T) {
	c, err := NewCollector(&Config{Enabled: true, Namespace: "testns"})
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}

	c.RecordRead("fresh")
	c.RecordRead("stale")
	c.RecordRead("miss")
	c.RecordEviction(2, 4096)
	c.SetCacheSize(12345)
	c.RecordFetch("success", 250*time.Millisecond)
	c.RecordFetchError("FETCH_TIMEOUT")
	c.SetQueueDepth("low", 7)
	c.RecordTaskSettled("success")

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read scrape body: %v", err)
	}
	body := string(raw)

	for _, want := range []string{
		`testns_cache_reads_total{status="fresh"} 1`,
		`testns_cache_reads_total{status="miss"} 1`,
		"testns_cache_evictions_total 2",
		"testns_cache_evicted_bytes_total 4096",
		"testns_cache_size_bytes 12345",
		`testns_fetch_errors_total{code="FETCH_TIMEOUT"} 1`,
		`testns_preload_queue_depth{priority="low"} 7`,
		`testns_preload_tasks_settled_total{outcome="success"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("scrape output missing %q", want)
		}
	}
}
