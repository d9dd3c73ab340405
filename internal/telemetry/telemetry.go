// Package telemetry collects in-process ingest and query metrics. All
// data stays local; nothing is reported anywhere.
package telemetry

import (
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LatencyBucket is one histogram bucket of query latency.
type LatencyBucket string

const (
	BucketUnder10ms  LatencyBucket = "<10ms"
	BucketUnder50ms  LatencyBucket = "<50ms"
	BucketUnder100ms LatencyBucket = "<100ms"
	BucketUnder500ms LatencyBucket = "<500ms"
	BucketSlow       LatencyBucket = ">=500ms"
)

func latencyBucket(d time.Duration) LatencyBucket {
	switch ms := d.Milliseconds(); {
	case ms < 10:
		return BucketUnder10ms
	case ms < 50:
		return BucketUnder50ms
	case ms < 100:
		return BucketUnder100ms
	case ms < 500:
		return BucketUnder500ms
	default:
		return BucketSlow
	}
}

// IngestOutcome classifies one ingest decision or job result.
type IngestOutcome string

const (
	IngestScheduled IngestOutcome = "scheduled"
	IngestSkipped   IngestOutcome = "skipped"
	IngestCompleted IngestOutcome = "completed"
	IngestFailed    IngestOutcome = "failed"
)

// TermCount pairs a query term with its frequency.
type TermCount struct {
	Term  string `json:"term"`
	Count int64  `json:"count"`
}

// Snapshot is an immutable view of collected metrics.
type Snapshot struct {
	Ingest            map[IngestOutcome]int64 `json:"ingest"`
	TotalQueries      int64                   `json:"total_queries"`
	ZeroResultCount   int64                   `json:"zero_result_count"`
	ZeroResultQueries []string                `json:"zero_result_queries"`
	Latency           map[LatencyBucket]int64 `json:"latency"`
	TopTerms          []TermCount             `json:"top_terms"`
	Since             time.Time               `json:"since"`
}

// Collector aggregates metrics in memory. Safe for concurrent use.
type Collector struct {
	mu sync.RWMutex

	ingest      map[IngestOutcome]int64
	queries     int64
	zeroResults int64
	zeroBuffer  *ring[string]
	latencies   map[LatencyBucket]int64
	terms       *lru.Cache[string, int64]
	since       time.Time
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	terms, _ := lru.New[string, int64](100)
	return &Collector{
		ingest:     make(map[IngestOutcome]int64),
		zeroBuffer: newRing[string](50),
		latencies:  make(map[LatencyBucket]int64),
		terms:      terms,
		since:      time.Now(),
	}
}

// RecordIngest counts one ingest outcome. Nil-safe.
func (c *Collector) RecordIngest(outcome IngestOutcome) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.ingest[outcome]++
	c.mu.Unlock()
}

// RecordQuery captures one search: its terms, result count, and latency.
// Nil-safe so callers never have to guard.
func (c *Collector) RecordQuery(query string, results int, latency time.Duration) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.queries++
	c.latencies[latencyBucket(latency)]++
	if results == 0 {
		c.zeroResults++
		c.zeroBuffer.add(query)
	}
	for _, term := range strings.Fields(strings.ToLower(query)) {
		if len(term) < 3 {
			continue
		}
		count, _ := c.terms.Get(term)
		c.terms.Add(term, count+1)
	}
}

// Snapshot copies the current state for reporting.
func (c *Collector) Snapshot() *Snapshot {
	if c == nil {
		return &Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := &Snapshot{
		Ingest:            make(map[IngestOutcome]int64, len(c.ingest)),
		TotalQueries:      c.queries,
		ZeroResultCount:   c.zeroResults,
		ZeroResultQueries: c.zeroBuffer.items(),
		Latency:           make(map[LatencyBucket]int64, len(c.latencies)),
		Since:             c.since,
	}
	for k, v := range c.ingest {
		snap.Ingest[k] = v
	}
	for k, v := range c.latencies {
		snap.Latency[k] = v
	}
	for _, key := range c.terms.Keys() {
		if count, ok := c.terms.Peek(key); ok {
			snap.TopTerms = append(snap.TopTerms, TermCount{Term: key, Count: count})
		}
	}
	sort.Slice(snap.TopTerms, func(i, j int) bool {
		return snap.TopTerms[i].Count > snap.TopTerms[j].Count
	})
	return snap
}

// ZeroResultRate returns the fraction of queries with no results.
func (s *Snapshot) ZeroResultRate() float64 {
	if s.TotalQueries == 0 {
		return 0
	}
	return float64(s.ZeroResultCount) / float64(s.TotalQueries)
}

// ring is a fixed-capacity FIFO buffer, oldest entries evicted first.
type ring[T any] struct {
	buf  []T
	head int
	size int
}

func newRing[T any](capacity int) *ring[T] {
	return &ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) add(item T) {
	r.buf[r.head] = item
	r.head = (r.head + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
}

func (r *ring[T]) items() []T {
	out := make([]T, 0, r.size)
	if r.size < len(r.buf) {
		return append(out, r.buf[:r.size]...)
	}
	out = append(out, r.buf[r.head:]...)
	return append(out, r.buf[:r.head]...)
}
