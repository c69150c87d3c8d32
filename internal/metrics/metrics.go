// Package metrics keeps in-process counters and timers for the ledger and
// exposes them as a JSON snapshot on /metrics.
package metrics

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Metric names shared across packages.
const (
	AppendAccepted      = "ledger.append.accepted"
	AppendRejected      = "ledger.append.rejected"
	AppendReplayed      = "ledger.append.idempotent_replay"
	AppendConflicts     = "ledger.append.version_conflict"
	AppendLatency       = "ledger.append"
	ProjectionRebuilds  = "projection.rebuilds"
	ChainBreaks         = "integrity.chain_breaks"
	AuditRuns           = "integrity.audits"
	OutboxDelivered     = "outbox.delivered"
	OutboxRetried       = "outbox.retried"
	OutboxFailed        = "outbox.failed"
	OutboxPendingGauge  = "outbox.pending"
	OutboxDelivery      = "outbox.delivery"
	CacheHits           = "cache.hits"
	CacheMisses         = "cache.misses"
	DBQuery             = "db.query"
	HTTPRequests        = "http.requests"
	HTTPRequestDuration = "http.request"
)

type timer struct {
	count   int64
	totalMs int64
	minMs   int64
	maxMs   int64
}

type ratio struct {
	total  int64
	errors int64
}

// TimerMetric is the snapshot of a timer.
type TimerMetric struct {
	Count         int64   `json:"count"`
	TotalTimeMs   int64   `json:"total_time_ms"`
	AverageTimeMs float64 `json:"average_time_ms"`
	MinTimeMs     int64   `json:"min_time_ms"`
	MaxTimeMs     int64   `json:"max_time_ms"`
}

// ErrorRateMetric is the snapshot of an error rate.
type ErrorRateMetric struct {
	Total     int64   `json:"total"`
	Errors    int64   `json:"errors"`
	ErrorRate float64 `json:"error_rate"`
}

// Metrics is safe for concurrent use. Series are created on first use.
type Metrics struct {
	mu         sync.RWMutex
	counters   map[string]*int64
	gauges     map[string]*int64
	timers     map[string]*timer
	errorRates map[string]*ratio
	startTime  time.Time
}

func NewMetrics() *Metrics {
	return &Metrics{
		counters:   make(map[string]*int64),
		gauges:     make(map[string]*int64),
		timers:     make(map[string]*timer),
		errorRates: make(map[string]*ratio),
		startTime:  time.Now(),
	}
}

var defaultMetrics = NewMetrics()

// Default returns the process-wide collector.
func Default() *Metrics { return defaultMetrics }

// series returns m[name], creating it with mk under the write lock.
func series[T any](mu *sync.RWMutex, m map[string]*T, name string, mk func() *T) *T {
	mu.RLock()
	v, ok := m[name]
	mu.RUnlock()
	if ok {
		return v
	}
	mu.Lock()
	defer mu.Unlock()
	if v, ok = m[name]; !ok {
		v = mk()
		m[name] = v
	}
	return v
}

func (m *Metrics) IncrementCounter(name string) {
	m.IncrementCounterBy(name, 1)
}

func (m *Metrics) IncrementCounterBy(name string, value int64) {
	c := series(&m.mu, m.counters, name, func() *int64 { return new(int64) })
	atomic.AddInt64(c, value)
}

func (m *Metrics) SetGauge(name string, value int64) {
	g := series(&m.mu, m.gauges, name, func() *int64 { return new(int64) })
	atomic.StoreInt64(g, value)
}

// RecordTimer records one duration.
func (m *Metrics) RecordTimer(name string, d time.Duration) {
	ms := d.Milliseconds()
	t := series(&m.mu, m.timers, name, func() *timer { return &timer{minMs: math.MaxInt64} })

	atomic.AddInt64(&t.count, 1)
	atomic.AddInt64(&t.totalMs, ms)
	for {
		cur := atomic.LoadInt64(&t.minMs)
		if ms >= cur || atomic.CompareAndSwapInt64(&t.minMs, cur, ms) {
			break
		}
	}
	for {
		cur := atomic.LoadInt64(&t.maxMs)
		if ms <= cur || atomic.CompareAndSwapInt64(&t.maxMs, cur, ms) {
			break
		}
	}
}

// Since is shorthand for RecordTimer(name, time.Since(start)).
func (m *Metrics) Since(name string, start time.Time) {
	m.RecordTimer(name, time.Since(start))
}

// RecordOutcome feeds the error rate for name.
func (m *Metrics) RecordOutcome(name string, err error) {
	r := series(&m.mu, m.errorRates, name, func() *ratio { return &ratio{} })
	atomic.AddInt64(&r.total, 1)
	if err != nil {
		atomic.AddInt64(&r.errors, 1)
	}
}

func (m *Metrics) Counter(name string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.counters[name]; ok {
		return atomic.LoadInt64(c)
	}
	return 0
}

func (m *Metrics) GetCounters() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int64, len(m.counters))
	for name, c := range m.counters {
		out[name] = atomic.LoadInt64(c)
	}
	return out
}

func (m *Metrics) GetGauges() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int64, len(m.gauges))
	for name, g := range m.gauges {
		out[name] = atomic.LoadInt64(g)
	}
	return out
}

func (m *Metrics) GetTimers() map[string]TimerMetric {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]TimerMetric, len(m.timers))
	for name, t := range m.timers {
		count := atomic.LoadInt64(&t.count)
		total := atomic.LoadInt64(&t.totalMs)
		tm := TimerMetric{
			Count:       count,
			TotalTimeMs: total,
			MinTimeMs:   atomic.LoadInt64(&t.minMs),
			MaxTimeMs:   atomic.LoadInt64(&t.maxMs),
		}
		if count > 0 {
			tm.AverageTimeMs = float64(total) / float64(count)
		}
		out[name] = tm
	}
	return out
}

func (m *Metrics) GetErrorRates() map[string]ErrorRateMetric {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]ErrorRateMetric, len(m.errorRates))
	for name, r := range m.errorRates {
		total := atomic.LoadInt64(&r.total)
		errs := atomic.LoadInt64(&r.errors)
		em := ErrorRateMetric{Total: total, Errors: errs}
		if total > 0 {
			em.ErrorRate = float64(errs) / float64(total) * 100.0
		}
		out[name] = em
	}
	return out
}

// GetAllMetrics returns the full snapshot.
func (m *Metrics) GetAllMetrics() map[string]interface{} {
	return map[string]interface{}{
		"uptime_seconds": int64(time.Since(m.startTime).Seconds()),
		"counters":       m.GetCounters(),
		"gauges":         m.GetGauges(),
		"timers":         m.GetTimers(),
		"error_rates":    m.GetErrorRates(),
	}
}
