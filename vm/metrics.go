package vm

import (
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// swapLatency keeps the most recent swap transfer times in a ring.
// Percentiles use the nearest-rank method over the retained window.
type swapLatency struct {
	mu    sync.Mutex
	ring  []time.Duration
	next  int
	full  bool
	total uint64
}

func newSwapLatency(window int) *swapLatency {
	return &swapLatency{ring: make([]time.Duration, window)}
}

func (l *swapLatency) record(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ring[l.next] = d
	l.next++
	if l.next == len(l.ring) {
		l.next = 0
		l.full = true
	}
	l.total++
}

func (l *swapLatency) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next = 0
	l.full = false
	l.total = 0
}

// LatencySnapshot summarises the retained swap transfer times
type LatencySnapshot struct {
	Count int    // samples in the window
	Total uint64 // transfers recorded since the last reset
	Mean  time.Duration
	P50   time.Duration
	P95   time.Duration
	P99   time.Duration
	Max   time.Duration
}

func (l *swapLatency) snapshot() LatencySnapshot {
	l.mu.Lock()
	n := l.next
	if l.full {
		n = len(l.ring)
	}
	window := slices.Clone(l.ring[:n])
	total := l.total
	l.mu.Unlock()

	snap := LatencySnapshot{Count: n, Total: total}
	if n == 0 {
		return snap
	}
	slices.Sort(window)

	var sum time.Duration
	for _, d := range window {
		sum += d
	}
	rank := func(p int) time.Duration {
		return window[max((p*n+99)/100-1, 0)]
	}
	snap.Mean = sum / time.Duration(n)
	snap.P50 = rank(50)
	snap.P95 = rank(95)
	snap.P99 = rank(99)
	snap.Max = window[n-1]
	return snap
}

// Metrics tracks system-wide paging counters. Per-process counters live on
// ProcessMemory; these are the cumulative totals.
type Metrics struct {
	// Fault Metrics
	pageFaults   atomic.Uint64
	swapIns      atomic.Uint64
	evictions    atomic.Uint64
	cowCopies    atomic.Uint64
	cowReuses    atomic.Uint64
	invalidFault atomic.Uint64

	// Frame Metrics
	frameAllocs atomic.Uint64
	frameFrees  atomic.Uint64

	// Process Metrics
	processesKilled atomic.Uint64
	forks           atomic.Uint64

	swapReadLatency  *swapLatency
	swapWriteLatency *swapLatency

	startTime time.Time
	mu        sync.RWMutex
}

// latencyWindow is how many recent swap transfers each direction keeps
const latencyWindow = 4096

// NewMetrics creates a new metrics tracker
func NewMetrics() *Metrics {
	return &Metrics{
		startTime:        time.Now(),
		swapReadLatency:  newSwapLatency(latencyWindow),
		swapWriteLatency: newSwapLatency(latencyWindow),
	}
}

// Fault Metrics

func (m *Metrics) RecordPageFault() {
	m.pageFaults.Add(1)
}

func (m *Metrics) RecordSwapIn() {
	m.swapIns.Add(1)
}

func (m *Metrics) RecordEviction() {
	m.evictions.Add(1)
}

func (m *Metrics) RecordCOWCopy() {
	m.cowCopies.Add(1)
}

func (m *Metrics) RecordCOWReuse() {
	m.cowReuses.Add(1)
}

func (m *Metrics) RecordInvalidFault() {
	m.invalidFault.Add(1)
}

// Frame Metrics

func (m *Metrics) RecordFrameAlloc() {
	m.frameAllocs.Add(1)
}

func (m *Metrics) RecordFrameFree() {
	m.frameFrees.Add(1)
}

// Process Metrics

func (m *Metrics) RecordProcessKilled() {
	m.processesKilled.Add(1)
}

func (m *Metrics) RecordFork() {
	m.forks.Add(1)
}

// RecordSwapReadLatency records the latency of a swap-in read
func (m *Metrics) RecordSwapReadLatency(duration time.Duration) {
	m.swapReadLatency.record(duration)
}

// RecordSwapWriteLatency records the latency of a swap-out write
func (m *Metrics) RecordSwapWriteLatency(duration time.Duration) {
	m.swapWriteLatency.record(duration)
}

// Getters

func (m *Metrics) GetPageFaults() uint64 {
	return m.pageFaults.Load()
}

func (m *Metrics) GetSwapIns() uint64 {
	return m.swapIns.Load()
}

func (m *Metrics) GetEvictions() uint64 {
	return m.evictions.Load()
}

func (m *Metrics) GetCOWCopies() uint64 {
	return m.cowCopies.Load()
}

func (m *Metrics) GetCOWReuses() uint64 {
	return m.cowReuses.Load()
}

func (m *Metrics) GetInvalidFaults() uint64 {
	return m.invalidFault.Load()
}

func (m *Metrics) GetFrameAllocs() uint64 {
	return m.frameAllocs.Load()
}

func (m *Metrics) GetFrameFrees() uint64 {
	return m.frameFrees.Load()
}

func (m *Metrics) GetProcessesKilled() uint64 {
	return m.processesKilled.Load()
}

func (m *Metrics) GetForks() uint64 {
	return m.forks.Load()
}

func (m *Metrics) GetUptime() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Since(m.startTime)
}

// GetSwapReadLatency summarises recent swap-in reads
func (m *Metrics) GetSwapReadLatency() LatencySnapshot {
	return m.swapReadLatency.snapshot()
}

// GetSwapWriteLatency summarises recent swap-out writes
func (m *Metrics) GetSwapWriteLatency() LatencySnapshot {
	return m.swapWriteLatency.snapshot()
}

func (s LatencySnapshot) attrs() []any {
	return []any{
		slog.Uint64("total", s.Total),
		slog.Duration("mean", s.Mean),
		slog.Duration("p95", s.P95),
		slog.Duration("p99", s.P99),
		slog.Duration("max", s.Max),
	}
}

// LogMetrics logs all metrics using structured logging
func (m *Metrics) LogMetrics(logger *slog.Logger) {
	swapRead := m.GetSwapReadLatency()
	swapWrite := m.GetSwapWriteLatency()

	logger.Info("Paging Metrics",
		slog.Group("faults",
			slog.Uint64("page_faults", m.GetPageFaults()),
			slog.Uint64("swap_ins", m.GetSwapIns()),
			slog.Uint64("evictions", m.GetEvictions()),
			slog.Uint64("cow_copies", m.GetCOWCopies()),
			slog.Uint64("cow_reuses", m.GetCOWReuses()),
			slog.Uint64("invalid", m.GetInvalidFaults()),
		),
		slog.Group("frames",
			slog.Uint64("allocs", m.GetFrameAllocs()),
			slog.Uint64("frees", m.GetFrameFrees()),
		),
		slog.Group("processes",
			slog.Uint64("forks", m.GetForks()),
			slog.Uint64("killed", m.GetProcessesKilled()),
		),
		slog.Group("swap_read", swapRead.attrs()...),
		slog.Group("swap_write", swapWrite.attrs()...),
		slog.Duration("uptime", m.GetUptime()),
	)
}

// Reset resets all metrics (useful for testing)
func (m *Metrics) Reset() {
	m.pageFaults.Store(0)
	m.swapIns.Store(0)
	m.evictions.Store(0)
	m.cowCopies.Store(0)
	m.cowReuses.Store(0)
	m.invalidFault.Store(0)
	m.frameAllocs.Store(0)
	m.frameFrees.Store(0)
	m.processesKilled.Store(0)
	m.forks.Store(0)

	m.swapReadLatency.reset()
	m.swapWriteLatency.reset()

	m.mu.Lock()
	m.startTime = time.Now()
	m.mu.Unlock()
}
