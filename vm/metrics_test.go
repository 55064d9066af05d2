package vm

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestMetricsCreation(t *testing.T) {
	m := NewMetrics()
	if m == nil {
		t.Fatal("Metrics should not be nil")
	}

	if m.GetPageFaults() != 0 {
		t.Errorf("Expected page faults 0, got %d", m.GetPageFaults())
	}

	if m.GetEvictions() != 0 {
		t.Errorf("Expected evictions 0, got %d", m.GetEvictions())
	}
}

func TestFaultMetrics(t *testing.T) {
	m := NewMetrics()

	m.RecordPageFault()
	m.RecordPageFault()
	m.RecordPageFault()
	m.RecordSwapIn()
	m.RecordEviction()
	m.RecordEviction()
	m.RecordCOWCopy()
	m.RecordCOWReuse()
	m.RecordInvalidFault()

	if m.GetPageFaults() != 3 {
		t.Errorf("Expected 3 page faults, got %d", m.GetPageFaults())
	}
	if m.GetSwapIns() != 1 {
		t.Errorf("Expected 1 swap-in, got %d", m.GetSwapIns())
	}
	if m.GetEvictions() != 2 {
		t.Errorf("Expected 2 evictions, got %d", m.GetEvictions())
	}
	if m.GetCOWCopies() != 1 {
		t.Errorf("Expected 1 COW copy, got %d", m.GetCOWCopies())
	}
	if m.GetCOWReuses() != 1 {
		t.Errorf("Expected 1 COW reuse, got %d", m.GetCOWReuses())
	}
	if m.GetInvalidFaults() != 1 {
		t.Errorf("Expected 1 invalid fault, got %d", m.GetInvalidFaults())
	}
}

func TestProcessMetrics(t *testing.T) {
	m := NewMetrics()

	m.RecordFork()
	m.RecordFork()
	m.RecordProcessKilled()
	m.RecordFrameAlloc()
	m.RecordFrameFree()

	if m.GetForks() != 2 {
		t.Errorf("Expected 2 forks, got %d", m.GetForks())
	}
	if m.GetProcessesKilled() != 1 {
		t.Errorf("Expected 1 killed process, got %d", m.GetProcessesKilled())
	}
	if m.GetFrameAllocs() != 1 || m.GetFrameFrees() != 1 {
		t.Errorf("Expected 1 alloc and 1 free, got %d and %d", m.GetFrameAllocs(), m.GetFrameFrees())
	}
}

func TestSwapLatencyPercentiles(t *testing.T) {
	l := newSwapLatency(128)
	for i := 100; i >= 1; i-- {
		l.record(time.Duration(i) * time.Microsecond)
	}

	snap := l.snapshot()
	if snap.Count != 100 || snap.Total != 100 {
		t.Errorf("Expected 100 samples, got %d of %d", snap.Count, snap.Total)
	}
	if snap.Mean != 50500*time.Nanosecond {
		t.Errorf("Expected mean 50.5us, got %v", snap.Mean)
	}
	if snap.P50 != 50*time.Microsecond {
		t.Errorf("Expected p50 50us, got %v", snap.P50)
	}
	if snap.P95 != 95*time.Microsecond {
		t.Errorf("Expected p95 95us, got %v", snap.P95)
	}
	if snap.P99 != 99*time.Microsecond {
		t.Errorf("Expected p99 99us, got %v", snap.P99)
	}
	if snap.Max != 100*time.Microsecond {
		t.Errorf("Expected max 100us, got %v", snap.Max)
	}
}

func TestSwapLatencyWindowWraps(t *testing.T) {
	l := newSwapLatency(3)
	l.record(time.Second)
	for i := 1; i <= 4; i++ {
		l.record(time.Duration(i) * time.Millisecond)
	}

	snap := l.snapshot()
	if snap.Count != 3 {
		t.Errorf("Expected 3 retained samples, got %d", snap.Count)
	}
	if snap.Total != 5 {
		t.Errorf("Expected 5 recorded transfers, got %d", snap.Total)
	}
	if snap.Max != 4*time.Millisecond {
		t.Errorf("Expected oldest samples to be overwritten, max is %v", snap.Max)
	}
	if snap.P50 != 3*time.Millisecond {
		t.Errorf("Expected p50 3ms, got %v", snap.P50)
	}
}

func TestSwapLatencyEmpty(t *testing.T) {
	snap := newSwapLatency(8).snapshot()
	if snap != (LatencySnapshot{}) {
		t.Errorf("Expected zero snapshot, got %+v", snap)
	}
}

func TestSwapLatencyMetrics(t *testing.T) {
	m := NewMetrics()
	m.RecordSwapWriteLatency(40 * time.Microsecond)
	m.RecordSwapWriteLatency(60 * time.Microsecond)
	m.RecordSwapReadLatency(10 * time.Microsecond)

	write := m.GetSwapWriteLatency()
	if write.Count != 2 {
		t.Errorf("Expected 2 write samples, got %d", write.Count)
	}
	if write.Mean != 50*time.Microsecond {
		t.Errorf("Expected mean write latency 50us, got %v", write.Mean)
	}

	if m.GetSwapReadLatency().Count != 1 {
		t.Errorf("Expected 1 read sample, got %d", m.GetSwapReadLatency().Count)
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()
	m.RecordPageFault()
	m.RecordFork()
	m.RecordSwapReadLatency(time.Millisecond)

	m.Reset()

	if m.GetPageFaults() != 0 || m.GetForks() != 0 {
		t.Error("Expected counters to be zero after reset")
	}
	if read := m.GetSwapReadLatency(); read.Count != 0 || read.Total != 0 {
		t.Error("Expected latency windows to be empty after reset")
	}
}

func TestLogMetrics(t *testing.T) {
	m := NewMetrics()
	m.RecordPageFault()
	m.RecordEviction()

	var buf bytes.Buffer
	m.LogMetrics(NewLogger("info", &buf))

	out := buf.String()
	for _, want := range []string{"Paging Metrics", "faults.page_faults=1", "faults.evictions=1", "processes.killed=0"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected log output to contain %q, got %s", want, out)
		}
	}
}
