package vm

import (
	"fmt"
	"strings"
	"sync"
	"testing"
)

// newTestEnv builds an environment over frameCount frames with an
// in-memory swap store
func newTestEnv(t *testing.T, policy Policy, frameCount uint32) *Environment {
	t.Helper()
	metrics := NewMetrics()
	frames := NewFrameAllocator(frameCount, metrics)
	if err := frames.FinishBootstrap(0, Frame(frameCount)); err != nil {
		t.Fatalf("Failed to boot frame allocator: %v", err)
	}
	return &Environment{
		Frames:  frames,
		Backing: NewMemoryBackingStore(),
		Policy:  NewEvictionPolicy(policy),
		Limits:  DefaultLimits(),
		Metrics: metrics,
	}
}

func newTestProcess(t *testing.T, pid int, policy Policy) (*ProcessMemory, *Environment) {
	t.Helper()
	env := newTestEnv(t, policy, 128)
	return NewProcessMemory(pid, env), env
}

func pageVA(i int) uintptr {
	return uintptr(i+1) * PageSize
}

// fillPages allocates n pages and stamps each one with its index
func fillPages(t *testing.T, pm *ProcessMemory, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := pm.AllocatePage(pageVA(i)); err != nil {
			t.Fatalf("AllocatePage(%d) failed: %v", i, err)
		}
		if err := pm.Store(pageVA(i), pagePattern(i)); err != nil {
			t.Fatalf("Store(%d) failed: %v", i, err)
		}
	}
}

// pagePattern is the content fillPages writes to page i
func pagePattern(i int) []byte {
	return []byte(fmt.Sprintf("page-%03d", i))
}

func loadPattern(t *testing.T, pm *ProcessMemory, i int) string {
	t.Helper()
	buf := make([]byte, len(pagePattern(i)))
	if err := pm.Load(pageVA(i), buf); err != nil {
		t.Fatalf("Load(%d) failed: %v", i, err)
	}
	return string(buf)
}

// failingBackingStore wraps the memory store and fails writes to swap
// files whose name has the given prefix
type failingBackingStore struct {
	*MemoryBackingStore
	mu     sync.Mutex
	prefix string
}

func (f *failingBackingStore) WriteAt(name string, p []byte, off int64) error {
	f.mu.Lock()
	prefix := f.prefix
	f.mu.Unlock()
	if prefix != "" && strings.HasPrefix(name, prefix) {
		return fmt.Errorf("injected write failure on %s", name)
	}
	return f.MemoryBackingStore.WriteAt(name, p, off)
}
