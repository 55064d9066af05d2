package vm

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
)

// AddressSpace is the hardware page-table primitive of one process
type AddressSpace interface {
	// Translate returns the frame backing va if the page is present
	Translate(va uintptr) (Frame, bool)

	// Map installs a present mapping. Mapping over a present page fails.
	Map(va uintptr, frame Frame, perm Flags) error

	// Unmap removes the entry for va entirely
	Unmap(va uintptr)

	// Flags returns the entry bits for va, false if no entry exists
	Flags(va uintptr) (Flags, bool)

	// SetFlags replaces the bits of the entry for va, creating a
	// frameless entry when none exists
	SetFlags(va uintptr, flags Flags) error

	// Activate installs the table as the hardware-active mapping
	Activate()

	// Walk visits every entry in ascending address order until fn
	// returns false
	Walk(fn func(va uintptr, frame Frame, flags Flags) bool)
}

// pte is one page table entry
type pte struct {
	frame Frame
	flags Flags
}

// pageTableShard is a single shard with its own lock
type pageTableShard struct {
	mu      sync.RWMutex
	entries map[uintptr]pte
}

// PageTable is an in-memory AddressSpace. Entries are partitioned by
// virtual page number across shards so introspection from other goroutines
// does not contend with the owner.
type PageTable struct {
	shards      []*pageTableShard
	numShards   uintptr
	activations atomic.Uint64
}

// NewPageTable creates a new sharded page table
func NewPageTable(numShards int) *PageTable {
	if numShards <= 0 {
		numShards = 16
	}
	shards := make([]*pageTableShard, numShards)
	for i := range shards {
		shards[i] = &pageTableShard{
			entries: make(map[uintptr]pte),
		}
	}
	return &PageTable{
		shards:    shards,
		numShards: uintptr(numShards),
	}
}

func (pt *PageTable) shard(va uintptr) *pageTableShard {
	return pt.shards[(va>>PageShift)%pt.numShards]
}

// Translate returns the frame backing va if the page is present
func (pt *PageTable) Translate(va uintptr) (Frame, bool) {
	va = PageRoundDown(va)
	s := pt.shard(va)
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[va]
	if !ok || !e.flags.Has(FlagPresent) {
		return InvalidFrame, false
	}
	return e.frame, true
}

// Map installs a present mapping for va
func (pt *PageTable) Map(va uintptr, frame Frame, perm Flags) error {
	if va%PageSize != 0 {
		return fmt.Errorf("map: address 0x%x is not page aligned", va)
	}
	s := pt.shard(va)
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[va]; ok && e.flags.Has(FlagPresent) {
		return fmt.Errorf("map: remap of present page 0x%x", va)
	}
	s.entries[va] = pte{frame: frame, flags: (perm | FlagPresent) &^ FlagOnDisk}
	return nil
}

// Unmap removes the entry for va
func (pt *PageTable) Unmap(va uintptr) {
	va = PageRoundDown(va)
	s := pt.shard(va)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, va)
}

// Flags returns the entry bits for va
func (pt *PageTable) Flags(va uintptr) (Flags, bool) {
	va = PageRoundDown(va)
	s := pt.shard(va)
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[va]
	return e.flags, ok
}

// SetFlags replaces the bits of the entry for va
func (pt *PageTable) SetFlags(va uintptr, flags Flags) error {
	va = PageRoundDown(va)
	s := pt.shard(va)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[va]
	if !ok {
		if flags.Has(FlagPresent) {
			return fmt.Errorf("set flags: present bit on unmapped page 0x%x", va)
		}
		e.frame = InvalidFrame
	}
	e.flags = flags
	s.entries[va] = e
	return nil
}

// Activate installs the table as the hardware-active mapping
func (pt *PageTable) Activate() {
	pt.activations.Add(1)
}

// Activations returns how many times the table was made active
func (pt *PageTable) Activations() uint64 {
	return pt.activations.Load()
}

// Walk visits every entry in ascending address order. The callback runs
// without shard locks held, over a snapshot of the table.
func (pt *PageTable) Walk(fn func(va uintptr, frame Frame, flags Flags) bool) {
	type entry struct {
		va uintptr
		pte
	}
	var all []entry
	for _, s := range pt.shards {
		s.mu.RLock()
		for va, e := range s.entries {
			all = append(all, entry{va: va, pte: e})
		}
		s.mu.RUnlock()
	}
	slices.SortFunc(all, func(a, b entry) int {
		switch {
		case a.va < b.va:
			return -1
		case a.va > b.va:
			return 1
		}
		return 0
	})
	for _, e := range all {
		if !fn(e.va, e.frame, e.flags) {
			return
		}
	}
}

// Size returns the number of entries across all shards
func (pt *PageTable) Size() int {
	total := 0
	for _, s := range pt.shards {
		s.mu.RLock()
		total += len(s.entries)
		s.mu.RUnlock()
	}
	return total
}
