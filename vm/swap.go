package vm

import (
	"time"
)

// SwapStore is the per-process backing store: a fixed number of page sized
// slots in one swap file plus an occupancy map. The file is created on the
// first write-out.
type SwapStore struct {
	backing  BackingStore
	name     string
	occupied []bool
	used     int
	created  bool
	metrics  *Metrics
}

// NewSwapStore creates a store with slotCount slots in the swap file name
func NewSwapStore(backing BackingStore, name string, slotCount int, metrics *Metrics) *SwapStore {
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &SwapStore{
		backing:  backing,
		name:     name,
		occupied: make([]bool, slotCount),
		metrics:  metrics,
	}
}

// Name returns the swap file name
func (s *SwapStore) Name() string {
	return s.name
}

// SlotCount returns the number of slots
func (s *SwapStore) SlotCount() int {
	return len(s.occupied)
}

// Used returns the number of occupied slots
func (s *SwapStore) Used() int {
	return s.used
}

// Occupied reports whether slot holds a page
func (s *SwapStore) Occupied(slot int) bool {
	return slot >= 0 && slot < len(s.occupied) && s.occupied[slot]
}

func (s *SwapStore) ensure() error {
	if s.created {
		return nil
	}
	if err := s.backing.Create(s.name); err != nil {
		return ErrSwapIo("CreateSwapFile", err)
	}
	s.created = true
	return nil
}

func slotOffset(slot int) int64 {
	return int64(slot) * PageSize
}

// freeSlot returns the first unoccupied slot
func (s *SwapStore) freeSlot() (int, bool) {
	for i, busy := range s.occupied {
		if !busy {
			return i, true
		}
	}
	return 0, false
}

// WriteOut stores content in the first free slot and records the slot on
// rec. Moving rec to the on-disk state is left to the record table.
func (s *SwapStore) WriteOut(rec *PageRecord, content []byte) (int, error) {
	slot, ok := s.freeSlot()
	if !ok {
		return 0, ErrOutOfSwapSpace("WriteOut", len(s.occupied))
	}
	if err := s.ensure(); err != nil {
		return 0, err
	}

	start := time.Now()
	if err := s.backing.WriteAt(s.name, content[:PageSize], slotOffset(slot)); err != nil {
		return 0, ErrSwapIo("WriteOut", err).withAddress(rec.va)
	}
	s.metrics.RecordSwapWriteLatency(time.Since(start))

	s.occupied[slot] = true
	s.used++
	rec.slot = slot
	rec.hasSlot = true
	return slot, nil
}

// ReadIn reads the page held by rec into buf
func (s *SwapStore) ReadIn(rec *PageRecord, buf []byte) error {
	slot, ok := rec.Slot()
	if !ok || !s.Occupied(slot) {
		return NewVMError(ErrCodeSwapIoFailure, "ReadIn", "record has no occupied swap slot", nil).withAddress(rec.va)
	}

	start := time.Now()
	if err := s.backing.ReadAt(s.name, buf[:PageSize], slotOffset(slot)); err != nil {
		return ErrSwapIo("ReadIn", err).withAddress(rec.va)
	}
	s.metrics.RecordSwapReadLatency(time.Since(start))
	return nil
}

// FreeSlot clears the occupancy of the slot held by rec and drops the
// record's slot reference.
func (s *SwapStore) FreeSlot(rec *PageRecord) {
	slot, ok := rec.Slot()
	if !ok {
		return
	}
	if s.Occupied(slot) {
		s.occupied[slot] = false
		s.used--
	}
	rec.slot = 0
	rec.hasSlot = false
}

// CopyFrom duplicates every occupied slot of parent into s at the same slot
// index.
func (s *SwapStore) CopyFrom(parent *SwapStore) error {
	if len(s.occupied) != len(parent.occupied) {
		return ErrInternal("CopySwap", "swap stores differ in slot count")
	}
	buf := make([]byte, PageSize)
	for slot, busy := range parent.occupied {
		if !busy {
			continue
		}
		if err := s.ensure(); err != nil {
			return err
		}
		if err := parent.backing.ReadAt(parent.name, buf, slotOffset(slot)); err != nil {
			return ErrSwapIo("CopySwap", err)
		}
		if err := s.backing.WriteAt(s.name, buf, slotOffset(slot)); err != nil {
			return ErrSwapIo("CopySwap", err)
		}
		if !s.occupied[slot] {
			s.occupied[slot] = true
			s.used++
		}
	}
	return nil
}

// Destroy removes the swap file and clears every slot
func (s *SwapStore) Destroy() error {
	clear(s.occupied)
	s.used = 0
	if !s.created {
		return nil
	}
	s.created = false
	if err := s.backing.Destroy(s.name); err != nil {
		return ErrSwapIo("DestroySwapFile", err)
	}
	return nil
}
