package vm

import "fmt"

// PageState is the residency state of a PageRecord
type PageState uint8

const (
	PageFree PageState = iota
	PageInMemory
	PageOnDisk
)

func (s PageState) String() string {
	switch s {
	case PageFree:
		return "free"
	case PageInMemory:
		return "in-memory"
	case PageOnDisk:
		return "on-disk"
	default:
		return fmt.Sprintf("PageState(%d)", uint8(s))
	}
}

// link is an index into the record table. noLink marks the end of the
// resident list.
type link int32

const noLink link = -1

// PageRecord describes one virtual page a process has allocated
type PageRecord struct {
	va    uintptr
	hasVA bool
	state PageState

	slot    int
	hasSlot bool

	index   int
	counter uint64 // recency counter, meaning depends on the active policy

	prev, next link
}

// VA returns the virtual address of the page, if the record is in use
func (r *PageRecord) VA() (uintptr, bool) {
	return r.va, r.hasVA
}

// State returns the residency state
func (r *PageRecord) State() PageState {
	return r.state
}

// Slot returns the swap slot holding the page while it is on disk
func (r *PageRecord) Slot() (int, bool) {
	return r.slot, r.hasSlot
}

// Index returns the position of the record in its table
func (r *PageRecord) Index() int {
	return r.index
}

// Counter returns the recency counter
func (r *PageRecord) Counter() uint64 {
	return r.counter
}

// RecordTable is the fixed-capacity table of page records of one process.
// The resident list is threaded through the table by index: head is the
// oldest inserted page.
//
// RecordTable carries no lock. It belongs to the goroutine that owns the
// process.
type RecordTable struct {
	records  []PageRecord
	head     link
	tail     link
	resident int
	swapped  int
}

// NewRecordTable creates an empty table holding up to capacity records
func NewRecordTable(capacity int) *RecordTable {
	t := &RecordTable{
		records: make([]PageRecord, capacity),
	}
	t.Reset(0)
	return t
}

// Reset returns every record to the free state and seeds counters
func (t *RecordTable) Reset(counter uint64) {
	for i := range t.records {
		t.records[i] = PageRecord{
			index:   i,
			counter: counter,
			prev:    noLink,
			next:    noLink,
		}
	}
	t.head = noLink
	t.tail = noLink
	t.resident = 0
	t.swapped = 0
}

// Capacity returns the fixed number of records
func (t *RecordTable) Capacity() int {
	return len(t.records)
}

// ResidentCount returns the number of pages in RAM
func (t *RecordTable) ResidentCount() int {
	return t.resident
}

// SwappedCount returns the number of pages on disk
func (t *RecordTable) SwappedCount() int {
	return t.swapped
}

// Record returns the record at index i
func (t *RecordTable) Record(i int) *PageRecord {
	return &t.records[i]
}

// FindByAddress returns the in-use record for va
func (t *RecordTable) FindByAddress(va uintptr) (*PageRecord, bool) {
	for i := range t.records {
		r := &t.records[i]
		if r.hasVA && r.va == va && r.state != PageFree {
			return r, true
		}
	}
	return nil, false
}

// AllocateRecord takes a free record for va, marks it resident, appends it
// to the resident list and seeds its recency counter. A free record that
// last described va is preferred.
func (t *RecordTable) AllocateRecord(va uintptr, counter uint64) (*PageRecord, error) {
	idx := -1
	for i := range t.records {
		r := &t.records[i]
		if r.state == PageFree && r.va == va {
			idx = i
			break
		}
	}
	if idx < 0 {
		for i := range t.records {
			if t.records[i].state == PageFree {
				idx = i
				break
			}
		}
	}
	if idx < 0 {
		return nil, NewVMError(ErrCodeCapacityExceeded, "AllocateRecord", "record table is full", nil).withAddress(va)
	}

	r := &t.records[idx]
	r.va = va
	r.hasVA = true
	r.state = PageInMemory
	r.slot = 0
	r.hasSlot = false
	r.counter = counter
	t.AppendToResident(idx)
	t.resident++
	return r, nil
}

// Free returns a record to the free state, unlinking it from the resident
// list when needed. The swap slot must already be released by the caller.
func (t *RecordTable) Free(i int) {
	r := &t.records[i]
	switch r.state {
	case PageInMemory:
		t.RemoveFromResident(i)
		t.resident--
	case PageOnDisk:
		t.swapped--
	}
	r.hasVA = false
	r.state = PageFree
	r.slot = 0
	r.hasSlot = false
}

// RemoveFromResident unlinks record i from the resident list
func (t *RecordTable) RemoveFromResident(i int) {
	r := &t.records[i]
	if r.prev == noLink {
		t.head = r.next
	} else {
		t.records[r.prev].next = r.next
	}
	if r.next == noLink {
		t.tail = r.prev
	} else {
		t.records[r.next].prev = r.prev
	}
	r.prev = noLink
	r.next = noLink
}

// AppendToResident links record i at the tail of the resident list
func (t *RecordTable) AppendToResident(i int) {
	r := &t.records[i]
	r.next = noLink
	r.prev = t.tail
	if t.tail == noLink {
		t.head = link(i)
	} else {
		t.records[t.tail].next = link(i)
	}
	t.tail = link(i)
}

// MoveToTail moves record i to the end of the resident list
func (t *RecordTable) MoveToTail(i int) {
	if t.tail == link(i) {
		return
	}
	t.RemoveFromResident(i)
	t.AppendToResident(i)
}

// SwapWithNext exchanges record i with its successor in the resident list,
// moving i one position toward the tail.
func (t *RecordTable) SwapWithNext(i int) {
	a := &t.records[i]
	if a.next == noLink {
		return
	}
	bIdx := a.next
	b := &t.records[bIdx]
	prev, after := a.prev, b.next

	if prev == noLink {
		t.head = bIdx
	} else {
		t.records[prev].next = bIdx
	}
	b.prev = prev
	b.next = link(i)
	a.prev = bIdx
	a.next = after
	if after == noLink {
		t.tail = link(i)
	} else {
		t.records[after].prev = link(i)
	}
}

// Head returns the index of the oldest resident record
func (t *RecordTable) Head() (int, bool) {
	if t.head == noLink {
		return 0, false
	}
	return int(t.head), true
}

// Next returns the successor of record i in the resident list
func (t *RecordTable) Next(i int) (int, bool) {
	n := t.records[i].next
	if n == noLink {
		return 0, false
	}
	return int(n), true
}

// Resident returns the indices of resident records in list order
func (t *RecordTable) Resident() []int {
	out := make([]int, 0, t.resident)
	for l := t.head; l != noLink; l = t.records[l].next {
		out = append(out, int(l))
	}
	return out
}

// ResidentAddresses returns the virtual addresses of resident pages in list order
func (t *RecordTable) ResidentAddresses() []uintptr {
	out := make([]uintptr, 0, t.resident)
	for l := t.head; l != noLink; l = t.records[l].next {
		out = append(out, t.records[l].va)
	}
	return out
}

// markOnDisk moves a resident record, whose slot is already set, to the
// on-disk state
func (t *RecordTable) markOnDisk(i int) {
	r := &t.records[i]
	t.RemoveFromResident(i)
	r.state = PageOnDisk
	t.resident--
	t.swapped++
}

// markInMemory moves an on-disk record back to the resident list tail
func (t *RecordTable) markInMemory(i int, counter uint64) {
	r := &t.records[i]
	r.state = PageInMemory
	r.slot = 0
	r.hasSlot = false
	r.counter = counter
	t.AppendToResident(i)
	t.swapped--
	t.resident++
}

// Clone returns a deep copy of the table. Links are indices, so the copy
// shares nothing with the original.
func (t *RecordTable) Clone() *RecordTable {
	c := &RecordTable{
		records:  make([]PageRecord, len(t.records)),
		head:     t.head,
		tail:     t.tail,
		resident: t.resident,
		swapped:  t.swapped,
	}
	copy(c.records, t.records)
	return c
}

// restore overwrites the table with a saved copy
func (t *RecordTable) restore(saved *RecordTable) {
	copy(t.records, saved.records)
	t.head = saved.head
	t.tail = saved.tail
	t.resident = saved.resident
	t.swapped = saved.swapped
}

// firstOnDisk returns the lowest-index on-disk record
func (t *RecordTable) firstOnDisk() (int, bool) {
	for i := range t.records {
		if t.records[i].state == PageOnDisk {
			return i, true
		}
	}
	return 0, false
}
