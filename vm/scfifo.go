package vm

// SCFIFOPolicy is FIFO with a second chance: an accessed head page has its
// bit cleared and goes to the back of the queue.
type SCFIFOPolicy struct{}

func (p *SCFIFOPolicy) Kind() Policy {
	return PolicySCFIFO
}

func (p *SCFIFOPolicy) InitialCounter() uint64 {
	return 0
}

// Age does nothing; SCFIFO does all of its work at selection time
func (p *SCFIFOPolicy) Age(table *RecordTable, space AddressSpace) {}

// SelectVictim scans from the head. Pages that are accessed, non-user or
// not present are rotated to the tail with the accessed bit cleared and
// the scan restarts. Every page is rotated at most twice before the bits
// are exhausted, so the scan is bounded.
func (p *SCFIFOPolicy) SelectVictim(table *RecordTable, space AddressSpace) (int, bool) {
	limit := 2*table.ResidentCount() + 1
	for range limit {
		head, ok := table.Head()
		if !ok {
			return 0, false
		}
		va := table.Record(head).va
		flags, ok := space.Flags(va)
		if qualifies(flags, ok) && !flags.Has(FlagAccessed) {
			return head, true
		}
		clearAccessed(space, va)
		table.MoveToTail(head)
	}
	return 0, false
}
