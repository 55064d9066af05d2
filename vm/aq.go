package vm

// AQPolicy keeps the resident list as an aging queue. Each fault bubbles
// accessed pages one step toward the tail, so the head is the victim.
type AQPolicy struct{}

func (p *AQPolicy) Kind() Policy {
	return PolicyAQ
}

func (p *AQPolicy) InitialCounter() uint64 {
	return 0
}

// Age walks adjacent pairs from the head. An accessed page followed by an
// unaccessed one trades places with it; an accessed page always has its
// bit cleared, and the last page's bit is cleared at the end.
func (p *AQPolicy) Age(table *RecordTable, space AddressSpace) {
	cur, ok := table.Head()
	if !ok {
		return
	}
	for {
		next, hasNext := table.Next(cur)
		if !hasNext {
			clearAccessed(space, table.Record(cur).va)
			return
		}
		curVA := table.Record(cur).va
		if !accessed(space, curVA) {
			cur = next
			continue
		}
		clearAccessed(space, curVA)
		if accessed(space, table.Record(next).va) {
			cur = next
			continue
		}
		// cur moves past next; the walk resumes at cur's new successor
		table.SwapWithNext(cur)
		after, hasAfter := table.Next(cur)
		if !hasAfter {
			return
		}
		cur = after
	}
}

// SelectVictim returns the first qualifying page from the head, which is
// the head itself whenever it belongs to the user.
func (p *AQPolicy) SelectVictim(table *RecordTable, space AddressSpace) (int, bool) {
	for _, i := range table.Resident() {
		if qualifies(space.Flags(table.Record(i).va)) {
			return i, true
		}
	}
	return 0, false
}
