package vm

// NFUPolicy evicts the page with the smallest aging counter
type NFUPolicy struct{}

func (p *NFUPolicy) Kind() Policy {
	return PolicyNFU
}

func (p *NFUPolicy) InitialCounter() uint64 {
	return 0
}

// Age shifts the counters of all resident pages
func (p *NFUPolicy) Age(table *RecordTable, space AddressSpace) {
	ageCounters(table, space)
}

// SelectVictim returns the qualifying page with the numerically smallest
// counter. The first minimum in list order wins ties.
func (p *NFUPolicy) SelectVictim(table *RecordTable, space AddressSpace) (int, bool) {
	victim := -1
	var min uint64
	for _, i := range table.Resident() {
		r := table.Record(i)
		if !qualifies(space.Flags(r.va)) {
			continue
		}
		if victim < 0 || r.counter < min {
			victim = i
			min = r.counter
		}
	}
	return victim, victim >= 0
}
