package vm

import "math/bits"

// LAPAPolicy evicts the page whose counter has the fewest set bits. New
// pages start with every bit set so they are not chosen right away.
type LAPAPolicy struct{}

func (p *LAPAPolicy) Kind() Policy {
	return PolicyLAPA
}

func (p *LAPAPolicy) InitialCounter() uint64 {
	return ^uint64(0)
}

// Age uses the same update as NFU
func (p *LAPAPolicy) Age(table *RecordTable, space AddressSpace) {
	ageCounters(table, space)
}

// SelectVictim returns the qualifying page with the fewest set counter
// bits, breaking ties by the smaller counter and then by list order.
func (p *LAPAPolicy) SelectVictim(table *RecordTable, space AddressSpace) (int, bool) {
	victim := -1
	var minOnes int
	var minCounter uint64
	for _, i := range table.Resident() {
		r := table.Record(i)
		if !qualifies(space.Flags(r.va)) {
			continue
		}
		ones := bits.OnesCount64(r.counter)
		if victim < 0 || ones < minOnes || (ones == minOnes && r.counter < minCounter) {
			victim = i
			minOnes = ones
			minCounter = r.counter
		}
	}
	return victim, victim >= 0
}
