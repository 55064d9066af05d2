package vm

import (
	"fmt"
	"strings"
)

// Policy selects the page replacement algorithm used system wide
type Policy uint8

const (
	PolicyNone Policy = iota
	PolicyNFU
	PolicyLAPA
	PolicySCFIFO
	PolicyAQ
)

func (p Policy) String() string {
	switch p {
	case PolicyNone:
		return "none"
	case PolicyNFU:
		return "nfu"
	case PolicyLAPA:
		return "lapa"
	case PolicySCFIFO:
		return "scfifo"
	case PolicyAQ:
		return "aq"
	default:
		return fmt.Sprintf("Policy(%d)", uint8(p))
	}
}

// ParsePolicy maps a configuration string to a Policy
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "":
		return PolicyNone, nil
	case "nfu", "nfua":
		return PolicyNFU, nil
	case "lapa":
		return PolicyLAPA, nil
	case "scfifo":
		return PolicySCFIFO, nil
	case "aq":
		return PolicyAQ, nil
	default:
		return PolicyNone, fmt.Errorf("unknown paging policy: %s (must be none, nfu, lapa, scfifo, or aq)", s)
	}
}

// counterTopBit is ORed into a recency counter when the page was accessed
const counterTopBit = uint64(1) << 63

// EvictionPolicy picks the resident page to move to disk when a process is
// at its RAM quota. Implementations hold no per-process state: all
// bookkeeping lives in the record table and the page table bits.
type EvictionPolicy interface {
	// Kind returns the policy identifier
	Kind() Policy

	// InitialCounter is the recency counter given to a newly resident page
	InitialCounter() uint64

	// Age runs the once-per-fault bookkeeping pass
	Age(table *RecordTable, space AddressSpace)

	// SelectVictim returns the table index of the page to evict
	SelectVictim(table *RecordTable, space AddressSpace) (int, bool)
}

// NewEvictionPolicy creates the strategy for p. PolicyNone disables paging
// and yields nil.
func NewEvictionPolicy(p Policy) EvictionPolicy {
	switch p {
	case PolicyNFU:
		return &NFUPolicy{}
	case PolicyLAPA:
		return &LAPAPolicy{}
	case PolicySCFIFO:
		return &SCFIFOPolicy{}
	case PolicyAQ:
		return &AQPolicy{}
	default:
		return nil
	}
}

// qualifies reports whether a resident page may be chosen as a victim
func qualifies(flags Flags, ok bool) bool {
	return ok && flags.Has(FlagUser|FlagPresent)
}

// accessed reads the accessed bit of va
func accessed(space AddressSpace, va uintptr) bool {
	flags, ok := space.Flags(va)
	return ok && flags.Has(FlagAccessed)
}

// clearAccessed drops the accessed bit of va if it is set
func clearAccessed(space AddressSpace, va uintptr) {
	flags, ok := space.Flags(va)
	if !ok || !flags.Has(FlagAccessed) {
		return
	}
	// The entry exists, so SetFlags cannot fail.
	_ = space.SetFlags(va, flags&^FlagAccessed)
}

// ageCounters shifts every resident counter right by one and folds the
// accessed bit into the top bit. Shared by NFU and LAPA.
func ageCounters(table *RecordTable, space AddressSpace) {
	for _, i := range table.Resident() {
		r := table.Record(i)
		r.counter >>= 1
		if accessed(space, r.va) {
			r.counter |= counterTopBit
			clearAccessed(space, r.va)
		}
	}
}
