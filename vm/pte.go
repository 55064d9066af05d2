package vm

import "strings"

const (
	PageShift = 12
	PageSize  = 1 << PageShift

	// DefaultMaxPsycPages is the per-process RAM quota
	DefaultMaxPsycPages = 16
	// DefaultMaxTotalPages bounds resident plus swapped pages of a process
	DefaultMaxTotalPages = 32

	// PrivilegedPIDs is the number of bootstrap processes (init and the
	// shell) that never take part in eviction accounting.
	PrivilegedPIDs = 2
)

// IsPrivileged reports whether pid belongs to a bootstrap process
func IsPrivileged(pid int) bool {
	return pid <= PrivilegedPIDs
}

// PageRoundDown aligns va to the start of its page
func PageRoundDown(va uintptr) uintptr {
	return va &^ (PageSize - 1)
}

// PageRoundUp aligns va to the start of the next page
func PageRoundUp(va uintptr) uintptr {
	return (va + PageSize - 1) &^ (PageSize - 1)
}

// Flags are the protection and status bits of a page table entry
type Flags uint16

const (
	FlagPresent Flags = 1 << iota
	FlagWritable
	FlagUser
	FlagAccessed
	FlagCOW    // shared copy-on-write mapping
	FlagOnDisk // page lives in the process swap store
)

// Has reports whether all bits of mask are set
func (f Flags) Has(mask Flags) bool {
	return f&mask == mask
}

func (f Flags) String() string {
	if f == 0 {
		return "-"
	}
	names := []struct {
		flag Flags
		name string
	}{
		{FlagPresent, "P"},
		{FlagWritable, "W"},
		{FlagUser, "U"},
		{FlagAccessed, "A"},
		{FlagCOW, "COW"},
		{FlagOnDisk, "PG"},
	}
	var parts []string
	for _, n := range names {
		if f&n.flag != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}
