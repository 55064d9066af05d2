package vm

import "fmt"

// Access is the kind of memory reference that faulted
type Access uint8

const (
	AccessRead Access = iota
	AccessWrite
)

func (a Access) String() string {
	if a == AccessWrite {
		return "write"
	}
	return "read"
}

// Mode is the privilege level the fault was taken in
type Mode uint8

const (
	UserMode Mode = iota
	KernelMode
)

func (m Mode) String() string {
	if m == KernelMode {
		return "kernel"
	}
	return "user"
}

// HandleFault resolves a page fault at va.
//
// A write to a present copy-on-write page is resolved by copying or
// reclaiming the frame. A page that is on disk is swapped in, evicting a
// victim first when the process is at its RAM quota. Anything else is an
// invalid access: it kills the process in user mode and is a KernelFault
// in kernel mode.
func (pm *ProcessMemory) HandleFault(va uintptr, access Access, mode Mode) error {
	pm.enter("HandleFault")
	defer pm.leave()
	return pm.handleFault(va, access, mode)
}

func (pm *ProcessMemory) handleFault(va uintptr, access Access, mode Mode) error {
	va = PageRoundDown(va)
	pm.faults.Add(1)
	pm.env.Metrics.RecordPageFault()

	if pm.accounted() {
		pm.policy.Age(pm.table, pm.space)
	}

	flags, ok := pm.space.Flags(va)
	switch {
	case ok && flags.Has(FlagPresent):
		if access == AccessWrite && flags.Has(FlagCOW) {
			return pm.resolveCOW(va, flags)
		}
	case ok && flags.Has(FlagOnDisk) && pm.accounted():
		rec, found := pm.table.FindByAddress(va)
		if !found || rec.state != PageOnDisk {
			return ErrInternal("HandleFault", "on-disk page has no swap record").withProcess(pm.pid).withAddress(va)
		}
		if pm.table.ResidentCount() >= pm.env.Limits.MaxPsycPages {
			if err := pm.evictOne(); err != nil {
				return err
			}
		}
		return pm.swapIn(rec.index)
	}
	return pm.invalidAccess(va, access, mode, flags)
}

func (pm *ProcessMemory) invalidAccess(va uintptr, access Access, mode Mode, flags Flags) error {
	pm.env.Metrics.RecordInvalidFault()
	if mode == KernelMode {
		pm.logger.Error("page fault in kernel mode",
			"va", fmt.Sprintf("0x%x", va), "access", access.String(), "flags", flags.String())
		return ErrKernelFault("HandleFault", pm.pid, va)
	}
	pm.logger.Info("segmentation fault",
		"va", fmt.Sprintf("0x%x", va), "access", access.String(), "flags", flags.String())
	return ErrInvalidAccess("HandleFault", pm.pid, va)
}
