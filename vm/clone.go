package vm

import "fmt"

// savedEntry remembers a parent entry rewritten during fork
type savedEntry struct {
	va    uintptr
	flags Flags
}

// Fork builds the paging context of a child process.
//
// Every present page is shared with the child through a retained frame.
// Writable and already copy-on-write pages become read-only COW in both
// address spaces; read-only pages stay shared read-only. The child gets a
// copy of the parent's page records and its own copy of every occupied
// swap slot, so swapped pages stay usable after fork.
//
// On failure everything built for the child is torn down and the parent's
// entries are restored.
func (pm *ProcessMemory) Fork(childPID int) (*ProcessMemory, error) {
	pm.enter("Fork")
	defer pm.leave()

	child := NewProcessMemory(childPID, pm.env)
	child.enter("Fork")
	defer child.leave()

	var saved []savedEntry
	var failure error
	pm.space.Walk(func(va uintptr, frame Frame, flags Flags) bool {
		switch {
		case flags.Has(FlagPresent):
			shared := flags
			if flags.Has(FlagWritable) || flags.Has(FlagCOW) {
				shared = (flags &^ FlagWritable) | FlagCOW
			}
			if err := pm.env.Frames.Retain(frame); err != nil {
				failure = err
				return false
			}
			if err := child.space.Map(va, frame, shared); err != nil {
				pm.env.Frames.Release(frame)
				failure = ErrInternal("Fork", err.Error()).withProcess(childPID).withAddress(va)
				return false
			}
			if shared != flags {
				saved = append(saved, savedEntry{va: va, flags: flags})
				pm.space.SetFlags(va, shared)
			}
		case flags.Has(FlagOnDisk):
			if err := child.space.SetFlags(va, flags); err != nil {
				failure = ErrInternal("Fork", err.Error()).withProcess(childPID).withAddress(va)
				return false
			}
		}
		return true
	})

	if failure == nil && pm.accounted() && child.accounted() {
		child.table.restore(pm.table)
		if err := child.swap.CopyFrom(pm.swap); err != nil {
			failure = withProcessContext(err, childPID)
		}
	}
	if failure == nil && !pm.accounted() && child.accounted() {
		failure = child.adopt()
	}

	if failure != nil {
		for _, e := range saved {
			pm.space.SetFlags(e.va, e.flags)
		}
		if err := child.teardown(child.space, child.table, child.swap); err != nil {
			pm.logger.Error("fork cleanup failed", "child", childPID, "error", err)
		}
		pm.space.Activate()
		return nil, failure
	}

	pm.space.Activate()
	pm.env.Metrics.RecordFork()
	pm.logger.Debug("forked", "child", childPID, "shared", len(saved))
	return child, nil
}

// adopt gives records to the present user pages of a context forked from
// an untracked process, evicting down to the RAM quota.
func (pm *ProcessMemory) adopt() error {
	var pages []uintptr
	pm.space.Walk(func(va uintptr, _ Frame, flags Flags) bool {
		if flags.Has(FlagPresent | FlagUser) {
			pages = append(pages, va)
		}
		return true
	})

	for _, va := range pages {
		total := pm.table.ResidentCount() + pm.table.SwappedCount()
		if total >= pm.env.Limits.MaxTotalPages {
			return ErrCapacityExceeded("Fork", pm.pid, total).withAddress(va)
		}
		if pm.table.ResidentCount() >= pm.env.Limits.MaxPsycPages {
			if err := pm.evictOne(); err != nil {
				return err
			}
		}
		if _, err := pm.table.AllocateRecord(va, pm.initialCounter()); err != nil {
			return withProcessContext(err, pm.pid)
		}
	}
	if len(pages) > 0 {
		pm.logger.Debug(fmt.Sprintf("adopted %d pages", len(pages)))
	}
	return nil
}
