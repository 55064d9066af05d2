package vm

import (
	"fmt"
	"log/slog"
	"sync/atomic"
)

// Limits bounds the pages of one process
type Limits struct {
	MaxPsycPages  int // RAM quota
	MaxTotalPages int // resident plus swapped
}

// DefaultLimits returns the stock per-process limits
func DefaultLimits() Limits {
	return Limits{
		MaxPsycPages:  DefaultMaxPsycPages,
		MaxTotalPages: DefaultMaxTotalPages,
	}
}

// SwapSlots returns the swap slots a process needs: one more than the RAM
// quota, grown when the total limit leaves more pages on disk than that
func (l Limits) SwapSlots() int {
	return max(l.MaxPsycPages, l.MaxTotalPages-l.MaxPsycPages) + 1
}

// Environment holds the kernel-wide collaborators shared by every process
type Environment struct {
	Frames  *FrameAllocator
	Backing BackingStore
	Policy  EvictionPolicy // nil disables paging
	Limits  Limits
	Metrics *Metrics
	Logger  *slog.Logger

	// NewSpace creates an empty address space. Defaults to a PageTable.
	NewSpace func() AddressSpace
}

func (env *Environment) space() AddressSpace {
	if env.NewSpace != nil {
		return env.NewSpace()
	}
	return NewPageTable(16)
}

// ProcessMemory is the paging context of one process: its address space,
// page records and swap store.
//
// ProcessMemory carries no lock. Exactly one goroutine may drive it at a
// time; concurrent entry is detected and panics with ErrConcurrentUse.
type ProcessMemory struct {
	pid    int
	env    *Environment
	space  AddressSpace
	table  *RecordTable
	swap   *SwapStore
	policy EvictionPolicy
	gen    int // swap file generation, bumped by exec

	faults    atomic.Uint64
	evictions atomic.Uint64
	swapIns   atomic.Uint64
	cowCopies atomic.Uint64

	scratch []byte
	busy    atomic.Bool
	logger  *slog.Logger
}

// NewProcessMemory creates an empty paging context for pid
func NewProcessMemory(pid int, env *Environment) *ProcessMemory {
	if env.Metrics == nil {
		env.Metrics = NewMetrics()
	}
	if env.Logger == nil {
		env.Logger = discardLogger()
	}
	if env.Limits.MaxPsycPages <= 0 || env.Limits.MaxTotalPages <= 0 {
		env.Limits = DefaultLimits()
	}

	pm := &ProcessMemory{
		pid:     pid,
		env:     env,
		policy:  env.Policy,
		scratch: make([]byte, PageSize),
		logger:  env.Logger.With("pid", pid),
	}
	pm.space = env.space()
	pm.table = NewRecordTable(env.Limits.MaxTotalPages)
	pm.table.Reset(pm.initialCounter())
	pm.swap = pm.newSwap(0)
	return pm
}

func swapName(pid, gen int) string {
	return fmt.Sprintf("proc-%d.%d", pid, gen)
}

func (pm *ProcessMemory) newSwap(gen int) *SwapStore {
	return NewSwapStore(pm.env.Backing, swapName(pm.pid, gen), pm.env.Limits.SwapSlots(), pm.env.Metrics)
}

// enter claims the context for the calling goroutine
func (pm *ProcessMemory) enter(op string) {
	if !pm.busy.CompareAndSwap(false, true) {
		panic(ErrConcurrentUse(op, pm.pid))
	}
}

func (pm *ProcessMemory) leave() {
	pm.busy.Store(false)
}

// accounted reports whether pages of this process are tracked by records
// and subject to eviction
func (pm *ProcessMemory) accounted() bool {
	return pm.policy != nil && !IsPrivileged(pm.pid)
}

func (pm *ProcessMemory) initialCounter() uint64 {
	if pm.policy == nil {
		return 0
	}
	return pm.policy.InitialCounter()
}

// PID returns the process identity
func (pm *ProcessMemory) PID() int {
	return pm.pid
}

// Space returns the current address space
func (pm *ProcessMemory) Space() AddressSpace {
	return pm.space
}

// Table returns the page record table
func (pm *ProcessMemory) Table() *RecordTable {
	return pm.table
}

// Swap returns the swap store
func (pm *ProcessMemory) Swap() *SwapStore {
	return pm.swap
}

// Policy returns the active replacement policy, nil when paging is off
func (pm *ProcessMemory) Policy() EvictionPolicy {
	return pm.policy
}

// ResidentCount returns the number of tracked pages in RAM
func (pm *ProcessMemory) ResidentCount() int {
	return pm.table.ResidentCount()
}

// SwappedCount returns the number of pages on disk
func (pm *ProcessMemory) SwappedCount() int {
	return pm.table.SwappedCount()
}

// Faults returns the number of page faults taken
func (pm *ProcessMemory) Faults() uint64 {
	return pm.faults.Load()
}

// Evictions returns the number of pages moved to disk
func (pm *ProcessMemory) Evictions() uint64 {
	return pm.evictions.Load()
}

// SwapIns returns the number of pages read back from disk
func (pm *ProcessMemory) SwapIns() uint64 {
	return pm.swapIns.Load()
}

// COWCopies returns the number of private copies made on write
func (pm *ProcessMemory) COWCopies() uint64 {
	return pm.cowCopies.Load()
}

// AllocatePage grows the address space by one zeroed, writable user page
// at va. A process at its RAM quota evicts a page first.
func (pm *ProcessMemory) AllocatePage(va uintptr) error {
	pm.enter("AllocatePage")
	defer pm.leave()
	return pm.allocatePage(PageRoundDown(va))
}

func (pm *ProcessMemory) allocatePage(va uintptr) error {
	if flags, ok := pm.space.Flags(va); ok && flags&(FlagPresent|FlagOnDisk) != 0 {
		return NewVMError(ErrCodeInternal, "AllocatePage", "page already allocated", nil).
			withProcess(pm.pid).withAddress(va)
	}

	if pm.accounted() {
		total := pm.table.ResidentCount() + pm.table.SwappedCount()
		if total >= pm.env.Limits.MaxTotalPages {
			return ErrCapacityExceeded("AllocatePage", pm.pid, total).withAddress(va)
		}
		if pm.table.ResidentCount() >= pm.env.Limits.MaxPsycPages {
			if err := pm.evictOne(); err != nil {
				return err
			}
		}
	}

	frame, err := pm.env.Frames.Allocate()
	if err != nil {
		return ErrOutOfMemory("AllocatePage").withProcess(pm.pid).withAddress(va)
	}
	if err := pm.env.Frames.ZeroFrame(frame); err != nil {
		pm.env.Frames.Release(frame)
		return err
	}
	if err := pm.space.Map(va, frame, FlagWritable|FlagUser); err != nil {
		pm.env.Frames.Release(frame)
		return NewVMError(ErrCodeInternal, "AllocatePage", "map failed", err).withProcess(pm.pid).withAddress(va)
	}

	if pm.accounted() {
		if _, err := pm.table.AllocateRecord(va, pm.initialCounter()); err != nil {
			pm.space.Unmap(va)
			pm.env.Frames.Release(frame)
			return err
		}
	}
	return nil
}

// DeallocatePage frees a resident or swapped page. When a resident page
// goes away the first page on disk is brought back into the freed slot.
func (pm *ProcessMemory) DeallocatePage(va uintptr) error {
	pm.enter("DeallocatePage")
	defer pm.leave()

	va = PageRoundDown(va)
	flags, ok := pm.space.Flags(va)
	if !ok || flags&(FlagPresent|FlagOnDisk) == 0 {
		return ErrInvalidAccess("DeallocatePage", pm.pid, va)
	}

	var rec *PageRecord
	if pm.accounted() {
		rec, _ = pm.table.FindByAddress(va)
	}

	if flags.Has(FlagPresent) {
		frame, _ := pm.space.Translate(va)
		pm.space.Unmap(va)
		if err := pm.env.Frames.Release(frame); err != nil {
			return err
		}
		if rec != nil {
			pm.table.Free(rec.index)
			pm.refill()
		}
	} else {
		pm.space.Unmap(va)
		if rec != nil {
			pm.swap.FreeSlot(rec)
			pm.table.Free(rec.index)
		}
	}
	pm.space.Activate()
	return nil
}

// refill brings the first swapped page back after a resident page was freed
func (pm *ProcessMemory) refill() {
	i, ok := pm.table.firstOnDisk()
	if !ok || pm.table.ResidentCount() >= pm.env.Limits.MaxPsycPages {
		return
	}
	if err := pm.swapIn(i); err != nil {
		// The page stays on disk and is faulted in on next touch.
		pm.logger.Warn("refill after deallocation failed",
			"va", fmt.Sprintf("0x%x", pm.table.Record(i).va), "error", err)
	}
}

// evictOne moves the policy's victim to the swap store. The victim's frame
// is released and its entry keeps its permissions with OnDisk set.
func (pm *ProcessMemory) evictOne() error {
	idx, ok := pm.policy.SelectVictim(pm.table, pm.space)
	if !ok {
		return ErrNoVictim("Evict", pm.pid)
	}
	rec := pm.table.Record(idx)
	va := rec.va

	frame, ok := pm.space.Translate(va)
	if !ok {
		return ErrInternal("Evict", "victim page is not present").withProcess(pm.pid).withAddress(va)
	}
	if err := pm.env.Frames.ReadFrame(frame, pm.scratch); err != nil {
		return err
	}
	if _, err := pm.swap.WriteOut(rec, pm.scratch); err != nil {
		return withProcessContext(err, pm.pid)
	}

	flags, _ := pm.space.Flags(va)
	pm.space.Unmap(va)
	if err := pm.space.SetFlags(va, (flags|FlagOnDisk)&^(FlagPresent|FlagAccessed)); err != nil {
		return ErrInternal("Evict", err.Error()).withProcess(pm.pid).withAddress(va)
	}
	pm.table.markOnDisk(idx)
	if err := pm.env.Frames.Release(frame); err != nil {
		return err
	}
	pm.space.Activate()

	pm.evictions.Add(1)
	pm.env.Metrics.RecordEviction()
	pm.logger.Debug("page evicted", "va", fmt.Sprintf("0x%x", va), "slot", rec.slot, "policy", pm.policy.Kind().String())
	return nil
}

// swapIn reads the on-disk page at table index idx into a new frame and
// frees its slot. On failure nothing changes.
func (pm *ProcessMemory) swapIn(idx int) error {
	rec := pm.table.Record(idx)
	va := rec.va

	frame, err := pm.env.Frames.Allocate()
	if err != nil {
		return ErrOutOfMemory("SwapIn").withProcess(pm.pid).withAddress(va)
	}
	if err := pm.swap.ReadIn(rec, pm.scratch); err != nil {
		pm.env.Frames.Release(frame)
		return withProcessContext(err, pm.pid)
	}
	if err := pm.env.Frames.WriteFrame(frame, pm.scratch); err != nil {
		pm.env.Frames.Release(frame)
		return err
	}

	flags, _ := pm.space.Flags(va)
	perm := flags & (FlagWritable | FlagUser)
	if flags.Has(FlagCOW) {
		// the copy in swap is private to this process
		perm |= FlagWritable
	}
	pm.space.Unmap(va)
	if err := pm.space.Map(va, frame, perm); err != nil {
		pm.space.SetFlags(va, flags)
		pm.env.Frames.Release(frame)
		return NewVMError(ErrCodeInternal, "SwapIn", "map failed", err).withProcess(pm.pid).withAddress(va)
	}

	pm.swap.FreeSlot(rec)
	pm.table.markInMemory(idx, pm.initialCounter())

	pm.swapIns.Add(1)
	pm.env.Metrics.RecordSwapIn()
	pm.logger.Debug("page swapped in", "va", fmt.Sprintf("0x%x", va))
	return nil
}

// Destroy releases every frame, frees every swap slot and removes the swap
// file. The process must no longer run.
func (pm *ProcessMemory) Destroy() error {
	pm.enter("Destroy")
	defer pm.leave()
	return pm.teardown(pm.space, pm.table, pm.swap)
}

// teardown empties one paging context
func (pm *ProcessMemory) teardown(space AddressSpace, table *RecordTable, swap *SwapStore) error {
	var firstErr error
	space.Walk(func(va uintptr, frame Frame, flags Flags) bool {
		if flags.Has(FlagPresent) {
			if err := pm.env.Frames.Release(frame); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		space.Unmap(va)
		return true
	})
	table.Reset(pm.initialCounter())
	if err := swap.Destroy(); err != nil && firstErr == nil {
		firstErr = err
	}
	space.Activate()
	return firstErr
}

// withProcessContext tags a paging error with the process identity
func withProcessContext(err error, pid int) error {
	if vmErr, ok := err.(*VMError); ok && vmErr.PID == 0 {
		return vmErr.withProcess(pid)
	}
	return err
}
