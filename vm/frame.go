package vm

import (
	"math"
	"sync"
)

// Frame describes a physical memory page index.
type Frame uint32

// InvalidFrame is returned by the allocator when it fails to reserve a frame.
const InvalidFrame = Frame(math.MaxUint32)

// junkByte fills released frames to catch dangling references
const junkByte = 0x01

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical address of the frame.
func (f Frame) Address() uintptr {
	return uintptr(f) << PageShift
}

// FrameAllocator owns physical memory and hands out reference counted frames.
//
// Initialization happens in two phases. BootstrapRange places frames on the
// free list while only one goroutine exists and no lock is taken.
// FinishBootstrap adds the rest of memory and switches every later operation
// to locked mode.
type FrameAllocator struct {
	mu      sync.Mutex
	useLock bool

	memory   []byte
	refs     []int32
	freeList []Frame
	inPool   []bool // frame has been handed to the allocator by a boot phase

	total uint32 // frames handed to the allocator
	free  uint32

	metrics *Metrics
}

// NewFrameAllocator creates an allocator over frameCount frames of physical
// memory. No frame is allocatable until a boot phase releases it.
func NewFrameAllocator(frameCount uint32, metrics *Metrics) *FrameAllocator {
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &FrameAllocator{
		memory:   make([]byte, int(frameCount)*PageSize),
		refs:     make([]int32, frameCount),
		freeList: make([]Frame, 0, frameCount),
		inPool:   make([]bool, frameCount),
		metrics:  metrics,
	}
}

func (a *FrameAllocator) lock() {
	if a.useLock {
		a.mu.Lock()
	}
}

func (a *FrameAllocator) unlock() {
	if a.useLock {
		a.mu.Unlock()
	}
}

// BootstrapRange releases frames [lo, hi) into the pool without locking.
// It must only be called before FinishBootstrap.
func (a *FrameAllocator) BootstrapRange(lo, hi Frame) error {
	if a.useLock {
		return ErrInternal("BootstrapRange", "allocator already in locked mode")
	}
	return a.freeRange("BootstrapRange", lo, hi)
}

// FinishBootstrap releases frames [lo, hi) and enables locking. After this
// call the allocator is safe for concurrent use.
func (a *FrameAllocator) FinishBootstrap(lo, hi Frame) error {
	if a.useLock {
		return ErrInternal("FinishBootstrap", "allocator already in locked mode")
	}
	if err := a.freeRange("FinishBootstrap", lo, hi); err != nil {
		return err
	}
	a.useLock = true
	return nil
}

// freeRange pushes frames in descending order so that Allocate hands them out
// lowest first.
func (a *FrameAllocator) freeRange(op string, lo, hi Frame) error {
	if lo > hi || uint64(hi) > uint64(len(a.refs)) {
		return ErrInvalidFrame(op, hi)
	}
	for f := hi; f > lo; {
		f--
		if a.inPool[f] {
			return ErrInternal(op, "frame released twice during boot")
		}
		a.inPool[f] = true
		a.scrub(f)
		a.freeList = append(a.freeList, f)
		a.total++
		a.free++
	}
	return nil
}

func (a *FrameAllocator) scrub(f Frame) {
	page := a.page(f)
	for i := range page {
		page[i] = junkByte
	}
}

func (a *FrameAllocator) page(f Frame) []byte {
	start := int(f) * PageSize
	return a.memory[start : start+PageSize]
}

func (a *FrameAllocator) checkFrame(op string, f Frame) error {
	if !f.Valid() || int(f) >= len(a.refs) || !a.inPool[f] {
		return ErrInvalidFrame(op, f)
	}
	return nil
}

// Allocate removes a frame from the free pool and sets its owner count to 1
func (a *FrameAllocator) Allocate() (Frame, error) {
	a.lock()
	defer a.unlock()

	n := len(a.freeList)
	if n == 0 {
		return InvalidFrame, ErrOutOfMemory("Allocate")
	}
	f := a.freeList[n-1]
	a.freeList = a.freeList[:n-1]
	a.refs[f] = 1
	a.free--
	a.metrics.RecordFrameAlloc()
	return f, nil
}

// Retain adds an owner to an allocated frame
func (a *FrameAllocator) Retain(f Frame) error {
	a.lock()
	defer a.unlock()

	if err := a.checkFrame("Retain", f); err != nil {
		return err
	}
	if a.refs[f] <= 0 {
		return ErrRefcountViolation("Retain", f, a.refs[f])
	}
	a.refs[f]++
	return nil
}

// Release drops one owner. The frame is scrubbed and returned to the pool
// when its last owner goes away.
func (a *FrameAllocator) Release(f Frame) error {
	a.lock()
	defer a.unlock()

	if err := a.checkFrame("Release", f); err != nil {
		return err
	}
	if a.refs[f] <= 0 {
		return ErrRefcountViolation("Release", f, a.refs[f])
	}
	a.refs[f]--
	if a.refs[f] == 0 {
		a.scrub(f)
		a.freeList = append(a.freeList, f)
		a.free++
		a.metrics.RecordFrameFree()
	}
	return nil
}

// RefCount returns the number of address spaces mapping f
func (a *FrameAllocator) RefCount(f Frame) (int32, error) {
	a.lock()
	defer a.unlock()

	if err := a.checkFrame("RefCount", f); err != nil {
		return 0, err
	}
	return a.refs[f], nil
}

// FreeCount returns the number of frames in the free pool
func (a *FrameAllocator) FreeCount() uint32 {
	a.lock()
	defer a.unlock()
	return a.free
}

// TotalCount returns the number of frames managed by the allocator
func (a *FrameAllocator) TotalCount() uint32 {
	a.lock()
	defer a.unlock()
	return a.total
}

func (a *FrameAllocator) checkOwned(op string, f Frame) error {
	if err := a.checkFrame(op, f); err != nil {
		return err
	}
	if a.refs[f] <= 0 {
		return ErrRefcountViolation(op, f, a.refs[f])
	}
	return nil
}

// ReadFrame copies the content of an allocated frame into dst
func (a *FrameAllocator) ReadFrame(f Frame, dst []byte) error {
	a.lock()
	defer a.unlock()

	if err := a.checkOwned("ReadFrame", f); err != nil {
		return err
	}
	copy(dst, a.page(f))
	return nil
}

// WriteFrame overwrites the beginning of an allocated frame with src
func (a *FrameAllocator) WriteFrame(f Frame, src []byte) error {
	return a.WriteFrameAt(f, 0, src)
}

// WriteFrameAt copies src into an allocated frame starting at offset
func (a *FrameAllocator) WriteFrameAt(f Frame, offset int, src []byte) error {
	a.lock()
	defer a.unlock()

	if err := a.checkOwned("WriteFrame", f); err != nil {
		return err
	}
	if offset < 0 || offset+len(src) > PageSize {
		return ErrInternal("WriteFrame", "write crosses page boundary")
	}
	copy(a.page(f)[offset:], src)
	return nil
}

// ReadFrameAt copies len(dst) bytes starting at offset out of a frame
func (a *FrameAllocator) ReadFrameAt(f Frame, offset int, dst []byte) error {
	a.lock()
	defer a.unlock()

	if err := a.checkOwned("ReadFrame", f); err != nil {
		return err
	}
	if offset < 0 || offset+len(dst) > PageSize {
		return ErrInternal("ReadFrame", "read crosses page boundary")
	}
	copy(dst, a.page(f)[offset:])
	return nil
}

// CopyFrame copies the whole content of src into dst
func (a *FrameAllocator) CopyFrame(dst, src Frame) error {
	a.lock()
	defer a.unlock()

	if err := a.checkOwned("CopyFrame", src); err != nil {
		return err
	}
	if err := a.checkOwned("CopyFrame", dst); err != nil {
		return err
	}
	copy(a.page(dst), a.page(src))
	return nil
}

// ZeroFrame clears an allocated frame
func (a *FrameAllocator) ZeroFrame(f Frame) error {
	a.lock()
	defer a.unlock()

	if err := a.checkOwned("ZeroFrame", f); err != nil {
		return err
	}
	clear(a.page(f))
	return nil
}
