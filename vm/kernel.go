package vm

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
)

// Kernel ties the paging subsystem together: physical memory, the shared
// swap backing store and the table of live process contexts.
type Kernel struct {
	config  *Config
	frames  *FrameAllocator
	backing BackingStore
	env     *Environment
	metrics *Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	procs   map[int]*ProcessMemory
	pending map[int]struct{} // pids claimed by a fork still copying the parent

	halted  atomic.Bool
	haltErr error
}

// NewKernel boots the paging subsystem described by cfg. Physical memory
// comes up in two phases: the bootstrap frames unlocked, then the rest with
// locking enabled.
func NewKernel(cfg *Config, logger *slog.Logger) (*Kernel, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = discardLogger()
	}

	metrics := NewMetrics()
	frames := NewFrameAllocator(cfg.FrameCount, metrics)
	if err := frames.BootstrapRange(0, Frame(cfg.BootstrapFrames)); err != nil {
		return nil, fmt.Errorf("bootstrap phase 1 failed: %w", err)
	}
	if err := frames.FinishBootstrap(Frame(cfg.BootstrapFrames), Frame(cfg.FrameCount)); err != nil {
		return nil, fmt.Errorf("bootstrap phase 2 failed: %w", err)
	}

	backing, err := NewBackingStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create swap backing store: %w", err)
	}

	k := &Kernel{
		config:  cfg.Clone(),
		frames:  frames,
		backing: backing,
		metrics: metrics,
		logger:  logger,
		procs:   make(map[int]*ProcessMemory),
		pending: make(map[int]struct{}),
	}
	k.env = &Environment{
		Frames:  frames,
		Backing: backing,
		Policy:  NewEvictionPolicy(cfg.PagingPolicy()),
		Limits: Limits{
			MaxPsycPages:  cfg.MaxPsycPages,
			MaxTotalPages: cfg.MaxTotalPages,
		},
		Metrics: metrics,
		Logger:  logger,
	}

	logger.Info("paging subsystem started",
		"frames", cfg.FrameCount,
		"policy", cfg.PagingPolicy().String(),
		"swap_backend", cfg.SwapBackend,
		"max_psyc_pages", cfg.MaxPsycPages,
		"max_total_pages", cfg.MaxTotalPages)
	return k, nil
}

// Config returns the kernel configuration
func (k *Kernel) Config() *Config {
	return k.config
}

// Metrics returns the kernel-wide counters
func (k *Kernel) Metrics() *Metrics {
	return k.metrics
}

// Frames returns the physical frame allocator
func (k *Kernel) Frames() *FrameAllocator {
	return k.frames
}

func (k *Kernel) checkRunning(op string) error {
	if k.halted.Load() {
		return NewVMError(ErrCodeHalted, op, "kernel is halted", k.HaltError())
	}
	return nil
}

// claimLocked fails if pid is live or being forked. Callers hold k.mu.
func (k *Kernel) claimLocked(op string, pid int) error {
	_, live := k.procs[pid]
	_, forking := k.pending[pid]
	if live || forking {
		return NewVMError(ErrCodeProcessExists, op, "process already exists", nil).withProcess(pid)
	}
	return nil
}

// Spawn creates an empty paging context for pid
func (k *Kernel) Spawn(pid int) (*ProcessMemory, error) {
	if err := k.checkRunning("Spawn"); err != nil {
		return nil, err
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := k.claimLocked("Spawn", pid); err != nil {
		return nil, err
	}
	pm := NewProcessMemory(pid, k.env)
	k.procs[pid] = pm
	return pm, nil
}

// Fork clones parent into a new process pid
func (k *Kernel) Fork(parent *ProcessMemory, pid int) (*ProcessMemory, error) {
	if err := k.checkRunning("Fork"); err != nil {
		return nil, err
	}
	k.mu.Lock()
	if err := k.claimLocked("Fork", pid); err != nil {
		k.mu.Unlock()
		return nil, err
	}
	k.pending[pid] = struct{}{}
	k.mu.Unlock()

	child, err := parent.Fork(pid)

	k.mu.Lock()
	delete(k.pending, pid)
	if err == nil {
		k.procs[pid] = child
	}
	k.mu.Unlock()

	if err != nil {
		return nil, k.haltIfFatal(err, parent)
	}
	return child, nil
}

// Exec replaces the image of pm. load builds the new image on pm; if it
// fails the previous paging context is restored unchanged.
func (k *Kernel) Exec(pm *ProcessMemory, load func(pm *ProcessMemory) error) error {
	if err := k.checkRunning("Exec"); err != nil {
		return err
	}
	img, err := pm.BeginExec(nil)
	if err != nil {
		return k.haltIfFatal(err, pm)
	}
	if err := load(pm); err != nil {
		if abortErr := img.Abort(); abortErr != nil {
			k.logger.Error("exec abort failed", "pid", pm.PID(), "error", abortErr)
			k.haltIfFatal(abortErr, pm)
		}
		return k.haltIfFatal(err, pm)
	}
	return k.haltIfFatal(img.Commit(), pm)
}

// Trap delivers a page fault to pm. An access the process may not make
// kills it; a fatal error halts the kernel.
func (k *Kernel) Trap(pm *ProcessMemory, va uintptr, access Access, mode Mode) error {
	if err := k.checkRunning("Trap"); err != nil {
		return err
	}
	err := pm.HandleFault(va, access, mode)
	switch {
	case err == nil:
		return nil
	case IsFatal(err):
		k.halt(err, pm)
	case TerminatesProcess(err):
		k.kill(pm, err)
	}
	return err
}

// kill terminates a process after an access it was not allowed to make
func (k *Kernel) kill(pm *ProcessMemory, cause error) {
	k.metrics.RecordProcessKilled()
	k.logger.Warn("process killed",
		"pid", pm.PID(),
		"error", cause,
		"faults", pm.Faults(),
		"resident", pm.ResidentCount(),
		"swapped", pm.SwappedCount())
	if err := k.Reap(pm.PID()); err != nil {
		k.logger.Error("reap after kill failed", "pid", pm.PID(), "error", err)
	}
}

// haltIfFatal halts the kernel when err is fatal and returns err unchanged
func (k *Kernel) haltIfFatal(err error, pm *ProcessMemory) error {
	if IsFatal(err) {
		k.halt(err, pm)
	}
	return err
}

// halt stops the kernel with full diagnostic context
func (k *Kernel) halt(cause error, pm *ProcessMemory) {
	if !k.halted.CompareAndSwap(false, true) {
		return
	}
	k.mu.Lock()
	k.haltErr = cause
	k.mu.Unlock()

	attrs := []any{
		"error", cause,
		"free_frames", k.frames.FreeCount(),
		"total_frames", k.frames.TotalCount(),
	}
	var vmErr *VMError
	if errors.As(cause, &vmErr) && vmErr.HasVA {
		attrs = append(attrs, "va", fmt.Sprintf("0x%x", vmErr.VA))
	}
	if pm != nil {
		attrs = append(attrs,
			"pid", pm.PID(),
			"faults", pm.Faults(),
			"evictions", pm.Evictions(),
			"resident", pm.ResidentCount(),
			"swapped", pm.SwappedCount())
	}
	k.logger.Error("kernel halted", attrs...)
	k.metrics.LogMetrics(k.logger)
}

// Halted reports whether a fatal error stopped the kernel
func (k *Kernel) Halted() bool {
	return k.halted.Load()
}

// HaltError returns the error that halted the kernel
func (k *Kernel) HaltError() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.haltErr
}

// Reap tears down the paging context of an exited process
func (k *Kernel) Reap(pid int) error {
	k.mu.Lock()
	pm, ok := k.procs[pid]
	delete(k.procs, pid)
	k.mu.Unlock()

	if !ok {
		return NewVMError(ErrCodeNoSuchProcess, "Reap", "no such process", nil).withProcess(pid)
	}
	return pm.Destroy()
}

// Process returns the live context for pid
func (k *Kernel) Process(pid int) (*ProcessMemory, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	pm, ok := k.procs[pid]
	return pm, ok
}

// PIDs returns the identities of live processes in ascending order
func (k *Kernel) PIDs() []int {
	k.mu.Lock()
	defer k.mu.Unlock()
	pids := make([]int, 0, len(k.procs))
	for pid := range k.procs {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids
}

// FreeFrameCount returns the number of free physical frames
func (k *Kernel) FreeFrameCount() uint32 {
	return k.frames.FreeCount()
}

// TotalFrameCount returns the number of physical frames
func (k *Kernel) TotalFrameCount() uint32 {
	return k.frames.TotalCount()
}

// DumpProcess writes a memory image of pid into the dump directory and
// returns its path
func (k *Kernel) DumpProcess(pid int) (string, error) {
	pm, ok := k.Process(pid)
	if !ok {
		return "", NewVMError(ErrCodeNoSuchProcess, "DumpProcess", "no such process", nil).withProcess(pid)
	}
	compression, err := ParseCompressionType(k.config.DumpCompression)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(k.config.DumpDirectory, 0755); err != nil {
		return "", fmt.Errorf("failed to create dump directory: %w", err)
	}

	path := filepath.Join(k.config.DumpDirectory, fmt.Sprintf("proc-%d.dump", pid))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create dump file: %w", err)
	}
	if err := pm.Dump(f, compression); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close dump file: %w", err)
	}
	k.logger.Info("process dumped", "pid", pid, "path", path, "compression", compression.String())
	return path, nil
}

// Close tears down every process and the swap backing store
func (k *Kernel) Close() error {
	var firstErr error
	for _, pid := range k.PIDs() {
		if err := k.Reap(pid); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := k.backing.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if k.config.EnableMetrics {
		k.metrics.LogMetrics(k.logger)
	}
	return firstErr
}
