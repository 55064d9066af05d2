package vm

import (
	"fmt"
	"sync"
)

// BackingStore holds swap files, one per name. Implementations are shared by
// every process and must be safe for concurrent use.
type BackingStore interface {
	// Create makes an empty swap file, replacing any previous one
	Create(name string) error

	// Destroy removes a swap file. Destroying a missing file is a no-op.
	Destroy(name string) error

	// ReadAt fills p from the swap file at off
	ReadAt(name string, p []byte, off int64) error

	// WriteAt stores p in the swap file at off
	WriteAt(name string, p []byte, off int64) error

	// Close releases every swap file
	Close() error
}

// NewBackingStore creates the store selected by the configuration
func NewBackingStore(cfg *Config) (BackingStore, error) {
	switch cfg.SwapBackend {
	case "memory", "":
		return NewMemoryBackingStore(), nil
	case "file":
		store, err := NewFileBackingStore(cfg.SwapDirectory, cfg.SyncSwapWrites)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "mmap":
		limits := Limits{MaxPsycPages: cfg.MaxPsycPages, MaxTotalPages: cfg.MaxTotalPages}
		store, err := NewMmapBackingStore(cfg.SwapDirectory, int64(limits.SwapSlots())*PageSize)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown swap backend: %s", cfg.SwapBackend)
	}
}

// MemoryBackingStore keeps swap files in memory
type MemoryBackingStore struct {
	mu    sync.Mutex
	files map[string][]byte
}

// NewMemoryBackingStore creates an empty in-memory store
func NewMemoryBackingStore() *MemoryBackingStore {
	return &MemoryBackingStore{
		files: make(map[string][]byte),
	}
}

func (m *MemoryBackingStore) Create(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[name] = nil
	return nil
}

func (m *MemoryBackingStore) Destroy(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, name)
	return nil
}

func (m *MemoryBackingStore) ReadAt(name string, p []byte, off int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.files[name]
	if !ok {
		return fmt.Errorf("swap file %s does not exist", name)
	}
	if off < 0 || off+int64(len(p)) > int64(len(data)) {
		return fmt.Errorf("read of %d bytes at %d beyond end of swap file %s", len(p), off, name)
	}
	copy(p, data[off:])
	return nil
}

func (m *MemoryBackingStore) WriteAt(name string, p []byte, off int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.files[name]
	if !ok {
		return fmt.Errorf("swap file %s does not exist", name)
	}
	if off < 0 {
		return fmt.Errorf("negative offset %d", off)
	}
	if end := off + int64(len(p)); end > int64(len(data)) {
		grown := make([]byte, end)
		copy(grown, data)
		data = grown
	}
	copy(data[off:], p)
	m.files[name] = data
	return nil
}

// Exists reports whether a swap file is present
func (m *MemoryBackingStore) Exists(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[name]
	return ok
}

func (m *MemoryBackingStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files = make(map[string][]byte)
	return nil
}
