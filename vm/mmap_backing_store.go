//go:build unix

package vm

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// mmapFile is one swap file mapped into memory
type mmapFile struct {
	file *os.File
	data []byte
}

// MmapBackingStore keeps swap files as fixed-size memory-mapped files.
// Page reads and writes are plain copies into the mapping.
type MmapBackingStore struct {
	dir      string
	fileSize int64
	files    map[string]*mmapFile
	mutex    sync.RWMutex
}

// NewMmapBackingStore creates a store whose swap files are fileSize bytes
func NewMmapBackingStore(dir string, fileSize int64) (*MmapBackingStore, error) {
	if fileSize <= 0 || fileSize%PageSize != 0 {
		return nil, fmt.Errorf("swap file size must be a positive multiple of %d, got %d", PageSize, fileSize)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create swap directory %s: %w", dir, err)
	}
	return &MmapBackingStore{
		dir:      dir,
		fileSize: fileSize,
		files:    make(map[string]*mmapFile),
	}, nil
}

func (ms *MmapBackingStore) path(name string) string {
	return filepath.Join(ms.dir, name+".swap")
}

// Create truncates a swap file to its fixed size and maps it
func (ms *MmapBackingStore) Create(name string) error {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()

	if old, ok := ms.files[name]; ok {
		if err := old.unmap(); err != nil {
			return err
		}
		delete(ms.files, name)
	}

	file, err := os.OpenFile(ms.path(name), os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to open/create swap file %s: %w", name, err)
	}
	if err := file.Truncate(ms.fileSize); err != nil {
		file.Close()
		return fmt.Errorf("failed to size swap file %s: %w", name, err)
	}
	data, err := unix.Mmap(int(file.Fd()), 0, int(ms.fileSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to map swap file %s: %w", name, err)
	}
	ms.files[name] = &mmapFile{file: file, data: data}
	return nil
}

func (mf *mmapFile) unmap() error {
	if mf.data != nil {
		if err := unix.Munmap(mf.data); err != nil {
			return fmt.Errorf("failed to unmap swap file: %w", err)
		}
		mf.data = nil
	}
	return mf.file.Close()
}

// Destroy unmaps and removes a swap file
func (ms *MmapBackingStore) Destroy(name string) error {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()

	mf, ok := ms.files[name]
	if !ok {
		return nil
	}
	delete(ms.files, name)
	if err := mf.unmap(); err != nil {
		return err
	}
	if err := os.Remove(ms.path(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove swap file %s: %w", name, err)
	}
	return nil
}

func (ms *MmapBackingStore) region(name string, n int, off int64) ([]byte, error) {
	mf, ok := ms.files[name]
	if !ok {
		return nil, fmt.Errorf("swap file %s does not exist", name)
	}
	if off < 0 || off+int64(n) > ms.fileSize {
		return nil, fmt.Errorf("range [%d, %d) out of bounds (file size: %d)", off, off+int64(n), ms.fileSize)
	}
	return mf.data[off : off+int64(n)], nil
}

// ReadAt copies len(p) bytes out of the mapping
func (ms *MmapBackingStore) ReadAt(name string, p []byte, off int64) error {
	ms.mutex.RLock()
	defer ms.mutex.RUnlock()

	region, err := ms.region(name, len(p), off)
	if err != nil {
		return err
	}
	copy(p, region)
	return nil
}

// WriteAt copies p into the mapping
func (ms *MmapBackingStore) WriteAt(name string, p []byte, off int64) error {
	ms.mutex.RLock()
	defer ms.mutex.RUnlock()

	region, err := ms.region(name, len(p), off)
	if err != nil {
		return err
	}
	copy(region, p)
	return nil
}

// Flush forces a swap file's dirty pages to disk
func (ms *MmapBackingStore) Flush(name string) error {
	ms.mutex.RLock()
	defer ms.mutex.RUnlock()

	mf, ok := ms.files[name]
	if !ok {
		return fmt.Errorf("swap file %s does not exist", name)
	}
	if err := unix.Msync(mf.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("failed to sync swap file %s: %w", name, err)
	}
	return nil
}

// Close unmaps and removes every swap file
func (ms *MmapBackingStore) Close() error {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()

	var firstErr error
	for name, mf := range ms.files {
		if err := mf.unmap(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := os.Remove(ms.path(name)); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	ms.files = make(map[string]*mmapFile)
	return firstErr
}
