//go:build !unix

package vm

import "fmt"

// MmapBackingStore is only available on unix systems
type MmapBackingStore struct {
	BackingStore
}

// NewMmapBackingStore reports that memory-mapped swap is unsupported
func NewMmapBackingStore(dir string, fileSize int64) (*MmapBackingStore, error) {
	return nil, fmt.Errorf("mmap swap backend is not supported on this platform")
}
