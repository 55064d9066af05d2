package vm

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileBackingStore keeps each swap file as a regular file in a directory
type FileBackingStore struct {
	dir   string
	sync  bool
	files map[string]*os.File
	mutex sync.Mutex
}

// NewFileBackingStore creates a store rooted at dir. When syncWrites is set
// every page write is followed by fsync.
func NewFileBackingStore(dir string, syncWrites bool) (*FileBackingStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create swap directory %s: %w", dir, err)
	}
	return &FileBackingStore{
		dir:   dir,
		sync:  syncWrites,
		files: make(map[string]*os.File),
	}, nil
}

func (fs *FileBackingStore) path(name string) string {
	return filepath.Join(fs.dir, name+".swap")
}

// Create opens a fresh, truncated swap file
func (fs *FileBackingStore) Create(name string) error {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()

	if old, ok := fs.files[name]; ok {
		old.Close()
		delete(fs.files, name)
	}
	file, err := os.OpenFile(fs.path(name), os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to open/create swap file %s: %w", name, err)
	}
	fs.files[name] = file
	return nil
}

// Destroy closes and removes a swap file
func (fs *FileBackingStore) Destroy(name string) error {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()

	file, ok := fs.files[name]
	if !ok {
		return nil
	}
	delete(fs.files, name)
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close swap file %s: %w", name, err)
	}
	if err := os.Remove(fs.path(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove swap file %s: %w", name, err)
	}
	return nil
}

func (fs *FileBackingStore) lookup(name string) (*os.File, error) {
	file, ok := fs.files[name]
	if !ok {
		return nil, fmt.Errorf("swap file %s does not exist", name)
	}
	return file, nil
}

// ReadAt reads len(p) bytes at off
func (fs *FileBackingStore) ReadAt(name string, p []byte, off int64) error {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()

	file, err := fs.lookup(name)
	if err != nil {
		return err
	}
	if _, err := file.ReadAt(p, off); err != nil {
		return fmt.Errorf("failed to read swap file %s at %d: %w", name, off, err)
	}
	return nil
}

// WriteAt writes p at off
func (fs *FileBackingStore) WriteAt(name string, p []byte, off int64) error {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()

	file, err := fs.lookup(name)
	if err != nil {
		return err
	}
	if _, err := file.WriteAt(p, off); err != nil {
		return fmt.Errorf("failed to write swap file %s at %d: %w", name, off, err)
	}
	if fs.sync {
		return file.Sync()
	}
	return nil
}

// Close closes and removes every swap file
func (fs *FileBackingStore) Close() error {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()

	var firstErr error
	for name, file := range fs.files {
		if err := file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := os.Remove(fs.path(name)); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	fs.files = make(map[string]*os.File)
	return firstErr
}
