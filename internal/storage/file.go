package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	ferrors "github.com/dreamware/fedround/internal/errors"
)

const tempSuffix = ".tmp"

// FileStore implements Store with one file per key inside a directory.
// Puts write a temporary file and rename it over the target.
type FileStore struct {
	mu  sync.RWMutex
	dir string
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates dir if needed and returns a store rooted at it.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Annotatef(err, "create store directory %s", dir)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the directory backing the store.
func (f *FileStore) Dir() string { return f.dir }

func (f *FileStore) path(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || key == "." || key == ".." || strings.HasSuffix(key, tempSuffix) {
		return "", ferrors.ErrCheckpoint.GenWithStackByArgs(key, "invalid key")
	}
	return filepath.Join(f.dir, key), nil
}

// Get reads the file of key.
func (f *FileStore) Get(key string) ([]byte, error) {
	p, err := f.path(key)
	if err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	data, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return nil, ferrors.ErrCheckpointNotFound.GenWithStackByArgs(key)
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	return data, nil
}

// Put atomically replaces the file of key with value.
func (f *FileStore) Put(key string, value []byte) error {
	p, err := f.path(key)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return writeFileAtomic(p, value, 0o644)
}

// Delete removes the file of key.
func (f *FileStore) Delete(key string) error {
	p, err := f.path(key)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return errors.Trace(err)
	}
	return nil
}

// List returns the keys present in the directory.
func (f *FileStore) List() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		log.Warn("list store directory failed", zap.String("dir", f.dir), zap.Error(err))
		return nil
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), tempSuffix) {
			continue
		}
		keys = append(keys, e.Name())
	}
	return keys
}

// Stats returns the number and total size of stored files.
func (f *FileStore) Stats() StoreStats {
	var stats StoreStats
	for _, key := range f.List() {
		info, err := os.Stat(filepath.Join(f.dir, key))
		if err != nil {
			continue
		}
		stats.Keys++
		stats.Bytes += int(info.Size())
	}
	return stats
}

// writeFileAtomic writes data to a temporary file next to filename and
// renames it into place once everything else succeeded.
func writeFileAtomic(filename string, data []byte, perm os.FileMode) error {
	dir, name := filepath.Dir(filename), filepath.Base(filename)
	tmp, err := os.CreateTemp(dir, fmt.Sprintf(".%s.*%s", name, tempSuffix))
	if err != nil {
		return errors.Trace(err)
	}
	n, err := tmp.Write(data)
	if err == nil && n < len(data) {
		err = io.ErrShortWrite
	}
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Chmod(tmp.Name(), perm)
	}
	if err != nil {
		if rerr := os.Remove(tmp.Name()); rerr != nil {
			log.Warn("failed to remove the temporary file",
				zap.String("filename", tmp.Name()),
				zap.Error(rerr))
		}
		return errors.Trace(err)
	}
	return errors.Trace(os.Rename(tmp.Name(), filename))
}
