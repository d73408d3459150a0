package persist

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/vitalog/datalayer/pkg/utils"
)

const lockRetryDelay = 10 * time.Millisecond

// FileStore keeps the blob in a single file. Writes go to a temporary file
// that is renamed into place, and an advisory file lock serializes processes
// sharing the directory.
type FileStore struct {
	path string
	lock *flock.Flock
}

// NewFileStore creates the directory if needed and returns a store for key.
func NewFileStore(dir, key string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("file store directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	path, err := utils.SecureJoin(dir, utils.SanitizeKey(key)+".snapshot")
	if err != nil {
		return nil, err
	}
	return &FileStore{
		path: path,
		lock: flock.New(path + ".lock"),
	}, nil
}

// Location returns the snapshot file path.
func (s *FileStore) Location() string {
	return s.path
}

// Load reads the snapshot file under a shared lock.
func (s *FileStore) Load(ctx context.Context) ([]byte, error) {
	locked, err := s.lock.TryRLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, readError(s, err)
	}
	if !locked {
		return nil, readError(s, fmt.Errorf("could not acquire lock"))
	}
	defer s.lock.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, readError(s, err)
	}
	return data, nil
}

// Save replaces the snapshot file atomically under an exclusive lock.
func (s *FileStore) Save(ctx context.Context, data []byte) error {
	locked, err := s.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return writeError(s, err)
	}
	if !locked {
		return writeError(s, fmt.Errorf("could not acquire lock"))
	}
	defer s.lock.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return writeError(s, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return writeError(s, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return writeError(s, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return writeError(s, err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return writeError(s, err)
	}
	return nil
}

// Close releases the lock file handle.
func (s *FileStore) Close() error {
	return s.lock.Close()
}
