package persist

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"pkt.systems/pslog"
)

// FileStore keeps one JSON file per key.
type FileStore struct {
	dir string
	log pslog.Logger
}

// NewFileStore constructs a file store at the given directory.
func NewFileStore(dir string) (*FileStore, error) {
	return NewFileStoreWithLogger(dir, nil)
}

// NewFileStoreWithLogger constructs a file store with logging.
func NewFileStoreWithLogger(dir string, logger pslog.Logger) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("state directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if logger != nil {
		logger = logger.With("state_dir", dir)
	}
	return &FileStore{dir: dir, log: logger}, nil
}

// Path returns the file backing key.
func (s *FileStore) Path(key string) string {
	name := sanitize(key)
	if name == "" {
		name = "unknown"
	}
	return filepath.Join(s.dir, name+".json")
}

// Load reads a record from disk.
func (s *FileStore) Load(ctx context.Context, key string, out any) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	data, err := os.ReadFile(s.Path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if s.log != nil {
				s.log.Debug("state load miss", "key", key)
			}
			return false, nil
		}
		if s.log != nil {
			s.log.Warn("state load failed", "key", key, "err", err)
		}
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		if s.log != nil {
			s.log.Warn("state load failed", "key", key, "err", err)
		}
		return false, err
	}
	if s.log != nil {
		s.log.Debug("state load ok", "key", key, "bytes", len(data))
	}
	return true, nil
}

// Save writes a record to disk via a temp file and rename.
func (s *FileStore) Save(ctx context.Context, key string, value any) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return s.saveFailed(key, err)
	}
	path := s.Path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return s.saveFailed(key, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "state-*.json")
	if err != nil {
		return s.saveFailed(key, err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return s.saveFailed(key, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return s.saveFailed(key, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return s.saveFailed(key, err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		_ = os.Remove(tmp.Name())
		return s.saveFailed(key, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return s.saveFailed(key, err)
	}
	if s.log != nil {
		s.log.Trace("state save ok", "key", key, "bytes", len(data))
	}
	return nil
}

// Close is a no-op for file stores.
func (s *FileStore) Close() error { return nil }

func (s *FileStore) saveFailed(key string, err error) error {
	if s.log != nil {
		s.log.Warn("state save failed", "key", key, "err", err)
	}
	return err
}
