package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sfgonsio/AI-Legal-Service/pkg/canonicalize"
)

// FileStore keeps artifacts as <hex>.blob files under a base directory.
type FileStore struct {
	baseDir string
}

// NewFileStore creates baseDir if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	//nolint:gosec // G301: shared artifact directory
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("artifacts: ensure dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) path(raw string) string {
	return filepath.Join(s.baseDir, raw+".blob")
}

// Put writes to a temp file and renames it into place, so readers never see
// a partial blob.
func (s *FileStore) Put(_ context.Context, data []byte) (string, error) {
	hash := canonicalize.PrefixedHash(data)
	path := s.path(hash[len(canonicalize.HashPrefix):])
	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}
	tmp, err := os.CreateTemp(s.baseDir, "blob-*.tmp")
	if err != nil {
		return "", fmt.Errorf("artifacts: create temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("artifacts: write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("artifacts: close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("artifacts: commit blob: %w", err)
	}
	return hash, nil
}

func (s *FileStore) Get(_ context.Context, hash string) ([]byte, error) {
	raw, err := rawHash(hash)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(raw)) //nolint:gosec // path is built from a validated hex hash
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
		}
		return nil, err
	}
	return data, nil
}

func (s *FileStore) Exists(_ context.Context, hash string) (bool, error) {
	raw, err := rawHash(hash)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(s.path(raw))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (s *FileStore) Locator(hash string) string {
	raw, err := rawHash(hash)
	if err != nil {
		return ""
	}
	return "file://" + filepath.ToSlash(s.path(raw))
}
