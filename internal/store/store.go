// Package store writes files received from the camera to disk.
package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hayesraffle/QuickCapture/internal/debug"
	"github.com/hayesraffle/QuickCapture/internal/session"
)

// maxSuffix bounds the search for a free name.
const maxSuffix = 10000

// Store saves files under a single directory and never overwrites.
type Store struct {
	dir string
	mu  sync.Mutex
}

// New creates dir if needed.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("store: empty directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create save dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the save directory.
func (s *Store) Dir() string { return s.dir }

// Save writes f under its suggested name, adding _1, _2, ... before the
// extension when that name is taken. f.Rotation is applied first; a
// file that cannot be rotated, such as a raw file, is written as
// received. It returns the path written.
func (s *Store) Save(f session.SavedFile) (string, error) {
	name := filepath.Base(f.SuggestedName)
	if name == "." || name == string(filepath.Separator) || name == "" {
		return "", fmt.Errorf("store: invalid file name %q", f.SuggestedName)
	}
	if f.Rotation != 0 {
		if rotated, err := Rotate(f.Data, name, f.Rotation); err != nil {
			debug.Info("Saving %s unrotated: %v", name, err)
		} else {
			f.Data = rotated
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 0; i < maxSuffix; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s_%d%s", stem, i, ext)
		}
		path := filepath.Join(s.dir, candidate)

		out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create %s: %w", candidate, err)
		}
		if _, err := out.Write(f.Data); err != nil {
			out.Close()
			os.Remove(path)
			return "", fmt.Errorf("write %s: %w", candidate, err)
		}
		if err := out.Close(); err != nil {
			return "", fmt.Errorf("close %s: %w", candidate, err)
		}
		debug.Info("Saved %s (%d bytes)", path, len(f.Data))
		return path, nil
	}
	return "", fmt.Errorf("store: no free name for %s", name)
}
