package web

import (
	"fmt"
	"strings"
	"sync"

	"github.com/hayesraffle/QuickCapture/internal/store"
)

// maxPrefixLen caps the file name prefix.
const maxPrefixLen = 64

// Settings holds what the operator changes between shots: the file
// name prefix and the rotation applied to saved files. It is read by
// the session on the dispatcher goroutine and written by handlers.
type Settings struct {
	mu       sync.RWMutex
	prefix   string
	rotation int
}

// NewSettings starts with prefix and no rotation.
func NewSettings(prefix string) *Settings {
	return &Settings{prefix: strings.TrimSpace(prefix)}
}

// Prefix returns the current prefix. Empty means the default.
func (s *Settings) Prefix() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prefix
}

// SetPrefix trims and stores p. It must be usable as part of a file name.
func (s *Settings) SetPrefix(p string) (string, error) {
	p = strings.TrimSpace(p)
	if len(p) > maxPrefixLen {
		return "", fmt.Errorf("prefix longer than %d characters", maxPrefixLen)
	}
	if strings.ContainsAny(p, `/\:`) || strings.Contains(p, "..") {
		return "", fmt.Errorf("prefix %q must not contain path characters", p)
	}
	s.mu.Lock()
	s.prefix = p
	s.mu.Unlock()
	return p, nil
}

// Rotation returns the rotation in degrees counter-clockwise.
func (s *Settings) Rotation() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rotation
}

// Rotate advances the rotation by 90 degrees and returns it.
func (s *Settings) Rotate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotation = (s.rotation + 90) % 360
	return s.rotation
}

// SetRotation stores degrees, which must be a multiple of 90.
func (s *Settings) SetRotation(degrees int) (int, error) {
	d, ok := store.NormalizeRotation(degrees)
	if !ok {
		return 0, fmt.Errorf("rotation must be a multiple of 90, got %d", degrees)
	}
	s.mu.Lock()
	s.rotation = d
	s.mu.Unlock()
	return d, nil
}
