// Package workspace hands out scratch directories for builds, one per
// deployment, under a single root.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrOutsideRoot is returned for identifiers or paths that would escape the
// workspace root.
var ErrOutsideRoot = errors.New("workspace: path outside root")

// Manager tracks which directories are in use so Sweep never removes a
// checkout that a running build still owns.
type Manager struct {
	root string

	mu    sync.Mutex
	inUse map[string]struct{}
}

// New creates root if needed.
func New(root string) (*Manager, error) {
	if root == "" {
		return nil, errors.New("workspace: root required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("workspace: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("workspace: %w", err)
	}
	return &Manager{root: abs, inUse: map[string]struct{}{}}, nil
}

func (m *Manager) Root() string { return m.root }

// Prepare returns an empty directory named after deploymentID. Anything
// left there by an earlier attempt is discarded.
func (m *Manager) Prepare(deploymentID string) (string, error) {
	if !filepath.IsLocal(deploymentID) || filepath.Base(deploymentID) != deploymentID {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, deploymentID)
	}
	dir := filepath.Join(m.root, deploymentID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("workspace: reset %s: %w", deploymentID, err)
	}
	if err := os.Mkdir(dir, 0o755); err != nil {
		return "", fmt.Errorf("workspace: %w", err)
	}
	m.inUse[deploymentID] = struct{}{}
	return dir, nil
}

// Cleanup deletes a directory handed out by Prepare.
func (m *Manager) Cleanup(dir string) error {
	if dir == "" {
		return nil
	}
	rel, err := filepath.Rel(m.root, dir)
	if err != nil || rel == "." || !filepath.IsLocal(rel) {
		return fmt.Errorf("%w: %s", ErrOutsideRoot, dir)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inUse, rel)
	return os.RemoveAll(dir)
}

// Sweep deletes idle directories not modified since cutoff and reports how
// many it removed.
func (m *Manager) Sweep(cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return 0, fmt.Errorf("workspace: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int
	var errs []error
	for _, e := range entries {
		if _, busy := m.inUse[e.Name()]; busy || !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.root, e.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}
