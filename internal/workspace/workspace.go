package workspace

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/pkg/archive"
)

// ErrInvalidBundle indicates the uploaded archive could not be extracted.
var ErrInvalidBundle = errors.New("workspace: invalid bundle")

const (
	sourcesDir = "sources"
	stagingDir = "staging"
	volumesDir = "volumes"
)

// Manager owns per-deployment source and volume directories under a common root.
type Manager struct {
	root string
}

// New ensures the workspace root and its subdirectories exist.
func New(root string) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	for _, dir := range []string{sourcesDir, stagingDir, volumesDir} {
		if err := os.MkdirAll(filepath.Join(abs, dir), 0o755); err != nil {
			return nil, fmt.Errorf("create workspace root: %w", err)
		}
	}
	return &Manager{root: abs}, nil
}

// Root returns the absolute workspace root.
func (m *Manager) Root() string {
	return m.root
}

// Stage extracts a tar or tar.gz bundle into a fresh staging directory and
// returns the directory holding the project files. A bundle whose only
// entry is a single top-level folder is unwrapped.
func (m *Manager) Stage(name string, bundle io.Reader) (string, error) {
	if name == "" {
		return "", fmt.Errorf("workspace identifier cannot be empty")
	}
	dir, err := os.MkdirTemp(filepath.Join(m.root, stagingDir), name+"-")
	if err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}
	if err := archive.Untar(bundle, dir, &archive.TarOptions{NoLchown: true}); err != nil {
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}
	return projectRoot(dir), nil
}

// Commit replaces the deployment's source directory with the staged one.
func (m *Manager) Commit(name, staged string) (string, error) {
	if err := m.within(staged, stagingDir); err != nil {
		return "", err
	}
	target := m.SourceDir(name)
	if err := os.RemoveAll(target); err != nil {
		return "", fmt.Errorf("cleanup workspace: %w", err)
	}
	if err := os.Rename(staged, target); err != nil {
		return "", fmt.Errorf("commit workspace: %w", err)
	}
	m.Discard(staged)
	return target, nil
}

// Discard removes a staging directory, including any unwrapped parent.
func (m *Manager) Discard(staged string) {
	rel, err := filepath.Rel(filepath.Join(m.root, stagingDir), staged)
	if err != nil || strings.HasPrefix(rel, "..") || rel == "." {
		return
	}
	top := strings.Split(filepath.ToSlash(rel), "/")[0]
	_ = os.RemoveAll(filepath.Join(m.root, stagingDir, top))
}

// SourceDir returns the committed source directory for name.
func (m *Manager) SourceDir(name string) string {
	return filepath.Join(m.root, sourcesDir, name)
}

// VolumeDir returns, creating if needed, the persistent data directory for name.
func (m *Manager) VolumeDir(name string) (string, error) {
	dir := filepath.Join(m.root, volumesDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create volume dir: %w", err)
	}
	return dir, nil
}

// RemoveVolumes deletes the persistent data directory for name.
func (m *Manager) RemoveVolumes(name string) error {
	if name == "" {
		return fmt.Errorf("workspace identifier cannot be empty")
	}
	return os.RemoveAll(filepath.Join(m.root, volumesDir, name))
}

// Cleanup removes the committed source directory for name.
func (m *Manager) Cleanup(name string) error {
	if name == "" {
		return fmt.Errorf("workspace identifier cannot be empty")
	}
	path := m.SourceDir(name)
	if err := m.within(path, sourcesDir); err != nil {
		return err
	}
	return os.RemoveAll(path)
}

// within ensures path is strictly inside the given workspace subdirectory.
func (m *Manager) within(path, sub string) error {
	rel, err := filepath.Rel(filepath.Join(m.root, sub), path)
	if err != nil || rel == "." || rel == "" || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to touch path outside workspace root")
	}
	return nil
}

func projectRoot(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) != 1 || !entries[0].IsDir() {
		return dir
	}
	return filepath.Join(dir, entries[0].Name())
}
