package artifact

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	fileutil "mediatoolkit/internal/file"
)

var (
	ErrNotFound    = errors.New("artifact not found")
	ErrInvalidName = errors.New("invalid artifact name")
)

// Artifact describes one file produced by a task.
type Artifact struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modified_at"`
}

// Store resolves task ids to files in a flat output directory. The directory listing
// is the only index: a file belongs to a task when its name contains the task id.
type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	if dir == "" {
		dir = "outputs"
	}
	return &Store{dir: dir}
}

// Dir returns the output directory adapters write into.
func (s *Store) Dir() string { return s.dir }

// EnsureDir creates the output directory.
func (s *Store) EnsureDir() error {
	return fileutil.EnsureDir(s.dir) //nolint:wrapcheck
}

// Path builds {kind}_{taskID}.{ext} inside the output directory.
func (s *Store) Path(kind, taskID, ext string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_%s%s", kind, taskID, dotted(ext)))
}

// IndexedPath builds {kind}_{taskID}_{n}.{ext} for multi-file results.
func (s *Store) IndexedPath(kind, taskID string, n int, ext string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_%s_%d%s", kind, taskID, n, dotted(ext)))
}

// Resolve returns the first entry in directory order whose name contains taskID.
// Temp files from in-progress atomic writes and subdirectories are skipped.
func (s *Store) Resolve(taskID string) (string, error) {
	if strings.TrimSpace(taskID) == "" {
		return "", ErrNotFound
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("read output dir: %w", err)
	}
	for _, entry := range entries {
		if !matches(entry, taskID) {
			continue
		}
		return filepath.Join(s.dir, entry.Name()), nil
	}
	return "", ErrNotFound
}

// List returns every file whose name contains taskID, in directory order.
func (s *Store) List(taskID string) ([]Artifact, error) {
	if strings.TrimSpace(taskID) == "" {
		return nil, ErrNotFound
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read output dir: %w", err)
	}
	artifacts := make([]Artifact, 0, 1)
	for _, entry := range entries {
		if !matches(entry, taskID) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		artifacts = append(artifacts, Artifact{Name: entry.Name(), Size: info.Size(), ModTime: info.ModTime()})
	}
	if len(artifacts) == 0 {
		return nil, ErrNotFound
	}
	return artifacts, nil
}

// ResolveName returns the path of a specific artifact belonging to taskID.
func (s *Store) ResolveName(taskID, name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.Contains(name, "..") {
		return "", ErrInvalidName
	}
	if !strings.Contains(name, taskID) {
		return "", ErrNotFound
	}
	fullPath := filepath.Join(s.dir, name)
	info, err := os.Stat(fullPath)
	if err != nil || !info.Mode().IsRegular() {
		return "", ErrNotFound
	}
	return fullPath, nil
}

func matches(entry os.DirEntry, taskID string) bool {
	name := entry.Name()
	if entry.IsDir() || strings.HasPrefix(name, ".tmp-") {
		return false
	}
	return strings.Contains(name, taskID)
}

func dotted(ext string) string {
	if ext == "" || strings.HasPrefix(ext, ".") {
		return ext
	}
	return "." + ext
}
