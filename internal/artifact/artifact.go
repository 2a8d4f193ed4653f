// Package artifact implements the filesystem-backed artifact store. Files
// produced by one task are published under the current pipeline id and are
// available to dependent tasks for the remainder of the run (and, by
// default, for later inspection until the TTL sweep removes them).
package artifact

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrNotFound is returned by Fetch and GetPath for unknown artifact names.
var ErrNotFound = errors.New("artifact not found")

// DefaultTTL is how long finished pipeline directories are retained.
const DefaultTTL = 24 * time.Hour

var nameRegex = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ValidateName enforces the artifact naming invariant. Violations panic:
// an invalid name can only come from a programming error upstream of the
// store and must never silently fall through to a filesystem path.
func ValidateName(name string) {
	if len(name) == 0 || len(name) > 255 {
		panic(fmt.Sprintf("invalid artifact name %q: must be 1-255 characters", name))
	}
	if strings.Contains(name, "..") {
		panic(fmt.Sprintf("invalid artifact name %q: must not contain '..'", name))
	}
	if !nameRegex.MatchString(name) {
		panic(fmt.Sprintf("invalid artifact name %q: allowed characters are [A-Za-z0-9._-]", name))
	}
}

// Store is a local filesystem store rooted at <dataDir>/artifacts.
type Store struct {
	root string
}

// NewStore creates the store root if needed.
func NewStore(dataDir string) (*Store, error) {
	root := filepath.Join(dataDir, "artifacts")
	if err := os.MkdirAll(root, 0o775); err != nil {
		return nil, errors.Wrap(err, "creating artifact root")
	}
	return &Store{root: root}, nil
}

// Init creates the directory for one pipeline run.
func (s *Store) Init(pipelineID string) error {
	return os.MkdirAll(filepath.Join(s.root, pipelineID), 0o775)
}

// Store writes bytes under the pipeline's directory. The write goes to a
// temp file first and is renamed into place so readers never observe a
// partial artifact.
func (s *Store) Store(pipelineID, name string, data []byte) error {
	ValidateName(name)
	dir := filepath.Join(s.root, pipelineID)
	if err := os.MkdirAll(dir, 0o775); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+name+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, name))
}

// StoreFile copies an existing file into the store under name.
func (s *Store) StoreFile(pipelineID, name, src string) error {
	ValidateName(name)
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "opening artifact source %v", src)
	}
	defer func() { _ = in.Close() }()

	dir := filepath.Join(s.root, pipelineID)
	if err := os.MkdirAll(dir, 0o775); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+name+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, name))
}

// Fetch reads an artifact back.
func (s *Store) Fetch(pipelineID, name string) ([]byte, error) {
	ValidateName(name)
	data, err := os.ReadFile(filepath.Join(s.root, pipelineID, name))
	if os.IsNotExist(err) {
		return nil, errors.Wrapf(ErrNotFound, "%v/%v", pipelineID, name)
	}
	return data, err
}

// Exists reports whether the named artifact is present.
func (s *Store) Exists(pipelineID, name string) bool {
	ValidateName(name)
	_, err := os.Stat(filepath.Join(s.root, pipelineID, name))
	return err == nil
}

// GetPath returns the on-disk path for a stored artifact.
func (s *Store) GetPath(pipelineID, name string) (string, error) {
	ValidateName(name)
	path := filepath.Join(s.root, pipelineID, name)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", errors.Wrapf(ErrNotFound, "%v/%v", pipelineID, name)
		}
		return "", err
	}
	return path, nil
}

// List returns the artifact names stored for a pipeline, sorted.
func (s *Store) List(pipelineID string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, pipelineID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Cleanup removes the whole directory for one pipeline run.
func (s *Store) Cleanup(pipelineID string) error {
	return os.RemoveAll(filepath.Join(s.root, pipelineID))
}

// CleanupExpired removes pipeline directories whose modification time is
// older than ttl. Called at the start of each run.
func (s *Store) CleanupExpired(ttl time.Duration) error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-ttl)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.RemoveAll(filepath.Join(s.root, entry.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}
