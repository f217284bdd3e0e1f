// Package baseline implements the filesystem layout for baseline, current,
// and diff artifacts under a workspace's .vizzly directory.
package baseline

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	vzerrors "github.com/vizzly-testing/vizzly-go/internal/errors"
)

// Kind selects one of the three artifact directories.
type Kind string

const (
	KindBaseline Kind = "baselines"
	KindCurrent  Kind = "current"
	KindDiff     Kind = "diffs"
)

var kinds = []Kind{KindBaseline, KindCurrent, KindDiff}

// Store is a filesystem-backed artifact store. It is safe for concurrent
// readers; writers to the same key are serialized by the orchestrator.
type Store struct {
	workspace string
	root      string // <workspace>/.vizzly
}

// New creates a store rooted at the workspace's .vizzly directory.
func New(workspace string) *Store {
	return &Store{
		workspace: workspace,
		root:      filepath.Join(workspace, ".vizzly"),
	}
}

// Root returns the .vizzly directory path.
func (s *Store) Root() string {
	return s.root
}

// Initialize creates the three artifact directories.
func (s *Store) Initialize() error {
	for _, k := range kinds {
		if err := os.MkdirAll(filepath.Join(s.root, string(k)), 0o755); err != nil {
			return vzerrors.Wrap(err, vzerrors.IOError, "creating artifact directory")
		}
	}
	return nil
}

// Clear removes all stored artifacts and recreates the directories.
func (s *Store) Clear() error {
	for _, k := range kinds {
		if err := os.RemoveAll(filepath.Join(s.root, string(k))); err != nil {
			return vzerrors.Wrap(err, vzerrors.IOError, "clearing artifact directory")
		}
	}
	return s.Initialize()
}

// Path returns the validated artifact path for a key. Any computed path that
// escapes the artifact directory is a SecurityError.
func (s *Store) Path(kind Kind, key string) (string, error) {
	if filepath.IsAbs(key) {
		return "", vzerrors.NewSecurityError(key)
	}
	base := filepath.Join(s.root, string(kind))
	p := filepath.Join(base, key+".png")

	abs, err := filepath.Abs(p)
	if err != nil {
		return "", vzerrors.Wrap(err, vzerrors.IOError, "resolving artifact path")
	}
	absBase, err := filepath.Abs(base)
	if err != nil {
		return "", vzerrors.Wrap(err, vzerrors.IOError, "resolving store root")
	}
	if !strings.HasPrefix(abs, absBase+string(filepath.Separator)) {
		return "", vzerrors.NewSecurityError(p)
	}

	// A symlinked parent must not smuggle the artifact outside the root.
	if resolved, err := filepath.EvalSymlinks(filepath.Dir(abs)); err == nil {
		resolvedBase, rerr := filepath.EvalSymlinks(absBase)
		if rerr == nil && resolved != resolvedBase && !strings.HasPrefix(resolved, resolvedBase+string(filepath.Separator)) {
			return "", vzerrors.NewSecurityError(p)
		}
	}
	return abs, nil
}

// Exists reports whether an artifact is present.
func (s *Store) Exists(kind Kind, key string) bool {
	p, err := s.Path(kind, key)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}

// Read returns an artifact's bytes.
func (s *Store) Read(kind Kind, key string) ([]byte, error) {
	p, err := s.Path(kind, key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, vzerrors.Wrap(err, vzerrors.IOError, "reading "+string(kind)+" artifact")
	}
	return data, nil
}

// Save writes an artifact atomically: temp file in the same directory,
// fsync, then rename. A crash between write and rename leaves the previous
// value intact.
func (s *Store) Save(kind Kind, key string, data []byte) error {
	p, err := s.Path(kind, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return vzerrors.Wrap(err, vzerrors.IOError, "creating artifact directory")
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), "."+filepath.Base(p)+".tmp-*")
	if err != nil {
		return vzerrors.Wrap(err, vzerrors.IOError, "creating temp artifact")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return vzerrors.Wrap(err, vzerrors.IOError, "writing artifact")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return vzerrors.Wrap(err, vzerrors.IOError, "syncing artifact")
	}
	if err := tmp.Close(); err != nil {
		return vzerrors.Wrap(err, vzerrors.IOError, "closing artifact")
	}
	if err := os.Rename(tmpName, p); err != nil {
		return vzerrors.Wrap(err, vzerrors.IOError, "publishing artifact")
	}
	return nil
}

// Remove deletes an artifact if present.
func (s *Store) Remove(kind Kind, key string) error {
	p, err := s.Path(kind, key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return vzerrors.Wrap(err, vzerrors.IOError, "removing artifact")
	}
	return nil
}

// Promote copies the current artifact over the baseline. This is the only
// way an existing baseline is overwritten.
func (s *Store) Promote(key string) error {
	data, err := s.Read(KindCurrent, key)
	if err != nil {
		return errors.Wrap(err, "reading current for promotion")
	}
	return s.Save(KindBaseline, key, data)
}
