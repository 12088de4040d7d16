// Package store implements the content-addressed artifact store: an
// immutable directory tree, keyed by cache key, holding one compiled
// artifact plus a metadata.toml per entry. Grounded on the teacher's
// internal/cache fsCache (hash-keyed directory layout, metadata sidecar
// file, Exists/Fetch/Put split), generalised from a multi-file tar cache
// item to a single artifact file, and from a remote/local cache
// multiplexer down to the local filesystem case the spec calls for.
package store

import (
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	toml "github.com/pelletier/go-toml/v2"

	"github.com/arncore/konvoy/internal/errs"
	"github.com/arncore/konvoy/internal/fsutil"
)

// Metadata is the record written beside a cached artifact describing the
// build that produced it.
type Metadata struct {
	Target          string `toml:"target"`
	Profile         string `toml:"profile"`
	CompilerVersion string `toml:"compiler_version"`
	BuildTimestamp  int64  `toml:"build_timestamp"`
}

// Store is a content-addressed artifact directory rooted at Root.
type Store struct {
	Root string
}

// New returns a Store rooted at root; callers choose root via the
// shared-worktree-vs-per-project selection rule (see internal/scm).
func New(root string) *Store {
	return &Store{Root: root}
}

func (s *Store) entryDir(key string) string {
	return filepath.Join(s.Root, key)
}

// Has reports whether an entry exists for key.
func (s *Store) Has(key string) bool {
	info, err := os.Stat(s.entryDir(key))
	return err == nil && info.IsDir()
}

// Store copies artifactPath into the entry for key under artifactName and
// writes metadata, unless the entry already exists, in which case it is a
// no-op: the store is immutable, first writer wins. Entry creation happens
// via a temp sibling directory renamed into place, so a concurrent store of
// the same key either wins outright or observes the winner's entry and
// returns cleanly.
func (s *Store) Store(key, artifactName, artifactPath string, metadata Metadata) error {
	if s.Has(key) {
		return nil
	}

	if err := fsutil.EnsureDir(s.Root); err != nil {
		return errs.IO(s.Root, err)
	}

	tmpDir := filepath.Join(s.Root, ".konvoy-store-tmp-"+key+"-"+uuid.NewString())
	if err := fsutil.EnsureDir(tmpDir); err != nil {
		return errs.IO(tmpDir, err)
	}
	defer os.RemoveAll(tmpDir)

	if err := fsutil.CopyFile(artifactPath, filepath.Join(tmpDir, artifactName)); err != nil {
		return errs.IO(artifactPath, err)
	}

	metaBytes, err := toml.Marshal(metadata)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(tmpDir, "metadata.toml"), metaBytes, 0o644); err != nil {
		return errs.IO(tmpDir, err)
	}

	finalDir := s.entryDir(key)
	if err := os.Rename(tmpDir, finalDir); err != nil {
		if s.Has(key) {
			// Another process's store of the same key won the race; its
			// entry is just as valid as ours would have been.
			return nil
		}
		return errs.Wrap(errs.IOError, err, "installing cache entry %s", key)
	}
	return nil
}

// ArtifactPath returns the path to the stored artifact file named
// artifactName under key, without checking existence.
func (s *Store) ArtifactPath(key, artifactName string) string {
	return filepath.Join(s.entryDir(key), artifactName)
}

// ReadMetadata loads the metadata.toml for a stored entry.
func (s *Store) ReadMetadata(key string) (Metadata, error) {
	data, err := os.ReadFile(filepath.Join(s.entryDir(key), "metadata.toml"))
	if err != nil {
		return Metadata{}, err
	}
	var m Metadata
	if err := toml.Unmarshal(data, &m); err != nil {
		return Metadata{}, err
	}
	return m, nil
}

// Materialise places the cached artifact for key at destination, preferring
// a hard link and falling back to a byte copy across devices. The link or
// copy goes to a temp path that is renamed over destination, so a
// pre-existing file never blocks the link and a concurrent materialise to
// the same destination can never observe a torn file.
func (s *Store) Materialise(key, artifactName, destination string) error {
	src := s.ArtifactPath(key, artifactName)
	if err := fsutil.LinkOrCopy(src, destination); err != nil {
		return errs.Wrap(errs.IOError, err, "materialising %s to %s", key, destination)
	}
	return nil
}

// NewMetadata stamps a Metadata record at the current wall-clock time.
func NewMetadata(target, profile, compilerVersion string) Metadata {
	return Metadata{
		Target:          target,
		Profile:         profile,
		CompilerVersion: compilerVersion,
		BuildTimestamp:  time.Now().Unix(),
	}
}
