package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHasIsFalseForMissingEntry(t *testing.T) {
	s := New(t.TempDir())
	require.False(t, s.Has("deadbeef"))
}

func TestStoreThenMaterialise(t *testing.T) {
	root := t.TempDir()
	s := New(root)

	artifact := filepath.Join(t.TempDir(), "libfoo.klib")
	require.NoError(t, os.WriteFile(artifact, []byte("artifact-bytes"), 0o644))

	key := "abc123"
	meta := NewMetadata("linux_x64", "debug", "1.9.0")
	require.NoError(t, s.Store(key, "libfoo.klib", artifact, meta))
	require.True(t, s.Has(key))

	readBack, err := s.ReadMetadata(key)
	require.NoError(t, err)
	require.Equal(t, "linux_x64", readBack.Target)
	require.Equal(t, "debug", readBack.Profile)

	dest := filepath.Join(t.TempDir(), "out", "libfoo.klib")
	require.NoError(t, s.Materialise(key, "libfoo.klib", dest))
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, "artifact-bytes", string(data))
}

func TestStoreIsImmutableFirstWriterWins(t *testing.T) {
	root := t.TempDir()
	s := New(root)

	first := filepath.Join(t.TempDir(), "a.klib")
	require.NoError(t, os.WriteFile(first, []byte("first"), 0o644))
	require.NoError(t, s.Store("k", "a.klib", first, NewMetadata("linux_x64", "debug", "1.9.0")))

	second := filepath.Join(t.TempDir(), "a.klib")
	require.NoError(t, os.WriteFile(second, []byte("second"), 0o644))
	require.NoError(t, s.Store("k", "a.klib", second, NewMetadata("linux_x64", "debug", "1.9.0")))

	data, err := os.ReadFile(s.ArtifactPath("k", "a.klib"))
	require.NoError(t, err)
	require.Equal(t, "first", string(data))
}

func TestMaterialiseOverwritesExistingDestination(t *testing.T) {
	root := t.TempDir()
	s := New(root)

	artifact := filepath.Join(t.TempDir(), "a.klib")
	require.NoError(t, os.WriteFile(artifact, []byte("cached"), 0o644))
	require.NoError(t, s.Store("k", "a.klib", artifact, NewMetadata("linux_x64", "debug", "1.9.0")))

	dest := filepath.Join(t.TempDir(), "a.klib")
	require.NoError(t, os.WriteFile(dest, []byte("stale"), 0o644))

	require.NoError(t, s.Materialise("k", "a.klib", dest))
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, "cached", string(data))
}
