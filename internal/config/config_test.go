package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "broker.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadAndSnapshot(t *testing.T) {
	path := writeTemp(t, "[tbon]\ndescendants = 3\n")
	s := NewSource(path)
	require.NoError(t, s.Load())

	snap := s.Snapshot()
	require.Contains(t, string(snap), "descendants")
}

func TestSnapshotNilBeforeLoad(t *testing.T) {
	s := NewSource("/nonexistent")
	require.Nil(t, s.Snapshot())
}

func TestGetDottedPath(t *testing.T) {
	path := writeTemp(t, "[tbon]\ndescendants = 3\n\n[hello]\ntimeout = \"10s\"\n")
	s := NewSource(path)
	require.NoError(t, s.Load())

	v, ok := s.Get("tbon.descendants")
	require.True(t, ok)
	require.EqualValues(t, 3, v)

	_, ok = s.Get("tbon.nonexistent")
	require.False(t, ok)

	_, ok = s.Get("nonexistent.key")
	require.False(t, ok)
}

func TestLoadErrorOnMissingFile(t *testing.T) {
	s := NewSource(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, s.Load())
}
