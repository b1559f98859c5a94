package attrs

import (
	"path/filepath"
	"testing"

	"github.com/flux-framework/flux-broker-core/internal/errkind"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "attrs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddThenGet(t *testing.T) {
	s := openTest(t)
	require.NoError(t, s.Add("rank", "0", true))
	v, immutable, err := s.Get("rank")
	require.NoError(t, err)
	require.Equal(t, "0", v)
	require.True(t, immutable)
}

func TestAddDuplicateFails(t *testing.T) {
	s := openTest(t)
	require.NoError(t, s.Add("rank", "0", false))
	err := s.Add("rank", "1", false)
	require.Error(t, err)
	k, ok := errkind.As(err)
	require.True(t, ok)
	require.Equal(t, errkind.ServiceExists, k.Kind)
}

func TestSetRejectedOnImmutable(t *testing.T) {
	s := openTest(t)
	require.NoError(t, s.Add("tbon.descendants", "3", true))
	err := s.Set("tbon.descendants", "4")
	require.Error(t, err)
}

func TestSetFlagsThenSetFails(t *testing.T) {
	s := openTest(t)
	require.NoError(t, s.Add("hello.timeout", "10", false))
	require.NoError(t, s.Set("hello.timeout", "5"))
	require.NoError(t, s.SetFlags("hello.timeout", true))
	err := s.Set("hello.timeout", "99")
	require.Error(t, err)
}

func TestAllReturnsFlatMap(t *testing.T) {
	s := openTest(t)
	require.NoError(t, s.Add("a", "1", false))
	require.NoError(t, s.Add("b", "2", false))
	all, err := s.All()
	require.NoError(t, err)
	require.Equal(t, map[string]string{"a": "1", "b": "2"}, all)
}

func TestGetMissingFails(t *testing.T) {
	s := openTest(t)
	_, _, err := s.Get("nope")
	require.Error(t, err)
}
