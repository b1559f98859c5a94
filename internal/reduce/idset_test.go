package reduce

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIDSetEncodeCompactsRanges(t *testing.T) {
	s := NewIDSet()
	for _, r := range []uint32{0, 1, 2, 3, 7} {
		s.Set(r)
	}
	require.Equal(t, "[0-3,7]", s.Encode())
}

func TestIDSetEncodeEmpty(t *testing.T) {
	require.Equal(t, "[]", NewIDSet().Encode())
}

func TestIDSetRoundTrip(t *testing.T) {
	s := NewIDSet()
	for _, r := range []uint32{0, 1, 2, 3, 7} {
		s.Set(r)
	}
	decoded, err := DecodeIDSet(s.Encode())
	require.NoError(t, err)
	require.Equal(t, s.Members(), decoded.Members())
}

func TestIDSetUnion(t *testing.T) {
	a := NewIDSet()
	a.Set(0)
	b := NewIDSet()
	b.Set(1)
	b.Set(2)
	a.Union(b)
	require.Equal(t, []uint32{0, 1, 2}, a.Members())
}
