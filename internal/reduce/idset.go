// Package reduce implements the topology-aware collective reduction used
// at cluster wakeup: per-rank idset contributions are unioned toward rank
// 0, flushing either at a high-water-mark item weight or after a timeout.
// Grounded on original_source's src/broker/hello.c and reduce.c, and the
// idset range-encoding used throughout that tree.
package reduce

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// IDSet is a set of non-negative integers (broker ranks). The zero value
// is an empty set.
type IDSet struct {
	members map[uint32]struct{}
}

// NewIDSet returns an empty IDSet.
func NewIDSet() *IDSet {
	return &IDSet{members: make(map[uint32]struct{})}
}

// Set adds rank to the set.
func (s *IDSet) Set(rank uint32) {
	if s.members == nil {
		s.members = make(map[uint32]struct{})
	}
	s.members[rank] = struct{}{}
}

// Count returns the number of members.
func (s *IDSet) Count() int {
	return len(s.members)
}

// Union adds every member of other into s.
func (s *IDSet) Union(other *IDSet) {
	for rank := range other.members {
		s.Set(rank)
	}
}

// Members returns the set's members in ascending order.
func (s *IDSet) Members() []uint32 {
	out := make([]uint32, 0, len(s.members))
	for rank := range s.members {
		out = append(out, rank)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Clone returns an independent copy of s.
func (s *IDSet) Clone() *IDSet {
	cp := NewIDSet()
	cp.Union(s)
	return cp
}

// Encode renders the set as a bracketed, range-compacted string, e.g.
// "[0-3,7]", matching idset_encode(IDSET_FLAG_BRACKETS|IDSET_FLAG_RANGE).
func (s *IDSet) Encode() string {
	members := s.Members()
	if len(members) == 0 {
		return "[]"
	}
	var parts []string
	start := members[0]
	prev := members[0]
	flush := func(end uint32) {
		if start == end {
			parts = append(parts, strconv.FormatUint(uint64(start), 10))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", start, end))
		}
	}
	for _, r := range members[1:] {
		if r == prev+1 {
			prev = r
			continue
		}
		flush(prev)
		start, prev = r, r
	}
	flush(prev)
	return "[" + strings.Join(parts, ",") + "]"
}

// DecodeIDSet parses the Encode format (brackets and plain range lists are
// both accepted, mirroring idset_decode's tolerance).
func DecodeIDSet(s string) (*IDSet, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	out := NewIDSet()
	if s == "" {
		return out, nil
	}
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		if dash := strings.IndexByte(field, '-'); dash >= 0 {
			lo, err := strconv.ParseUint(field[:dash], 10, 32)
			if err != nil {
				return nil, fmt.Errorf("idset: invalid range start %q: %w", field, err)
			}
			hi, err := strconv.ParseUint(field[dash+1:], 10, 32)
			if err != nil {
				return nil, fmt.Errorf("idset: invalid range end %q: %w", field, err)
			}
			for r := lo; r <= hi; r++ {
				out.Set(uint32(r))
			}
			continue
		}
		v, err := strconv.ParseUint(field, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("idset: invalid member %q: %w", field, err)
		}
		out.Set(uint32(v))
	}
	return out, nil
}
