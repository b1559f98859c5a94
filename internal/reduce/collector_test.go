package reduce

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCollectorHWMFlushSinksOnRankZero(t *testing.T) {
	var mu sync.Mutex
	var got *IDSet
	sink := func(global *IDSet) {
		mu.Lock()
		defer mu.Unlock()
		got = global
	}
	c := NewCollector(4, 0, 4, 10*time.Second, nil, sink)
	c.Start()
	for _, r := range []uint32{0, 1, 2, 3} {
		item := NewIDSet()
		item.Set(r)
		c.Append(item)
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []uint32{0, 1, 2, 3}, got.Members())
}

func TestCollectorTimeoutFlushesPartialBatch(t *testing.T) {
	var mu sync.Mutex
	var got *IDSet
	sink := func(global *IDSet) {
		mu.Lock()
		defer mu.Unlock()
		got = global
	}
	c := NewCollector(4, 0, 4, 20*time.Millisecond, nil, sink)
	c.Start()
	item := NewIDSet()
	item.Set(0)
	item.Set(1)
	c.Append(item)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []uint32{0, 1}, got.Members())
}

type fakeJoinUpstream struct {
	mu  sync.Mutex
	got *IDSet
	err error
}

func (f *fakeJoinUpstream) Join(ctx context.Context, idset *IDSet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = idset
	return f.err
}

func TestCollectorForwardsUpstreamOnNonRootRank(t *testing.T) {
	up := &fakeJoinUpstream{}
	c := NewCollector(4, 2, 1, 10*time.Second, up, nil)
	c.Start()
	item := NewIDSet()
	item.Set(2)
	c.Append(item)

	require.Eventually(t, func() bool {
		up.mu.Lock()
		defer up.mu.Unlock()
		return up.got != nil
	}, time.Second, 5*time.Millisecond)
}

func TestCollectorFlushesOnlyOnce(t *testing.T) {
	var calls int
	var mu sync.Mutex
	c := NewCollector(4, 0, 1, 10*time.Second, nil, func(*IDSet) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	c.Start()
	item := NewIDSet()
	item.Set(0)
	c.Append(item)
	c.Append(item) // second append after flush must be a no-op

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, calls)
}
