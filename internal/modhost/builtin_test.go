package modhost

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/flux-framework/flux-broker-core/internal/message"
	"github.com/stretchr/testify/require"
)

func TestBuiltinsShutdownInvokesCallback(t *testing.T) {
	var called bool
	b := NewBuiltins(&Handle{}, func() { called = true })
	handled, _, err := b.Dispatch(context.Background(), "shutdown", &message.Message{})
	require.True(t, handled)
	require.NoError(t, err)
	require.True(t, called)
}

func TestBuiltinsStatsGetAndClear(t *testing.T) {
	b := NewBuiltins(&Handle{}, nil)
	b.IncrStat("foo.bar")
	b.IncrStat("foo.bar")

	_, payload, err := b.Dispatch(context.Background(), "stats-get", &message.Message{})
	require.NoError(t, err)
	var stats map[string]int64
	require.NoError(t, json.Unmarshal(payload, &stats))
	require.Equal(t, int64(2), stats["foo.bar"])

	_, _, err = b.Dispatch(context.Background(), "stats-clear", &message.Message{})
	require.NoError(t, err)
	_, payload, _ = b.Dispatch(context.Background(), "stats-get", &message.Message{})
	require.NoError(t, json.Unmarshal(payload, &stats))
	require.Empty(t, stats)
}

func TestBuiltinsDebugBitOps(t *testing.T) {
	b := NewBuiltins(&Handle{}, nil)

	req := func(op string, flags int32) *message.Message {
		p, _ := json.Marshal(debugRequest{Op: op, Flags: flags})
		return &message.Message{Payload: p}
	}

	_, payload, err := b.Dispatch(context.Background(), "debug", req("setbit", 0x1))
	require.NoError(t, err)
	var resp struct {
		Flags int32 `json:"flags"`
	}
	require.NoError(t, json.Unmarshal(payload, &resp))
	require.Equal(t, int32(0x1), resp.Flags)

	_, payload, err = b.Dispatch(context.Background(), "debug", req("setbit", 0x2))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(payload, &resp))
	require.Equal(t, int32(0x3), resp.Flags)

	_, payload, err = b.Dispatch(context.Background(), "debug", req("clrbit", 0x1))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(payload, &resp))
	require.Equal(t, int32(0x2), resp.Flags)

	_, payload, err = b.Dispatch(context.Background(), "debug", req("clr", 0))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(payload, &resp))
	require.Equal(t, int32(0), resp.Flags)

	_, _, err = b.Dispatch(context.Background(), "debug", req("bogus", 0))
	require.Error(t, err)
}

func TestBuiltinsPingIncrementsSeq(t *testing.T) {
	b := NewBuiltins(&Handle{}, nil)
	payload, _ := json.Marshal(map[string]any{"seq": 3})
	_, resp, err := b.Dispatch(context.Background(), "ping", &message.Message{Payload: payload})
	require.NoError(t, err)
	var got map[string]int64
	require.NoError(t, json.Unmarshal(resp, &got))
	require.Equal(t, int64(4), got["seq"])
}

func TestBuiltinsRusage(t *testing.T) {
	b := NewBuiltins(&Handle{}, nil)
	_, payload, err := b.Dispatch(context.Background(), "rusage", &message.Message{})
	require.NoError(t, err)
	require.Contains(t, string(payload), "maxrss")
}

func TestBuiltinsUnknownMethodNotHandled(t *testing.T) {
	b := NewBuiltins(&Handle{}, nil)
	handled, _, err := b.Dispatch(context.Background(), "frobnicate", &message.Message{})
	require.False(t, handled)
	require.NoError(t, err)
}
