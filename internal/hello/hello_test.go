package hello

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/flux-framework/flux-broker-core/internal/errkind"
	"github.com/flux-framework/flux-broker-core/internal/message"
	"github.com/flux-framework/flux-broker-core/internal/reduce"
	"github.com/stretchr/testify/require"
)

type reply struct {
	payload json.RawMessage
	err     error
}

type recordingRespond struct {
	mu       sync.Mutex
	byTopic  map[string][]reply
	allCalls int
}

func newRecordingRespond() *recordingRespond {
	return &recordingRespond{byTopic: make(map[string][]reply)}
}

func (r *recordingRespond) fn(req *message.Message, payload json.RawMessage, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byTopic[req.Topic] = append(r.byTopic[req.Topic], reply{payload: payload, err: err})
	r.allCalls++
}

func (r *recordingRespond) repliesFor(topic string) []reply {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]reply(nil), r.byTopic[topic]...)
}

func TestReductionUnionAcrossRanks(t *testing.T) {
	rr := newRecordingRespond()
	var gotComplete *reduce.IDSet
	svc := NewService(4, 0, 4, 10*time.Second, nil, rr.fn, func(g *reduce.IDSet) { gotComplete = g })
	svc.Start() // contributes rank 0

	for _, r := range []uint32{1, 2, 3} {
		item := reduce.NewIDSet()
		item.Set(r)
		payload, _ := json.Marshal(joinPayload{Idset: item.Encode(), Batch: 0})
		svc.HandleJoin(&message.Message{Type: message.Request, Topic: "hello.join", Payload: payload})
	}

	require.Eventually(t, func() bool { return gotComplete != nil }, time.Second, 5*time.Millisecond)
	require.Equal(t, []uint32{0, 1, 2, 3}, gotComplete.Members())
	require.True(t, svc.Complete())
}

func TestHandleJoinRejectsNonzeroBatch(t *testing.T) {
	rr := newRecordingRespond()
	svc := NewService(4, 0, 4, 10*time.Second, nil, rr.fn, nil)
	svc.Start()

	payload, _ := json.Marshal(joinPayload{Idset: "[1]", Batch: 1})
	svc.HandleJoin(&message.Message{Topic: "hello.join", Payload: payload})

	replies := rr.repliesFor("hello.join")
	require.Len(t, replies, 1)
	require.Error(t, replies[0].err)
}

func TestStreamingIdsetListenerReceivesEverySink(t *testing.T) {
	rr := newRecordingRespond()
	svc := NewService(2, 0, 2, 10*time.Second, nil, rr.fn, nil)
	svc.Start()

	req := &message.Message{
		Topic: "hello.idset", Flags: message.FlagStreaming,
		RouteStack: []string{"peer1"}, Matchtag: 42,
	}
	svc.HandleIdsetRequest(req)

	// First reply is immediate (current, possibly empty, idset).
	require.Len(t, rr.repliesFor("hello.idset"), 1)

	item := reduce.NewIDSet()
	item.Set(1)
	payload, _ := json.Marshal(joinPayload{Idset: item.Encode(), Batch: 0})
	svc.HandleJoin(&message.Message{Topic: "hello.join", Payload: payload})

	require.Eventually(t, func() bool {
		return len(rr.repliesFor("hello.idset")) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestCancelYieldsExactlyOneCanceledReply(t *testing.T) {
	rr := newRecordingRespond()
	svc := NewService(4, 0, 4, 10*time.Second, nil, rr.fn, nil)
	svc.Start()

	req := &message.Message{
		Topic: "hello.idset", Flags: message.FlagStreaming,
		RouteStack: []string{"peer1"}, Matchtag: 7,
	}
	svc.HandleIdsetRequest(req)
	rr.mu.Lock()
	rr.byTopic["hello.idset"] = nil // clear the immediate first reply
	rr.mu.Unlock()

	cancelPayload, _ := json.Marshal(cancelPayload{Matchtag: 7})
	svc.HandleCancel(&message.Message{
		Topic: "hello.cancel", Payload: cancelPayload, RouteStack: []string{"peer1"},
	})

	replies := rr.repliesFor("hello.idset")
	require.Len(t, replies, 1)
	kindErr, ok := errkind.As(replies[0].err)
	require.True(t, ok)
	require.Equal(t, errkind.Canceled, kindErr.Kind)

	// A second cancel for the same (sender, matchtag) is a no-op.
	svc.HandleCancel(&message.Message{
		Topic: "hello.cancel", Payload: cancelPayload, RouteStack: []string{"peer1"},
	})
	require.Len(t, rr.repliesFor("hello.idset"), 1)
}

func TestDisconnectRemovesListenersBySender(t *testing.T) {
	rr := newRecordingRespond()
	svc := NewService(4, 0, 4, 10*time.Second, nil, rr.fn, nil)
	svc.Start()

	svc.HandleIdsetRequest(&message.Message{
		Topic: "hello.idset", Flags: message.FlagStreaming, RouteStack: []string{"peerA"},
	})
	svc.HandleIdsetRequest(&message.Message{
		Topic: "hello.idset", Flags: message.FlagStreaming, RouteStack: []string{"peerB"},
	})

	svc.HandleDisconnect("peerA")

	svc.mu.Lock()
	remaining := len(svc.listeners)
	svc.mu.Unlock()
	require.Equal(t, 1, remaining)
}

type fakeJoinUpstream struct {
	mu  sync.Mutex
	got *reduce.IDSet
}

func (f *fakeJoinUpstream) Join(ctx context.Context, idset *reduce.IDSet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = idset
	return nil
}

func TestNonRootRankForwardsUpstream(t *testing.T) {
	up := &fakeJoinUpstream{}
	rr := newRecordingRespond()
	svc := NewService(4, 2, 1, 10*time.Second, up, rr.fn, nil)
	svc.Start()

	require.Eventually(t, func() bool {
		up.mu.Lock()
		defer up.mu.Unlock()
		return up.got != nil
	}, time.Second, 5*time.Millisecond)
}

func TestDescendantHWM(t *testing.T) {
	require.Equal(t, 1, DescendantHWM(0))
	require.Equal(t, 4, DescendantHWM(3))
}
