package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/flux-framework/flux-broker-core/internal/errkind"
	"github.com/flux-framework/flux-broker-core/internal/message"
	"github.com/stretchr/testify/require"
)

type fakeUpstream struct {
	mu      sync.Mutex
	addErr  error
	removed []string
}

func (f *fakeUpstream) ServiceAdd(ctx context.Context, req *message.Message) error {
	return f.addErr
}

func (f *fakeUpstream) ServiceRemove(ctx context.Context, req *message.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, req.Topic)
	return nil
}

func (f *fakeUpstream) EventSubscribe(ctx context.Context, topic string) error   { return nil }
func (f *fakeUpstream) EventUnsubscribe(ctx context.Context, topic string) error { return nil }
func (f *fakeUpstream) Send(ctx context.Context, msg *message.Message) error     { return nil }

func waitReply(t *testing.T, ch chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for async reply")
	}
}

func TestServiceAddThenMatch(t *testing.T) {
	up := &fakeUpstream{}
	done := make(chan struct{}, 1)
	var gotErr error
	reg := NewServiceRegistry(up, func(uuid string, req *message.Message, err error) {
		gotErr = err
		done <- struct{}{}
	})

	req := &message.Message{Topic: "service.add"}
	require.NoError(t, reg.Add(context.Background(), "testfu", "client1", req))
	waitReply(t, done)
	require.NoError(t, gotErr)

	owner, ok := reg.Match(&message.Message{Topic: "testfu.method"})
	require.True(t, ok)
	require.Equal(t, "client1", owner)

	_, ok = reg.Match(&message.Message{Topic: "testfu"})
	require.False(t, ok, "bare service name without trailing method must not match")
}

func TestServiceAddDuplicateFails(t *testing.T) {
	up := &fakeUpstream{}
	reg := NewServiceRegistry(up, func(string, *message.Message, error) {})
	require.NoError(t, reg.Add(context.Background(), "dup", "c1", &message.Message{}))
	err := reg.Add(context.Background(), "dup", "c2", &message.Message{})
	require.Error(t, err)
	kindErr, ok := errkind.As(err)
	require.True(t, ok)
	require.Equal(t, errkind.ServiceExists, kindErr.Kind)
}

func TestServiceRemoveByNonOwnerFails(t *testing.T) {
	up := &fakeUpstream{}
	done := make(chan struct{}, 1)
	reg := NewServiceRegistry(up, func(string, *message.Message, error) { done <- struct{}{} })
	require.NoError(t, reg.Add(context.Background(), "svc", "owner", &message.Message{}))
	waitReply(t, done)

	err := reg.Remove(context.Background(), "svc", "not-owner", &message.Message{})
	require.Error(t, err)
	kindErr, ok := errkind.As(err)
	require.True(t, ok)
	require.Equal(t, errkind.NotOwner, kindErr.Kind)
}

func TestServiceRemoveOnDisconnect(t *testing.T) {
	up := &fakeUpstream{}
	done := make(chan struct{}, 1)
	reg := NewServiceRegistry(up, func(string, *message.Message, error) { done <- struct{}{} })
	require.NoError(t, reg.Add(context.Background(), "testfu", "client1", &message.Message{Topic: "service.add"}))
	waitReply(t, done)

	reg.Disconnect(context.Background(), "client1")
	require.Eventually(t, func() bool {
		up.mu.Lock()
		defer up.mu.Unlock()
		return len(up.removed) == 1
	}, time.Second, 10*time.Millisecond)

	_, ok := reg.Match(&message.Message{Topic: "testfu.method"})
	require.False(t, ok)
}
