package modhost

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/flux-framework/flux-broker-core/internal/message"
	"github.com/flux-framework/flux-broker-core/internal/router"
	"github.com/stretchr/testify/require"
)

type noopUpstream struct{}

func (noopUpstream) ServiceAdd(ctx context.Context, req *message.Message) error    { return nil }
func (noopUpstream) ServiceRemove(ctx context.Context, req *message.Message) error { return nil }
func (noopUpstream) EventSubscribe(ctx context.Context, topic string) error        { return nil }
func (noopUpstream) EventUnsubscribe(ctx context.Context, topic string) error      { return nil }
func (noopUpstream) Send(ctx context.Context, msg *message.Message) error          { return nil }

// loopbackTestUpstream routes a Response back into the same Router's
// BrokerResponseIn, mirroring cmd/broker's rank-0 loopbackUpstream, so a
// module's config-reload reply actually completes its round trip back to
// the Host's own entry instead of vanishing into a no-op Send.
type loopbackTestUpstream struct {
	r *router.Router
}

func (l *loopbackTestUpstream) ServiceAdd(ctx context.Context, req *message.Message) error {
	return nil
}
func (l *loopbackTestUpstream) ServiceRemove(ctx context.Context, req *message.Message) error {
	return nil
}
func (l *loopbackTestUpstream) EventSubscribe(ctx context.Context, topic string) error   { return nil }
func (l *loopbackTestUpstream) EventUnsubscribe(ctx context.Context, topic string) error { return nil }

func (l *loopbackTestUpstream) Send(ctx context.Context, msg *message.Message) error {
	switch msg.Type {
	case message.Request:
		l.r.BrokerRequestIn(msg)
	case message.Response:
		l.r.BrokerResponseIn(msg)
	case message.Event:
		l.r.BrokerEventIn(msg)
	}
	return nil
}

func testHost() *Host {
	lb := &loopbackTestUpstream{}
	r := router.NewRouter(lb)
	lb.r = r
	return NewHost(r,
		func() map[string]string { return map[string]string{"rank": "0"} },
		func() json.RawMessage { return json.RawMessage(`{"foo":1}`) },
	)
}

// echoConfigReload replies to every message a module receives as if it
// were a real config-reload handler, echoing Matchtag and RouteStack back
// so the Host's wait-all correlation resolves; payload is the reply body
// (an error envelope, or nil for success).
func echoConfigReload(payload json.RawMessage) MainFunc {
	return func(ctx context.Context, h *Handle) error {
		for {
			select {
			case msg := <-h.Recv:
				_ = h.Send(&message.Message{
					Type:       message.Response,
					Topic:      msg.Topic,
					Matchtag:   msg.Matchtag,
					RouteStack: msg.RouteStack,
					Payload:    payload,
				})
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func TestLoadThreadRunsMainAndReachesRunning(t *testing.T) {
	h := testHost()
	started := make(chan struct{})
	m, err := h.LoadThread(context.Background(), "echo", nil, func(ctx context.Context, handle *Handle) error {
		close(started)
		<-ctx.Done()
		return nil
	})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("module main never started")
	}
	require.Eventually(t, func() bool { return m.Status() == Running }, time.Second, 5*time.Millisecond)
}

func TestLoadThreadDuplicateNameFails(t *testing.T) {
	h := testHost()
	_, err := h.LoadThread(context.Background(), "dup", nil, func(ctx context.Context, handle *Handle) error {
		<-ctx.Done()
		return nil
	})
	require.NoError(t, err)

	_, err = h.LoadThread(context.Background(), "dup", nil, func(ctx context.Context, handle *Handle) error { return nil })
	require.Error(t, err)
}

func TestUnloadRunsTwoPhaseShutdown(t *testing.T) {
	h := testHost()
	m, err := h.LoadThread(context.Background(), "svc", nil, func(ctx context.Context, handle *Handle) error {
		<-ctx.Done()
		return nil
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return m.Status() == Running }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.Unload(context.Background(), "svc", time.Second))
	require.Equal(t, Exited, m.Status())

	_, ok := h.Get("svc")
	require.False(t, ok, "unloaded module must be removed from the host")
}

func TestReloadConfigSkipsWhenUnchanged(t *testing.T) {
	r := router.NewRouter(noopUpstream{})
	conf := json.RawMessage(`{"foo":1}`)
	h := NewHost(r, func() map[string]string { return nil }, func() json.RawMessage { return conf })

	require.NoError(t, h.ReloadConfig(context.Background()))
	require.NoError(t, h.ReloadConfig(context.Background()))
}

func TestReloadConfigFanOutDeliversToModules(t *testing.T) {
	h := testHost()
	received := make(chan *message.Message, 1)
	_, err := h.LoadThread(context.Background(), "kvs", nil, func(ctx context.Context, handle *Handle) error {
		for {
			select {
			case msg := <-handle.Recv:
				received <- msg
				_ = handle.Send(&message.Message{
					Type:       message.Response,
					Topic:      msg.Topic,
					Matchtag:   msg.Matchtag,
					RouteStack: msg.RouteStack,
				})
			case <-ctx.Done():
				return nil
			}
		}
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return true }, 10*time.Millisecond, time.Millisecond) // let goroutine start

	h.mu.Lock()
	h.cachedConf = json.RawMessage(`{"foo":0}`)
	h.mu.Unlock()

	err = h.ReloadConfig(context.Background())
	require.NoError(t, err)

	select {
	case msg := <-received:
		require.Equal(t, "kvs.config-reload", msg.Topic)
	case <-time.After(time.Second):
		t.Fatal("module never received config-reload")
	}
}

func TestReloadConfigAggregatesModuleError(t *testing.T) {
	h := testHost()
	_, err := h.LoadThread(context.Background(), "kvs", nil, echoConfigReload(
		[]byte(`{"errno":22,"errstr":"bad config"}`),
	))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return true }, 10*time.Millisecond, time.Millisecond)

	h.mu.Lock()
	h.cachedConf = json.RawMessage(`{"foo":0}`)
	h.mu.Unlock()

	err = h.ReloadConfig(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "kvs")
	require.Contains(t, err.Error(), "bad config")
}

func TestReloadConfigTreatsNoSuchMethodAsSuccess(t *testing.T) {
	h := testHost()
	_, err := h.LoadThread(context.Background(), "kvs", nil, echoConfigReload(
		[]byte(`{"errno":38,"errstr":"no such method"}`),
	))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return true }, 10*time.Millisecond, time.Millisecond)

	h.mu.Lock()
	h.cachedConf = json.RawMessage(`{"foo":0}`)
	h.mu.Unlock()

	require.NoError(t, h.ReloadConfig(context.Background()))
}

func TestReloadConfigBusyOnConcurrentCall(t *testing.T) {
	h := testHost()
	h.mu.Lock()
	h.reloading = true
	h.mu.Unlock()

	err := h.ReloadConfig(context.Background())
	require.Error(t, err)
}
