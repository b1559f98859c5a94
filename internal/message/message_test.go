package message

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDisconnectTopic(t *testing.T) {
	require.Equal(t, "disconnect", DisconnectTopic("foo"))
	require.Equal(t, "foo.disconnect", DisconnectTopic("foo.bar"))
	require.Equal(t, "foo.bar.disconnect", DisconnectTopic("foo.bar.baz"))
}

func TestDisconnectHashKey(t *testing.T) {
	require.Equal(t, "disconnect:1:16", DisconnectHashKey("foo", 1, FlagUpstream))
	require.Equal(t,
		"foo.disconnect:4294967295:0",
		DisconnectHashKey("foo.bar", NodeAny, FlagStreaming))
}

func TestRouteStack(t *testing.T) {
	m := &Message{}
	m.RouteEnable()
	m.RoutePush("aaaaa")
	m.RoutePush("bbbbb")
	require.Equal(t, "bbbbb", m.RouteLast())

	last, ok := m.RoutePopLast()
	require.True(t, ok)
	require.Equal(t, "bbbbb", last)
	require.Equal(t, []string{"aaaaa"}, m.RouteStack)

	first, ok := m.RouteFirst()
	require.True(t, ok)
	require.Equal(t, "aaaaa", first)
}

func TestCloneIsIndependent(t *testing.T) {
	m := &Message{RouteStack: []string{"a"}, Payload: []byte(`{"x":1}`)}
	cp := m.Clone()
	cp.RouteStack[0] = "z"
	cp.Payload[2] = 'y'
	require.Equal(t, "a", m.RouteStack[0])
	require.Equal(t, byte('x'), m.Payload[2])
}

func TestNewDisconnect(t *testing.T) {
	req := &Message{Topic: "foo.bar", Type: Request, RouteStack: []string{"c1"}}
	d := NewDisconnect(req)
	require.Equal(t, "foo.disconnect", d.Topic)
	require.True(t, d.Flags.Has(FlagNoResponse))
	require.Equal(t, []string{"c1"}, d.RouteStack)
}
