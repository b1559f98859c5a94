// Package client is a small connector library for talking to a broker over
// its local client socket: dial, issue request/response RPCs, subscribe to
// events. It plays the role of the teacher's generated gRPC stub, but
// speaks the broker's own framed-message protocol via internal/transport
// instead of a separate IDL.
package client

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/flux-framework/flux-broker-core/internal/errkind"
	"github.com/flux-framework/flux-broker-core/internal/message"
	"github.com/flux-framework/flux-broker-core/internal/transport"
)

// EventHandler receives events whose topic matches a subscribed prefix.
type EventHandler func(topic string, payload json.RawMessage)

// Client is one connection to a broker's local client transport.
type Client struct {
	conn *transport.Conn
	peer *transport.Peer

	mu       sync.RWMutex
	handlers map[string]EventHandler // keyed by subscribed prefix

	runErr chan error
}

// Dial connects to the broker's local client socket at path and starts
// receiving frames in the background. Call Close when done.
func Dial(path string) (*Client, error) {
	conn, err := transport.DialLocal(path)
	if err != nil {
		return nil, err
	}
	c := &Client{
		conn:     conn,
		handlers: make(map[string]EventHandler),
		runErr:   make(chan error, 1),
	}
	c.peer = transport.NewPeer(conn, transport.InboundHandler{Event: c.dispatchEvent})
	go func() { c.runErr <- c.peer.Run() }()
	return c, nil
}

// Close shuts down the underlying connection. Safe to call once.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) dispatchEvent(msg *message.Message) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for prefix, h := range c.handlers {
		if prefix == "" || msg.Topic == prefix || strings.HasPrefix(msg.Topic, prefix+".") {
			h(msg.Topic, msg.Payload)
		}
	}
}

// Subscribe registers h for every event whose topic equals prefix or has
// prefix as a leading dotted component, and asks the broker to start
// routing that subscription to this connection.
func (c *Client) Subscribe(ctx context.Context, prefix string, h EventHandler) error {
	if err := c.peer.EventSubscribe(ctx, prefix); err != nil {
		return err
	}
	c.mu.Lock()
	c.handlers[prefix] = h
	c.mu.Unlock()
	return nil
}

// Unsubscribe reverses a prior Subscribe.
func (c *Client) Unsubscribe(ctx context.Context, prefix string) error {
	c.mu.Lock()
	delete(c.handlers, prefix)
	c.mu.Unlock()
	return c.peer.EventUnsubscribe(ctx, prefix)
}

// Rpc issues a request to topic and waits for its response, decoding the
// builtin {errno,errstr} failure envelope (see internal/router's
// encodeErrorPayload) into an *errkind.Error when the call fails.
func (c *Client) Rpc(ctx context.Context, topic string, payload json.RawMessage) (json.RawMessage, error) {
	resp, err := c.peer.Rpc(ctx, topic, payload, 0)
	if err != nil {
		return nil, err
	}
	return decodeResponse(resp)
}

// RpcNoResponse issues a fire-and-forget request: the broker is told not to
// reply (message.FlagNoResponse) so the call returns as soon as the frame
// is written.
func (c *Client) RpcNoResponse(topic string, payload json.RawMessage) error {
	return c.peer.Send(context.Background(), &message.Message{
		Type:    message.Request,
		Topic:   topic,
		Payload: payload,
		Flags:   message.FlagNoResponse,
	})
}

type errorEnvelope struct {
	Errno  int    `json:"errno"`
	Errstr string `json:"errstr"`
}

func decodeResponse(msg *message.Message) (json.RawMessage, error) {
	var env errorEnvelope
	if len(msg.Payload) > 0 && json.Unmarshal(msg.Payload, &env) == nil && env.Errno != 0 {
		return nil, errkind.New(errkind.FromErrno(env.Errno), "%s", env.Errstr)
	}
	return msg.Payload, nil
}

// Ping round-trips a ping request to service, returning the hop-annotated
// payload the builtin ping handler echoes back.
func (c *Client) Ping(ctx context.Context, service string) (json.RawMessage, error) {
	return c.Rpc(ctx, service+".ping", []byte(`{"seq":0}`))
}

// StatsGet fetches service's built-in per-method invocation counters.
func (c *Client) StatsGet(ctx context.Context, service string) (map[string]int64, error) {
	raw, err := c.Rpc(ctx, service+".stats-get", nil)
	if err != nil {
		return nil, err
	}
	var stats map[string]int64
	if err := json.Unmarshal(raw, &stats); err != nil {
		return nil, errkind.New(errkind.Invalid, "malformed stats-get reply: %v", err)
	}
	return stats, nil
}

// Shutdown requests service's orderly (phase 1) shutdown.
func (c *Client) Shutdown(ctx context.Context, service string) error {
	_, err := c.Rpc(ctx, service+".shutdown", nil)
	return err
}
