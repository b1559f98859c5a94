package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/flux-framework/flux-broker-core/internal/errkind"
	"github.com/flux-framework/flux-broker-core/internal/log"
	"github.com/flux-framework/flux-broker-core/internal/message"
	"github.com/flux-framework/flux-broker-core/internal/reduce"
)

// InboundHandler routes frames a Peer receives that aren't replies to one
// of its own outstanding calls: requests and events arriving from the
// TBON parent/sibling, handed to router.Router.BrokerRequestIn/
// BrokerEventIn, and responses to requests this node's own services
// issued upstream, handed to router.Router.BrokerResponseIn.
type InboundHandler struct {
	Request  func(*message.Message)
	Response func(*message.Message)
	Event    func(*message.Message)
}

// Peer adapts one framed Conn to the router package's Upstream interface
// and to reduce.Upstream, by layering a request/response correlation
// scheme (keyed by Message.Matchtag) over the raw frame stream. This is
// the component that gives internal/router and internal/reduce's Upstream
// collaborators a concrete implementation.
type Peer struct {
	conn    *Conn
	handler InboundHandler

	nextTag uint32

	mu      sync.Mutex
	pending map[uint32]chan *message.Message
}

// NewPeer wraps conn for RPC-style call/await on top of its frame stream.
// Run must be called (typically on its own goroutine) to start receiving.
func NewPeer(conn *Conn, handler InboundHandler) *Peer {
	return &Peer{
		conn:    conn,
		handler: handler,
		pending: make(map[uint32]chan *message.Message),
	}
}

// Run reads frames from the underlying connection until it errors or is
// closed, dispatching each to a waiting caller or the InboundHandler.
func (p *Peer) Run() error {
	for {
		msg, err := p.conn.Recv()
		if err != nil {
			p.failPending(err)
			return err
		}
		p.dispatch(msg)
	}
}

func (p *Peer) dispatch(msg *message.Message) {
	if msg.Type == message.Response && msg.Matchtag != message.MatchtagNone {
		p.mu.Lock()
		ch, ok := p.pending[msg.Matchtag]
		if ok {
			delete(p.pending, msg.Matchtag)
		}
		p.mu.Unlock()
		if ok {
			ch <- msg
			return
		}
	}

	switch msg.Type {
	case message.Request:
		if p.handler.Request != nil {
			p.handler.Request(msg)
		}
	case message.Response:
		if p.handler.Response != nil {
			p.handler.Response(msg)
		}
	case message.Event:
		if p.handler.Event != nil {
			p.handler.Event(msg)
		}
	default:
		log.WithComponent("transport").Warn().Str("topic", msg.Topic).Msg("unhandled control message")
	}
}

func (p *Peer) failPending(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for tag, ch := range p.pending {
		close(ch)
		delete(p.pending, tag)
	}
	_ = err
}

// call sends req (assigning it a fresh matchtag) and blocks for the
// matching response or ctx's deadline.
func (p *Peer) call(ctx context.Context, req *message.Message) (*message.Message, error) {
	tag := atomic.AddUint32(&p.nextTag, 1)
	req.Matchtag = tag

	ch := make(chan *message.Message, 1)
	p.mu.Lock()
	p.pending[tag] = ch
	p.mu.Unlock()

	if err := p.conn.Send(req); err != nil {
		p.mu.Lock()
		delete(p.pending, tag)
		p.mu.Unlock()
		return nil, fmt.Errorf("transport: send request: %w", err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, errkind.New(errkind.PeerGone, "connection closed awaiting %q", req.Topic)
		}
		return resp, nil
	case <-ctx.Done():
		p.mu.Lock()
		delete(p.pending, tag)
		p.mu.Unlock()
		return nil, errkind.New(errkind.Timeout, "no reply to %q", req.Topic)
	}
}

// Rpc issues an arbitrary request and waits for its matching response,
// for callers (such as internal/client) that aren't conditioning traffic
// for the router/reduce interfaces but just want a plain request/reply.
func (p *Peer) Rpc(ctx context.Context, topic string, payload json.RawMessage, flags message.Flags) (*message.Message, error) {
	return p.call(ctx, &message.Message{Type: message.Request, Topic: topic, Payload: payload, Flags: flags})
}

// Send implements router.Upstream: a fire-and-forget frame, used for
// already-conditioned requests/responses/events being forwarded verbatim.
func (p *Peer) Send(ctx context.Context, msg *message.Message) error {
	return p.conn.Send(msg)
}

// ServiceAdd implements router.Upstream by forwarding req and waiting for
// the parent's ack.
func (p *Peer) ServiceAdd(ctx context.Context, req *message.Message) error {
	_, err := p.call(ctx, req.Clone())
	return err
}

// ServiceRemove implements router.Upstream symmetrically with ServiceAdd.
func (p *Peer) ServiceRemove(ctx context.Context, req *message.Message) error {
	_, err := p.call(ctx, req.Clone())
	return err
}

// EventSubscribe implements router.Upstream by issuing an event.subscribe
// control request toward the parent.
func (p *Peer) EventSubscribe(ctx context.Context, topic string) error {
	_, err := p.call(ctx, &message.Message{
		Type:    message.Request,
		Topic:   "event.subscribe",
		Payload: topicPayload(topic),
	})
	return err
}

// EventUnsubscribe implements router.Upstream symmetrically with
// EventSubscribe.
func (p *Peer) EventUnsubscribe(ctx context.Context, topic string) error {
	_, err := p.call(ctx, &message.Message{
		Type:    message.Request,
		Topic:   "event.unsubscribe",
		Payload: topicPayload(topic),
	})
	return err
}

// Join implements reduce.Upstream: forward this rank's reduced idset to
// its TBON parent via the hello.join RPC and wait for its ack.
func (p *Peer) Join(ctx context.Context, idset *reduce.IDSet) error {
	payload, err := idsetPayload(idset)
	if err != nil {
		return err
	}
	_, err = p.call(ctx, &message.Message{
		Type:    message.Request,
		Topic:   "hello.join",
		Payload: payload,
	})
	return err
}
