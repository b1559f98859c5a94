// Package router implements the broker's per-node message router: the
// single-node multiplexer that conditions client<->broker messages,
// matches requests to dynamically registered services, fans events out to
// subscribers, and manages connection lifecycle. It composes
// SubscriptionSet (C1), DisconnectCache (C2), and ServiceRegistry (C3)
// behind one single-threaded Router (C4). Grounded on original_source's
// src/common/librouter/router.c.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/flux-framework/flux-broker-core/internal/errkind"
	"github.com/flux-framework/flux-broker-core/internal/log"
	"github.com/flux-framework/flux-broker-core/internal/message"
	"github.com/flux-framework/flux-broker-core/internal/metrics"
	"github.com/google/uuid"
)

const (
	topicEventSubscribe   = "event.subscribe"
	topicEventUnsubscribe = "event.unsubscribe"
	topicServiceAdd       = "service.add"
	topicServiceRemove    = "service.remove"
)

// NewUUID returns a short, "usefully addressable" connection/module id per
// spec.md §3: the first 5 characters of a random UUID.
func NewUUID() string {
	return uuid.NewString()[:5]
}

// subscribePayload is the JSON payload of event.subscribe/event.unsubscribe.
type subscribePayload struct {
	Topic string `json:"topic"`
}

// servicePayload is the JSON payload of service.add/service.remove.
type servicePayload struct {
	Service string `json:"service"`
}

// Router is the single-node message multiplexer described in spec.md §4.4.
// It is single-threaded in the sense that all state mutation happens
// through its own exported methods guarded by one mutex; it holds no
// cross-goroutine mutable state visible to its components beyond that.
type Router struct {
	mu          sync.Mutex
	connections map[string]*Connection
	order       []string // insertion order, for deterministic fanout

	subscriptions *SubscriptionSet
	services      *ServiceRegistry
	upstream      Upstream

	muted bool
}

// NewRouter creates a Router bound to an upstream transport. upstream is
// the out-of-scope OverlayTransport/EventPublisher/ServiceRegistry
// collaborator described in spec.md §6.
func NewRouter(upstream Upstream) *Router {
	r := &Router{
		connections: make(map[string]*Connection),
		upstream:    upstream,
	}
	r.subscriptions = NewSubscriptionSet(r.upstreamSubscribe, r.upstreamUnsubscribe)
	r.services = NewServiceRegistry(upstream, r.respondByUUID)
	return r
}

func (r *Router) upstreamSubscribe(topic string) error {
	return r.upstream.EventSubscribe(context.Background(), topic)
}

func (r *Router) upstreamUnsubscribe(topic string) error {
	r.mu.Lock()
	muted := r.muted
	r.mu.Unlock()
	if muted {
		return nil
	}
	return r.upstream.EventUnsubscribe(context.Background(), topic)
}

// AddEntry registers a new Connection under uuid, owning outbound delivery
// via send. It fails if uuid is already present.
func (r *Router) AddEntry(uuid string, send SendFunc) (EntryHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connections[uuid]; exists {
		return EntryHandle{}, errkind.New(errkind.Invalid, "connection %q already exists", uuid)
	}

	conn := &Connection{UUID: uuid, send: send, router: r}
	conn.Subscriptions = NewSubscriptionSet(
		func(topic string) error { return r.subscriptions.Subscribe(topic) },
		func(topic string) error { return r.subscriptions.Unsubscribe(topic) },
	)
	conn.Disconnects = NewDisconnectCache(func(msg *message.Message) {
		r.sendUpstreamBestEffort(conn, msg)
	})

	r.connections[uuid] = conn
	r.order = append(r.order, uuid)
	return EntryHandle{router: r, uuid: uuid}, nil
}

// deleteEntry removes the connection, cascading upstream unsubscribes,
// then removes it from service ownership, then fires its disconnect cache.
// Idempotent.
func (r *Router) deleteEntry(uuid string) {
	r.mu.Lock()
	conn, ok := r.connections[uuid]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.connections, uuid)
	for i, u := range r.order {
		if u == uuid {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	conn.Subscriptions.Close()
	r.services.Disconnect(context.Background(), uuid)
	conn.Disconnects.Close()
}

// Mute stops the Router from generating upstream unsubscribes, used during
// shutdown to avoid deadlock with the broker being torn down.
func (r *Router) Mute() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.muted = true
}

// Renew replays subscriptions and service registrations upstream after a
// transport reconnect.
func (r *Router) Renew(ctx context.Context) error {
	if err := r.subscriptions.Renew(); err != nil {
		return err
	}
	return r.services.Renew(ctx)
}

// recvFromClient conditions and routes a message received from the client
// represented by uuid, per spec.md §4.4's request-conditioning algorithm.
func (r *Router) recvFromClient(uuid string, msg *message.Message) {
	r.mu.Lock()
	conn, ok := r.connections[uuid]
	r.mu.Unlock()
	if !ok {
		return
	}

	if msg.Type == message.Request {
		switch msg.Topic {
		case topicEventSubscribe:
			r.handleLocalSubscribe(conn, msg)
			return
		case topicEventUnsubscribe:
			r.handleLocalUnsubscribe(conn, msg)
			return
		case topicServiceAdd:
			r.handleServiceAdd(conn, msg)
			return
		case topicServiceRemove:
			r.handleServiceRemove(conn, msg)
			return
		}
		msg.RouteEnable()
		msg.RoutePush(conn.UUID)
		if err := conn.Disconnects.Arm(msg); err != nil {
			log.WithComponent("router").Error().Err(err).Msg("disconnect arm failed")
			return
		}
	}

	metrics.MessagesRouted.WithLabelValues(msg.Type.String(), "up").Inc()
	if err := r.upstream.Send(context.Background(), msg); err != nil {
		if !isBenignSendError(err) {
			log.WithComponent("router").Error().
				Err(err).Str("connection", conn.UUID).Str("topic", msg.Topic).
				Msg("send > broker failed")
		}
	}
}

func (r *Router) handleLocalSubscribe(conn *Connection, msg *message.Message) {
	var p subscribePayload
	if err := unmarshalPayload(msg, &p); err != nil {
		r.respond(conn, msg, err)
		return
	}
	err := conn.Subscriptions.Subscribe(p.Topic)
	r.respond(conn, msg, err)
}

func (r *Router) handleLocalUnsubscribe(conn *Connection, msg *message.Message) {
	var p subscribePayload
	if err := unmarshalPayload(msg, &p); err != nil {
		r.respond(conn, msg, err)
		return
	}
	err := conn.Subscriptions.Unsubscribe(p.Topic)
	r.respond(conn, msg, err)
}

func (r *Router) handleServiceAdd(conn *Connection, msg *message.Message) {
	var p servicePayload
	if err := unmarshalPayload(msg, &p); err != nil {
		r.respond(conn, msg, err)
		return
	}
	if err := r.services.Add(context.Background(), p.Service, conn.UUID, msg); err != nil {
		r.respond(conn, msg, err)
	}
	// success case responds asynchronously via respondByUUID
}

func (r *Router) handleServiceRemove(conn *Connection, msg *message.Message) {
	var p servicePayload
	if err := unmarshalPayload(msg, &p); err != nil {
		r.respond(conn, msg, err)
		return
	}
	if err := r.services.Remove(context.Background(), p.Service, conn.UUID, msg); err != nil {
		r.respond(conn, msg, err)
	}
}

// respondByUUID is the ServiceRegistry RespondFunc: it routes a
// service.add/service.remove reply back to its owning connection.
func (r *Router) respondByUUID(uuid string, req *message.Message, err error) {
	r.mu.Lock()
	conn, ok := r.connections[uuid]
	r.mu.Unlock()
	if !ok {
		return
	}
	r.respond(conn, req, err)
}

func (r *Router) respond(conn *Connection, req *message.Message, err error) {
	resp := &message.Message{
		Type:     message.Response,
		Topic:    req.Topic,
		Matchtag: req.Matchtag,
	}
	if err != nil {
		resp.Payload = encodeErrorPayload(err)
	}
	if sendErr := conn.send(resp); sendErr != nil && !isBenignSendError(sendErr) {
		log.WithComponent("router").Error().Err(sendErr).
			Str("connection", conn.UUID).Msg("response > client failed")
	}
}

func (r *Router) sendUpstreamBestEffort(conn *Connection, msg *message.Message) {
	metrics.DisconnectsFired.Inc()
	if err := r.upstream.Send(context.Background(), msg); err != nil {
		log.WithComponent("router").Error().Err(err).
			Str("connection", conn.UUID).Msg("disconnect < client failed")
	}
}

// BrokerRequestIn handles a request arriving from the broker/overlay side,
// destined for a locally registered service.
func (r *Router) BrokerRequestIn(msg *message.Message) {
	metrics.MessagesRouted.WithLabelValues(msg.Type.String(), "down").Inc()
	uuid, ok := r.services.Match(msg)
	if !ok {
		if err := r.upstream.Send(context.Background(), errorResponse(msg, errkind.New(errkind.NoSuchMethod, "no service matches %q", msg.Topic))); err != nil {
			log.WithComponent("router").Error().Err(err).Msg("request > client: no such method respond failed")
		}
		return
	}
	r.mu.Lock()
	conn, ok := r.connections[uuid]
	r.mu.Unlock()
	if !ok {
		return
	}
	if err := conn.send(msg); err != nil && !isBenignSendError(err) {
		log.WithComponent("router").Error().Err(err).
			Str("connection", conn.UUID).Msg("request > client failed")
	}
}

// BrokerResponseIn handles a response arriving from the broker/overlay
// side: it pops the tail of the route stack to find the destination
// connection.
func (r *Router) BrokerResponseIn(msg *message.Message) {
	metrics.MessagesRouted.WithLabelValues(msg.Type.String(), "down").Inc()
	cp := msg.Clone()
	uuid, ok := cp.RoutePopLast()
	if !ok {
		log.WithComponent("router").Error().Msg("response > client: empty route stack")
		return
	}
	r.mu.Lock()
	conn, ok := r.connections[uuid]
	r.mu.Unlock()
	if !ok {
		log.WithComponent("router").Error().Str("connection", uuid).
			Msg("response > client: host unreachable")
		return
	}
	if err := conn.send(cp); err != nil {
		log.WithComponent("router").Error().Err(err).
			Str("connection", conn.UUID).Msg("response > client failed")
	}
}

// BrokerEventIn fans an event out to every Connection (in insertion order)
// whose subscriptions match its topic. Per-peer send errors are logged but
// do not stop fanout.
func (r *Router) BrokerEventIn(msg *message.Message) {
	metrics.MessagesRouted.WithLabelValues(msg.Type.String(), "down").Inc()
	r.mu.Lock()
	order := append([]string(nil), r.order...)
	r.mu.Unlock()

	for _, uuid := range order {
		r.mu.Lock()
		conn, ok := r.connections[uuid]
		r.mu.Unlock()
		if !ok {
			continue
		}
		if !conn.Subscriptions.Matches(msg.Topic) {
			continue
		}
		if err := conn.send(msg); err != nil {
			log.WithComponent("router").Error().Err(err).
				Str("connection", conn.UUID).Msg("event > client failed")
		}
	}
}

func isBenignSendError(err error) bool {
	k, ok := errkind.As(err)
	return ok && k.Kind == errkind.PeerGone
}

func unmarshalPayload(msg *message.Message, v any) error {
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return errkind.New(errkind.Invalid, "%v", err)
	}
	return nil
}

func errorResponse(req *message.Message, err error) *message.Message {
	return &message.Message{
		Type:     message.Response,
		Topic:    req.Topic,
		Matchtag: req.Matchtag,
		Payload:  encodeErrorPayload(err),
	}
}

func encodeErrorPayload(err error) []byte {
	k, ok := errkind.As(err)
	if !ok {
		return []byte(fmt.Sprintf(`{"errno":22,"errstr":%q}`, err.Error()))
	}
	return []byte(fmt.Sprintf(`{"errno":%d,"errstr":%q}`, k.Errno(), k.Error()))
}
