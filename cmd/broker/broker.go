package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flux-framework/flux-broker-core/internal/config"
	"github.com/flux-framework/flux-broker-core/internal/errkind"
	"github.com/flux-framework/flux-broker-core/internal/hello"
	"github.com/flux-framework/flux-broker-core/internal/log"
	"github.com/flux-framework/flux-broker-core/internal/message"
	"github.com/flux-framework/flux-broker-core/internal/modhost"
	"github.com/flux-framework/flux-broker-core/internal/reduce"
	"github.com/flux-framework/flux-broker-core/internal/router"
	"github.com/flux-framework/flux-broker-core/internal/security"
	"github.com/flux-framework/flux-broker-core/internal/transport"
)

// upstreamBootstrap is what wireUpstream hands back to runStart: the
// router.Upstream to construct the Router with, the (possibly nil)
// reduce.Upstream the hello collective forwards through, any TLS config
// this rank's own overlay listener should use, and a bindRouter hook that
// must run once the Router exists (the upstream's inbound dispatch needs
// to call back into it).
type upstreamBootstrap struct {
	upstream        router.Upstream
	helloUpstream   reduce.Upstream
	serverTLSConfig *tls.Config
	bindRouter      func(r *router.Router)
}

type wireUpstreamArgs struct {
	rank       uint32
	parentAddr string
	ca         *security.CA
}

// wireUpstream picks this rank's router.Upstream/reduce.Upstream
// collaborator. Rank 0 (or any rank started with no --parent-addr) is the
// TBON root: it has no parent to dial, so a loopbackUpstream feeds
// "upstream" traffic straight back into this rank's own Router, the way a
// real flux broker's rank 0 talks to itself over a local zsock rather than
// the network. Every other rank dials its parent and drives both
// interfaces off one transport.Peer, which already implements
// router.Upstream and reduce.Upstream directly.
func wireUpstream(args wireUpstreamArgs) (*upstreamBootstrap, error) {
	var serverTLS *tls.Config
	if args.ca != nil {
		leaf, err := args.ca.IssueLeaf(fmt.Sprintf("rank-%d-server", args.rank), nil, nil)
		if err != nil {
			return nil, fmt.Errorf("issue overlay server cert: %w", err)
		}
		serverTLS = args.ca.ServerTLSConfig(leaf, true)
	}

	if args.parentAddr == "" {
		lb := &loopbackUpstream{}
		return &upstreamBootstrap{
			upstream:        lb,
			helloUpstream:   nil,
			serverTLSConfig: serverTLS,
			bindRouter:      func(r *router.Router) { lb.r = r },
		}, nil
	}

	var clientTLS *tls.Config
	if args.ca != nil {
		leaf, err := args.ca.IssueLeaf(fmt.Sprintf("rank-%d-client", args.rank), nil, nil)
		if err != nil {
			return nil, fmt.Errorf("issue overlay client cert: %w", err)
		}
		clientTLS = args.ca.ClientTLSConfig(leaf)
	}

	conn, err := transport.DialOverlay(args.parentAddr, clientTLS)
	if err != nil {
		return nil, fmt.Errorf("dial parent %s: %w", args.parentAddr, err)
	}

	box := &routerBox{}
	peer := transport.NewPeer(conn, transport.InboundHandler{
		Request:  box.request,
		Response: box.response,
		Event:    box.event,
	})
	go func() {
		if err := peer.Run(); err != nil {
			log.WithComponent("overlay-parent").Warn().Err(err).Msg("parent connection closed")
		}
	}()

	return &upstreamBootstrap{
		upstream:        peer,
		helloUpstream:   peer,
		serverTLSConfig: serverTLS,
		bindRouter:      func(r *router.Router) { box.r = r },
	}, nil
}

// routerBox defers binding a transport.Peer's InboundHandler callbacks to
// a *router.Router until one exists: the Peer must be dialed and running
// before the Router that owns BrokerRequestIn/BrokerResponseIn/
// BrokerEventIn is constructed, since the Router itself is built with this
// Peer as its Upstream.
type routerBox struct {
	r *router.Router
}

func (b *routerBox) request(msg *message.Message) {
	if b.r != nil {
		b.r.BrokerRequestIn(msg)
	}
}

func (b *routerBox) response(msg *message.Message) {
	if b.r != nil {
		b.r.BrokerResponseIn(msg)
	}
}

func (b *routerBox) event(msg *message.Message) {
	if b.r != nil {
		b.r.BrokerEventIn(msg)
	}
}

// loopbackUpstream is rank 0's router.Upstream: there is no parent to
// register services or subscriptions with, so those calls are no-ops, and
// a forwarded Send is routed straight back into this rank's own Router as
// if it had arrived over the overlay.
type loopbackUpstream struct {
	r *router.Router
}

func (l *loopbackUpstream) ServiceAdd(ctx context.Context, req *message.Message) error { return nil }

func (l *loopbackUpstream) ServiceRemove(ctx context.Context, req *message.Message) error { return nil }

func (l *loopbackUpstream) EventSubscribe(ctx context.Context, topic string) error { return nil }

func (l *loopbackUpstream) EventUnsubscribe(ctx context.Context, topic string) error { return nil }

func (l *loopbackUpstream) Send(ctx context.Context, msg *message.Message) error {
	if l.r == nil {
		return nil
	}
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

// helloRegistration bundles the parameters registerHello needs to both
// construct a hello.Service and register it as the router's "hello"
// service, so it receives hello.join/hello.idset/hello.cancel requests the
// overlay routes down to this rank.
type helloRegistration struct {
	size     uint32
	rank     uint32
	hwm      int
	timeout  time.Duration
	upstream reduce.Upstream
}

// registerHello wires a hello.Service into the router the same way
// internal/modhost wires a hosted module: an entry whose "send" function
// is really the inbound-delivery function for traffic the router routes
// to it, fronted by a synthetic service.add so BrokerRequestIn's service
// match finds it. Replies are delivered back through the same entry,
// mirroring how a module's responses flow back out through its own
// router.EntryHandle.
func registerHello(r *router.Router, reg helloRegistration) *hello.Service {
	uuid := router.NewUUID()

	var entry router.EntryHandle
	respond := func(req *message.Message, payload json.RawMessage, err error) {
		var resp *message.Message
		if err != nil {
			resp = &message.Message{
				Type:     message.Response,
				Topic:    req.Topic,
				Matchtag: req.Matchtag,
				Payload:  encodeError(err),
			}
		} else {
			resp = &message.Message{
				Type:     message.Response,
				Topic:    req.Topic,
				Matchtag: req.Matchtag,
				Payload:  payload,
			}
		}
		resp.RouteStack = req.RouteStack
		entry.Recv(resp)
	}

	var onComplete func(*reduce.IDSet)
	if reg.rank == 0 {
		onComplete = func(global *reduce.IDSet) {
			log.WithComponent("hello").Info().Str("members", global.Encode()).Msg("cluster membership updated")
		}
	}

	svc := hello.NewService(reg.size, reg.rank, reg.hwm, reg.timeout, reg.upstream, respond, onComplete)

	dispatch := func(msg *message.Message) error {
		switch {
		case msg.Topic == "hello.join":
			svc.HandleJoin(msg)
		case msg.Topic == "hello.idset":
			svc.HandleIdsetRequest(msg)
		case msg.Topic == "hello.cancel":
			svc.HandleCancel(msg)
		case msg.Topic == "hello.disconnect":
			if sender, ok := msg.RouteFirst(); ok {
				svc.HandleDisconnect(sender)
			}
		}
		return nil
	}

	var err error
	entry, err = r.AddEntry(uuid, dispatch)
	if err != nil {
		log.WithComponent("hello").Error().Err(err).Msg("add hello entry failed")
		return svc
	}

	entry.Recv(&message.Message{
		Type:    message.Request,
		Topic:   "service.add",
		Payload: mustMarshal(struct {
			Service string `json:"service"`
		}{Service: "hello"}),
	})

	svc.Start()
	return svc
}

// encodeError renders err as the same {errno,errstr} envelope
// internal/router's encodeErrorPayload produces, for services registered
// outside the router package (hello, config) that construct their own
// response messages.
func encodeError(err error) json.RawMessage {
	if k, ok := errkind.As(err); ok {
		return json.RawMessage(fmt.Sprintf(`{"errno":%d,"errstr":%q}`, k.Errno(), k.Error()))
	}
	return json.RawMessage(fmt.Sprintf(`{"errno":22,"errstr":%q}`, err.Error()))
}

func mustMarshal(v any) json.RawMessage {
	out, _ := json.Marshal(v)
	return out
}

// configRegistration bundles what registerConfig needs to answer
// config.get/config.reload requests the overlay routes down to this rank.
type configRegistration struct {
	source *config.Source
	host   *modhost.Host
}

// registerConfig wires a "config" service into the router the same way
// registerHello wires "hello": an entry fronted by a synthetic service.add,
// whose dispatch answers config.get from the live Source snapshot and
// config.reload by re-reading the source and driving the Host's
// config-reload fan-out, per spec.md §6.
func registerConfig(r *router.Router, reg configRegistration) {
	uuid := router.NewUUID()

	var entry router.EntryHandle
	respond := func(req *message.Message, payload json.RawMessage, err error) {
		resp := &message.Message{
			Type:     message.Response,
			Topic:    req.Topic,
			Matchtag: req.Matchtag,
		}
		if err != nil {
			resp.Payload = encodeError(err)
		} else {
			resp.Payload = payload
		}
		resp.RouteStack = req.RouteStack
		entry.Recv(resp)
	}

	dispatch := func(msg *message.Message) error {
		switch msg.Topic {
		case "config.get":
			if reg.source == nil {
				respond(msg, nil, errkind.New(errkind.NoSuchMethod, "no config source loaded"))
				return nil
			}
			respond(msg, reg.source.Snapshot(), nil)
		case "config.reload":
			if reg.source == nil {
				respond(msg, nil, errkind.New(errkind.NoSuchMethod, "no config source loaded"))
				return nil
			}
			if err := reg.source.Load(); err != nil {
				respond(msg, nil, errkind.New(errkind.Invalid, "reload: %v", err))
				return nil
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := reg.host.ReloadConfig(ctx)
			cancel()
			respond(msg, nil, err)
		}
		return nil
	}

	var err error
	entry, err = r.AddEntry(uuid, dispatch)
	if err != nil {
		log.WithComponent("config").Error().Err(err).Msg("add config entry failed")
		return
	}

	entry.Recv(&message.Message{
		Type:  message.Request,
		Topic: "service.add",
		Payload: mustMarshal(struct {
			Service string `json:"service"`
		}{Service: "config"}),
	})
}
