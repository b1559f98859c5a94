package modhost

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/flux-framework/flux-broker-core/internal/errkind"
	"github.com/flux-framework/flux-broker-core/internal/log"
	"github.com/flux-framework/flux-broker-core/internal/message"
	"github.com/flux-framework/flux-broker-core/internal/metrics"
	"github.com/flux-framework/flux-broker-core/internal/router"
)

const (
	finalizingTimeout = 1 * time.Second
)

// AttrSnapshot is the read-only attribute cache snapshot handed to a module
// at welcome time.
type AttrSnapshot func() map[string]string

// ConfSnapshot is the read-only config object snapshot handed to a module
// at welcome time, and resent on every config.reload fan-out.
type ConfSnapshot func() json.RawMessage

// Host owns the set of loaded modules for one broker rank. It bridges
// each module's inbound/outbound queues onto the Router, drives the
// welcome handshake, two-phase shutdown, and config-reload fan-out.
type Host struct {
	mu      sync.Mutex
	modules map[string]*Module // keyed by name
	r       *router.Router
	attrs   AttrSnapshot
	conf    ConfSnapshot

	cachedConf json.RawMessage
	reloading  bool

	// uuid/entry give the Host its own router connection, the way
	// internal/hello registers one, so a config-reload reply can complete
	// its round trip back through the router (BrokerResponseIn popping the
	// route stack) instead of vanishing upstream.
	uuid            string
	entry           router.EntryHandle
	pending         map[uint32]chan *message.Message
	matchtagCounter uint32
}

// NewHost creates a Host bound to a Router and the broker's attribute and
// config snapshot providers.
func NewHost(r *router.Router, attrs AttrSnapshot, conf ConfSnapshot) *Host {
	h := &Host{
		modules: make(map[string]*Module),
		r:       r,
		attrs:   attrs,
		conf:    conf,
		uuid:    router.NewUUID(),
		pending: make(map[uint32]chan *message.Message),
	}
	entry, err := r.AddEntry(h.uuid, h.deliverReply)
	if err != nil {
		log.WithComponent("modhost").Error().Err(err).Msg("add host reply entry failed")
	}
	h.entry = entry
	return h
}

// deliverReply is the Host's own router entry SendFunc: it runs when a
// module's config-reload response completes its trip back through the
// router to this connection, and resolves the pending wait sendConfigReload
// is blocked on for that matchtag.
func (h *Host) deliverReply(msg *message.Message) error {
	h.mu.Lock()
	ch, ok := h.pending[msg.Matchtag]
	h.mu.Unlock()
	if ok {
		select {
		case ch <- msg:
		default:
		}
	}
	return nil
}

// nextMatchtag hands out a host-scoped matchtag for correlating a
// config-reload request with its reply, never MatchtagNone.
func (h *Host) nextMatchtag() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.matchtagCounter++
	if h.matchtagCounter == message.MatchtagNone {
		h.matchtagCounter++
	}
	return h.matchtagCounter
}

// LoadThread launches a hosted-thread (goroutine) module: main runs on its
// own goroutine and communicates over an in-process typed channel.
func (h *Host) LoadThread(ctx context.Context, name string, argv []string, main MainFunc) (*Module, error) {
	h.mu.Lock()
	if _, exists := h.modules[name]; exists {
		h.mu.Unlock()
		return nil, errkind.New(errkind.ServiceExists, "module %q already loaded", name)
	}
	h.mu.Unlock()

	uuid := router.NewUUID()
	m := &Module{
		Name:       name,
		UUID:       uuid,
		Argv:       argv,
		recvCh:     make(chan *message.Message, 64),
		done:       make(chan struct{}),
		subscribed: make(map[string]struct{}),
	}

	entry, err := h.r.AddEntry(uuid, func(msg *message.Message) error {
		return m.deliver(msg)
	})
	if err != nil {
		return nil, err
	}
	m.entry = entry

	h.mu.Lock()
	h.modules[name] = m
	h.mu.Unlock()
	metrics.ModulesLoaded.Inc()

	mctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	attrs := h.attrs()
	conf := h.conf()
	if welcome, err := welcomePayload(m, attrs, conf); err != nil {
		log.WithModule(name).Error().Err(err).Msg("welcome payload encode failed")
	} else {
		log.WithModule(name).Debug().Int("welcome_bytes", len(welcome)).Msg("module welcomed")
	}

	handle := &Handle{
		Name:  name,
		UUID:  uuid,
		Argv:  argv,
		Attrs: attrs,
		Conf:  conf,
		Recv:  m.recvCh,
		Send:  func(msg *message.Message) error { entry.Recv(msg); return nil },
	}

	go h.runThread(mctx, m, main, handle)
	return m, nil
}

func (h *Host) runThread(ctx context.Context, m *Module, main MainFunc, handle *Handle) {
	defer close(m.done)
	m.setStatus(Running)

	err := main(ctx, handle)
	h.finalize(m, err)
}

// LoadProcess launches a hosted-process module: path runs as a child
// process with argv as its arguments, and the module gets a router entry
// whose deliveries go to its inbound queue. The child's stdin and stdout
// are not connected to that queue or to the router: nothing is written to
// or read from the process, and requests delivered to it stay queued until
// finalize drains them with NoSuchMethod. Grounded on original_source's
// module_exec.c.
func (h *Host) LoadProcess(ctx context.Context, name, path string, argv []string) (*Module, error) {
	h.mu.Lock()
	if _, exists := h.modules[name]; exists {
		h.mu.Unlock()
		return nil, errkind.New(errkind.ServiceExists, "module %q already loaded", name)
	}
	h.mu.Unlock()

	uuid := router.NewUUID()
	m := &Module{
		Name:       name,
		UUID:       uuid,
		Path:       path,
		Argv:       argv,
		recvCh:     make(chan *message.Message, 64),
		done:       make(chan struct{}),
		subscribed: make(map[string]struct{}),
	}

	mctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.cmd = exec.CommandContext(mctx, path, argv...)

	entry, err := h.r.AddEntry(uuid, func(msg *message.Message) error {
		return m.deliver(msg)
	})
	if err != nil {
		cancel()
		return nil, err
	}
	m.entry = entry

	h.mu.Lock()
	h.modules[name] = m
	h.mu.Unlock()
	metrics.ModulesLoaded.Inc()

	if welcome, err := welcomePayload(m, h.attrs(), h.conf()); err != nil {
		log.WithModule(name).Error().Err(err).Msg("welcome payload encode failed")
	} else {
		log.WithModule(name).Debug().Int("welcome_bytes", len(welcome)).Msg("module welcomed")
	}

	if err := m.cmd.Start(); err != nil {
		h.mu.Lock()
		delete(h.modules, name)
		h.mu.Unlock()
		metrics.ModulesLoaded.Dec()
		entry.Delete()
		cancel()
		return nil, errkind.New(errkind.Invalid, "module %q exec failed: %v", name, err)
	}
	m.setStatus(Running)

	go func() {
		defer close(m.done)
		waitErr := m.cmd.Wait()
		h.finalize(m, waitErr)
	}()

	return m, nil
}

// finalize runs the two-phase shutdown cleanup: mute the module, drain its
// backlog with NoSuchMethod, post Exited, and release its router entry.
func (h *Host) finalize(m *Module, mainErr error) {
	m.setStatus(Finalizing)
	m.Mute()

	errnum := 0
	if mainErr != nil {
		if k, ok := errkind.As(mainErr); ok {
			errnum = k.Errno()
		} else {
			errnum = 71 // EPROTO-equivalent default for an unclassified module exit
		}
		log.WithModule(m.Name).Error().Err(mainErr).Msg("module exited abnormally")
	}

	h.drainBacklog(m)
	m.setStatus(Exited)
	m.entry.Delete()

	h.mu.Lock()
	delete(h.modules, m.Name)
	h.mu.Unlock()
	metrics.ModulesLoaded.Dec()

	_ = errnum // reported via module.status in a full broker; surfaced here via logging only
}

// drainBacklog answers every request left in the module's inbound queue
// after shutdown with NoSuchMethod, per spec.md's two-phase shutdown
// protocol, pushing the reply back through the module's own router entry
// as if the (now-dead) module had sent it.
func (h *Host) drainBacklog(m *Module) {
	for {
		select {
		case msg := <-m.recvCh:
			if msg.Type != message.Request || msg.Flags.Has(message.FlagNoResponse) {
				continue
			}
			payload, _ := json.Marshal(struct {
				Errno  int    `json:"errno"`
				Errstr string `json:"errstr"`
			}{Errno: errkind.NoSuchMethod.Errno(), Errstr: "module is shutting down"})
			m.entry.Recv(&message.Message{
				Type:       message.Response,
				Topic:      msg.Topic,
				Matchtag:   msg.Matchtag,
				RouteStack: msg.RouteStack,
				Payload:    payload,
			})
		default:
			return
		}
	}
}

// Unload requests an orderly phase-1 shutdown of a hosted module: its
// context is canceled (hosted-thread main should return promptly) and a
// hosted process is sent SIGTERM. The host's own finalize goroutine
// completes phase 2 once the module actually stops. If deadline passes
// first, a hosted process is killed; a hosted-thread module cannot be
// forcibly stopped, so Unload keeps waiting for its main to return.
func (h *Host) Unload(ctx context.Context, name string, deadline time.Duration) error {
	h.mu.Lock()
	m, ok := h.modules[name]
	h.mu.Unlock()
	if !ok {
		return errkind.New(errkind.NotOwner, "module %q not loaded", name)
	}

	if m.cmd != nil {
		_ = m.cmd.Process.Signal(syscall.SIGTERM)
	}
	m.cancel()

	select {
	case <-m.done:
		return nil
	case <-time.After(deadline):
		if m.cmd != nil {
			_ = m.cmd.Process.Kill()
		}
		<-m.done
		return nil
	}
}

// Get returns the named module, if loaded.
func (h *Host) Get(name string) (*Module, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.modules[name]
	return m, ok
}

// Names returns the names of every currently loaded module.
func (h *Host) Names() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.modules))
	for name := range h.modules {
		out = append(out, name)
	}
	return out
}

// ReloadConfig takes a fresh snapshot from the Host's config provider and,
// if it differs from the cached object, fans "<name>.config-reload" out to every loaded module,
// gathering replies in a wait-all composite. Responses of NoSuchMethod are
// treated as success. At most one reload runs at a time; a concurrent
// caller gets Busy.
func (h *Host) ReloadConfig(ctx context.Context) error {
	h.mu.Lock()
	if h.reloading {
		h.mu.Unlock()
		return errkind.New(errkind.Busy, "a config.reload is already in progress, retry later")
	}
	h.reloading = true
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.reloading = false
		h.mu.Unlock()
	}()

	fresh := h.conf()
	h.mu.Lock()
	unchanged := h.cachedConf != nil && string(h.cachedConf) == string(fresh)
	if !unchanged {
		h.cachedConf = fresh
	}
	names := h.Names()
	h.mu.Unlock()
	if unchanged {
		return nil
	}

	type result struct {
		name string
		err  error
	}
	results := make(chan result, len(names))
	for _, name := range names {
		go func(name string) {
			results <- result{name: name, err: h.sendConfigReload(ctx, name, fresh)}
		}(name)
	}

	var diagnostics []string
	for range names {
		r := <-results
		if r.err == nil {
			continue
		}
		if k, ok := errkind.As(r.err); ok && k.Kind == errkind.NoSuchMethod {
			continue
		}
		diagnostics = append(diagnostics, fmt.Sprintf("%s: %v", r.name, r.err))
	}
	if len(diagnostics) > 0 {
		return errkind.New(errkind.Invalid, "%s", strings.Join(diagnostics, "\n"))
	}
	return nil
}

// sendConfigReload is the per-module leg of the reload fan-out. Modules are
// always hosted in-process (goroutine or child process bridged through the
// same router entry, never a remote broker), so the request is delivered
// straight to the module's inbound queue rather than through
// internal/transport, which exists for overlay and local-client links. The
// reply is not, though: a module answers "<name>.config-reload" the same
// way it answers any other request, echoing Matchtag and RouteStack back
// through its own router entry, so correlating it here means playing the
// route-stack half of the client role the Host's own entry occupies:
// RoutePush the Host's uuid before delivery so BrokerResponseIn's pop lands
// the reply on deliverReply, and wait on the matchtag-keyed pending channel
// it resolves.
func (h *Host) sendConfigReload(ctx context.Context, name string, conf json.RawMessage) error {
	h.mu.Lock()
	m, ok := h.modules[name]
	h.mu.Unlock()
	if !ok {
		return errkind.New(errkind.NotOwner, "module %q no longer loaded", name)
	}

	matchtag := h.nextMatchtag()
	req := &message.Message{
		Type:     message.Request,
		Topic:    name + ".config-reload",
		Payload:  conf,
		Matchtag: matchtag,
	}
	req.RouteEnable()
	req.RoutePush(h.uuid)

	replyCh := make(chan *message.Message, 1)
	h.mu.Lock()
	h.pending[matchtag] = replyCh
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.pending, matchtag)
		h.mu.Unlock()
	}()

	if err := m.deliver(req); err != nil {
		return err
	}

	select {
	case resp := <-replyCh:
		return decodeConfigReloadReply(resp)
	case <-ctx.Done():
		return errkind.New(errkind.Canceled, "module %q config-reload: %v", name, ctx.Err())
	}
}

type configReloadErrorEnvelope struct {
	Errno  int    `json:"errno"`
	Errstr string `json:"errstr"`
}

// decodeConfigReloadReply decodes a module's config-reload response,
// recognizing the same {errno,errstr} failure envelope internal/router's
// encodeErrorPayload produces.
func decodeConfigReloadReply(msg *message.Message) error {
	if len(msg.Payload) == 0 {
		return nil
	}
	var env configReloadErrorEnvelope
	if json.Unmarshal(msg.Payload, &env) == nil && env.Errno != 0 {
		return errkind.New(errkind.FromErrno(env.Errno), "%s", env.Errstr)
	}
	return nil
}
