package router

import (
	"context"
	"sync"

	"github.com/flux-framework/flux-broker-core/internal/errkind"
	"github.com/flux-framework/flux-broker-core/internal/message"
	"github.com/flux-framework/flux-broker-core/internal/metrics"
)

// ServiceState is a ServiceEntry's lifecycle stage.
type ServiceState int

const (
	Registering ServiceState = iota
	Live
	Unregistering
)

// ServiceEntry tracks one dynamically registered service name.
type ServiceEntry struct {
	Name    string
	Owner   string
	State   ServiceState
	addReq  *message.Message
	removed bool // true once a best-effort service.remove has been sent
}

// Upstream is the broker-wide collaborator that actually moves messages to
// the parent/siblings on the overlay: service registration, event
// subscription bookkeeping, and raw message delivery. Its own
// implementation (the overlay transport) is out of scope; the router
// package only depends on this narrow surface.
type Upstream interface {
	ServiceAdd(ctx context.Context, req *message.Message) error
	ServiceRemove(ctx context.Context, req *message.Message) error
	EventSubscribe(ctx context.Context, topic string) error
	EventUnsubscribe(ctx context.Context, topic string) error
	Send(ctx context.Context, msg *message.Message) error
}

// RespondFunc delivers a service.add/service.remove reply to the owning
// client connection, identified by uuid.
type RespondFunc func(uuid string, req *message.Message, err error)

// ServiceRegistry is the async add/remove manager for client-registered
// services. Grounded on original_source's servhash.c.
type ServiceRegistry struct {
	mu       sync.Mutex
	services map[string]*ServiceEntry

	upstream Upstream
	respond  RespondFunc
}

// NewServiceRegistry creates a registry bound to an upstream transport.
func NewServiceRegistry(upstream Upstream, respond RespondFunc) *ServiceRegistry {
	return &ServiceRegistry{
		services: make(map[string]*ServiceEntry),
		upstream: upstream,
		respond:  respond,
	}
}

// Add registers name on behalf of owner. It fails immediately if the name
// is already taken; otherwise it enters Registering and asynchronously
// requests upstream registration, delivering the eventual reply via
// RespondFunc.
func (r *ServiceRegistry) Add(ctx context.Context, name, owner string, req *message.Message) error {
	r.mu.Lock()
	if _, exists := r.services[name]; exists {
		r.mu.Unlock()
		return errkind.New(errkind.ServiceExists, "service %q already registered", name)
	}
	entry := &ServiceEntry{Name: name, Owner: owner, State: Registering, addReq: req}
	r.services[name] = entry
	r.mu.Unlock()

	go func() {
		err := r.upstream.ServiceAdd(ctx, req)
		r.mu.Lock()
		if err != nil {
			delete(r.services, name)
		} else {
			entry.State = Live
			metrics.ServiceChurnTotal.WithLabelValues("add").Inc()
		}
		metrics.ServicesRegistered.Set(float64(len(r.services)))
		r.mu.Unlock()
		if r.respond != nil {
			r.respond(owner, req, err)
		}
	}()
	return nil
}

// Remove unregisters name on behalf of owner. It fails unless the entry is
// Live and owned by owner.
func (r *ServiceRegistry) Remove(ctx context.Context, name, owner string, req *message.Message) error {
	r.mu.Lock()
	entry, ok := r.services[name]
	if !ok || entry.Owner != owner || entry.State != Live {
		r.mu.Unlock()
		return errkind.New(errkind.NotOwner, "service %q not owned by connection", name)
	}
	entry.State = Unregistering
	r.mu.Unlock()

	go func() {
		err := r.upstream.ServiceRemove(ctx, req)
		r.mu.Lock()
		delete(r.services, name)
		metrics.ServiceChurnTotal.WithLabelValues("remove").Inc()
		metrics.ServicesRegistered.Set(float64(len(r.services)))
		r.mu.Unlock()
		if r.respond != nil {
			r.respond(owner, req, err)
		}
	}()
	return nil
}

// Match matches a request's topic against every Live service's "<name>.*"
// glob and returns the owning connection's uuid.
func (r *ServiceRegistry) Match(msg *message.Message) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, entry := range r.services {
		if entry.State != Live {
			continue
		}
		if topicMatchesService(msg.Topic, name) {
			return entry.Owner, true
		}
	}
	return "", false
}

func topicMatchesService(topic, name string) bool {
	if len(topic) <= len(name) {
		return false
	}
	return topic[:len(name)] == name && topic[len(name)] == '.'
}

// Disconnect removes every entry owned by uuid. For entries still
// Registering or Live (i.e. without an Unregistering already in flight), a
// best-effort upstream service.remove is emitted with no continuation and
// no reply to the departed owner.
func (r *ServiceRegistry) Disconnect(ctx context.Context, uuid string) {
	r.mu.Lock()
	var toRemove []*ServiceEntry
	for name, entry := range r.services {
		if entry.Owner != uuid {
			continue
		}
		if entry.State != Unregistering {
			entry.removed = true
			toRemove = append(toRemove, entry)
		}
		delete(r.services, name)
	}
	r.mu.Unlock()

	for _, entry := range toRemove {
		go func(e *ServiceEntry) {
			_ = r.upstream.ServiceRemove(ctx, e.addReq)
		}(entry)
	}
}

// Renew re-issues service.add upstream for every Live entry, blocking until
// each succeeds or fails. Used after a transport reconnect.
func (r *ServiceRegistry) Renew(ctx context.Context) error {
	r.mu.Lock()
	var live []*ServiceEntry
	for _, entry := range r.services {
		if entry.State == Live {
			live = append(live, entry)
		}
	}
	r.mu.Unlock()

	for _, entry := range live {
		if err := r.upstream.ServiceAdd(ctx, entry.addReq); err != nil {
			return err
		}
	}
	return nil
}
