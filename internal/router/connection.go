package router

import (
	"github.com/flux-framework/flux-broker-core/internal/message"
)

// SendFunc delivers a Message to the peer a Connection represents.
type SendFunc func(msg *message.Message) error

// Connection is an accepted client peer. The Router owns its entry in the
// uuid-indexed connections map; destroying the entry releases all
// subscriptions (cascading upstream unsubscribes) and fires its
// DisconnectCache. Grounded on original_source's router.c
// (struct router_entry).
type Connection struct {
	UUID          string
	Cred          message.Credential
	Subscriptions *SubscriptionSet
	Disconnects   *DisconnectCache
	send          SendFunc

	router *Router
}

// Send forwards msg to this connection's peer.
func (c *Connection) Send(msg *message.Message) error {
	return c.send(msg)
}

// EntryHandle is the only capability callers outside the Router's own loop
// get for a Connection: the ability to feed it inbound messages and to
// idempotently delete it. It deliberately exposes no other mutation.
type EntryHandle struct {
	router *Router
	uuid   string
}

// Recv processes an inbound message from this connection's peer.
func (h EntryHandle) Recv(msg *message.Message) {
	h.router.recvFromClient(h.uuid, msg)
}

// Delete removes the connection. Idempotent.
func (h EntryHandle) Delete() {
	h.router.deleteEntry(h.uuid)
}

// UUID returns the handle's connection uuid.
func (h EntryHandle) UUID() string { return h.uuid }
