package router

import (
	"sync"

	"github.com/flux-framework/flux-broker-core/internal/message"
)

// DisconnectSendFunc forwards a synthesized disconnect message in the same
// manner the original request would have been forwarded.
type DisconnectSendFunc func(msg *message.Message)

// DisconnectCache holds at most one synthetic disconnect message per
// (service, nodeid, upstream-flag) tuple a Connection has armed, and fires
// them all when the Connection goes away. Grounded on original_source's
// disconnect.c.
type DisconnectCache struct {
	mu    sync.Mutex
	order []string
	byKey map[string]*message.Message
	send  DisconnectSendFunc
}

// NewDisconnectCache creates an empty cache with the given send callback.
func NewDisconnectCache(send DisconnectSendFunc) *DisconnectCache {
	return &DisconnectCache{
		byKey: make(map[string]*message.Message),
		send:  send,
	}
}

// Arm records msg's disconnect notification if one isn't already cached for
// its (distopic, nodeid, upstream-flag) key. A NoResponse-flagged msg is a
// no-op.
func (d *DisconnectCache) Arm(msg *message.Message) error {
	if msg.Flags.Has(message.FlagNoResponse) {
		return nil
	}
	key := message.DisconnectHashKey(msg.Topic, msg.NodeID, msg.Flags)

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.byKey[key]; ok {
		return nil
	}
	d.byKey[key] = message.NewDisconnect(msg)
	d.order = append(d.order, key)
	return nil
}

// Fire invokes the send callback once per cached message, in the order
// they were armed, then clears the cache. Send failures are the caller's
// concern (the cache only guarantees each message is offered once); the
// peer being gone is expected and not itself an error here.
func (d *DisconnectCache) Fire() {
	d.mu.Lock()
	order := d.order
	byKey := d.byKey
	d.order = nil
	d.byKey = make(map[string]*message.Message)
	d.mu.Unlock()

	if d.send == nil {
		return
	}
	for _, key := range order {
		d.send(byKey[key])
	}
}

// Close fires the cache; it is safe to call on an already-empty cache.
func (d *DisconnectCache) Close() {
	d.Fire()
}
