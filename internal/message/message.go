// Package message defines the broker's message data model: the unit of
// transport multiplexed by the router across the overlay, local modules,
// and local client sockets.
//
// The wire representation of a Message is deliberately left unspecified by
// this package (see internal/transport) — only its observable fields and
// the topic/hash-key derivation rules that the router depends on live here.
package message

import (
	"encoding/json"
	"fmt"
)

// Type identifies one of the four message classes multiplexed by the router.
type Type int

const (
	Request Type = iota
	Response
	Event
	Control
)

func (t Type) String() string {
	switch t {
	case Request:
		return "request"
	case Response:
		return "response"
	case Event:
		return "event"
	case Control:
		return "control"
	default:
		return "unknown"
	}
}

// Flags is a bitset carried on every Message.
type Flags uint32

const (
	// FlagStreaming marks a request as expecting more than one response.
	FlagStreaming Flags = 1 << iota
	// FlagNoResponse marks a request as not expecting any response.
	FlagNoResponse
	// FlagPrivate restricts visibility of a message's payload in logs/traces.
	FlagPrivate
	_ // reserved, keeps FlagUpstream's disconnect-hash-key value at 16 per spec.md §8 Testable Property 5
	// FlagUpstream marks a message as directed toward the TBON parent.
	FlagUpstream
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// NodeID addresses a message's target rank, or one of the two sentinels.
type NodeID uint32

const (
	// NodeAny lets the router or a service pick a destination rank.
	NodeAny NodeID = 0xFFFFFFFF
	// NodeUpstream targets this node's TBON parent.
	NodeUpstream NodeID = 0xFFFFFFFE
)

// MatchtagNone is the reserved "no correlation id" matchtag value.
const MatchtagNone uint32 = 0

// Role is a bitmask of credential roles.
type Role uint32

const (
	RoleOwner Role = 1 << iota
	RoleUser
	// RoleLocal is a synthetic role assigned to connections accepted on the
	// local client transport; it is never seen over the overlay.
	RoleLocal
)

func (r Role) Has(bit Role) bool { return r&bit != 0 }

// Credential identifies the principal that originated or owns a Message.
type Credential struct {
	UserID   uint32
	Rolemask Role
}

// Message is the unit of transport multiplexed by the router.
type Message struct {
	Type       Type
	Topic      string
	Payload    json.RawMessage
	Matchtag   uint32
	NodeID     NodeID
	Flags      Flags
	RouteStack []string
	Credential Credential
}

// Clone returns a deep copy of msg's route stack and payload so that callers
// conditioning a message for forwarding never mutate one they don't own.
func (m *Message) Clone() *Message {
	cp := *m
	if m.RouteStack != nil {
		cp.RouteStack = append([]string(nil), m.RouteStack...)
	}
	if m.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), m.Payload...)
	}
	return &cp
}

// RouteEnable marks the message as eligible to carry route-stack hops. Flux's
// wire protocol distinguishes "routing disabled" (brand new request) from
// "routing enabled, zero hops" (request that has left its origin); here
// RouteStack's nil-vs-empty carries that distinction, so RouteEnable turns
// a nil RouteStack into an empty one and leaves a non-nil one unchanged
// (the conditioning algorithm described in spec.md §4.4).
func (m *Message) RouteEnable() {
	if m.RouteStack == nil {
		m.RouteStack = []string{}
	}
}

// RoutePush appends a hop to the route stack.
func (m *Message) RoutePush(uuid string) {
	m.RouteStack = append(m.RouteStack, uuid)
}

// RouteLast returns the last hop on the route stack, or "" if empty.
func (m *Message) RouteLast() string {
	if len(m.RouteStack) == 0 {
		return ""
	}
	return m.RouteStack[len(m.RouteStack)-1]
}

// RoutePopLast removes and returns the last hop on the route stack.
func (m *Message) RoutePopLast() (string, bool) {
	if len(m.RouteStack) == 0 {
		return "", false
	}
	n := len(m.RouteStack) - 1
	last := m.RouteStack[n]
	m.RouteStack = m.RouteStack[:n]
	return last, true
}

// RouteFirst returns the first (sender-closest) hop on the route stack, used
// by the hello worked example to identify a streaming request's sender.
func (m *Message) RouteFirst() (string, bool) {
	if len(m.RouteStack) == 0 {
		return "", false
	}
	return m.RouteStack[0], true
}

// DisconnectTopic derives the disconnect-notification topic for a request
// topic, per spec.md §6:
//
//	"foo"         -> "disconnect"
//	"foo.bar"     -> "foo.disconnect"
//	"foo.bar.baz" -> "foo.bar.disconnect"
func DisconnectTopic(topic string) string {
	idx := -1
	for i := len(topic) - 1; i >= 0; i-- {
		if topic[i] == '.' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "disconnect"
	}
	return topic[:idx] + ".disconnect"
}

// DisconnectHashKey derives the disconnect-cache de-duplication key for a
// request, per spec.md §6: "<distopic>:<nodeid>:<flags>", where flags is
// either 0 or the FlagUpstream bit value and all other flags are ignored.
func DisconnectHashKey(topic string, nodeid NodeID, flags Flags) string {
	f := Flags(0)
	if flags.Has(FlagUpstream) {
		f = FlagUpstream
	}
	return fmt.Sprintf("%s:%d:%d", DisconnectTopic(topic), uint32(nodeid), uint32(f))
}

// NewDisconnect synthesizes the disconnect message for a request, per
// spec.md §4.2: same credential and route stack, NoResponse set, topic
// rewritten via DisconnectTopic.
func NewDisconnect(req *Message) *Message {
	d := req.Clone()
	d.Topic = DisconnectTopic(req.Topic)
	d.Flags |= FlagNoResponse
	d.Type = Request
	d.Payload = nil
	return d
}
