// Package modhost loads, launches, supervises, and unloads broker modules:
// hosted-thread (goroutine) or hosted-process (os/exec) services bridged
// onto the router via typed message queues. Grounded on original_source's
// src/broker/module_thread.c (hosted-thread lifecycle), module_exec.c
// (hosted-process variant), and modservice.c (built-in service handlers);
// styled after the teacher's pkg/worker goroutine-supervision idiom.
package modhost

import (
	"context"
	"encoding/json"
	"os/exec"
	"sync"

	"github.com/flux-framework/flux-broker-core/internal/errkind"
	"github.com/flux-framework/flux-broker-core/internal/message"
	"github.com/flux-framework/flux-broker-core/internal/metrics"
	"github.com/flux-framework/flux-broker-core/internal/router"
)

// Status is a Module's lifecycle stage. Status only advances; Exited is
// terminal.
type Status int

const (
	Init Status = iota
	Running
	Finalizing
	Exited
)

func (s Status) String() string {
	switch s {
	case Init:
		return "init"
	case Running:
		return "running"
	case Finalizing:
		return "finalizing"
	case Exited:
		return "exited"
	default:
		return "unknown"
	}
}

// MainFunc is a hosted-thread module's entry point. It runs on its own
// goroutine, receiving messages from recv and replying/publishing through
// send, until ctx is canceled (phase 1 shutdown) or it returns on its own.
type MainFunc func(ctx context.Context, h *Handle) error

// Handle is what a hosted-thread module's MainFunc is given: a narrow,
// welcome-seeded view of the broker. It intentionally exposes nothing a
// module shouldn't reach beyond its own messages and the attr/conf
// snapshots taken at welcome time.
type Handle struct {
	Name  string
	UUID  string
	Argv  []string
	Attrs map[string]string
	Conf  json.RawMessage

	Recv <-chan *message.Message
	Send func(msg *message.Message) error
}

// Module is a hosted service instance, either goroutine- or
// process-hosted.
type Module struct {
	Name   string
	UUID   string
	Path   string // argv[0] for the hosted-process variant; empty for hosted-thread
	Argv   []string

	mu     sync.Mutex
	status Status
	muted  bool

	recvCh chan *message.Message
	entry  router.EntryHandle

	cancel context.CancelFunc
	done   chan struct{}
	cmd    *exec.Cmd

	subscribed map[string]struct{}
}

func (m *Module) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Module) setStatus(s Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status < s {
		m.status = s
		metrics.ModuleTransitionsTotal.WithLabelValues(s.String()).Inc()
	}
}

// Mute stops the host from delivering further messages to this module.
func (m *Module) Mute() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.muted = true
}

func (m *Module) isMuted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.muted
}

// deliver posts msg to the module's inbound queue unless it is muted or
// the queue has no room, per spec.md's "module can only observe the broker
// through welcome-seeded state and subsequent messages" isolation rule.
func (m *Module) deliver(msg *message.Message) error {
	if m.isMuted() {
		return errkind.New(errkind.PeerGone, "module %q is muted", m.Name)
	}
	select {
	case m.recvCh <- msg:
		return nil
	default:
		return errkind.New(errkind.Busy, "module %q recv queue full", m.Name)
	}
}

// welcomePayload builds the broker->module introduction carrying the attr
// cache snapshot, config object, and the module's own identity, per
// spec.md §4.5/§6. Hosted-thread modules receive these fields directly via
// Handle. For hosted-process modules the payload is built and its size
// logged, but it is not sent to the process.
func welcomePayload(m *Module, attrs map[string]string, conf json.RawMessage) ([]byte, error) {
	return json.Marshal(struct {
		Args  []string          `json:"args"`
		Attrs map[string]string `json:"attrs"`
		Conf  json.RawMessage   `json:"conf"`
		Name  string            `json:"name"`
		UUID  string            `json:"uuid"`
	}{Args: m.Argv, Attrs: attrs, Conf: conf, Name: m.Name, UUID: m.UUID})
}
