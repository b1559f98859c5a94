// Package hello implements the cluster-wakeup handshake: each broker rank
// contributes its own rank number to a reduce.Collector; rank 0 accumulates
// the union into a cluster-global idset and answers listeners that asked to
// be told when membership changes. Grounded on original_source's
// src/broker/hello.c, reusing internal/reduce for the collective math.
package hello

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/flux-framework/flux-broker-core/internal/errkind"
	"github.com/flux-framework/flux-broker-core/internal/message"
	"github.com/flux-framework/flux-broker-core/internal/reduce"
)

// RespondFunc delivers a reply (or error) to a previously received request.
// A nil payload with a nil err means an empty success response.
type RespondFunc func(req *message.Message, payload json.RawMessage, err error)

// listener is a streaming hello.idset request kept alive across multiple
// sink invocations until canceled or its owner disconnects.
type listener struct {
	req      *message.Message
	sender   string
	matchtag uint32
}

type idsetPayload struct {
	Idset string `json:"idset"`
	Size  uint32 `json:"size"`
}

type joinPayload struct {
	Idset string `json:"idset"`
	Batch int    `json:"batch"`
}

type cancelPayload struct {
	Matchtag uint32 `json:"matchtag"`
}

// Service drives the hello handshake for one broker rank.
type Service struct {
	mu         sync.Mutex
	rank       uint32
	size       uint32
	collector  *reduce.Collector
	global     *reduce.IDSet
	listeners  []*listener
	respond    RespondFunc
	onComplete func(global *reduce.IDSet)
	start      time.Time
}

// NewService creates the hello service for a rank. upstream is nil on rank
// 0; onComplete (may be nil) is invoked with a snapshot of the
// cluster-global idset every time rank 0's collector sinks.
func NewService(size, rank uint32, hwm int, timeout time.Duration, upstream reduce.Upstream, respond RespondFunc, onComplete func(*reduce.IDSet)) *Service {
	s := &Service{
		rank:       rank,
		size:       size,
		respond:    respond,
		onComplete: onComplete,
	}
	s.collector = reduce.NewCollector(size, rank, hwm, timeout, upstream, s.sink)
	return s
}

// Start begins the reduction: arms the collector and contributes this
// rank's own membership.
func (s *Service) Start() {
	s.mu.Lock()
	s.start = time.Now()
	s.mu.Unlock()

	s.collector.Start()
	item := reduce.NewIDSet()
	item.Set(s.rank)
	s.collector.Append(item)
}

// Elapsed returns the time since Start, or 0 if not yet started.
func (s *Service) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.start.IsZero() {
		return 0
	}
	return time.Since(s.start)
}

// Count returns the number of ranks currently known to have joined
// (rank 0 only; always 0 elsewhere).
func (s *Service) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.global == nil {
		return 0
	}
	return s.global.Count()
}

// Complete reports whether every rank has joined (rank 0 only).
func (s *Service) Complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.global == nil {
		return false
	}
	return uint32(s.global.Count()) >= s.size
}

func (s *Service) sink(global *reduce.IDSet) {
	s.mu.Lock()
	if s.global == nil {
		s.global = global
	} else {
		s.global.Union(global)
	}
	snapshot := s.global.Clone()
	pending := append([]*listener(nil), s.listeners...)
	s.mu.Unlock()

	if s.onComplete != nil {
		s.onComplete(snapshot)
	}
	for _, l := range pending {
		s.respondIdset(l.req, snapshot)
	}
}

func (s *Service) respondIdset(req *message.Message, idset *reduce.IDSet) {
	if idset == nil {
		idset = reduce.NewIDSet()
	}
	payload, err := json.Marshal(idsetPayload{Idset: idset.Encode(), Size: s.size})
	if err != nil {
		s.respond(req, nil, errkind.New(errkind.Invalid, "%v", err))
		return
	}
	s.respond(req, payload, nil)
}

// HandleJoin processes a hello.join request forwarded from a descendant.
func (s *Service) HandleJoin(req *message.Message) {
	var p joinPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		s.respond(req, nil, errkind.New(errkind.Invalid, "join failed to decode idset"))
		return
	}
	if p.Batch != 0 {
		s.respond(req, nil, errkind.New(errkind.Invalid, "join contains nonzero batch id"))
		return
	}
	item, err := reduce.DecodeIDSet(p.Idset)
	if err != nil {
		s.respond(req, nil, errkind.New(errkind.Invalid, "join failed to decode idset"))
		return
	}
	s.collector.Append(item)
	s.respond(req, nil, nil)
}

// HandleIdsetRequest answers a hello.idset request with the current
// cluster-global idset and size. If req is STREAMING, it is retained and
// answered again on every subsequent sink.
func (s *Service) HandleIdsetRequest(req *message.Message) {
	if s.rank > 0 {
		s.respond(req, nil, errkind.New(errkind.Invalid, "idset request only works on rank 0"))
		return
	}
	s.mu.Lock()
	snapshot := s.global
	if snapshot != nil {
		snapshot = snapshot.Clone()
	}
	s.mu.Unlock()
	s.respondIdset(req, snapshot)

	if req.Flags.Has(message.FlagStreaming) {
		sender, _ := req.RouteFirst()
		s.mu.Lock()
		s.listeners = append(s.listeners, &listener{req: req, sender: sender, matchtag: req.Matchtag})
		s.mu.Unlock()
	}
}

// HandleCancel cancels the earlier streaming hello.idset request from the
// same sender matching matchtag (message.MatchtagNone wildcards on sender
// alone), replying Canceled to it. The cancel request itself gets no reply.
func (s *Service) HandleCancel(req *message.Message) {
	var p cancelPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return
	}
	sender, ok := req.RouteFirst()
	if !ok {
		return
	}
	found := s.removeListener(sender, p.Matchtag)
	if found != nil {
		s.respond(found.req, nil, errkind.New(errkind.Canceled, "Request was canceled"))
	}
}

// HandleDisconnect drops every listener whose first route hop is sender,
// with no reply. The Router's DisconnectCache is what calls this, via the
// synthetic hello.disconnect message.
func (s *Service) HandleDisconnect(sender string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.listeners[:0:0]
	for _, l := range s.listeners {
		if l.sender != sender {
			kept = append(kept, l)
		}
	}
	s.listeners = kept
}

func (s *Service) removeListener(sender string, matchtag uint32) *listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, l := range s.listeners {
		if l.sender != sender {
			continue
		}
		if matchtag != message.MatchtagNone && l.matchtag != matchtag {
			continue
		}
		s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
		return l
	}
	return nil
}

// DescendantHWM computes the hello.hwm attribute value from a rank's
// tbon.descendants count: the number of descendants plus one (itself).
func DescendantHWM(descendants int) int {
	return descendants + 1
}
