package modhost

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/flux-framework/flux-broker-core/internal/errkind"
	"github.com/flux-framework/flux-broker-core/internal/message"
)

// Builtins implements the built-in service handlers every module registers
// at welcome time: shutdown, stats-get, stats-clear, debug, rusage, ping.
// Grounded on original_source's src/broker/modservice.c.
type Builtins struct {
	handle *Handle

	statsMu sync.Mutex
	stats   map[string]int64

	debugFlags int32

	onShutdown func()
}

// NewBuiltins creates the built-in dispatcher for a module's Handle.
// onShutdown (may be nil) is invoked once when a shutdown request arrives;
// a typical MainFunc uses it to cancel its own run loop.
func NewBuiltins(h *Handle, onShutdown func()) *Builtins {
	return &Builtins{handle: h, stats: make(map[string]int64), onShutdown: onShutdown}
}

// IncrStat increments a named counter exposed via stats-get. Modules call
// this from their own request handlers to track per-method invocation
// counts, mirroring method_stats_get_cb's bookkeeping.
func (b *Builtins) IncrStat(name string) {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	b.stats[name]++
}

// Dispatch handles req if its topic is one of the built-in method names
// (bare, i.e. "<name>.shutdown" with the module name prefix stripped by
// the caller) and reports whether it did. ok=false means the caller should
// route req to its own handlers.
func (b *Builtins) Dispatch(ctx context.Context, method string, req *message.Message) (handled bool, payload json.RawMessage, err error) {
	switch method {
	case "shutdown":
		if b.onShutdown != nil {
			b.onShutdown()
		}
		return true, nil, nil
	case "stats-get":
		return true, b.statsGet(), nil
	case "stats-clear":
		b.statsClear()
		return true, nil, nil
	case "debug":
		p, err := b.debug(req)
		return true, p, err
	case "rusage":
		p, err := b.rusage()
		return true, p, err
	case "ping":
		p, err := b.ping(req)
		return true, p, err
	default:
		return false, nil, nil
	}
}

func (b *Builtins) statsGet() json.RawMessage {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	snapshot := make(map[string]int64, len(b.stats))
	for k, v := range b.stats {
		snapshot[k] = v
	}
	out, _ := json.Marshal(snapshot)
	return out
}

func (b *Builtins) statsClear() {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	b.stats = make(map[string]int64)
}

type debugRequest struct {
	Op    string `json:"op"`
	Flags int32  `json:"flags"`
}

// debug implements the per-module debug-flags bitmask operations
// (setbit/clrbit/set/clr), replying with the resulting flags value.
func (b *Builtins) debug(req *message.Message) (json.RawMessage, error) {
	var p debugRequest
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return nil, errkind.New(errkind.Invalid, "malformed debug request: %v", err)
	}
	switch p.Op {
	case "setbit":
		for {
			old := atomic.LoadInt32(&b.debugFlags)
			if atomic.CompareAndSwapInt32(&b.debugFlags, old, old|p.Flags) {
				break
			}
		}
	case "clrbit":
		for {
			old := atomic.LoadInt32(&b.debugFlags)
			if atomic.CompareAndSwapInt32(&b.debugFlags, old, old&^p.Flags) {
				break
			}
		}
	case "set":
		atomic.StoreInt32(&b.debugFlags, p.Flags)
	case "clr":
		atomic.StoreInt32(&b.debugFlags, 0)
	default:
		return nil, errkind.New(errkind.Invalid, "unknown debug op %q", p.Op)
	}
	out, _ := json.Marshal(struct {
		Flags int32 `json:"flags"`
	}{Flags: atomic.LoadInt32(&b.debugFlags)})
	return out, nil
}

// rusage returns this module's own resource usage, equivalent to
// getrusage(RUSAGE_SELF).
func (b *Builtins) rusage() (json.RawMessage, error) {
	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err != nil {
		return nil, errkind.New(errkind.Invalid, "rusage: %v", err)
	}
	out, _ := json.Marshal(struct {
		Utime  int64 `json:"utime_usec"`
		Stime  int64 `json:"stime_usec"`
		Maxrss int64 `json:"maxrss"`
		Minflt int64 `json:"minflt"`
		Majflt int64 `json:"majflt"`
		Nvcsw  int64 `json:"nvcsw"`
		Nivcsw int64 `json:"nivcsw"`
	}{
		Utime:  int64(ru.Utime.Sec)*1_000_000 + int64(ru.Utime.Usec),
		Stime:  int64(ru.Stime.Sec)*1_000_000 + int64(ru.Stime.Usec),
		Maxrss: ru.Maxrss,
		Minflt: ru.Minflt,
		Majflt: ru.Majflt,
		Nvcsw:  ru.Nvcsw,
		Nivcsw: ru.Nivcsw,
	})
	return out, nil
}

// ping echoes the request payload back with a hop count appended, per
// the flux ping protocol's round-trip diagnostic convention.
func (b *Builtins) ping(req *message.Message) (json.RawMessage, error) {
	var p map[string]json.RawMessage
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return nil, errkind.New(errkind.Invalid, "malformed ping request: %v", err)
		}
	}
	if p == nil {
		p = make(map[string]json.RawMessage)
	}
	hops := int64(0)
	if raw, ok := p["seq"]; ok {
		var seq int64
		_ = json.Unmarshal(raw, &seq)
		hops = seq + 1
	}
	seqBytes, _ := json.Marshal(hops)
	p["seq"] = seqBytes
	out, err := json.Marshal(p)
	if err != nil {
		return nil, errkind.New(errkind.Invalid, "ping encode: %v", err)
	}
	return out, nil
}
