package reduce

import (
	"context"
	"sync"
	"time"

	"github.com/flux-framework/flux-broker-core/internal/log"
	"github.com/flux-framework/flux-broker-core/internal/metrics"
)

// Upstream is the collaborator a non-root rank forwards its reduced idset
// to: the hello.join RPC to the TBON parent. Out of scope per this
// package's boundary; the broker wires its overlay transport here.
type Upstream interface {
	Join(ctx context.Context, idset *IDSet) error
}

// SinkFunc is invoked on rank 0 every time the collector's batch is
// reduced and unioned into the cluster-global idset.
type SinkFunc func(global *IDSet)

// Collector is a per-rank reduction handle parameterized by (size, rank,
// hwm, timeout). It accepts idset contributions and, once their combined
// weight reaches hwm or timeout elapses (whichever first), unions them and
// either sinks the result (rank 0) or forwards it upstream (rank > 0).
// Grounded on original_source's src/broker/reduce.c and hello.c's
// reduce_ops table.
type Collector struct {
	mu       sync.Mutex
	rank     uint32
	size     uint32
	hwm      int
	timeout  time.Duration
	upstream Upstream
	sink     SinkFunc

	batch   *IDSet
	weight  int
	flushed bool
	timer   *time.Timer
	started time.Time
}

// NewCollector creates a Collector for the given rank/size/hwm/timeout.
// upstream is nil on rank 0 (it never forwards); sink is nil on rank > 0
// (it never sinks).
func NewCollector(size, rank uint32, hwm int, timeout time.Duration, upstream Upstream, sink SinkFunc) *Collector {
	return &Collector{
		rank:     rank,
		size:     size,
		hwm:      hwm,
		timeout:  timeout,
		upstream: upstream,
		sink:     sink,
		batch:    NewIDSet(),
	}
}

// Start arms the collector's timeout-based flush and records its epoch.
// It is idempotent; only the first call has an effect.
func (c *Collector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started.IsZero() {
		return
	}
	c.started = time.Now()
	if c.timeout > 0 {
		c.timer = time.AfterFunc(c.timeout, c.flushOnTimeout)
	}
}

// Append adds item to the current batch. If the batch's item weight (the
// sum of member counts) reaches hwm, the collector flushes immediately.
func (c *Collector) Append(item *IDSet) {
	c.mu.Lock()
	if c.flushed {
		c.mu.Unlock()
		return
	}
	c.batch.Union(item)
	c.weight += item.Count()
	reached := c.hwm > 0 && c.weight >= c.hwm
	c.mu.Unlock()

	if reached {
		c.flush("hwm")
	}
}

func (c *Collector) flushOnTimeout() {
	c.flush("timeout")
}

// flush performs the reduce-then-sink/forward dispatch exactly once.
func (c *Collector) flush(trigger string) {
	c.mu.Lock()
	if c.flushed {
		c.mu.Unlock()
		return
	}
	c.flushed = true
	if c.timer != nil {
		c.timer.Stop()
	}
	reduced := c.batch
	c.batch = NewIDSet()
	started := c.started
	c.mu.Unlock()

	metrics.ReductionFlushesTotal.WithLabelValues(trigger).Inc()
	if !started.IsZero() {
		metrics.ReductionFlushLatency.Observe(time.Since(started).Seconds())
	}

	if c.rank == 0 {
		if c.sink != nil {
			c.sink(reduced)
		}
		return
	}
	c.forward(reduced)
}

func (c *Collector) forward(item *IDSet) {
	ctx, cancel := context.WithTimeout(context.Background(), joinResponseTimeout)
	defer cancel()
	if err := c.upstream.Join(ctx, item); err != nil {
		if ctx.Err() != nil {
			log.WithComponent("reduce").Warn().Err(err).Msg("hello.join response timed out")
			return
		}
		log.WithComponent("reduce").Error().Err(err).Msg("hello.join failed")
	}
}

// joinResponseTimeout is the deadline for the upstream hello.join RPC; a
// timeout here is logged but not fatal.
const joinResponseTimeout = 10 * time.Second

// Flushed reports whether the collector has already dispatched its batch.
func (c *Collector) Flushed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushed
}
