// Package workerpool implements off-core delivery: moving a subscription
// callback's work off the hot per-core ingress loop and onto a separate
// pool of goroutines, so a slow callback never stalls packet processing.
// Two topologies are offered, matching the two the original packet engine
// supports: a dedicated pool (every worker drains one dispatcher) and a
// shared pool (a fixed set of workers drains several dispatchers, each
// with its own handler).
package workerpool

import "sync/atomic"

// Stats tracks a Dispatcher's in-flight and completed item counts.
type Stats struct {
	processed          uint64
	activelyProcessing int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Processed          uint64
	ActivelyProcessing int64
}

func (s *Stats) addProcessed(n uint64) { atomic.AddUint64(&s.processed, n) }
func (s *Stats) addActive(delta int64) { atomic.AddInt64(&s.activelyProcessing, delta) }

// Snapshot copies out the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Processed:          atomic.LoadUint64(&s.processed),
		ActivelyProcessing: atomic.LoadInt64(&s.activelyProcessing),
	}
}

// Dispatcher fans a stream of items out across a fixed number of
// channels ("shards"), one per draining worker, so concurrent senders
// never contend on a single channel. T is whatever payload a pool
// delivers -- typically a (Subscription, session/connection data) pair.
type Dispatcher[T any] struct {
	shards []chan T
	next   uint64
	stats  Stats
	closed int32
}

// NewDispatcher builds a Dispatcher with the given shard count and
// per-shard channel buffer size.
func NewDispatcher[T any](shards, bufSize int) *Dispatcher[T] {
	if shards <= 0 {
		shards = 1
	}
	d := &Dispatcher[T]{shards: make([]chan T, shards)}
	for i := range d.shards {
		d.shards[i] = make(chan T, bufSize)
	}
	return d
}

// Send routes item to one shard, round-robin. Send on a closed
// Dispatcher panics, same as sending on a closed channel, since closing
// only ever happens at shutdown after producers have stopped.
func (d *Dispatcher[T]) Send(item T) {
	idx := atomic.AddUint64(&d.next, 1) % uint64(len(d.shards))
	d.shards[idx] <- item
}

// Receivers exposes each shard as a receive-only channel for workers to
// range over.
func (d *Dispatcher[T]) Receivers() []<-chan T {
	out := make([]<-chan T, len(d.shards))
	for i, c := range d.shards {
		out[i] = c
	}
	return out
}

// Stats returns the dispatcher's counters.
func (d *Dispatcher[T]) Stats() *Stats { return &d.stats }

// Close closes every shard exactly once, unblocking workers ranging over
// Receivers(). Safe to call more than once.
func (d *Dispatcher[T]) Close() {
	if !atomic.CompareAndSwapInt32(&d.closed, 0, 1) {
		return
	}
	for _, c := range d.shards {
		close(c)
	}
}

// IsEmpty reports whether every shard's buffered queue is currently
// drained, used by Shutdown to wait for in-flight work before closing.
func (d *Dispatcher[T]) IsEmpty() bool {
	for _, c := range d.shards {
		if len(c) > 0 {
			return false
		}
	}
	return true
}

// ActivelyProcessing reports how many items are mid-handler right now.
func (d *Dispatcher[T]) ActivelyProcessing() int64 {
	return atomic.LoadInt64(&d.stats.activelyProcessing)
}
