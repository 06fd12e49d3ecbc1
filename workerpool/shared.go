package workerpool

import "sync"

// DispatcherHandler pairs one Dispatcher with the handler that should
// run on everything it delivers, for SharedPool.
type DispatcherHandler[T any] struct {
	Dispatcher *Dispatcher[T]
	Handler    func(T)
}

type taggedItem[T any] struct {
	handlerIdx int
	item       T
}

// SharedPool runs a fixed set of worker goroutines across several
// dispatchers, each with its own handler -- the topology for a set of
// subscriptions whose callbacks differ but whose combined delivery rate
// doesn't warrant a dedicated pool each.
//
// Go's select only supports a static case list, unlike the dynamic
// per-channel select the original worker pool relies on, so instead each
// dispatcher shard gets its own forwarder goroutine funneling into one
// merged, handler-tagged channel that the worker pool drains -- a
// standard fan-in, not a literal port of the select loop.
type SharedPool[T any] struct {
	pairs  []DispatcherHandler[T]
	merged chan taggedItem[T]

	forwarders sync.WaitGroup
	workers    sync.WaitGroup
}

// RunShared starts workers goroutines draining every dispatcher in
// pairs, each invoking that dispatcher's own handler.
func RunShared[T any](workers int, pairs []DispatcherHandler[T]) *SharedPool[T] {
	if workers <= 0 {
		workers = 1
	}
	p := &SharedPool[T]{pairs: pairs, merged: make(chan taggedItem[T], workers)}

	for idx, pair := range pairs {
		for _, recv := range pair.Dispatcher.Receivers() {
			p.forwarders.Add(1)
			go func(idx int, ch <-chan T) {
				defer p.forwarders.Done()
				for item := range ch {
					p.merged <- taggedItem[T]{handlerIdx: idx, item: item}
				}
			}(idx, recv)
		}
	}

	for i := 0; i < workers; i++ {
		p.workers.Add(1)
		go func() {
			defer p.workers.Done()
			for ti := range p.merged {
				pair := p.pairs[ti.handlerIdx]
				pair.Dispatcher.stats.addActive(1)
				pair.Handler(ti.item)
				pair.Dispatcher.stats.addProcessed(1)
				pair.Dispatcher.stats.addActive(-1)
			}
		}()
	}
	return p
}

// Shutdown closes every dispatcher, waits for forwarders to drain and
// the merged channel to empty, then returns each dispatcher's final
// stats in pair order.
func (p *SharedPool[T]) Shutdown() []StatsSnapshot {
	for _, pair := range p.pairs {
		pair.Dispatcher.Close()
	}
	p.forwarders.Wait()
	close(p.merged)
	p.workers.Wait()

	out := make([]StatsSnapshot, len(p.pairs))
	for i, pair := range p.pairs {
		out[i] = pair.Dispatcher.Stats().Snapshot()
	}
	return out
}
