package workerpool

import (
	"sync"
	"time"
)

// DedicatedPool spawns workers that all drain the same Dispatcher with
// the same handler -- the topology for a subscription whose callback is
// uniform across every delivered item.
type DedicatedPool[T any] struct {
	dispatcher *Dispatcher[T]
	wg         sync.WaitGroup
}

// RunDedicated starts workers goroutines, each draining one of
// dispatcher's shards (round-robin over shards if workers > shard
// count) and invoking handler on every item.
func RunDedicated[T any](workers int, dispatcher *Dispatcher[T], handler func(T)) *DedicatedPool[T] {
	if workers <= 0 {
		workers = 1
	}
	p := &DedicatedPool[T]{dispatcher: dispatcher}
	receivers := dispatcher.Receivers()

	for i := 0; i < workers; i++ {
		recv := receivers[i%len(receivers)]
		p.wg.Add(1)
		go func(ch <-chan T) {
			defer p.wg.Done()
			runWorker(dispatcher, ch, handler)
		}(recv)
	}
	return p
}

func runWorker[T any](d *Dispatcher[T], ch <-chan T, handler func(T)) {
	for item := range ch {
		d.stats.addActive(1)
		handler(item)
		d.stats.addProcessed(1)
		d.stats.addActive(-1)
	}
}

// WaitForCompletion blocks until every shard is drained and no item is
// mid-handler; used before Shutdown closes the channels out from under
// in-flight work.
func (p *DedicatedPool[T]) WaitForCompletion() {
	for !p.dispatcher.IsEmpty() || p.dispatcher.ActivelyProcessing() != 0 {
		time.Sleep(10 * time.Millisecond)
	}
}

// Shutdown waits for in-flight work to finish, closes the dispatcher so
// worker goroutines return, and returns the final stats.
func (p *DedicatedPool[T]) Shutdown() StatsSnapshot {
	p.WaitForCompletion()
	p.dispatcher.Close()
	p.wg.Wait()
	return p.dispatcher.Stats().Snapshot()
}
