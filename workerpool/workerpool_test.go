package workerpool

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDedicatedPoolProcessesAllItems(t *testing.T) {
	d := NewDispatcher[int](2, 4)
	var total int64
	pool := RunDedicated(3, d, func(n int) {
		atomic.AddInt64(&total, int64(n))
	})

	for i := 1; i <= 10; i++ {
		d.Send(i)
	}

	final := pool.Shutdown()
	require.Equal(t, uint64(10), final.Processed)
	require.Equal(t, int64(55), atomic.LoadInt64(&total))
}

func TestSharedPoolRoutesToCorrectHandler(t *testing.T) {
	d1 := NewDispatcher[string](1, 4)
	d2 := NewDispatcher[string](1, 4)
	var got1, got2 []string

	pool := RunShared(2, []DispatcherHandler[string]{
		{Dispatcher: d1, Handler: func(s string) { got1 = append(got1, s) }},
		{Dispatcher: d2, Handler: func(s string) { got2 = append(got2, s) }},
	})

	d1.Send("a")
	d1.Send("b")
	d2.Send("x")

	stats := pool.Shutdown()
	require.Len(t, stats, 2)
	require.Equal(t, uint64(2), stats[0].Processed)
	require.Equal(t, uint64(1), stats[1].Processed)
	require.ElementsMatch(t, []string{"a", "b"}, got1)
	require.Equal(t, []string{"x"}, got2)
}

func TestDispatcherRoundRobinsAcrossShards(t *testing.T) {
	d := NewDispatcher[int](2, 4)
	d.Send(1)
	d.Send(2)

	recvs := d.Receivers()
	a := <-recvs[0]
	b := <-recvs[1]
	require.ElementsMatch(t, []int{1, 2}, []int{a, b})
}

func TestDispatcherCloseIsIdempotent(t *testing.T) {
	d := NewDispatcher[int](1, 1)
	d.Close()
	require.NotPanics(t, func() { d.Close() })
}
