package ingress

import (
	"context"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/flowtap/flowtap/buffer"
	"github.com/flowtap/flowtap/capture"
	"github.com/flowtap/flowtap/flowkey"
	"github.com/flowtap/flowtap/headers"
)

const shardQueueSize = 1024

// ShardedEngine splits one underlying RXEngine's packets across several
// per-core queues by a deterministic flow hash, standing in for hardware
// RSS when the capture backend only has a single receive queue -- true of
// both offline pcap replay and most live interfaces in software mode.
// Every packet belonging to the same flow lands on the same shard in both
// directions, via flowkey.FiveTuple.SymmetricHash.
type ShardedEngine struct {
	src    capture.RXEngine
	queues []chan *buffer.Frame
}

// NewShardedEngine builds a ShardedEngine fanning src out across n shards.
func NewShardedEngine(src capture.RXEngine, n int) *ShardedEngine {
	if n <= 0 {
		n = 1
	}
	s := &ShardedEngine{src: src, queues: make([]chan *buffer.Frame, n)}
	for i := range s.queues {
		s.queues[i] = make(chan *buffer.Frame, shardQueueSize)
	}
	return s
}

// Run pulls bursts from src and routes each frame to the shard its flow
// hashes to, until ctx is done or src returns an error. Every shard queue
// is closed on return so a reader's RxBurst starts returning (nil, nil)
// instead of blocking forever.
func (s *ShardedEngine) Run(ctx context.Context, burst int) error {
	defer s.closeAll()
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		frames, err := s.src.RxBurst(burst)
		if err != nil {
			return err
		}
		for _, f := range frames {
			s.route(f)
		}
	}
}

// route picks a shard for f. A frame that fails to parse (truncated,
// non-IP) falls back to shard 0 rather than being dropped -- the packet-
// stage filter downstream still gets a chance to see it.
func (s *ShardedEngine) route(f *buffer.Frame) {
	idx := s.shardFor(f)
	select {
	case s.queues[idx] <- f:
	default:
		f.Release()
	}
}

func (s *ShardedEngine) shardFor(f *buffer.Frame) int {
	if len(s.queues) == 1 {
		return 0
	}
	data, err := f.Bytes(0, f.Len())
	if err != nil {
		return 0
	}
	pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	l4, err := headers.ParseL4(pkt)
	if err != nil {
		return 0
	}
	ft := flowkey.New(l4.Src, l4.Dst, l4.Proto)
	return int(ft.SymmetricHash() % uint64(len(s.queues)))
}

func (s *ShardedEngine) closeAll() {
	for _, q := range s.queues {
		close(q)
	}
}

// Shard returns a capture.RXEngine facade over shard i's queue, for an
// ingress.Worker to drain on its own core. Close is a no-op on the facade;
// the underlying source engine is closed exactly once by whoever started
// Run.
func (s *ShardedEngine) Shard(i int) capture.RXEngine {
	return &shardReader{q: s.queues[i]}
}

type shardReader struct {
	q chan *buffer.Frame
}

func (r *shardReader) RxBurst(max int) ([]*buffer.Frame, error) {
	select {
	case f, ok := <-r.q:
		if !ok {
			return nil, nil
		}
		out := make([]*buffer.Frame, 0, max)
		out = append(out, f)
		for len(out) < max {
			select {
			case f, ok := <-r.q:
				if !ok {
					return out, nil
				}
				out = append(out, f)
			default:
				return out, nil
			}
		}
		return out, nil
	default:
		return nil, nil
	}
}

func (r *shardReader) Close() error { return nil }
