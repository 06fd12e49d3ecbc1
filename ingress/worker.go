// Package ingress implements the per-core RX/parse/dispatch loop and the
// main-core monitor that supervises it. One Worker owns one RX engine, one
// connection tracker, and one core's metrics; workers never share state
// with each other, so the only cross-core coordination is the shared
// context that is cancelled at shutdown.
package ingress

import (
	"context"
	"runtime"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"

	"github.com/flowtap/flowtap/buffer"
	"github.com/flowtap/flowtap/capture"
	"github.com/flowtap/flowtap/conntrack"
	"github.com/flowtap/flowtap/filter"
	"github.com/flowtap/flowtap/flowkey"
	"github.com/flowtap/flowtap/headers"
	"github.com/flowtap/flowtap/metrics"
)

// defaultBurst bounds how many frames one RxBurst call drains before the
// worker checks back in on its timer and context.
const defaultBurst = 64

// defaultCheckEvery is how often a worker sweeps its tracker's timer
// wheel for inactive connections when Config.CheckEvery is unset.
const defaultCheckEvery = 100 * time.Millisecond

// Worker runs one core's poll/parse/dispatch loop: burst-receive frames
// from its RX engine, derive the L4 context, and drive them through the
// connection tracker.
type Worker struct {
	CoreID    int
	RX        capture.RXEngine
	Tracker   *conntrack.Tracker
	Metrics   *metrics.Core

	// BurstSize overrides defaultBurst; CheckEvery overrides
	// defaultCheckEvery.
	BurstSize  int
	CheckEvery time.Duration
}

// Run pins the calling goroutine to its OS thread (Go's equivalent of the
// original "pin worker to core" intent; actual core placement is left to
// the OS scheduler, since Go's runtime, unlike DPDK lcores, doesn't expose
// CPU affinity directly) and polls until ctx is cancelled or the RX engine
// returns a fatal error.
func (w *Worker) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	burst := w.BurstSize
	if burst <= 0 {
		burst = defaultBurst
	}
	checkEvery := w.CheckEvery
	if checkEvery <= 0 {
		checkEvery = defaultCheckEvery
	}
	nextCheck := time.Now().Add(checkEvery)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		frames, err := w.RX.RxBurst(burst)
		if err != nil {
			return errors.Wrapf(err, "ingress: core %d rx burst failed", w.CoreID)
		}

		if len(frames) == 0 && w.Metrics != nil {
			w.Metrics.IncIdle()
		}
		for _, f := range frames {
			w.processFrame(f)
		}
		if w.Metrics != nil {
			w.Metrics.IncTotalCycles()
		}

		now := time.Now()
		if now.After(nextCheck) {
			w.Tracker.CheckInactive(now)
			nextCheck = now.Add(checkEvery)
		}
	}
}

// processFrame decodes one captured frame's headers and hands it to the
// tracker; frames that fail to parse (truncated captures, unsupported
// link layers) are counted as software drops rather than propagated as
// errors, since one malformed packet must never stall a core's loop.
func (w *Worker) processFrame(f *buffer.Frame) {
	defer f.Release()

	data, err := f.Bytes(0, f.Len())
	if err != nil {
		w.dropped(1)
		return
	}

	pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	l4, err := headers.ParseL4(pkt)
	if err != nil {
		w.dropped(1)
		return
	}

	five := flowkey.New(l4.Src, l4.Dst, l4.Proto)
	if compiled := w.Tracker.Compiled(); compiled != nil && !compiled.PacketPassGate(filter.Input{L4: &l4, Five: five}) {
		if w.Metrics != nil {
			w.Metrics.IncFiltered(uint64(f.Len()))
		}
		return
	}

	if w.Metrics != nil {
		w.Metrics.IncPkt(1)
		w.Metrics.IncByte(uint64(f.Len()))
		w.Metrics.IncL4(l4.Proto == flowkey.ProtoUDP, uint64(l4.PayloadLength))
	}

	w.Tracker.Process(l4, f)
}

func (w *Worker) dropped(n uint64) {
	if w.Metrics != nil {
		w.Metrics.IncSWDropped(n)
	}
}
