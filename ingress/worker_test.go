package ingress

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"

	"github.com/flowtap/flowtap/buffer"
	"github.com/flowtap/flowtap/conntrack"
	"github.com/flowtap/flowtap/filter"
	"github.com/flowtap/flowtap/metrics"
	"github.com/flowtap/flowtap/protocols"
)

var errBoom = errors.New("ingress: boom")

// fakeRX hands out its frames exactly once, then answers every later
// call with an empty burst after at most a millisecond, mimicking an
// idle live capture until the test's context stops Run.
type fakeRX struct {
	frames []*buffer.Frame
	served bool
	done   chan struct{}
}

func (f *fakeRX) RxBurst(max int) ([]*buffer.Frame, error) {
	if !f.served {
		f.served = true
		return f.frames, nil
	}
	select {
	case <-f.done:
		return nil, nil
	case <-time.After(time.Millisecond):
		return nil, nil
	}
}

func (f *fakeRX) Close() error { close(f.done); return nil }

func buildUDPFrame(t *testing.T) *buffer.Frame {
	t.Helper()
	eth := &layers.Ethernet{SrcMAC: net.HardwareAddr{0, 0, 0, 0, 0, 1}, DstMAC: net.HardwareAddr{0, 0, 0, 0, 0, 2}, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: net.IPv4(10, 0, 0, 1), DstIP: net.IPv4(10, 0, 0, 2)}
	udp := &layers.UDP{SrcPort: 5353, DstPort: 53}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	payload := gopacket.Payload([]byte("probe"))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, payload))

	return buffer.New(buf.Bytes(), gopacket.CaptureInfo{Timestamp: time.Now(), Length: len(buf.Bytes()), CaptureLength: len(buf.Bytes())}, nil)
}

func newTestTracker(t *testing.T) *conntrack.Tracker {
	t.Helper()
	compiled, err := filter.Compile("udp", filter.StagePacket)
	require.NoError(t, err)
	return conntrack.NewTracker(conntrack.Config{
		MaxConnections:    16,
		UDPInactivity:     time.Minute,
		TCPInactivity:     time.Minute,
		TimeoutResolution: 10 * time.Millisecond,
	}, protocols.NewRegistry(), compiled, func(*conntrack.Entry) {})
}

func TestWorkerProcessesBurstAndUpdatesMetrics(t *testing.T) {
	rx := &fakeRX{frames: []*buffer.Frame{buildUDPFrame(t)}, done: make(chan struct{})}
	core := metrics.NewRegistry([]int{0}).Core(0)

	w := &Worker{CoreID: 0, RX: rx, Tracker: newTestTracker(t), Metrics: core, BurstSize: 8, CheckEvery: time.Millisecond}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := w.Run(ctx)
	require.NoError(t, err)

	snap := core.Snapshot()
	require.Equal(t, uint64(1), snap.TotalPkt)
	require.Equal(t, 1, w.Tracker.Size())
}

func TestWorkerPropagatesRxError(t *testing.T) {
	errRX := erroringRX{}
	w := &Worker{CoreID: 0, RX: errRX, Tracker: newTestTracker(t)}
	err := w.Run(context.Background())
	require.Error(t, err)
}

type erroringRX struct{}

func (erroringRX) RxBurst(max int) ([]*buffer.Frame, error) { return nil, errBoom }
func (erroringRX) Close() error                             { return nil }
