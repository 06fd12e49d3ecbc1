package conntrack

import (
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/stretchr/testify/require"

	"github.com/flowtap/flowtap/actions"
	"github.com/flowtap/flowtap/buffer"
	"github.com/flowtap/flowtap/filter"
	"github.com/flowtap/flowtap/flowkey"
	"github.com/flowtap/flowtap/headers"
	"github.com/flowtap/flowtap/protocols"
	"github.com/flowtap/flowtap/subscription"
)

func compileTestFilter(t *testing.T, expr string) (*filter.Compiled, error) {
	t.Helper()
	return filter.Compile(expr, filter.StagePacket)
}

// fakeSession implements filter.FieldValuer so a session-stage filter
// can read a field off it.
type fakeSession struct{ path string }

func (f fakeSession) FilterField(name string) (interface{}, bool) {
	if name == "path" {
		return f.path, true
	}
	return nil, false
}

// fakeParser completes a session on the first PDU it ever sees, reporting
// whatever path was given at construction.
type fakeParser struct {
	name       string
	probeSure  bool
	path       string
	done       bool
	moreAfter  bool
}

func (p *fakeParser) Protocol() string { return p.name }

func (p *fakeParser) Probe(protocols.PDU) protocols.ProbeResult {
	if p.probeSure {
		return protocols.ProbeCertain
	}
	return protocols.ProbeNotForUs
}

func (p *fakeParser) Parse(protocols.PDU) protocols.ParseResult {
	if p.done {
		return protocols.ParseResult{Outcome: protocols.ParseSkippedOutcome}
	}
	p.done = true
	return protocols.ParseResult{Outcome: protocols.ParseDoneOutcome, SessionID: 1}
}

func (p *fakeParser) RemoveSession(id uint64) (protocols.Session, bool) {
	if id != 1 {
		return protocols.Session{}, false
	}
	return protocols.Session{ID: 1, Protocol: p.name, Data: fakeSession{path: p.path}}, true
}

func (p *fakeParser) DrainSessions() []protocols.Session { return nil }

func (p *fakeParser) MoreSessionsExpected() bool { return p.moreAfter }

func newRegistry(p *fakeParser) *protocols.Registry {
	r := protocols.NewRegistry()
	r.Register(p.name, func() protocols.Parser { return p })
	return r
}

func makeFrame(payload []byte) *buffer.Frame {
	return buffer.New(payload, gopacket.CaptureInfo{Timestamp: time.Now(), CaptureLength: len(payload), Length: len(payload)}, nil)
}

func udpL4(src, dst string, srcPort, dstPort uint16, payloadLen int) headers.L4Context {
	return headers.L4Context{
		Src:           flowkey.SocketAddr{IP: net.ParseIP(src), Port: srcPort},
		Dst:           flowkey.SocketAddr{IP: net.ParseIP(dst), Port: dstPort},
		Proto:         flowkey.ProtoUDP,
		PayloadOffset: 0,
		PayloadLength: uint32(payloadLen),
	}
}

func TestProcessCreatesEntryAndRunsSessionFilter(t *testing.T) {
	p := &fakeParser{name: "widget", probeSure: true, path: "/health"}
	registry := newRegistry(p)

	compiled, err := compileTestFilter(t, `widget.path = "/health"`)
	require.NoError(t, err)

	tr := NewTracker(Config{MaxConnections: 10, UDPInactivity: time.Minute, TCPInactivity: time.Minute}, registry, compiled, nil)

	payload := []byte("hello")
	l4 := udpL4("10.0.0.1", "10.0.0.2", 5000, 53, len(payload))
	frame := makeFrame(payload)

	tr.Process(l4, frame)
	require.Equal(t, 1, tr.Size())

	entries := tr.table.Entries()
	require.Len(t, entries, 1)
	require.Len(t, entries[0].SessionsBuffered, 1)
	require.Equal(t, "widget", entries[0].SessionsBuffered[0].Protocol)
}

func TestProcessSkipsDNSProbeOnNetBIOSPort(t *testing.T) {
	p := &fakeParser{name: "dns", probeSure: true}
	registry := newRegistry(p)
	compiled, err := compileTestFilter(t, "dns")
	require.NoError(t, err)

	tr := NewTracker(Config{MaxConnections: 10, UDPInactivity: time.Minute}, registry, compiled, nil)
	payload := []byte("x")
	l4 := udpL4("10.0.0.1", "10.0.0.2", 5000, netbiosNameServicePort, len(payload))
	frame := makeFrame(payload)

	tr.Process(l4, frame)
	require.Equal(t, 1, tr.Size())
	entries := tr.table.Entries()
	require.Empty(t, entries[0].candidates, "netbios-137 should not have any dns candidate left to probe")
}

func TestCheckInactiveExpiresStaleConnection(t *testing.T) {
	p := &fakeParser{name: "widget", probeSure: false}
	registry := newRegistry(p)
	compiled, err := compileTestFilter(t, "udp.dst_port = 53")
	require.NoError(t, err)

	tr := NewTracker(Config{MaxConnections: 10, UDPInactivity: 200 * time.Millisecond, TimeoutResolution: 50 * time.Millisecond}, registry, compiled, nil)

	payload := []byte("x")
	l4 := udpL4("10.0.0.1", "10.0.0.2", 5000, 53, len(payload))
	frame := makeFrame(payload)
	tr.Process(l4, frame)
	require.Equal(t, 1, tr.Size())

	tr.CheckInactive(frame.Timestamp().Add(time.Second))
	require.Equal(t, 0, tr.Size())
}

func TestDrainTerminatesAllConnections(t *testing.T) {
	p := &fakeParser{name: "widget", probeSure: false}
	registry := newRegistry(p)
	compiled, err := compileTestFilter(t, "udp.dst_port = 53")
	require.NoError(t, err)

	tr := NewTracker(Config{MaxConnections: 10, UDPInactivity: time.Minute}, registry, compiled, nil)
	payload := []byte("x")
	l4 := udpL4("10.0.0.1", "10.0.0.2", 5000, 53, len(payload))
	frame := makeFrame(payload)
	tr.Process(l4, frame)
	require.Equal(t, 1, tr.Size())

	tr.Drain()
	require.Equal(t, 0, tr.Size())
}

func registerSub(t *testing.T, subs *subscription.Registry, expr string, level subscription.Level, cb func(interface{}) error) {
	t.Helper()
	require.NoError(t, subs.Register(&subscription.Subscription{Filter: expr, Level: level, Callback: cb}))
}

// A Connection-level subscription forces the ConnTracked/PacketCache/
// PacketTrack/PacketDrain bundle onto every connection regardless of the
// engine filter, so a connection with no protocol interest at all still
// reaches phaseTracking immediately (no candidates to probe) and still
// delivers at termination.
func TestConnSubscriptionBypassesParsingAndDeliversAtTermination(t *testing.T) {
	registry := protocols.NewRegistry()
	compiled, err := compileTestFilter(t, "udp.dst_port = 53")
	require.NoError(t, err)

	subs := subscription.NewRegistry()
	var delivered []ConnectionDelivery
	registerSub(t, subs, "udp.dst_port = 53", subscription.Connection, func(v interface{}) error {
		delivered = append(delivered, v.(ConnectionDelivery))
		return nil
	})

	tr := NewTracker(Config{MaxConnections: 10, UDPInactivity: time.Minute}, registry, compiled, nil)
	tr.UseSubscriptions(subs)

	payload := []byte("x")
	l4 := udpL4("10.0.0.1", "10.0.0.2", 5000, 53, len(payload))
	frame := makeFrame(payload)
	tr.Process(l4, frame)
	require.Equal(t, 1, tr.Size())

	entries := tr.table.Entries()
	require.Empty(t, entries[0].candidates, "ConnTracked-only entry must skip probing")
	require.True(t, entries[0].Actions.Has(actions.ConnTracked))

	tr.Drain()
	require.Equal(t, 0, tr.Size())
	require.Len(t, delivered, 1)
	require.Equal(t, entries[0].Five, delivered[0].Five)
}

func TestSessionSubscriptionInvokesCallbackOnCompletedSession(t *testing.T) {
	p := &fakeParser{name: "widget", probeSure: true, path: "/health"}
	registry := newRegistry(p)
	compiled, err := compileTestFilter(t, `widget.path = "/health"`)
	require.NoError(t, err)

	subs := subscription.NewRegistry()
	var delivered []protocols.Session
	registerSub(t, subs, `widget.path = "/health"`, subscription.Session, func(v interface{}) error {
		delivered = append(delivered, v.(protocols.Session))
		return nil
	})

	tr := NewTracker(Config{MaxConnections: 10, UDPInactivity: time.Minute}, registry, compiled, nil)
	tr.UseSubscriptions(subs)

	payload := []byte("hello")
	l4 := udpL4("10.0.0.1", "10.0.0.2", 5000, 53, len(payload))
	frame := makeFrame(payload)
	tr.Process(l4, frame)

	require.Len(t, delivered, 1)
	require.Equal(t, "widget", delivered[0].Protocol)
}

func TestPacketSubscriptionInvokesCallbackPerPacket(t *testing.T) {
	p := &fakeParser{name: "widget", probeSure: false}
	registry := newRegistry(p)
	compiled, err := compileTestFilter(t, "udp.dst_port = 53")
	require.NoError(t, err)

	subs := subscription.NewRegistry()
	var delivered []PacketDelivery
	registerSub(t, subs, "udp.dst_port = 53", subscription.Packet, func(v interface{}) error {
		delivered = append(delivered, v.(PacketDelivery))
		return nil
	})

	tr := NewTracker(Config{MaxConnections: 10, UDPInactivity: time.Minute}, registry, compiled, nil)
	tr.UseSubscriptions(subs)

	payload := []byte("x")
	l4 := udpL4("10.0.0.1", "10.0.0.2", 5000, 53, len(payload))
	frame := makeFrame(payload)
	tr.Process(l4, frame)

	require.Len(t, delivered, 1)
	require.Equal(t, flowkey.New(l4.Src, l4.Dst, l4.Proto), delivered[0].Five)
}
