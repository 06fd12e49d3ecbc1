package filter

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowtap/flowtap/actions"
	"github.com/flowtap/flowtap/flowkey"
	"github.com/flowtap/flowtap/headers"
)

func mustCompile(t *testing.T, expr string) *Compiled {
	t.Helper()
	c, err := Compile(expr, StagePacket)
	require.NoError(t, err)
	return c
}

func TestCompileProtocolsReflectsSessionFields(t *testing.T) {
	c := mustCompile(t, "tls and http.path = \"/login\"")
	require.Equal(t, []string{"http", "tls"}, c.Protocols())
}

func TestCompilePacketStageMatchesDestinationPort(t *testing.T) {
	c := mustCompile(t, "tcp.dst_port = 443")
	in := Input{L4: &headers.L4Context{
		Src:   flowkey.SocketAddr{IP: net.ParseIP("10.0.0.1"), Port: 51000},
		Dst:   flowkey.SocketAddr{IP: net.ParseIP("10.0.0.2"), Port: 443},
		Proto: flowkey.ProtoTCP,
	}}
	got := c.Packet(in)
	require.True(t, got.Has(actions.ConnDataTrack))

	in.L4.Dst.Port = 80
	got = c.Packet(in)
	require.False(t, got.Has(actions.ConnDataTrack))
}

func TestCompileCIDRMatch(t *testing.T) {
	c := mustCompile(t, "ipv4.src_addr in 10.0.0.0/8")
	in := Input{L4: &headers.L4Context{
		Src: flowkey.SocketAddr{IP: net.ParseIP("10.1.2.3")},
		Dst: flowkey.SocketAddr{IP: net.ParseIP("8.8.8.8")},
	}}
	require.True(t, c.Packet(in).Has(actions.ConnDataTrack))

	in.L4.Src.IP = net.ParseIP("192.168.1.1")
	require.False(t, c.Packet(in).Has(actions.ConnDataTrack))
}

func TestCompileProtocolStageUnaryPresence(t *testing.T) {
	c := mustCompile(t, "tls")
	in := Input{Present: map[string]bool{"tls": true}}
	require.True(t, c.Protocol(in).Has(actions.ProtoFilter))

	in.Present["tls"] = false
	require.False(t, c.Protocol(in).Has(actions.ProtoFilter))
}

type fakeSession map[string]interface{}

func (f fakeSession) FilterField(name string) (interface{}, bool) {
	v, ok := f[name]
	return v, ok
}

func TestCompileSessionStageReadsFieldValuer(t *testing.T) {
	c := mustCompile(t, `http.path = "/health"`)
	in := Input{Session: map[string]FieldValuer{"http": fakeSession{"path": "/health"}}}
	require.True(t, c.Session(in).Has(actions.SessionFilter))

	in.Session["http"] = fakeSession{"path": "/other"}
	require.False(t, c.Session(in).Has(actions.SessionFilter))
}

func TestFlowRulesExtractedForEqualityOnlyPattern(t *testing.T) {
	c := mustCompile(t, "ipv4.dst_addr = 10.0.0.5 and tcp.dst_port = 443")
	rules := c.FlowRules()
	require.Len(t, rules, 1)
	require.NotNil(t, rules[0].DstCIDR)
	require.NotNil(t, rules[0].DstPort)
	require.Equal(t, uint16(443), *rules[0].DstPort)
}

func TestFlowRulesSkipSessionPredicates(t *testing.T) {
	c := mustCompile(t, `tcp.dst_port = 443 and tls`)
	require.Empty(t, c.FlowRules())
}

type noopInstaller struct {
	installed []FlowRule
	flushed   bool
}

func (n *noopInstaller) Install(rules []FlowRule) error {
	n.installed = rules
	return nil
}

func (n *noopInstaller) Flush() error {
	n.flushed = true
	return nil
}

func TestApplyFlowRulesInstallsCandidates(t *testing.T) {
	c := mustCompile(t, "tcp.dst_port = 443")
	inst := &noopInstaller{}
	require.NoError(t, c.ApplyFlowRules(inst))
	require.Len(t, inst.installed, 1)
	require.False(t, inst.flushed)
}

func TestPacketPassGateRejectsOnCompleteMirror(t *testing.T) {
	c := mustCompile(t, "tcp.dst_port = 443")
	in := Input{L4: &headers.L4Context{
		Src:   flowkey.SocketAddr{IP: net.ParseIP("10.0.0.1"), Port: 51000},
		Dst:   flowkey.SocketAddr{IP: net.ParseIP("10.0.0.2"), Port: 80},
		Proto: flowkey.ProtoTCP,
	}}
	require.False(t, c.PacketPassGate(in))

	in.L4.Dst.Port = 443
	require.True(t, c.PacketPassGate(in))
}

func TestPacketPassGateAlwaysPassesWhenMirrorIncomplete(t *testing.T) {
	// A range comparison can't be mirrored into PacketPass, so the gate
	// must never reject and leave admission entirely to Packet.
	c := mustCompile(t, "tcp.dst_port in [1000..2000]")
	in := Input{L4: &headers.L4Context{
		Src:   flowkey.SocketAddr{IP: net.ParseIP("10.0.0.1"), Port: 51000},
		Dst:   flowkey.SocketAddr{IP: net.ParseIP("10.0.0.2"), Port: 443},
		Proto: flowkey.ProtoTCP,
	}}
	require.True(t, c.PacketPassGate(in))
}

func TestPacketPassGatePassesWhenNoPacketStagePatterns(t *testing.T) {
	c := mustCompile(t, "tls")
	in := Input{L4: &headers.L4Context{Proto: flowkey.ProtoTCP}}
	require.True(t, c.PacketPassGate(in))
}
