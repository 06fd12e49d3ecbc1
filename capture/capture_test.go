package capture

import (
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"
)

func buildUDPPacket(t *testing.T) gopacket.Packet {
	t.Helper()
	eth := &layers.Ethernet{EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.ParseIP("10.0.0.1").To4(),
		DstIP:    net.ParseIP("10.0.0.2").To4(),
	}
	udp := &layers.UDP{SrcPort: 1234, DstPort: 53}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload("ping")))

	return gopacket.NewPacket(buf.Bytes(), layers.LayerTypeEthernet, gopacket.Default)
}

func TestToFrameWrapsPacketData(t *testing.T) {
	pkt := buildUDPPacket(t)
	f := toFrame(pkt)
	require.Equal(t, len(pkt.Data()), f.Len())

	payload, err := f.Bytes(f.Len()-len("ping"), len("ping"))
	require.NoError(t, err)
	require.Equal(t, "ping", string(payload))
}

func TestRxBurstReturnsEmptyWhenIdle(t *testing.T) {
	e := &pcapEngine{packets: make(chan gopacket.Packet), done: make(chan struct{})}
	frames, err := e.RxBurst(8)
	require.NoError(t, err)
	require.Empty(t, frames)
}
