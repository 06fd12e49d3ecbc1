package headers

import (
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"
)

func buildTCPPacket(t *testing.T, payload []byte) gopacket.Packet {
	t.Helper()
	eth := layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC:       net.HardwareAddr{6, 7, 8, 9, 10, 11},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.ParseIP("10.0.0.1").To4(),
		DstIP:    net.ParseIP("10.0.0.2").To4(),
	}
	tcp := layers.TCP{
		SrcPort: 54321,
		DstPort: 443,
		Seq:     1000,
		SYN:     true,
	}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(&ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, &eth, &ip, &tcp, gopacket.Payload(payload)))

	return gopacket.NewPacket(buf.Bytes(), layers.LayerTypeEthernet, gopacket.Default)
}

func TestParseL4TCP(t *testing.T) {
	pkt := buildTCPPacket(t, []byte("hello"))
	ctx, err := ParseL4(pkt)
	require.NoError(t, err)
	require.Equal(t, uint16(54321), ctx.Src.Port)
	require.Equal(t, uint16(443), ctx.Dst.Port)
	require.Equal(t, uint32(1000), ctx.SeqNo)
	require.Equal(t, uint32(5), ctx.PayloadLength)
	require.NotZero(t, ctx.TCPFlags&FlagSYN)
}

func TestParseL4RejectsNonIPLink(t *testing.T) {
	// A bare byte stream with no recognizable network layer should not panic.
	pkt := gopacket.NewPacket([]byte{0xff, 0xff}, layers.LayerTypeEthernet, gopacket.Default)
	_, err := ParseL4(pkt)
	require.Error(t, err)
}

func TestParseL4Timestamp(t *testing.T) {
	pkt := buildTCPPacket(t, nil)
	// Smoke test: CaptureInfo defaults to zero time unless set by a source;
	// ParseL4 itself doesn't touch timestamps, that's buffer.Frame's job.
	require.True(t, pkt.Metadata().CaptureInfo.Timestamp.IsZero() || time.Since(pkt.Metadata().CaptureInfo.Timestamp) >= 0)
}
