package ingress

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"

	"github.com/flowtap/flowtap/buffer"
)

func buildUDPFrameBetween(t *testing.T, src, dst net.IP, srcPort, dstPort uint16) *buffer.Frame {
	t.Helper()
	eth := &layers.Ethernet{SrcMAC: net.HardwareAddr{0, 0, 0, 0, 0, 1}, DstMAC: net.HardwareAddr{0, 0, 0, 0, 0, 2}, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: src, DstIP: dst}
	udp := &layers.UDP{SrcPort: layers.UDPPort(srcPort), DstPort: layers.UDPPort(dstPort)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	payload := gopacket.Payload([]byte("x"))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, payload))

	return buffer.New(append([]byte(nil), buf.Bytes()...), gopacket.CaptureInfo{Timestamp: time.Now(), Length: len(buf.Bytes()), CaptureLength: len(buf.Bytes())}, nil)
}

func expectedShard(t *testing.T, f *buffer.Frame, shards int) int {
	t.Helper()
	s := NewShardedEngine(&fakeRX{frames: nil, done: make(chan struct{})}, shards)
	return s.shardFor(f)
}

func TestShardedEngineSingleShardRoutesEverythingToZero(t *testing.T) {
	rx := &fakeRX{frames: []*buffer.Frame{buildUDPFrame(t)}, done: make(chan struct{})}
	s := NewShardedEngine(rx, 1)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = s.Run(ctx, 8) }()

	require.Eventually(t, func() bool {
		frames, err := s.Shard(0).RxBurst(8)
		return err == nil && len(frames) == 1
	}, 200*time.Millisecond, time.Millisecond)
	cancel()
}

func TestShardedEngineKeepsBothDirectionsOnSameShard(t *testing.T) {
	fwd := buildUDPFrameBetween(t, net.IPv4(10, 0, 0, 1), net.IPv4(10, 0, 0, 2), 4000, 53)
	rev := buildUDPFrameBetween(t, net.IPv4(10, 0, 0, 2), net.IPv4(10, 0, 0, 1), 53, 4000)

	const shards = 4
	fwdShard := expectedShard(t, fwd, shards)
	revShard := expectedShard(t, rev, shards)
	require.Equal(t, fwdShard, revShard)
	require.True(t, fwdShard >= 0 && fwdShard < shards)
}

func TestShardedEngineClosesQueuesWhenSourceErrors(t *testing.T) {
	rx := erroringRX{}
	s := NewShardedEngine(rx, 2)

	err := s.Run(context.Background(), 8)
	require.Error(t, err)

	frames, rerr := s.Shard(0).RxBurst(8)
	require.NoError(t, rerr)
	require.Nil(t, frames)
}
