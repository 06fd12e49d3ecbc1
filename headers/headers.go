// Package headers implements the layered header parse from Ethernet down
// to TCP/UDP, producing the fixed-size L4 context tuple that the rest of
// the core operates on. Parsing is lazy: callers ask for exactly the layer
// they need and truncated or unrecognized packets return a typed error
// rather than panicking.
package headers

import (
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"

	"github.com/flowtap/flowtap/flowkey"
)

// Sentinel error kinds, checked with errors.Is on the hot path rather than
// wrapped into per-call error chains.
var (
	ErrInvalidProtocol = errors.New("headers: invalid or unsupported protocol")
	ErrInvalidRead     = errors.New("headers: read past captured length")
	ErrMalformed       = errors.New("headers: malformed packet")
)

// L4Context is the fixed-size tuple derived once per packet.
type L4Context struct {
	Src           flowkey.SocketAddr
	Dst           flowkey.SocketAddr
	Proto         flowkey.L4Proto
	PayloadOffset uint32
	PayloadLength uint32
	SeqNo         uint32 // 0 if UDP
	TCPFlags      uint8
}

// TCP flag bits, matching layers.TCP's booleans packed into one byte so
// the rest of the core (reassembly, filter) can test flags without
// depending on gopacket/layers directly.
const (
	FlagFIN uint8 = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
	FlagECE
	FlagCWR
)

// ParseL4 walks Ethernet (or any gopacket-supported link layer) down
// through IPv4/IPv6 to TCP/UDP, producing an L4Context. It never panics:
// truncated or unrecognized packets yield a wrapped sentinel error.
func ParseL4(pkt gopacket.Packet) (L4Context, error) {
	var ctx L4Context

	netLayer := pkt.NetworkLayer()
	if netLayer == nil {
		return ctx, errors.Wrap(ErrInvalidProtocol, "no network layer")
	}

	var srcIP, dstIP net.IP
	switch nl := netLayer.(type) {
	case *layers.IPv4:
		srcIP, dstIP = nl.SrcIP, nl.DstIP
	case *layers.IPv6:
		srcIP, dstIP = nl.SrcIP, nl.DstIP
	default:
		return ctx, errors.Wrap(ErrInvalidProtocol, "unsupported network layer")
	}

	transLayer := pkt.TransportLayer()
	if transLayer == nil {
		return ctx, errors.Wrap(ErrInvalidProtocol, "no transport layer")
	}

	switch tl := transLayer.(type) {
	case *layers.TCP:
		if err := validateTruncation(pkt, tl.BaseLayer); err != nil {
			return ctx, err
		}
		ctx.Proto = flowkey.ProtoTCP
		ctx.Src = flowkey.SocketAddr{IP: srcIP, Port: uint16(tl.SrcPort)}
		ctx.Dst = flowkey.SocketAddr{IP: dstIP, Port: uint16(tl.DstPort)}
		ctx.SeqNo = tl.Seq
		ctx.TCPFlags = packTCPFlags(tl)
		payload := tl.LayerPayload()
		ctx.PayloadLength = uint32(len(payload))
		ctx.PayloadOffset = uint32(len(pkt.Data()) - len(payload))
	case *layers.UDP:
		if err := validateTruncation(pkt, tl.BaseLayer); err != nil {
			return ctx, err
		}
		ctx.Proto = flowkey.ProtoUDP
		ctx.Src = flowkey.SocketAddr{IP: srcIP, Port: uint16(tl.SrcPort)}
		ctx.Dst = flowkey.SocketAddr{IP: dstIP, Port: uint16(tl.DstPort)}
		ctx.SeqNo = 0
		payload := tl.LayerPayload()
		ctx.PayloadLength = uint32(len(payload))
		ctx.PayloadOffset = uint32(len(pkt.Data()) - len(payload))
	default:
		return ctx, errors.Wrap(ErrInvalidProtocol, "unsupported transport layer")
	}

	return ctx, nil
}

func validateTruncation(pkt gopacket.Packet, base layers.BaseLayer) error {
	if pkt.ErrorLayer() != nil {
		return errors.Wrapf(ErrMalformed, "%v", pkt.ErrorLayer().Error())
	}
	if len(base.Contents)+len(base.Payload) > len(pkt.Data()) {
		return errors.Wrap(ErrInvalidRead, "layer extends past captured data")
	}
	return nil
}

func packTCPFlags(tcp *layers.TCP) uint8 {
	var f uint8
	if tcp.FIN {
		f |= FlagFIN
	}
	if tcp.SYN {
		f |= FlagSYN
	}
	if tcp.RST {
		f |= FlagRST
	}
	if tcp.PSH {
		f |= FlagPSH
	}
	if tcp.ACK {
		f |= FlagACK
	}
	if tcp.URG {
		f |= FlagURG
	}
	if tcp.ECE {
		f |= FlagECE
	}
	if tcp.CWR {
		f |= FlagCWR
	}
	return f
}
