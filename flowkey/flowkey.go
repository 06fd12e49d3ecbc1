// Package flowkey implements the canonical five-tuple flow identifier used
// to key the connection table.
package flowkey

import (
	"encoding/binary"
	"net"

	"github.com/OneOfOne/xxhash"
)

// L4Proto identifies the transport protocol carried above IP.
type L4Proto uint8

const (
	ProtoUnknown L4Proto = iota
	ProtoTCP
	ProtoUDP
)

func (p L4Proto) String() string {
	switch p {
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	default:
		return "unknown"
	}
}

// SocketAddr is an IP address plus port, address-family agnostic.
type SocketAddr struct {
	IP   net.IP
	Port uint16
}

func (s SocketAddr) bytes() []byte {
	b := make([]byte, 0, net.IPv6len+2)
	b = append(b, s.IP.To16()...)
	var p [2]byte
	binary.BigEndian.PutUint16(p[:], s.Port)
	return append(b, p[:]...)
}

func (s SocketAddr) Equal(o SocketAddr) bool {
	return s.IP.Equal(o.IP) && s.Port == o.Port
}

// Dir is the direction of a packet relative to a flow's originator.
type Dir uint8

const (
	DirOrig Dir = iota
	DirResp
)

func (d Dir) String() string {
	if d == DirOrig {
		return "orig->resp"
	}
	return "resp->orig"
}

func (d Dir) Reverse() Dir {
	if d == DirOrig {
		return DirResp
	}
	return DirOrig
}

// FiveTuple is the canonical, direction-fixed flow identifier.
// Orig is chosen at flow birth (the first packet's source) and never
// changes; later packets are tagged with a direction bit relative to it.
type FiveTuple struct {
	Orig  SocketAddr
	Resp  SocketAddr
	Proto L4Proto
}

// New canonicalizes a flow from the first observed packet: its source
// becomes Orig, its destination becomes Resp.
func New(src, dst SocketAddr, proto L4Proto) FiveTuple {
	return FiveTuple{Orig: src, Resp: dst, Proto: proto}
}

// Direction returns DirOrig if pkt.src equals the flow's Orig address,
// DirResp otherwise.
func (ft FiveTuple) Direction(pktSrc SocketAddr) Dir {
	if pktSrc.Equal(ft.Orig) {
		return DirOrig
	}
	return DirResp
}

// Reverse returns the five-tuple as seen from the responder's side; used
// when a lookup against the canonical orientation misses and the reverse
// orientation must be tried (a packet may arrive with src/dst swapped
// relative to how the flow was born).
func (ft FiveTuple) Reverse() FiveTuple {
	return FiveTuple{Orig: ft.Resp, Resp: ft.Orig, Proto: ft.Proto}
}

// Hash returns a stable, order-independent-within-the-canonical-tuple hash.
// The flow table keys on a string id instead, and software sharding uses
// SymmetricHash. It is NOT
// symmetric across Orig/Resp by itself; the caller is
// expected to have already canonicalized via New, which fixes Orig to the
// first packet's source, so both directions of an established flow hash
// identically once looked up via the canonical tuple.
func (ft FiveTuple) Hash() uint64 {
	h := xxhash.New64()
	h.Write(ft.Orig.bytes())
	h.Write(ft.Resp.bytes())
	h.Write([]byte{byte(ft.Proto)})
	return h.Sum64()
}

// SymmetricHash returns a hash that is identical regardless of which side
// of the flow the packet came from, used by software RSS so that both
// directions of a flow land on the same worker core.
func (ft FiveTuple) SymmetricHash() uint64 {
	a, b := ft.Orig.bytes(), ft.Resp.bytes()
	// xor the two endpoint encodings so the result doesn't depend on which
	// one was Orig vs Resp.
	lo, hi := a, b
	if len(hi) > len(lo) {
		lo, hi = hi, lo
	}
	mixed := make([]byte, len(lo))
	copy(mixed, lo)
	for i, c := range hi {
		mixed[i] ^= c
	}
	h := xxhash.New64()
	h.Write(mixed)
	h.Write([]byte{byte(ft.Proto)})
	return h.Sum64()
}
