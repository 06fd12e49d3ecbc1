package filter

// Stage identifies where in the six-stage evaluation pipeline a predicate
// can first be decided. Predicates are assigned the earliest stage at which every
// protocol they mention is already known to be present, since deciding
// a predicate sooner lets non-matching traffic drop out of the pipeline
// earlier.
type Stage int

const (
	StagePacketPass Stage = iota
	StagePacket
	StageProtocol
	StageSession
	StageConnectionDeliver
	StagePacketDeliver
)

func (s Stage) String() string {
	switch s {
	case StagePacketPass:
		return "packet_pass"
	case StagePacket:
		return "packet"
	case StageProtocol:
		return "protocol"
	case StageSession:
		return "session"
	case StageConnectionDeliver:
		return "connection_deliver"
	case StagePacketDeliver:
		return "packet_deliver"
	default:
		return "?"
	}
}

// layer is a node in the protocol layering graph: which protocols must
// already be identified before a given protocol's fields can be tested.
type layer struct {
	parents []string
}

// protocolLayers describes how protocols stack on top of each other.
// ethernet and ipv4/ipv6 are decidable from the packet header alone
// (StagePacket); tcp/udp need the L4 header (still StagePacket, since
// gopacket decodes the whole stack in one pass); everything above is a
// session protocol riding over tcp or udp and is only decidable once a
// protocol parser has attached itself to the connection (StageProtocol
// for presence, StageSession for session-level fields).
var protocolLayers = map[string]layer{
	"ethernet": {},
	"ipv4":     {parents: []string{"ethernet"}},
	"ipv6":     {parents: []string{"ethernet"}},
	"tcp":      {parents: []string{"ipv4", "ipv6"}},
	"udp":      {parents: []string{"ipv4", "ipv6"}},
	"tls":      {parents: []string{"tcp"}},
	"http":     {parents: []string{"tcp"}},
	"ssh":      {parents: []string{"tcp"}},
	"quic":     {parents: []string{"udp"}},
	"dns":      {parents: []string{"tcp", "udp"}},
}

// packetFields are predicate fields decidable directly from the L3/L4
// packet header, independent of any connection state or protocol parser.
var packetFields = map[string]map[string]bool{
	"ipv4": {"src_addr": true, "dst_addr": true, "addr": true, "protocol": true},
	"ipv6": {"src_addr": true, "dst_addr": true, "addr": true, "protocol": true},
	"tcp":  {"src_port": true, "dst_port": true, "port": true, "flags": true},
	"udp":  {"src_port": true, "dst_port": true, "port": true},
}

// isPacketLevel reports whether a predicate's protocol+field is decidable
// straight from the packet header (StagePacket), as opposed to requiring
// an attached session protocol parser (StageProtocol/StageSession).
func isPacketLevel(protocol, field string) bool {
	if fields, ok := packetFields[protocol]; ok {
		return fields[field]
	}
	return false
}

// isSessionProtocol reports whether a protocol is a session-layer
// protocol handled by a registered protocols.Parser, as opposed to an L3/
// L4 protocol decidable from the packet header alone.
func isSessionProtocol(protocol string) bool {
	switch protocol {
	case "ethernet", "ipv4", "ipv6", "tcp", "udp":
		return false
	default:
		return true
	}
}

// classify assigns the evaluation Stage a predicate belongs to.
//
//   - A unary protocol-presence predicate on a session protocol ("tls")
//     belongs to StageProtocol: it's decided the moment a parser claims
//     the connection, before any session data exists.
//   - A binary predicate on a session protocol's field belongs to
//     StageSession: it needs a completed or in-progress parsed session to
//     read the field from.
//   - Anything else is an L3/L4 packet-header predicate and belongs to
//     StagePacket.
//
// StagePacketPass is never returned here: it is not a replacement for
// StagePacket but a cheaper, earlier-evaluated mirror of it, populated
// separately by Compile (see packetPassEligible) for the subset of
// Packet-stage patterns simple enough to decide before the connection
// tracker is even touched.
func classify(pred Predicate) Stage {
	if isSessionProtocol(pred.Protocol) {
		if pred.Unary {
			return StageProtocol
		}
		return StageSession
	}
	return StagePacket
}

// patternStage returns the latest (most restrictive) Stage among a
// pattern's predicates, since a conjunct can only be fully decided once
// every one of its predicates is decidable.
func patternStage(pat Pattern) Stage {
	max := StagePacketPass
	for _, pred := range pat {
		if s := classify(pred); s > max {
			max = s
		}
	}
	return max
}

// packetPassEligible reports whether every predicate in a Packet-stage
// pattern is a presence test or an equality comparison on a raw packet
// header field -- cheap enough to also decide at the earlier PacketPass
// stage, ahead of any connection-table lookup. Ranges, regexes, and
// other comparisons still only run at StagePacket. Only called for
// patterns already classified as StagePacket; a mixed pattern pulled up
// to StageProtocol/StageSession by a session predicate never reaches
// here.
func packetPassEligible(pat Pattern) bool {
	for _, pred := range pat {
		if pred.Unary {
			continue
		}
		if pred.Op != OpEq || !isPacketLevel(pred.Protocol, pred.Field) {
			return false
		}
	}
	return true
}
