// Package quic implements a QUIC header and Initial-packet parser: Long
// and Short header decoding, version recognition, RFC 9001/9369 Initial
// key derivation and header-protection removal, and reassembly of the
// TLS ClientHello carried in Initial CRYPTO frames. Short-header packets
// are matched to a connection by destination connection id against the
// set of ids seen on that connection's Long headers.
package quic

import (
	"encoding/hex"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/flowtap/flowtap/protocols"
)

// Version identifies a QUIC wire version (spec RFC 8999 / 9000 / 9369).
type Version uint32

const (
	VersionNegotiation Version = 0x00000000
	VersionRFC9000      Version = 0x00000001 // QUIC v1
	VersionRFC9369      Version = 0x6b3343cf // QUIC v2
	VersionDraft29      Version = 0xff00001d
	VersionDraft28      Version = 0xff00001c
	VersionDraft27      Version = 0xff00001b
)

func (v Version) known() bool {
	switch v {
	case VersionRFC9000, VersionRFC9369, VersionDraft29, VersionDraft28, VersionDraft27:
		return true
	default:
		return false
	}
}

// PacketType is the long-header packet type (2 bits after the version).
type PacketType uint8

const (
	PacketTypeInitial PacketType = iota
	PacketTypeZeroRTT
	PacketTypeHandshake
	PacketTypeRetry
)

// LongHeader is the decoded fixed portion of a QUIC long header packet.
type LongHeader struct {
	PacketType   PacketType
	TypeSpecific uint8
	Version      Version
	DCID         string // hex-encoded
	SCID         string // hex-encoded
	HeaderLen    int    // bytes consumed by the header itself, before payload
}

// ShortHeader is the decoded fixed portion of a QUIC short header packet.
type ShortHeader struct {
	DCIDBytes []byte
	DCID      string // resolved hex CID, if it matched a known connection id
	HeaderLen int
}

// Packet is one parsed QUIC packet (spec glossary: "Session" for QUIC is
// one packet, since QUIC multiplexes independently-encrypted packets on
// one connection and there is no single handshake object to key on the
// way there is for TLS).
type Packet struct {
	Long           *LongHeader
	Short          *ShortHeader
	PayloadLen     int
	ClientHello    []byte // reassembled TLS ClientHello, Initial packets only
}

func hexCID(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return hex.EncodeToString(b)
}

// ParsePacket decodes the fixed header of one QUIC packet per RFC 8999 §5.
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) <= 2 {
		return nil, errPacketTooShort
	}
	if data[0]&0x40 == 0 {
		return nil, errFixedBitNotSet
	}
	if data[0]&0x80 != 0 {
		return parseLongHeader(data)
	}
	return parseShortHeader(data)
}

func parseLongHeader(data []byte) (*Packet, error) {
	if len(data) < 7 {
		return nil, errPacketTooShort
	}
	version := Version(uint32(data[1])<<24 | uint32(data[2])<<16 | uint32(data[3])<<8 | uint32(data[4]))
	if version != VersionNegotiation && !version.known() {
		return nil, errUnknownVersion
	}

	packetType := PacketType((data[0] & 0x30) >> 4)
	typeSpecific := data[0] & 0x0f

	dcidLen := int(data[5])
	dcidStart := 6
	if len(data) < dcidStart+dcidLen+2 {
		return nil, errPacketTooShort
	}
	dcid := data[dcidStart : dcidStart+dcidLen]

	scidLen := int(data[dcidStart+dcidLen])
	scidStart := dcidStart + dcidLen + 1
	if len(data) < scidStart+scidLen+1 {
		return nil, errPacketTooShort
	}
	scid := data[scidStart : scidStart+scidLen]

	headerLen := scidStart + scidLen
	return &Packet{
		Long: &LongHeader{
			PacketType:   packetType,
			TypeSpecific: typeSpecific,
			Version:      version,
			DCID:         hexCID(dcid),
			SCID:         hexCID(scid),
			HeaderLen:    headerLen,
		},
		PayloadLen: len(data) - headerLen,
	}, nil
}

func parseShortHeader(data []byte) (*Packet, error) {
	maxDCIDLen := 20
	if len(data) < 1+maxDCIDLen {
		maxDCIDLen = len(data) - 1
	}
	dcidBytes := append([]byte(nil), data[1:1+maxDCIDLen]...)
	return &Packet{
		Short: &ShortHeader{
			DCIDBytes: dcidBytes,
			HeaderLen: 1 + maxDCIDLen,
		},
		PayloadLen: len(data) - 1 - maxDCIDLen,
	}, nil
}

// FilterField implements filter.FieldValuer, exposing packet fields
// session-stage predicates reference (e.g. quic.version = 1).
func (pkt *Packet) FilterField(name string) (interface{}, bool) {
	switch name {
	case "version":
		if pkt.Long == nil {
			return nil, false
		}
		return uint64(pkt.Long.Version), true
	case "dcid":
		switch {
		case pkt.Long != nil:
			return pkt.Long.DCID, true
		case pkt.Short != nil && pkt.Short.DCID != "":
			return pkt.Short.DCID, true
		default:
			return nil, false
		}
	case "scid":
		if pkt.Long == nil {
			return nil, false
		}
		return pkt.Long.SCID, true
	case "packet_type":
		if pkt.Long == nil {
			return nil, false
		}
		return uint64(pkt.Long.PacketType), true
	case "has_client_hello":
		if len(pkt.ClientHello) == 0 {
			return nil, false
		}
		return uint64(1), true
	default:
		return nil, false
	}
}

// Parser implements protocols.Parser for QUIC.
type Parser struct {
	connectionIDs *cache.Cache // hex CID -> struct{}, scoped to this connection
	sessions      map[uint64]*Packet
	nextID        uint64
}

// connectionIDTTL bounds how long a connection id observed on a Long
// header remains eligible to resolve a later Short header packet.
const connectionIDTTL = 5 * time.Minute

// NewParser constructs a fresh QUIC parser for one connection.
func NewParser() protocols.Parser {
	return &Parser{
		connectionIDs: cache.New(connectionIDTTL, connectionIDTTL),
		sessions:      make(map[uint64]*Packet),
	}
}

// Factory is the registry entry point for this parser.
func Factory() protocols.Parser { return NewParser() }

func (p *Parser) Protocol() string { return "quic" }

// Probe checks the QUIC fixed bit and, for what looks like a long header,
// verifies the version is one this parser recognizes.
func (p *Parser) Probe(pdu protocols.PDU) protocols.ProbeResult {
	data := pdu.Payload
	if len(data) < 5 {
		return protocols.ProbeUnsure
	}
	if data[0]&0x40 == 0 {
		return protocols.ProbeNotForUs
	}
	if data[0]&0x80 != 0 {
		if len(data) < 6 {
			return protocols.ProbeUnsure
		}
		version := Version(uint32(data[1])<<24 | uint32(data[2])<<16 | uint32(data[3])<<8 | uint32(data[4]))
		if version != VersionNegotiation && !version.known() {
			return protocols.ProbeNotForUs
		}
		return protocols.ProbeCertain
	}
	// Short header: cheap to confuse with other single-fixed-bit traffic, so
	// stay unsure until a long header on the same connection has taught us a
	// connection id to match against.
	return protocols.ProbeUnsure
}

// Parse decodes one packet, tracks connection ids carried on long headers,
// resolves short-header destination ids against previously observed ones,
// and attempts Initial CRYPTO frame decryption + ClientHello reassembly.
func (p *Parser) Parse(pdu protocols.PDU) protocols.ParseResult {
	if len(pdu.Payload) == 0 {
		return protocols.ParseResult{Outcome: protocols.ParseSkippedOutcome}
	}
	pkt, err := ParsePacket(pdu.Payload)
	if err != nil {
		return protocols.ParseResult{Outcome: protocols.ParseSkippedOutcome}
	}

	switch {
	case pkt.Long != nil:
		if pkt.Long.DCID != "" {
			p.connectionIDs.SetDefault(pkt.Long.DCID, struct{}{})
		}
		if pkt.Long.SCID != "" {
			p.connectionIDs.SetDefault(pkt.Long.SCID, struct{}{})
		}
		if pkt.Long.PacketType == PacketTypeInitial {
			if ch, ok := tryDecryptInitialClientHello(pdu.Payload, pkt.Long); ok {
				pkt.ClientHello = ch
			}
		}
	case pkt.Short != nil:
		pkt.Short.DCID = p.resolveConnectionID(pkt.Short.DCIDBytes)
	}

	id := p.newSessionID()
	p.sessions[id] = pkt
	return protocols.ParseResult{Outcome: protocols.ParseDoneOutcome, SessionID: id}
}

// resolveConnectionID tries progressively shorter prefixes of the observed
// destination connection id bytes against the set of ids learned from long
// headers on this connection, longest match first.
func (p *Parser) resolveConnectionID(dcidBytes []byte) string {
	full := hexCID(dcidBytes)
	for l := len(dcidBytes); l >= 1; l-- {
		candidate := full[:l*2]
		if _, ok := p.connectionIDs.Get(candidate); ok {
			return candidate
		}
	}
	return ""
}

func (p *Parser) newSessionID() uint64 {
	p.nextID++
	return p.nextID
}

// RemoveSession pops one parsed packet out as a session.
func (p *Parser) RemoveSession(id uint64) (protocols.Session, bool) {
	pkt, ok := p.sessions[id]
	if !ok {
		return protocols.Session{}, false
	}
	delete(p.sessions, id)
	return protocols.Session{ID: id, Protocol: "quic", Data: pkt}, true
}

// DrainSessions returns every packet parsed so far that hasn't been
// individually removed.
func (p *Parser) DrainSessions() []protocols.Session {
	out := make([]protocols.Session, 0, len(p.sessions))
	for id, pkt := range p.sessions {
		out = append(out, protocols.Session{ID: id, Protocol: "quic", Data: pkt})
	}
	p.sessions = make(map[uint64]*Packet)
	return out
}

// MoreSessionsExpected is always true: a QUIC connection carries many
// packets over its lifetime, each becoming its own session.
func (p *Parser) MoreSessionsExpected() bool { return true }
