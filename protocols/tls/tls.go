// Package tls implements a single-handshake-per-connection TLS parser. It
// parses the handshake phase only -- ClientHello through the client's
// ChangeCipherSpec -- and never attempts to decrypt application data.
package tls

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/flowtap/flowtap/flowkey"
	"github.com/flowtap/flowtap/protocols"
)

// Record content types (TLS on-the-wire).
const (
	recordChangeCipherSpec = 0x14
	recordAlert            = 0x15
	recordHandshake        = 0x16
	recordApplicationData  = 0x17
)

// Handshake message types.
const (
	hsClientHello        = 1
	hsServerHello        = 2
	hsCertificate        = 11
	hsServerKeyExchange  = 12
	hsCertificateRequest = 13
	hsServerHelloDone    = 14
	hsClientKeyExchange  = 16
	hsFinished           = 20
)

// state is the handshake progression through its state machine.
type state int

const (
	stateNone state = iota
	stateClientHello
	stateServerHello
	stateServerCertificate
	stateServerKeyExchange
	stateServerHelloDone
	stateClientKeyExchange
	stateClientChangeCipherSpec // terminal: stop parsing
)

// maxDefragBuffer bounds both the TCP-level and record-level
// defragmentation buffers.
const maxDefragBuffer = 16 << 20

// ClientHelloInfo holds the fields extracted from a ClientHello needed for
// SNI and JA3.
type ClientHelloInfo struct {
	Version        uint16
	CipherSuites   []uint16
	Extensions     []uint16
	SupportedGroups []uint16
	ECPointFormats []uint8
	SNI            string
}

// ServerHelloInfo holds the fields extracted from a ServerHello needed for
// JA3S.
type ServerHelloInfo struct {
	Version      uint16
	CipherSuite  uint16
	Extensions   []uint16
}

// Handshake is the session data produced for one TLS connection.
type Handshake struct {
	ClientHello *ClientHelloInfo
	ServerHello *ServerHelloInfo
	NumCertificates int
	NegotiatedVersion uint16
}

// JA3 returns the JA3 fingerprint string
// "version,ciphers,extensions,curves,formats" computed from
// the ClientHello; empty if no ClientHello was observed.
func (h *Handshake) JA3() string {
	if h.ClientHello == nil {
		return ""
	}
	return ja3String(h.ClientHello.Version, h.ClientHello.CipherSuites, h.ClientHello.Extensions,
		h.ClientHello.SupportedGroups, h.ClientHello.ECPointFormats)
}

// JA3MD5 returns the MD5 hex digest of JA3().
func (h *Handshake) JA3MD5() string {
	return md5Hex(h.JA3())
}

// JA3S returns the JA3S fingerprint string "version,cipher,extensions"
// computed from the ServerHello; empty if no ServerHello was observed.
func (h *Handshake) JA3S() string {
	if h.ServerHello == nil {
		return ""
	}
	return strconv.Itoa(int(h.ServerHello.Version)) + "," + strconv.Itoa(int(h.ServerHello.CipherSuite)) + "," + joinUint16(h.ServerHello.Extensions)
}

// JA3SMD5 returns the MD5 hex digest of JA3S().
func (h *Handshake) JA3SMD5() string {
	return md5Hex(h.JA3S())
}

// FilterField implements filter.FieldValuer, exposing the handshake
// fields session-stage predicates reference (e.g. tls.sni = "...",
// tls.ja3 = "...").
func (h *Handshake) FilterField(name string) (interface{}, bool) {
	switch name {
	case "sni":
		if h.ClientHello == nil {
			return nil, false
		}
		return h.ClientHello.SNI, true
	case "ja3":
		v := h.JA3()
		if v == "" {
			return nil, false
		}
		return v, true
	case "ja3_md5":
		if h.ClientHello == nil {
			return nil, false
		}
		return h.JA3MD5(), true
	case "ja3s":
		v := h.JA3S()
		if v == "" {
			return nil, false
		}
		return v, true
	case "ja3s_md5":
		if h.ServerHello == nil {
			return nil, false
		}
		return h.JA3SMD5(), true
	case "version":
		return uint64(h.NegotiatedVersion), true
	case "num_certificates":
		return uint64(h.NumCertificates), true
	default:
		return nil, false
	}
}

func ja3String(version uint16, ciphers, extensions, groups []uint16, formats []uint8) string {
	parts := []string{
		strconv.Itoa(int(version)),
		joinUint16(ciphers),
		joinUint16(extensions),
		joinUint16(groups),
		joinUint8(formats),
	}
	return strings.Join(parts, ",")
}

func joinUint16(vals []uint16) string {
	strs := make([]string, len(vals))
	for i, v := range vals {
		strs[i] = strconv.Itoa(int(v))
	}
	return strings.Join(strs, "-")
}

func joinUint8(vals []uint8) string {
	strs := make([]string, len(vals))
	for i, v := range vals {
		strs[i] = strconv.Itoa(int(v))
	}
	return strings.Join(strs, "-")
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Parser implements protocols.Parser for a single TLS handshake per
// connection.
type Parser struct {
	state      state
	tcpBuf     []byte // cross-record TCP-level defrag buffer, shared by both directions
	tcpBufDir  flowkey.Dir
	recordBuf  []byte // cross-segment handshake-message defrag buffer
	handshake  Handshake
	nextID     uint64
	done       bool
}

// NewParser constructs a fresh TLS parser for one connection.
func NewParser() protocols.Parser {
	return &Parser{nextID: 1}
}

// Factory is the registry entry point for this parser.
func Factory() protocols.Parser { return NewParser() }

func (p *Parser) Protocol() string { return "tls" }

// Probe inspects the first bytes of a segment for a TLS record header:
// content type in [0x14,0x17] and version major byte 0x03.
func (p *Parser) Probe(pdu protocols.PDU) protocols.ProbeResult {
	if len(pdu.Payload) <= 2 {
		return protocols.ProbeUnsure
	}
	ct, major := pdu.Payload[0], pdu.Payload[1]
	if ct >= 0x14 && ct <= 0x17 && major == 0x03 {
		return protocols.ProbeCertain
	}
	return protocols.ProbeNotForUs
}

// Parse consumes one PDU's worth of payload, accumulating into the
// TCP-level defrag buffer, then repeatedly attempting to peel off
// complete TLS records.
func (p *Parser) Parse(pdu protocols.PDU) protocols.ParseResult {
	if p.done {
		return protocols.ParseResult{Outcome: protocols.ParseSkippedOutcome}
	}
	if len(pdu.Payload) == 0 {
		return protocols.ParseResult{Outcome: protocols.ParseSkippedOutcome}
	}

	p.tcpBuf = append(p.tcpBuf, pdu.Payload...)
	if len(p.tcpBuf) > maxDefragBuffer {
		// Defragmentation buffer overflow: give up on this handshake.
		p.done = true
		return protocols.ParseResult{Outcome: protocols.ParseSkippedOutcome}
	}

	progressed := false
	for {
		_, ok := p.consumeOneRecord()
		if !ok {
			break
		}
		progressed = true
		if p.done {
			break
		}
	}

	if p.done {
		return protocols.ParseResult{Outcome: protocols.ParseDoneOutcome, SessionID: p.nextID}
	}
	if progressed {
		return protocols.ParseResult{Outcome: protocols.ParseContinueOutcome}
	}
	return protocols.ParseResult{Outcome: protocols.ParseContinueOutcome}
}

// consumeOneRecord attempts to peel a complete TLS record off the front of
// tcpBuf. Returns ok=false if there isn't a complete record yet.
func (p *Parser) consumeOneRecord() (consumed int, ok bool) {
	const recordHeaderLen = 5
	if len(p.tcpBuf) < recordHeaderLen {
		return 0, false
	}
	contentType := p.tcpBuf[0]
	recLen := int(p.tcpBuf[3])<<8 | int(p.tcpBuf[4])
	total := recordHeaderLen + recLen
	if len(p.tcpBuf) < total {
		return 0, false
	}

	body := p.tcpBuf[recordHeaderLen:total]
	p.tcpBuf = p.tcpBuf[total:]

	switch contentType {
	case recordHandshake:
		p.parseHandshakeMessages(body)
	case recordChangeCipherSpec:
		// A CCS seen once the handshake has reached ServerHelloDone (in a
		// full handshake, the client's) finishes parsing; a CCS seen
		// earlier is ignored.
		if p.state >= stateServerHelloDone {
			p.state = stateClientChangeCipherSpec
			p.done = true
		}
	case recordAlert, recordApplicationData:
		// Not part of the handshake; ignore.
	}
	return total, true
}

func (p *Parser) parseHandshakeMessages(buf []byte) {
	if len(p.recordBuf) > 0 {
		buf = append(p.recordBuf, buf...)
		p.recordBuf = nil
	}
	for len(buf) >= 4 {
		msgType := buf[0]
		msgLen := int(buf[1])<<16 | int(buf[2])<<8 | int(buf[3])
		if len(buf) < 4+msgLen {
			// Handshake message itself fragmented across TLS records;
			// buffer and wait for more (record-level defrag buffer).
			p.recordBuf = append(p.recordBuf, buf...)
			if len(p.recordBuf) > maxDefragBuffer {
				p.done = true
			}
			return
		}
		msgBody := buf[4 : 4+msgLen]
		p.handleHandshakeMessage(msgType, msgBody)
		buf = buf[4+msgLen:]
	}
}

func (p *Parser) handleHandshakeMessage(msgType uint8, body []byte) {
	switch msgType {
	case hsClientHello:
		p.state = stateClientHello
		p.handshake.ClientHello = parseClientHello(body)
	case hsServerHello:
		p.state = stateServerHello
		sh := parseServerHello(body)
		p.handshake.ServerHello = sh
		if sh != nil {
			p.handshake.NegotiatedVersion = sh.Version
		}
	case hsCertificate:
		p.state = stateServerCertificate
		p.handshake.NumCertificates++
	case hsServerKeyExchange:
		p.state = stateServerKeyExchange
	case hsServerHelloDone:
		p.state = stateServerHelloDone
	case hsClientKeyExchange:
		p.state = stateClientKeyExchange
	case hsFinished:
		// Either side's Finished; doesn't by itself terminate parsing,
		// the client's ChangeCipherSpec record does.
	}
}

func parseClientHello(body []byte) *ClientHelloInfo {
	if len(body) < 2+32+1 {
		return nil
	}
	info := &ClientHelloInfo{Version: uint16(body[0])<<8 | uint16(body[1])}
	off := 2 + 32 // version + random
	if off >= len(body) {
		return info
	}
	sessionIDLen := int(body[off])
	off += 1 + sessionIDLen
	if off+2 > len(body) {
		return info
	}
	cipherLen := int(body[off])<<8 | int(body[off+1])
	off += 2
	if off+cipherLen > len(body) {
		return info
	}
	for i := 0; i+1 < cipherLen; i += 2 {
		info.CipherSuites = append(info.CipherSuites, uint16(body[off+i])<<8|uint16(body[off+i+1]))
	}
	off += cipherLen
	if off >= len(body) {
		return info
	}
	compLen := int(body[off])
	off += 1 + compLen
	if off+2 > len(body) {
		return info
	}
	extTotalLen := int(body[off])<<8 | int(body[off+1])
	off += 2
	end := off + extTotalLen
	if end > len(body) {
		end = len(body)
	}
	for off+4 <= end {
		extType := uint16(body[off])<<8 | uint16(body[off+1])
		extLen := int(body[off+2])<<8 | int(body[off+3])
		extBody := body[off+4:]
		if extLen <= len(extBody) {
			extBody = extBody[:extLen]
		}
		info.Extensions = append(info.Extensions, extType)
		switch extType {
		case 0x0000: // server_name
			info.SNI = parseSNI(extBody)
		case 0x000a: // supported_groups
			info.SupportedGroups = parseUint16List(extBody)
		case 0x000b: // ec_point_formats
			if len(extBody) > 1 {
				info.ECPointFormats = append([]uint8{}, extBody[1:]...)
			}
		}
		off += 4 + extLen
	}
	return info
}

func parseServerHello(body []byte) *ServerHelloInfo {
	if len(body) < 2+32+1 {
		return nil
	}
	info := &ServerHelloInfo{Version: uint16(body[0])<<8 | uint16(body[1])}
	off := 2 + 32
	sessionIDLen := int(body[off])
	off += 1 + sessionIDLen
	if off+3 > len(body) {
		return info
	}
	info.CipherSuite = uint16(body[off])<<8 | uint16(body[off+1])
	off += 2 + 1 // cipher suite + compression method
	if off+2 > len(body) {
		return info
	}
	extTotalLen := int(body[off])<<8 | int(body[off+1])
	off += 2
	end := off + extTotalLen
	if end > len(body) {
		end = len(body)
	}
	for off+4 <= end {
		extType := uint16(body[off])<<8 | uint16(body[off+1])
		extLen := int(body[off+2])<<8 | int(body[off+3])
		info.Extensions = append(info.Extensions, extType)
		off += 4 + extLen
	}
	return info
}

func parseSNI(body []byte) string {
	if len(body) < 2 {
		return ""
	}
	listLen := int(body[0])<<8 | int(body[1])
	off := 2
	end := off + listLen
	if end > len(body) {
		end = len(body)
	}
	for off+3 <= end {
		nameType := body[off]
		nameLen := int(body[off+1])<<8 | int(body[off+2])
		off += 3
		if off+nameLen > len(body) {
			break
		}
		if nameType == 0 { // host_name
			return string(body[off : off+nameLen])
		}
		off += nameLen
	}
	return ""
}

func parseUint16List(body []byte) []uint16 {
	if len(body) < 2 {
		return nil
	}
	listLen := int(body[0])<<8 | int(body[1])
	var out []uint16
	off := 2
	end := off + listLen
	if end > len(body) {
		end = len(body)
	}
	for off+1 < end {
		out = append(out, uint16(body[off])<<8|uint16(body[off+1]))
		off += 2
	}
	return out
}

// RemoveSession returns the single handshake session this parser produced,
// if any.
func (p *Parser) RemoveSession(id uint64) (protocols.Session, bool) {
	if id != p.nextID {
		return protocols.Session{}, false
	}
	return protocols.Session{ID: id, Protocol: "tls", Data: &p.handshake}, true
}

// DrainSessions returns the in-progress or completed handshake, used when
// the connection terminates before the handshake fully completed.
func (p *Parser) DrainSessions() []protocols.Session {
	if p.handshake.ClientHello == nil && p.handshake.ServerHello == nil {
		return nil
	}
	return []protocols.Session{{ID: p.nextID, Protocol: "tls", Data: &p.handshake}}
}

// MoreSessionsExpected is always false: exactly one handshake per
// connection.
func (p *Parser) MoreSessionsExpected() bool { return false }

var _ fmt.Stringer = state(0)

func (s state) String() string {
	switch s {
	case stateNone:
		return "None"
	case stateClientHello:
		return "ClientHello"
	case stateServerHello:
		return "ServerHello"
	case stateServerCertificate:
		return "ServerCertificate"
	case stateServerKeyExchange:
		return "ServerKeyExchange"
	case stateServerHelloDone:
		return "ServerHelloDone"
	case stateClientKeyExchange:
		return "ClientKeyExchange"
	case stateClientChangeCipherSpec:
		return "ClientChangeCipherSpec"
	default:
		return "Unknown"
	}
}
