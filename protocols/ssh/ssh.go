// Package ssh implements an SSH transport and key-exchange parser. It
// parses the version exchange and unencrypted binary packet protocol
// messages (KEXINIT, Diffie-Hellman init/reply, NEWKEYS, service
// request/accept) and stops once key exchange completes, since all
// further packets are encrypted.
package ssh

import (
	"bytes"
	"encoding/binary"

	"github.com/flowtap/flowtap/flowkey"
	"github.com/flowtap/flowtap/protocols"
)

// Binary packet protocol message numbers (RFC 4253 §12).
const (
	msgServiceRequest = 5
	msgServiceAccept  = 6
	msgKexInit        = 20
	msgNewKeys        = 21
	msgKexDHInit      = 30
	msgKexDHReply     = 31
)

// VersionExchange is one side's SSH identification string (RFC 4253 §4.2).
type VersionExchange struct {
	ProtoVersion    string
	SoftwareVersion string
	Comments        string
}

// KeyExchange is the algorithm negotiation payload of an SSH_MSG_KEXINIT.
type KeyExchange struct {
	Cookie                        []byte
	KexAlgorithms                 []string
	ServerHostKeyAlgorithms       []string
	EncryptionClientToServer      []string
	EncryptionServerToClient      []string
	MACClientToServer             []string
	MACServerToClient             []string
	CompressionClientToServer     []string
	CompressionServerToClient     []string
	LanguagesClientToServer       []string
	LanguagesServerToClient       []string
	FirstKexPacketFollows         bool
}

// DHInit is an SSH_MSG_KEXDH_INIT payload.
type DHInit struct {
	E []byte
}

// DHReply is an SSH_MSG_KEXDH_REPLY payload.
type DHReply struct {
	HostKeyAndCerts []byte
	F               []byte
	Signature       []byte
}

// ServiceRequest is an SSH_MSG_SERVICE_REQUEST payload.
type ServiceRequest struct {
	ServiceName string
}

// ServiceAccept is an SSH_MSG_SERVICE_ACCEPT payload.
type ServiceAccept struct {
	ServiceName string
}

// Transaction is the single key-exchange session tracked per connection.
type Transaction struct {
	ClientVersion *VersionExchange
	ServerVersion *VersionExchange
	ClientKex     *KeyExchange
	ServerKex     *KeyExchange
	ClientDHInit  *DHInit
	ServerDHReply *DHReply
	ClientNewKeys bool
	ServerNewKeys bool
	ServiceReq    *ServiceRequest
	ServiceAcc    *ServiceAccept
}

func (t *Transaction) keyExchangeComplete() bool {
	return t.ClientNewKeys && t.ServerNewKeys
}

// FilterField implements filter.FieldValuer, exposing transaction fields
// session-stage predicates reference (e.g. ssh.client_software = "...").
func (t *Transaction) FilterField(name string) (interface{}, bool) {
	switch name {
	case "client_proto_version":
		if t.ClientVersion == nil {
			return nil, false
		}
		return t.ClientVersion.ProtoVersion, true
	case "client_software":
		if t.ClientVersion == nil {
			return nil, false
		}
		return t.ClientVersion.SoftwareVersion, true
	case "server_proto_version":
		if t.ServerVersion == nil {
			return nil, false
		}
		return t.ServerVersion.ProtoVersion, true
	case "server_software":
		if t.ServerVersion == nil {
			return nil, false
		}
		return t.ServerVersion.SoftwareVersion, true
	case "service_name":
		if t.ServiceReq == nil {
			return nil, false
		}
		return t.ServiceReq.ServiceName, true
	case "key_exchange_complete":
		if !t.keyExchangeComplete() {
			return nil, false
		}
		return uint64(1), true
	default:
		return nil, false
	}
}

// Parser implements protocols.Parser for SSH. Like TLS, there is exactly
// one key-exchange transaction per connection; once both sides have sent
// NEWKEYS the connection has moved to an encrypted transport this parser
// cannot see into, so parsing stops.
type Parser struct {
	tx       Transaction
	versionSeen [2]bool // indexed by flowkey.Dir
	buf      [2][]byte  // per-direction binary-packet-protocol reassembly
	done     bool
	nextID   uint64
}

// NewParser constructs a fresh SSH parser for one connection.
func NewParser() protocols.Parser {
	return &Parser{nextID: 1}
}

// Factory is the registry entry point for this parser.
func Factory() protocols.Parser { return NewParser() }

func (p *Parser) Protocol() string { return "ssh" }

var sshIdentifier = []byte("SSH-")

// Probe looks for the literal "SSH-" that opens every SSH identification
// string; an empty payload stays Unsure since the identification string
// is the very first thing sent and the connection may not have produced
// bytes yet.
func (p *Parser) Probe(pdu protocols.PDU) protocols.ProbeResult {
	if len(pdu.Payload) == 0 {
		return protocols.ProbeUnsure
	}
	if len(pdu.Payload) < len(sshIdentifier) {
		return protocols.ProbeUnsure
	}
	if bytes.Contains(pdu.Payload, sshIdentifier) {
		return protocols.ProbeCertain
	}
	return protocols.ProbeNotForUs
}

// Parse dispatches to the version-exchange parser until both sides have
// sent their identification string, then to the binary packet protocol
// parser.
func (p *Parser) Parse(pdu protocols.PDU) protocols.ParseResult {
	if p.done {
		return protocols.ParseResult{Outcome: protocols.ParseSkippedOutcome}
	}
	if len(pdu.Payload) == 0 {
		return protocols.ParseResult{Outcome: protocols.ParseSkippedOutcome}
	}

	dir := int(pdu.Dir)
	if !p.versionSeen[dir] {
		if idx := bytes.Index(pdu.Payload, sshIdentifier); idx >= 0 {
			p.parseVersionExchange(pdu.Payload[idx:], pdu.Dir)
			p.versionSeen[dir] = true
			rest := trimLine(pdu.Payload[idx:])
			if len(rest) > 0 {
				p.buf[dir] = append(p.buf[dir], rest...)
			}
		} else {
			return protocols.ParseResult{Outcome: protocols.ParseContinueOutcome}
		}
	} else {
		p.buf[dir] = append(p.buf[dir], pdu.Payload...)
	}

	p.drainPackets(dir, pdu.Dir)

	if p.tx.keyExchangeComplete() {
		p.done = true
		return protocols.ParseResult{Outcome: protocols.ParseDoneOutcome, SessionID: p.nextID}
	}
	return protocols.ParseResult{Outcome: protocols.ParseContinueOutcome}
}

// trimLine drops everything up to and including the first CRLF, since the
// identification string line may be immediately followed by the start of
// the binary packet protocol in the same segment.
func trimLine(data []byte) []byte {
	if idx := bytes.Index(data, []byte("\r\n")); idx >= 0 {
		return data[idx+2:]
	}
	if idx := bytes.IndexByte(data, '\n'); idx >= 0 {
		return data[idx+1:]
	}
	return nil
}

func (p *Parser) parseVersionExchange(data []byte, dir flowkey.Dir) {
	line := data
	if idx := bytes.IndexAny(string(data), "\r\n"); idx >= 0 {
		line = data[:idx]
	}
	ve := parseIdentificationLine(line)
	if ve == nil {
		return
	}
	if dir == flowkey.DirOrig {
		p.tx.ClientVersion = ve
	} else {
		p.tx.ServerVersion = ve
	}
}

// parseIdentificationLine parses "SSH-protoversion-softwareversion comments"
// (RFC 4253 §4.2).
func parseIdentificationLine(line []byte) *VersionExchange {
	if !bytes.HasPrefix(line, sshIdentifier) {
		return nil
	}
	rest := line[len(sshIdentifier):]
	dash := bytes.IndexByte(rest, '-')
	if dash < 0 {
		return nil
	}
	proto := string(rest[:dash])
	rest = rest[dash+1:]

	software := rest
	comments := ""
	if sp := bytes.IndexByte(rest, ' '); sp >= 0 {
		software = rest[:sp]
		comments = string(rest[sp+1:])
	}
	return &VersionExchange{ProtoVersion: proto, SoftwareVersion: string(software), Comments: comments}
}

// drainPackets peels complete binary packet protocol messages off the
// per-direction buffer (RFC 4253 §6): uint32 packet_length, byte
// padding_length, payload, padding, [MAC]. Since key exchange is
// unencrypted there is no MAC yet.
func (p *Parser) drainPackets(dirIdx int, dir flowkey.Dir) {
	for {
		buf := p.buf[dirIdx]
		if len(buf) < 5 {
			return
		}
		packetLen := binary.BigEndian.Uint32(buf[:4])
		total := 4 + int(packetLen)
		if len(buf) < total {
			return
		}
		paddingLen := int(buf[4])
		payloadEnd := total - paddingLen
		if payloadEnd < 5 {
			p.buf[dirIdx] = buf[total:]
			continue
		}
		payload := buf[5:payloadEnd]
		p.handlePacket(payload, dir)
		p.buf[dirIdx] = buf[total:]
	}
}

func (p *Parser) handlePacket(payload []byte, dir flowkey.Dir) {
	if len(payload) == 0 {
		return
	}
	msgType := payload[0]
	body := payload[1:]
	switch msgType {
	case msgKexInit:
		kex := parseKexInit(body)
		if dir == flowkey.DirOrig {
			p.tx.ClientKex = kex
		} else {
			p.tx.ServerKex = kex
		}
	case msgKexDHInit:
		p.tx.ClientDHInit = parseDHInit(body)
	case msgKexDHReply:
		p.tx.ServerDHReply = parseDHReply(body)
	case msgNewKeys:
		if dir == flowkey.DirOrig {
			p.tx.ClientNewKeys = true
		} else {
			p.tx.ServerNewKeys = true
		}
	case msgServiceRequest:
		p.tx.ServiceReq = &ServiceRequest{ServiceName: string(readSSHString(body))}
	case msgServiceAccept:
		p.tx.ServiceAcc = &ServiceAccept{ServiceName: string(readSSHString(body))}
	}
}

// readSSHString reads one SSH wire "string" (uint32 length prefix, RFC
// 4251 §5) from the front of data.
func readSSHString(data []byte) []byte {
	if len(data) < 4 {
		return nil
	}
	n := binary.BigEndian.Uint32(data[:4])
	if uint32(len(data)-4) < n {
		return data[4:]
	}
	return data[4 : 4+n]
}

func readSSHNameList(data []byte) ([]string, []byte) {
	if len(data) < 4 {
		return nil, nil
	}
	n := int(binary.BigEndian.Uint32(data[:4]))
	rest := data[4:]
	if n > len(rest) {
		n = len(rest)
	}
	list := rest[:n]
	remaining := rest[n:]
	if len(list) == 0 {
		return nil, remaining
	}
	return splitComma(list), remaining
}

func splitComma(data []byte) []string {
	parts := bytes.Split(data, []byte(","))
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = string(p)
	}
	return out
}

func parseKexInit(data []byte) *KeyExchange {
	if len(data) < 16 {
		return nil
	}
	cookie := append([]byte(nil), data[:16]...)
	rest := data[16:]

	var lists [10][]string
	for i := range lists {
		lists[i], rest = readSSHNameList(rest)
	}
	firstKexFollows := len(rest) > 0 && rest[0] != 0

	return &KeyExchange{
		Cookie:                    cookie,
		KexAlgorithms:             lists[0],
		ServerHostKeyAlgorithms:   lists[1],
		EncryptionClientToServer:  lists[2],
		EncryptionServerToClient:  lists[3],
		MACClientToServer:         lists[4],
		MACServerToClient:         lists[5],
		CompressionClientToServer: lists[6],
		CompressionServerToClient: lists[7],
		LanguagesClientToServer:   lists[8],
		LanguagesServerToClient:   lists[9],
		FirstKexPacketFollows:     firstKexFollows,
	}
}

func parseDHInit(data []byte) *DHInit {
	e := readSSHString(data)
	return &DHInit{E: append([]byte(nil), e...)}
}

func parseDHReply(data []byte) *DHReply {
	hostKey := readSSHString(data)
	rest := data
	if len(hostKey) > 0 {
		rest = data[4+len(hostKey):]
	}
	f := readSSHString(rest)
	rest2 := rest
	if len(f) > 0 {
		rest2 = rest[4+len(f):]
	}
	sig := readSSHString(rest2)
	return &DHReply{
		HostKeyAndCerts: append([]byte(nil), hostKey...),
		F:               append([]byte(nil), f...),
		Signature:       append([]byte(nil), sig...),
	}
}

// RemoveSession returns the single key-exchange transaction when id is
// its session id.
func (p *Parser) RemoveSession(id uint64) (protocols.Session, bool) {
	if id != p.nextID {
		return protocols.Session{}, false
	}
	return protocols.Session{ID: id, Protocol: "ssh", Data: &p.tx}, true
}

// DrainSessions returns the in-progress or completed transaction, used
// when the connection ends before key exchange finished.
func (p *Parser) DrainSessions() []protocols.Session {
	if p.tx.ClientVersion == nil && p.tx.ServerVersion == nil {
		return nil
	}
	return []protocols.Session{{ID: p.nextID, Protocol: "ssh", Data: &p.tx}}
}

// MoreSessionsExpected is always false: exactly one key exchange per
// connection.
func (p *Parser) MoreSessionsExpected() bool { return false }
