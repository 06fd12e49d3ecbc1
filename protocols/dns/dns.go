// Package dns implements a DNS transaction parser: multiple
// query/response pairs can complete on one connection, matched by
// transaction id.
package dns

import (
	"github.com/google/gopacket/layers"

	"github.com/flowtap/flowtap/protocols"
)

// Query is the parsed question side of one DNS transaction.
type Query struct {
	TransactionID uint16
	Questions     []layers.DNSQuestion
}

// Response is the parsed answer side of one DNS transaction.
type Response struct {
	TransactionID uint16
	ResponseCode  layers.DNSResponseCode
	Answers       []layers.DNSResourceRecord
	Authorities   []layers.DNSResourceRecord
	Additionals   []layers.DNSResourceRecord
}

// Transaction pairs a query with its matching response once both sides
// have been observed; either side may be nil until then.
type Transaction struct {
	TransactionID uint16
	Query         *Query
	Response      *Response
}

// FilterField implements filter.FieldValuer, exposing transaction fields
// session-stage predicates reference (e.g. dns.qname = "...").
func (t *Transaction) FilterField(name string) (interface{}, bool) {
	switch name {
	case "qname":
		if t.Query == nil || len(t.Query.Questions) == 0 {
			return nil, false
		}
		return string(t.Query.Questions[0].Name), true
	case "qtype":
		if t.Query == nil || len(t.Query.Questions) == 0 {
			return nil, false
		}
		return uint64(t.Query.Questions[0].Type), true
	case "response_code":
		if t.Response == nil {
			return nil, false
		}
		return uint64(t.Response.ResponseCode), true
	case "transaction_id":
		return uint64(t.TransactionID), true
	case "answer_count":
		if t.Response == nil {
			return nil, false
		}
		return uint64(len(t.Response.Answers)), true
	default:
		return nil, false
	}
}

// Parser implements protocols.Parser for DNS. Unlike TLS's single
// handshake, a connection (typically a UDP "flow" on port 53, but TCP
// works the same way) can carry many independent transactions, so sessions
// are keyed by a running counter and matched against each other by the
// DNS transaction id.
type Parser struct {
	sessions map[uint64]*Transaction
	nextID   uint64
}

// NewParser constructs a fresh DNS parser for one connection.
func NewParser() protocols.Parser {
	return &Parser{sessions: make(map[uint64]*Transaction)}
}

// Factory is the registry entry point for this parser.
func Factory() protocols.Parser { return NewParser() }

func (p *Parser) Protocol() string { return "dns" }

// Probe decodes the payload as a DNS message and accepts it only if it
// carries at least one question (for a query) or one answer (for a
// response); NetBIOS Name Service traffic on port 137 looks superficially
// like DNS but fails this shape check reliably enough that callers filter
// it out by port before even reaching the parser.
func (p *Parser) Probe(pdu protocols.PDU) protocols.ProbeResult {
	if len(pdu.Payload) == 0 {
		return protocols.ProbeUnsure
	}
	var msg layers.DNS
	if err := msg.DecodeFromBytes(pdu.Payload, emptyDecodeFeedback{}); err != nil {
		return protocols.ProbeNotForUs
	}
	if msg.QR {
		if len(msg.Answers) == 0 {
			return protocols.ProbeNotForUs
		}
	} else if len(msg.Questions) == 0 {
		return protocols.ProbeNotForUs
	}
	return protocols.ProbeCertain
}

// Parse decodes one DNS message and files it against an outstanding
// transaction with the same id, completing the transaction and emitting a
// ParseDoneOutcome the moment both a query and a response are present.
func (p *Parser) Parse(pdu protocols.PDU) protocols.ParseResult {
	if len(pdu.Payload) == 0 {
		return protocols.ParseResult{Outcome: protocols.ParseSkippedOutcome}
	}
	var msg layers.DNS
	if err := msg.DecodeFromBytes(pdu.Payload, emptyDecodeFeedback{}); err != nil {
		return protocols.ParseResult{Outcome: protocols.ParseSkippedOutcome}
	}

	if msg.QR {
		return p.fileResponse(&msg)
	}
	return p.fileQuery(&msg)
}

func (p *Parser) fileQuery(msg *layers.DNS) protocols.ParseResult {
	query := &Query{TransactionID: msg.ID, Questions: msg.Questions}
	for id, tx := range p.sessions {
		if tx.TransactionID != msg.ID {
			continue
		}
		if tx.Response != nil {
			tx.Query = query
			return protocols.ParseResult{Outcome: protocols.ParseDoneOutcome, SessionID: id}
		}
		break
	}
	id := p.newSessionID()
	p.sessions[id] = &Transaction{TransactionID: msg.ID, Query: query}
	return protocols.ParseResult{Outcome: protocols.ParseContinueOutcome, SessionID: id}
}

func (p *Parser) fileResponse(msg *layers.DNS) protocols.ParseResult {
	resp := &Response{
		TransactionID: msg.ID,
		ResponseCode:  msg.ResponseCode,
		Answers:       msg.Answers,
		Authorities:   msg.Authorities,
		Additionals:   msg.Additionals,
	}
	for id, tx := range p.sessions {
		if tx.TransactionID != msg.ID {
			continue
		}
		if tx.Query != nil {
			tx.Response = resp
			return protocols.ParseResult{Outcome: protocols.ParseDoneOutcome, SessionID: id}
		}
		break
	}
	id := p.newSessionID()
	p.sessions[id] = &Transaction{TransactionID: msg.ID, Response: resp}
	return protocols.ParseResult{Outcome: protocols.ParseContinueOutcome, SessionID: id}
}

func (p *Parser) newSessionID() uint64 {
	p.nextID++
	return p.nextID
}

// RemoveSession pops a single completed (or still-pending) transaction out
// of the parser.
func (p *Parser) RemoveSession(id uint64) (protocols.Session, bool) {
	tx, ok := p.sessions[id]
	if !ok {
		return protocols.Session{}, false
	}
	delete(p.sessions, id)
	return protocols.Session{ID: id, Protocol: "dns", Data: tx}, true
}

// DrainSessions returns every outstanding transaction, including ones
// whose query or response never arrived before the connection ended.
func (p *Parser) DrainSessions() []protocols.Session {
	out := make([]protocols.Session, 0, len(p.sessions))
	for id, tx := range p.sessions {
		out = append(out, protocols.Session{ID: id, Protocol: "dns", Data: tx})
	}
	p.sessions = make(map[uint64]*Transaction)
	return out
}

// MoreSessionsExpected is always true: a connection may carry an unbounded
// number of DNS transactions over its lifetime.
func (p *Parser) MoreSessionsExpected() bool { return true }

// emptyDecodeFeedback satisfies gopacket.DecodeFeedback without truncation
// warnings; DNS messages here are already bounds-checked payload slices.
type emptyDecodeFeedback struct{}

func (emptyDecodeFeedback) SetTruncated() {}
