// Package http implements a header-only HTTP/1.x request/response parser.
// Bodies are never parsed or buffered; only the request/status line and
// headers are extracted. A connection may carry many request/response
// pairs (pipelining, keep-alive), each becoming its own session.
package http

import (
	"bufio"
	"bytes"
	"io"
	"net/http"

	"github.com/pkg/errors"

	"github.com/flowtap/flowtap/protocols"
)

// maxHeaderBytes bounds how much of one direction's stream the parser will
// buffer while waiting for a complete request/status line and header
// block; anything past this is assumed to not be one of our messages.
const maxHeaderBytes = 64 * 1024

// Request holds the header fields of one parsed HTTP request.
type Request struct {
	Method        string
	URI           string
	Proto         string
	Host          string
	UserAgent     string
	Cookie        string
	ContentLength int64
	ContentType   string
	Header        http.Header
}

// Response holds the header fields of one parsed HTTP response.
type Response struct {
	Proto         string
	StatusCode    int
	Status        string
	ContentLength int64
	ContentType   string
	Header        http.Header
}

// Transaction pairs a request with its response; Response is nil until the
// matching reply arrives on the opposite direction.
type Transaction struct {
	Request  *Request
	Response *Response
}

// FilterField implements filter.FieldValuer, exposing transaction fields
// session-stage predicates reference (e.g. http.path = "/health").
func (t *Transaction) FilterField(name string) (interface{}, bool) {
	switch name {
	case "method":
		if t.Request == nil {
			return nil, false
		}
		return t.Request.Method, true
	case "path":
		if t.Request == nil {
			return nil, false
		}
		return requestPath(t.Request.URI), true
	case "host":
		if t.Request == nil {
			return nil, false
		}
		return t.Request.Host, true
	case "user_agent":
		if t.Request == nil {
			return nil, false
		}
		return t.Request.UserAgent, true
	case "status_code":
		if t.Response == nil {
			return nil, false
		}
		return uint64(t.Response.StatusCode), true
	case "content_type":
		if t.Response == nil {
			return nil, false
		}
		return t.Response.ContentType, true
	default:
		return nil, false
	}
}

func requestPath(uri string) string {
	for i := 0; i < len(uri); i++ {
		if uri[i] == '?' {
			return uri[:i]
		}
	}
	return uri
}

// Parser implements protocols.Parser for HTTP/1.x, tracking one
// in-progress request buffer and one in-progress response buffer (one
// per direction) plus a FIFO of completed requests awaiting their
// response.
type Parser struct {
	reqBuf, respBuf []byte
	pending         []*Request
	sessions        map[uint64]*Transaction
	nextID          uint64
}

// NewParser constructs a fresh HTTP parser for one connection.
func NewParser() protocols.Parser {
	return &Parser{sessions: make(map[uint64]*Transaction)}
}

// Factory is the registry entry point for this parser.
func Factory() protocols.Parser { return NewParser() }

func (p *Parser) Protocol() string { return "http" }

// Probe recognizes an HTTP request line; responses are only matched once a
// request has already bound the connection to this parser, so Probe only
// needs to look for the request side.
func (p *Parser) Probe(pdu protocols.PDU) protocols.ProbeResult {
	if len(pdu.Payload) == 0 {
		return protocols.ProbeUnsure
	}
	if !looksLikeRequestLine(pdu.Payload) {
		return protocols.ProbeNotForUs
	}
	req, err := tryParseRequest(pdu.Payload)
	if err == errIncomplete {
		return protocols.ProbeUnsure
	}
	if err != nil || req == nil {
		return protocols.ProbeNotForUs
	}
	return protocols.ProbeCertain
}

var httpMethods = [][]byte{
	[]byte("GET "), []byte("POST "), []byte("PUT "), []byte("DELETE "),
	[]byte("HEAD "), []byte("OPTIONS "), []byte("PATCH "), []byte("CONNECT "),
	[]byte("TRACE "),
}

func looksLikeRequestLine(data []byte) bool {
	for _, m := range httpMethods {
		if bytes.HasPrefix(data, m) {
			return true
		}
	}
	return false
}

var errIncomplete = errors.New("http: incomplete message")

// isIncomplete reports whether err indicates the reader ran out of bytes
// mid-message rather than the message being malformed.
func isIncomplete(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

func tryParseRequest(data []byte) (*http.Request, error) {
	if bytes.IndexByte(data, '\n') < 0 {
		// The request line itself has not fully arrived yet.
		return nil, errIncomplete
	}
	r := bufio.NewReader(bytes.NewReader(data))
	req, err := http.ReadRequest(r)
	if err != nil {
		if isIncomplete(err) {
			return nil, errIncomplete
		}
		return nil, err
	}
	return req, nil
}

func tryParseResponse(data []byte) (*http.Response, error) {
	r := bufio.NewReader(bytes.NewReader(data))
	resp, err := http.ReadResponse(r, nil)
	if err != nil {
		if isIncomplete(err) {
			return nil, errIncomplete
		}
		return nil, err
	}
	return resp, nil
}

// Parse accumulates payload per-direction and attempts to peel off
// complete HTTP messages, pairing each response with the oldest
// outstanding request (HTTP/1.1 pipelining is strictly FIFO).
func (p *Parser) Parse(pdu protocols.PDU) protocols.ParseResult {
	if len(pdu.Payload) == 0 {
		return protocols.ParseResult{Outcome: protocols.ParseSkippedOutcome}
	}
	if pdu.Dir == 0 { // DirOrig: client -> server
		return p.parseRequestSide(pdu.Payload)
	}
	return p.parseResponseSide(pdu.Payload)
}

func (p *Parser) parseRequestSide(payload []byte) protocols.ParseResult {
	p.reqBuf = append(p.reqBuf, payload...)
	if len(p.reqBuf) > maxHeaderBytes {
		p.reqBuf = nil
		return protocols.ParseResult{Outcome: protocols.ParseSkippedOutcome}
	}
	req, err := tryParseRequest(p.reqBuf)
	if err == errIncomplete {
		return protocols.ParseResult{Outcome: protocols.ParseContinueOutcome}
	}
	if err != nil {
		p.reqBuf = nil
		return protocols.ParseResult{Outcome: protocols.ParseSkippedOutcome}
	}
	p.reqBuf = nil
	p.pending = append(p.pending, fromHTTPRequest(req))
	return protocols.ParseResult{Outcome: protocols.ParseContinueOutcome}
}

func (p *Parser) parseResponseSide(payload []byte) protocols.ParseResult {
	p.respBuf = append(p.respBuf, payload...)
	if len(p.respBuf) > maxHeaderBytes {
		p.respBuf = nil
		return protocols.ParseResult{Outcome: protocols.ParseSkippedOutcome}
	}
	resp, err := tryParseResponse(p.respBuf)
	if err == errIncomplete {
		return protocols.ParseResult{Outcome: protocols.ParseContinueOutcome}
	}
	if err != nil {
		p.respBuf = nil
		return protocols.ParseResult{Outcome: protocols.ParseSkippedOutcome}
	}
	p.respBuf = nil

	var req *Request
	if len(p.pending) > 0 {
		req = p.pending[0]
		p.pending = p.pending[1:]
	}
	id := p.newSessionID()
	p.sessions[id] = &Transaction{Request: req, Response: fromHTTPResponse(resp)}
	return protocols.ParseResult{Outcome: protocols.ParseDoneOutcome, SessionID: id}
}

func fromHTTPRequest(r *http.Request) *Request {
	return &Request{
		Method:        r.Method,
		URI:           r.RequestURI,
		Proto:         r.Proto,
		Host:          r.Host,
		UserAgent:     r.UserAgent(),
		Cookie:        r.Header.Get("Cookie"),
		ContentLength: r.ContentLength,
		ContentType:   r.Header.Get("Content-Type"),
		Header:        r.Header,
	}
}

func fromHTTPResponse(r *http.Response) *Response {
	return &Response{
		Proto:         r.Proto,
		StatusCode:    r.StatusCode,
		Status:        r.Status,
		ContentLength: r.ContentLength,
		ContentType:   r.Header.Get("Content-Type"),
		Header:        r.Header,
	}
}

func (p *Parser) newSessionID() uint64 {
	p.nextID++
	return p.nextID
}

// RemoveSession pops one completed transaction.
func (p *Parser) RemoveSession(id uint64) (protocols.Session, bool) {
	tx, ok := p.sessions[id]
	if !ok {
		return protocols.Session{}, false
	}
	delete(p.sessions, id)
	return protocols.Session{ID: id, Protocol: "http", Data: tx}, true
}

// DrainSessions returns every session not yet individually removed,
// including requests left without a matching response.
func (p *Parser) DrainSessions() []protocols.Session {
	out := make([]protocols.Session, 0, len(p.sessions)+len(p.pending))
	for id, tx := range p.sessions {
		out = append(out, protocols.Session{ID: id, Protocol: "http", Data: tx})
	}
	for _, req := range p.pending {
		id := p.newSessionID()
		out = append(out, protocols.Session{ID: id, Protocol: "http", Data: &Transaction{Request: req}})
	}
	p.sessions = make(map[uint64]*Transaction)
	p.pending = nil
	return out
}

// MoreSessionsExpected is always true: a keep-alive connection may carry
// an unbounded number of request/response pairs.
func (p *Parser) MoreSessionsExpected() bool { return true }
