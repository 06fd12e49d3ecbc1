// Package protocols defines the incremental, per-connection application
// protocol parser contract and the registry that selects a
// parser via probing. Concrete parsers live in sub-packages (tls, dns,
// http, quic, ssh); each registers a Factory that the registry uses to
// spin up one fresh parser instance per new connection.
package protocols

import (
	"github.com/flowtap/flowtap/buffer"
	"github.com/flowtap/flowtap/flowkey"
)

// PDU is the unit application parsers consume: a reassembled (TCP) or raw
// (UDP) chunk of payload, tagged with direction and the owning frame for
// timestamp/refcount purposes.
type PDU struct {
	Payload []byte
	Dir     flowkey.Dir
	Frame   *buffer.Frame
}

// ProbeResult is returned by Parser.Probe to indicate whether a parser
// recognizes the traffic on a connection.
type ProbeResult uint8

const (
	// ProbeUnsure means the parser needs more data before it can decide.
	ProbeUnsure ProbeResult = iota
	// ProbeCertain means this parser recognizes the protocol; it is bound
	// to the connection and all other candidate parsers are discarded.
	ProbeCertain
	// ProbeNotForUs means this parser has ruled itself out.
	ProbeNotForUs
	// ProbeError means the probe itself failed (malformed data); treated
	// the same as ProbeNotForUs by the registry.
	ProbeError
)

// ParseOutcome is returned by Parser.Parse after each PDU.
type ParseOutcome uint8

const (
	// ParseContinueOutcome means the parser consumed the PDU but has not
	// yet produced a complete session.
	ParseContinueOutcome ParseOutcome = iota
	// ParseDoneOutcome means a session completed; SessionID identifies it.
	ParseDoneOutcome
	// ParseSkippedOutcome means the PDU was irrelevant to the parser (e.g.
	// padding) and nothing changed.
	ParseSkippedOutcome
)

// ParseResult is the per-PDU parse outcome.
type ParseResult struct {
	Outcome   ParseOutcome
	SessionID uint64
	Err       error
}

// Session is one discrete application-layer exchange.
type Session struct {
	ID       uint64
	Protocol string
	Data     interface{}
}

// Parser is the contract every application-layer protocol parser
// implements.
type Parser interface {
	// Protocol is the name this parser matches in filter expressions,
	// e.g. "tls", "dns", "http", "quic", "ssh".
	Protocol() string
	Probe(pdu PDU) ProbeResult
	Parse(pdu PDU) ParseResult
	RemoveSession(id uint64) (Session, bool)
	DrainSessions() []Session
	// MoreSessionsExpected reports whether this parser, after completing a
	// session, may still produce further sessions on this connection.
	MoreSessionsExpected() bool
}

// Factory constructs a fresh Parser instance, one per connection that
// might speak this protocol.
type Factory func() Parser

// Registry holds the factories of the available protocol parsers; a
// conntrack.Tracker probes only those whose protocol its compiled filter
// names.
type Registry struct {
	factories map[string]Factory
	order     []string
}

// NewRegistry returns an empty registry; Register adds each factory
// under an explicit protocol name.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a protocol's factory under the given name. Registering the
// same name twice replaces the previous factory.
func (r *Registry) Register(name string, f Factory) {
	if _, exists := r.factories[name]; !exists {
		r.order = append(r.order, name)
	}
	r.factories[name] = f
}

// Protocols returns the set of protocol names this registry can probe for.
func (r *Registry) Protocols() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// NewProbeSet instantiates one parser per registered factory, for a single
// new connection to probe against.
func (r *Registry) NewProbeSet() []Parser {
	set := make([]Parser, 0, len(r.order))
	for _, name := range r.order {
		set = append(set, r.factories[name]())
	}
	return set
}
