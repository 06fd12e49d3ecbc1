// Package filter implements the predicate grammar, AST, and staged
// compiler that turns a user filter expression into the small set of
// pure evaluator functions the rest of the core runs on every packet,
// connection, and session.
package filter

import "net"

// BinOp is a binary predicate operator (spec grammar: OP ∈ {=, !=, >=,
// <=, >, <, in, matches, eq, contains, not_contains, byte_matches}).
type BinOp int

const (
	OpEq BinOp = iota
	OpNe
	OpGe
	OpLe
	OpGt
	OpLt
	OpIn
	OpMatches
	OpContains
	OpNotContains
)

func (op BinOp) String() string {
	switch op {
	case OpEq:
		return "="
	case OpNe:
		return "!="
	case OpGe:
		return ">="
	case OpLe:
		return "<="
	case OpGt:
		return ">"
	case OpLt:
		return "<"
	case OpIn:
		return "in"
	case OpMatches:
		return "matches"
	case OpContains:
		return "contains"
	case OpNotContains:
		return "not_contains"
	default:
		return "?"
	}
}

// ValueKind tags which field of Value is populated.
type ValueKind int

const (
	ValueInt ValueKind = iota
	ValueIntRange
	ValueCIDR
	ValueText
	ValueBytes
)

// Value is the right-hand side of a binary predicate. Exactly one of its
// fields is meaningful, selected by Kind.
type Value struct {
	Kind ValueKind

	Int uint64

	RangeFrom uint64
	RangeTo   uint64

	CIDR *net.IPNet

	Text string

	Bytes []byte
}

// Predicate is either a unary protocol-presence test (e.g. "tls") or a
// binary field comparison (e.g. "tcp.port = 80").
type Predicate struct {
	Protocol string
	Unary    bool
	Field    string
	Op       BinOp
	Value    Value
}

func (p Predicate) String() string {
	if p.Unary {
		return p.Protocol
	}
	return p.Protocol + "." + p.Field + " " + p.Op.String() + " <value>"
}

// fieldKey identifies a predicate's target for subset/dedup comparisons;
// two predicates on the same protocol+field are comparable.
func (p Predicate) fieldKey() string {
	return p.Protocol + "." + p.Field
}

// Pattern is one conjunct: a filter expression's disjunctive normal form
// is a slice of Patterns, any one of which matching means the whole
// filter matches.
type Pattern []Predicate
