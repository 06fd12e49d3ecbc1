package filter

import (
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ErrInvalidFilter wraps every grammar/value error raised while parsing a
// filter expression; filter compilation errors are fatal at startup (the
// filter expression is supplied once, not per-packet).
var ErrInvalidFilter = errors.New("filter: invalid expression")

type parser struct {
	toks []token
	pos  int
}

// Parse parses a filter expression into its disjunctive normal form: a
// slice of Patterns (conjuncts of predicates), any one of which matching
// means the filter matches. Combined fields ("addr", "port") are expanded
// here, at parse time, into src_/dst_ pairs joined by or (for equality-
// style operators) or and (for !=), matching the grammar's treatment of
// "tcp.port = 80" as "tcp.src_port = 80 or tcp.dst_port = 80".
func Parse(expr string) ([]Pattern, error) {
	toks, err := lex(expr)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	node, err := p.parseDisjunct()
	if err != nil {
		return nil, err
	}
	if p.cur().kind != tokEOF {
		return nil, errors.Wrapf(ErrInvalidFilter, "unexpected trailing input at %q", p.cur().text)
	}
	return flatten(node), nil
}

// node is the parse tree before flattening to disjunctive normal form.
type node interface{ isNode() }

type disjunctNode struct{ terms []node }
type conjunctNode struct{ terms []node }
type predicateNode struct{ preds []Predicate } // a leaf may expand to >1 predicate (combined fields)

func (disjunctNode) isNode()  {}
func (conjunctNode) isNode()  {}
func (predicateNode) isNode() {}

func (p *parser) cur() token  { return p.toks[p.pos] }
func (p *parser) advance()    { p.pos++ }

func (p *parser) parseDisjunct() (node, error) {
	first, err := p.parseConjunct()
	if err != nil {
		return nil, err
	}
	terms := []node{first}
	for p.cur().kind == tokOr {
		p.advance()
		next, err := p.parseConjunct()
		if err != nil {
			return nil, err
		}
		terms = append(terms, next)
	}
	if len(terms) == 1 {
		return terms[0], nil
	}
	return disjunctNode{terms: terms}, nil
}

func (p *parser) parseConjunct() (node, error) {
	first, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	terms := []node{first}
	for p.cur().kind == tokAnd {
		p.advance()
		next, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		terms = append(terms, next)
	}
	if len(terms) == 1 {
		return terms[0], nil
	}
	return conjunctNode{terms: terms}, nil
}

func (p *parser) parseTerm() (node, error) {
	if p.cur().kind == tokLParen {
		p.advance()
		inner, err := p.parseDisjunct()
		if err != nil {
			return nil, err
		}
		if p.cur().kind != tokRParen {
			return nil, errors.Wrap(ErrInvalidFilter, "expected ')'")
		}
		p.advance()
		return inner, nil
	}
	return p.parsePredicate()
}

var combinedFields = map[string]bool{"addr": true, "port": true}

func (p *parser) parsePredicate() (node, error) {
	if p.cur().kind != tokAtom {
		return nil, errors.Wrapf(ErrInvalidFilter, "expected protocol name, got %q", p.cur().text)
	}
	protocol := strings.ToLower(p.cur().text)
	p.advance()

	if p.cur().kind != tokDot {
		return predicateNode{preds: []Predicate{{Protocol: protocol, Unary: true}}}, nil
	}
	p.advance()

	if p.cur().kind != tokAtom {
		return nil, errors.Wrap(ErrInvalidFilter, "expected field name after '.'")
	}
	field := strings.ToLower(p.cur().text)
	p.advance()

	if p.cur().kind != tokOp {
		return nil, errors.Wrap(ErrInvalidFilter, "expected operator")
	}
	op, err := parseOp(p.cur().text)
	if err != nil {
		return nil, err
	}
	p.advance()

	value, err := p.parseValue()
	if err != nil {
		return nil, err
	}

	if !combinedFields[field] {
		return predicateNode{preds: []Predicate{{Protocol: protocol, Field: field, Op: op, Value: value}}}, nil
	}

	src := Predicate{Protocol: protocol, Field: "src_" + field, Op: op, Value: value}
	dst := Predicate{Protocol: protocol, Field: "dst_" + field, Op: op, Value: value}
	if op == OpNe {
		// "tcp.port != 80" -> both directions must differ.
		return predicateNode{preds: []Predicate{src, dst}}, nil
	}
	// "tcp.port = 80" -> either direction matching is enough.
	return disjunctNode{terms: []node{
		predicateNode{preds: []Predicate{src}},
		predicateNode{preds: []Predicate{dst}},
	}}, nil
}

func parseOp(s string) (BinOp, error) {
	switch s {
	case "=", "eq":
		return OpEq, nil
	case "!=":
		return OpNe, nil
	case ">=":
		return OpGe, nil
	case "<=":
		return OpLe, nil
	case ">":
		return OpGt, nil
	case "<":
		return OpLt, nil
	case "in":
		return OpIn, nil
	case "matches", "byte_matches":
		return OpMatches, nil
	case "contains":
		return OpContains, nil
	case "not_contains":
		return OpNotContains, nil
	default:
		return 0, errors.Wrapf(ErrInvalidFilter, "unknown operator %q", s)
	}
}

func (p *parser) parseValue() (Value, error) {
	switch p.cur().kind {
	case tokString:
		text := p.cur().text
		p.advance()
		return Value{Kind: ValueText, Text: text}, nil
	case tokByteLit:
		raw := p.cur().text
		p.advance()
		b, err := parseHexBytes(raw)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: ValueBytes, Bytes: b}, nil
	case tokLBracket:
		p.advance()
		from, err := p.parseUint()
		if err != nil {
			return Value{}, err
		}
		if p.cur().kind != tokDotDot {
			return Value{}, errors.Wrap(ErrInvalidFilter, "expected '..' in range literal")
		}
		p.advance()
		to, err := p.parseUint()
		if err != nil {
			return Value{}, err
		}
		if p.cur().kind != tokRBracket {
			return Value{}, errors.Wrap(ErrInvalidFilter, "expected ']' closing range literal")
		}
		p.advance()
		if from >= to {
			return Value{}, errors.Wrapf(ErrInvalidFilter, "invalid range [%d..%d]", from, to)
		}
		return Value{Kind: ValueIntRange, RangeFrom: from, RangeTo: to}, nil
	case tokAtom:
		return p.parseAddressOrInt()
	default:
		return Value{}, errors.Wrapf(ErrInvalidFilter, "unexpected value token %q", p.cur().text)
	}
}

// parseAddressOrInt reconstructs a dotted/colon literal (plain integer,
// IPv4 address/CIDR, or IPv6 address/CIDR) by concatenating consecutive
// atom and '.' tokens -- the lexer has no way to tell "tcp.port" apart
// from "10.0.0.1" at the character level, so the distinction is made
// here, at the point a value is actually expected.
func (p *parser) parseAddressOrInt() (Value, error) {
	var b strings.Builder
	b.WriteString(p.cur().text)
	p.advance()
	for p.cur().kind == tokDot {
		b.WriteString(".")
		p.advance()
		if p.cur().kind != tokAtom {
			return Value{}, errors.Wrap(ErrInvalidFilter, "malformed address literal")
		}
		b.WriteString(p.cur().text)
		p.advance()
	}
	lit := b.String()

	if ip, ipnet, err := net.ParseCIDR(lit); err == nil {
		ipnet.IP = ip
		return Value{Kind: ValueCIDR, CIDR: ipnet}, nil
	}
	if ip := net.ParseIP(lit); ip != nil {
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		return Value{Kind: ValueCIDR, CIDR: &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}}, nil
	}
	if v, err := strconv.ParseUint(lit, 10, 64); err == nil {
		return Value{Kind: ValueInt, Int: v}, nil
	}
	return Value{}, errors.Wrapf(ErrInvalidFilter, "not a valid int or address literal: %q", lit)
}

func (p *parser) parseUint() (uint64, error) {
	if p.cur().kind != tokAtom {
		return 0, errors.Wrap(ErrInvalidFilter, "expected integer")
	}
	v, err := strconv.ParseUint(p.cur().text, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(ErrInvalidFilter, "invalid integer %q", p.cur().text)
	}
	p.advance()
	return v, nil
}

func parseHexBytes(raw string) ([]byte, error) {
	fields := strings.Fields(raw)
	out := make([]byte, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseUint(f, 16, 8)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidFilter, "invalid hex byte %q", f)
		}
		out = append(out, byte(v))
	}
	return out, nil
}

// flatten converts a parse tree into disjunctive normal form: a slice of
// Patterns, each an AND of predicates, such that the filter matches iff
// any one Pattern's predicates all hold.
func flatten(n node) []Pattern {
	switch t := n.(type) {
	case predicateNode:
		return []Pattern{append(Pattern(nil), t.preds...)}
	case disjunctNode:
		var out []Pattern
		for _, term := range t.terms {
			out = append(out, flatten(term)...)
		}
		return out
	case conjunctNode:
		patterns := []Pattern{{}}
		for _, term := range t.terms {
			termPatterns := flatten(term)
			var next []Pattern
			for _, existing := range patterns {
				for _, tp := range termPatterns {
					combined := append(append(Pattern(nil), existing...), tp...)
					next = append(next, combined)
				}
			}
			patterns = next
		}
		return patterns
	default:
		return nil
	}
}
