package filter

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func kinds(toks []token) []tokenKind {
	out := make([]tokenKind, len(toks))
	for i, t := range toks {
		out[i] = t.kind
	}
	return out
}

func TestLexSimplePredicate(t *testing.T) {
	toks, err := lex("tcp.port = 80")
	require.NoError(t, err)
	require.Equal(t, []tokenKind{tokAtom, tokDot, tokAtom, tokOp, tokAtom, tokEOF}, kinds(toks))
	require.Equal(t, "80", toks[4].text)
}

func TestLexIPv6Literal(t *testing.T) {
	toks, err := lex(`ipv6.src_addr = 2001:db8::1`)
	require.NoError(t, err)
	// "2001:db8::1" lexes as a single atom -- no embedded '.' to split it.
	require.Equal(t, tokAtom, toks[4].kind)
	require.Equal(t, "2001:db8::1", toks[4].text)
}

func TestLexIPv4CIDRSplitsOnDots(t *testing.T) {
	toks, err := lex("ipv4.addr in 10.0.0.0/8")
	require.NoError(t, err)
	// dotted IPv4 literal: atoms and dot tokens interleaved, reassembled
	// by the parser.
	require.Equal(t, []tokenKind{
		tokAtom, tokDot, tokAtom, tokOp,
		tokAtom, tokDot, tokAtom, tokDot, tokAtom, tokDot, tokAtom,
		tokEOF,
	}, kinds(toks))
}

func TestLexIntRange(t *testing.T) {
	toks, err := lex("tcp.port in [1..1024]")
	require.NoError(t, err)
	require.Equal(t, []tokenKind{
		tokAtom, tokDot, tokAtom, tokOp,
		tokLBracket, tokAtom, tokDotDot, tokAtom, tokRBracket, tokEOF,
	}, kinds(toks))
}

func TestLexStringAndByteLiterals(t *testing.T) {
	toks, err := lex(`http.path = "/health" and tls.fingerprint byte_matches |de ad be ef|`)
	require.NoError(t, err)
	require.Equal(t, tokString, toks[4].kind)
	require.Equal(t, "/health", toks[4].text)
	require.Equal(t, tokOp, toks[9].kind)
	require.Equal(t, "byte_matches", toks[9].text)
	require.Equal(t, tokByteLit, toks[10].kind)
	require.Equal(t, "de ad be ef", toks[10].text)
}

func TestLexUnterminatedStringErrors(t *testing.T) {
	_, err := lex(`http.path = "/unterminated`)
	require.Error(t, err)
}

func TestLexUnexpectedCharacterErrors(t *testing.T) {
	_, err := lex("tcp.port = 80 ^ 3")
	require.Error(t, err)
}

func TestLexKeywordsAreCaseInsensitive(t *testing.T) {
	toks, err := lex("tls AND http OR tcp")
	require.NoError(t, err)
	require.Equal(t, []tokenKind{tokAtom, tokAnd, tokAtom, tokOr, tokAtom, tokEOF}, kinds(toks))
}
