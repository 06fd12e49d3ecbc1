package filter

import (
	"strings"

	"github.com/pkg/errors"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokAtom // identifier, keyword, number, or address literal -- classified by the parser
	tokDot
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokDotDot
	tokAnd
	tokOr
	tokOp
	tokString
	tokByteLit
	tokComma
)

type token struct {
	kind tokenKind
	text string
}

// lex tokenizes a filter expression. Whitespace is insignificant per the
// grammar ("Whitespace-insensitive"). Numbers, identifiers, and IPv4/IPv6
// address literals are all lexed as a single "atom" class and
// disambiguated by the parser, since distinguishing "2001:db8::1" from a
// bare identifier at the character level isn't worth a separate lexer
// state.
func lex(input string) ([]token, error) {
	var toks []token
	r := []rune(input)
	i := 0
	n := len(r)

	for i < n {
		c := r[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "("})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")"})
			i++
		case c == '[':
			toks = append(toks, token{tokLBracket, "["})
			i++
		case c == ']':
			toks = append(toks, token{tokRBracket, "]"})
			i++
		case c == ',':
			toks = append(toks, token{tokComma, ","})
			i++
		case c == '.' && !(i+1 < n && r[i+1] == '.'):
			toks = append(toks, token{tokDot, "."})
			i++
		case c == '.' && i+1 < n && r[i+1] == '.':
			toks = append(toks, token{tokDotDot, ".."})
			i += 2
		case c == '"':
			j := i + 1
			for j < n && r[j] != '"' {
				j++
			}
			if j >= n {
				return nil, errors.New("filter: unterminated string literal")
			}
			toks = append(toks, token{tokString, string(r[i+1 : j])})
			i = j + 1
		case c == '|':
			j := i + 1
			for j < n && r[j] != '|' {
				j++
			}
			if j >= n {
				return nil, errors.New("filter: unterminated byte literal")
			}
			toks = append(toks, token{tokByteLit, string(r[i+1 : j])})
			i = j + 1
		case c == '!' && i+1 < n && r[i+1] == '=':
			toks = append(toks, token{tokOp, "!="})
			i += 2
		case c == '>' && i+1 < n && r[i+1] == '=':
			toks = append(toks, token{tokOp, ">="})
			i += 2
		case c == '<' && i+1 < n && r[i+1] == '=':
			toks = append(toks, token{tokOp, "<="})
			i += 2
		case c == '=':
			toks = append(toks, token{tokOp, "="})
			i++
		case c == '>':
			toks = append(toks, token{tokOp, ">"})
			i++
		case c == '<':
			toks = append(toks, token{tokOp, "<"})
			i++
		case isAtomStart(c):
			j := i
			for j < n && isAtomPart(r[j]) {
				j++
			}
			word := string(r[i:j])
			switch strings.ToLower(word) {
			case "and":
				toks = append(toks, token{tokAnd, word})
			case "or":
				toks = append(toks, token{tokOr, word})
			case "in", "matches", "eq", "contains", "not_contains", "byte_matches":
				toks = append(toks, token{tokOp, strings.ToLower(word)})
			default:
				toks = append(toks, token{tokAtom, word})
			}
			i = j
		default:
			return nil, errors.Errorf("filter: unexpected character %q", c)
		}
	}
	toks = append(toks, token{tokEOF, ""})
	return toks, nil
}

func isAtomStart(c rune) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == ':'
}

func isAtomPart(c rune) bool {
	return isAtomStart(c) || c == '/' || c == '-'
}
