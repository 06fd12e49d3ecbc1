package filter

import "regexp"

// subsetOf reports whether every packet/session matching a also matches
// b, for two predicates on the same protocol+field. This drives pruning:
// if pattern P contains both a and b and a is a subset of b, b is
// redundant within P (a already implies it), and if a whole pattern is a
// subset of another pattern in the same filter, the narrower pattern is
// redundant (the broader one already matches everything it matches).
func subsetOf(a, b Predicate) bool {
	if a.fieldKey() != b.fieldKey() {
		return false
	}
	if a.Unary || b.Unary {
		return a.Unary && b.Unary
	}

	switch a.Value.Kind {
	case ValueCIDR:
		if b.Value.Kind != ValueCIDR {
			return false
		}
		return cidrSubsetOf(a, b)
	case ValueInt, ValueIntRange:
		return intSubsetOf(a, b)
	case ValueText:
		return textSubsetOf(a, b)
	default:
		return a.Op == b.Op && equalValue(a.Value, b.Value)
	}
}

func cidrSubsetOf(a, b Predicate) bool {
	if a.Op != OpEq && a.Op != OpIn {
		return false
	}
	if b.Op != OpEq && b.Op != OpIn {
		return false
	}
	if a.Value.CIDR == nil || b.Value.CIDR == nil {
		return false
	}
	// a ⊆ b when every address a's CIDR can match is also within b's
	// CIDR: b's mask must be no more specific than a's, and a's network
	// address must fall inside b.
	aOnes, aBits := a.Value.CIDR.Mask.Size()
	bOnes, bBits := b.Value.CIDR.Mask.Size()
	if aBits != bBits || bOnes > aOnes {
		return false
	}
	return b.Value.CIDR.Contains(a.Value.CIDR.IP)
}

func asRange(v Value) (lo, hi uint64, ok bool) {
	switch v.Kind {
	case ValueInt:
		return v.Int, v.Int, true
	case ValueIntRange:
		return v.RangeFrom, v.RangeTo, true
	default:
		return 0, 0, false
	}
}

// intSubsetOf implements the integer-operator implication table: a
// predicate's match set, expressed as an inclusive [lo, hi] range (using
// the field's full domain for open-ended operators), is a subset of b's
// whenever a's range falls entirely within b's.
func intSubsetOf(a, b Predicate) bool {
	if a.Op != OpEq && a.Op != OpGe && a.Op != OpLe && a.Op != OpGt && a.Op != OpLt && a.Op != OpIn {
		return false
	}
	if b.Op != OpEq && b.Op != OpGe && b.Op != OpLe && b.Op != OpGt && b.Op != OpLt && b.Op != OpIn {
		return false
	}
	aLo, aHi, ok := intPredRange(a)
	if !ok {
		return false
	}
	bLo, bHi, ok := intPredRange(b)
	if !ok {
		return false
	}
	return aLo >= bLo && aHi <= bHi
}

const uint64Max = ^uint64(0)

func intPredRange(p Predicate) (lo, hi uint64, ok bool) {
	switch p.Op {
	case OpEq, OpIn:
		return asRange(p.Value)
	case OpGe:
		v, _, k := asRange(p.Value)
		return v, uint64Max, k
	case OpGt:
		v, _, k := asRange(p.Value)
		if !k || v == uint64Max {
			return 0, 0, false
		}
		return v + 1, uint64Max, true
	case OpLe:
		v, _, k := asRange(p.Value)
		return 0, v, k
	case OpLt:
		v, _, k := asRange(p.Value)
		if !k || v == 0 {
			return 0, 0, false
		}
		return 0, v - 1, true
	default:
		return 0, 0, false
	}
}

// textSubsetOf implements the text rule named in the pruning spec:
// equality implies a regex match for the same literal text (an exact
// match is always a subset of "matches" against that same pattern), and
// equal operator/value pairs otherwise trivially subset each other.
func textSubsetOf(a, b Predicate) bool {
	if a.Op == b.Op && a.Value.Text == b.Value.Text {
		return true
	}
	if a.Op == OpEq && b.Op == OpMatches {
		re, err := regexp.Compile(b.Value.Text)
		if err != nil {
			return false
		}
		return re.MatchString(a.Value.Text)
	}
	if a.Op == OpEq && b.Op == OpContains {
		return containsSubstring(a.Value.Text, b.Value.Text)
	}
	return false
}

func containsSubstring(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return len(substr) == 0
}

func equalValue(a, b Value) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case ValueInt:
		return a.Int == b.Int
	case ValueIntRange:
		return a.RangeFrom == b.RangeFrom && a.RangeTo == b.RangeTo
	case ValueText:
		return a.Text == b.Text
	case ValueCIDR:
		return a.CIDR.String() == b.CIDR.String()
	case ValueBytes:
		if len(a.Bytes) != len(b.Bytes) {
			return false
		}
		for i := range a.Bytes {
			if a.Bytes[i] != b.Bytes[i] {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// prunePattern removes predicates made redundant by another predicate in
// the same conjunct (e.g. "ipv4.addr in 10.0.0.0/8 and ipv4.addr =
// 10.1.2.3" keeps only the /32, since it already implies membership in
// the /8).
func prunePattern(pat Pattern) Pattern {
	keep := make([]bool, len(pat))
	for i := range pat {
		keep[i] = true
	}
	for i, p := range pat {
		if !keep[i] {
			continue
		}
		for j, q := range pat {
			if i == j || !keep[j] {
				continue
			}
			if subsetOf(p, q) && !subsetOf(q, p) {
				keep[j] = false
			}
		}
	}
	var out Pattern
	for i, p := range pat {
		if keep[i] {
			out = append(out, p)
		}
	}
	return out
}

// patternSubsetOf reports whether every predicate in b is implied by
// some predicate in a that is a subset of it -- meaning anything
// matching pattern a necessarily matches pattern b too, making a
// redundant wherever both appear as alternatives in the same filter.
func patternSubsetOf(a, b Pattern) bool {
	for _, pb := range b {
		matched := false
		for _, pa := range a {
			if subsetOf(pa, pb) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// dedupPatterns removes patterns that are subsets of another pattern in
// the same disjunction -- their coverage is already provided for.
func dedupPatterns(patterns []Pattern) []Pattern {
	pruned := make([]Pattern, len(patterns))
	for i, p := range patterns {
		pruned[i] = prunePattern(p)
	}
	keep := make([]bool, len(pruned))
	for i := range pruned {
		keep[i] = true
	}
	for i, p := range pruned {
		if !keep[i] {
			continue
		}
		for j, q := range pruned {
			if i == j || !keep[j] {
				continue
			}
			if patternSubsetOf(p, q) && !patternSubsetOf(q, p) {
				keep[i] = false
			}
		}
	}
	var out []Pattern
	for i, p := range pruned {
		if keep[i] {
			out = append(out, p)
		}
	}
	return out
}
