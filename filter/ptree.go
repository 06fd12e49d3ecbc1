package filter

import "github.com/flowtap/flowtap/actions"

// ptreeNode is one level of the n-ary predicate tree built per stage.
// Each node tests one predicate; matching descends to its children,
// whose own matches accumulate further actions. Siblings (inserted by
// different patterns that share a prefix) that test mutually exclusive
// values on the same field
// (e.g. two disjoint CIDRs) are marked so evaluation can skip the rest of
// the sibling group once one of them matches.
type ptreeNode struct {
	pred     Predicate
	actions  actions.Actions
	children []*ptreeNode
	exclGroup int // 0 = none; siblings sharing a positive id are mutually exclusive
}

// ptree is the root of a stage's predicate tree: a forest of top-level
// predicates, matched independently (an implicit OR across the
// patterns that fed into this stage).
type ptree struct {
	roots []*ptreeNode
}

// buildPtree inserts each pattern into the tree root-downward, sharing
// prefixes with previously inserted patterns (two patterns that agree on
// their first N predicates share the same root-to-depth-N path), and
// attaches act at the node terminating each pattern's path.
func buildPtree(patterns []Pattern, act actions.Actions) *ptree {
	t := &ptree{}
	for _, pat := range patterns {
		t.insert(pat, act)
	}
	t.markExclusiveGroups()
	return t
}

func (t *ptree) insert(pat Pattern, act actions.Actions) {
	if len(pat) == 0 {
		return
	}
	children := &t.roots
	var node *ptreeNode
	for _, pred := range pat {
		node = findChild(*children, pred)
		if node == nil {
			node = &ptreeNode{pred: pred}
			*children = append(*children, node)
		}
		children = &node.children
	}
	node.actions = node.actions.Merge(act)
}

func findChild(children []*ptreeNode, pred Predicate) *ptreeNode {
	for _, c := range children {
		if predicatesEqual(c.pred, pred) {
			return c
		}
	}
	return nil
}

func predicatesEqual(a, b Predicate) bool {
	if a.Protocol != b.Protocol || a.Unary != b.Unary || a.Field != b.Field || a.Op != b.Op {
		return false
	}
	return equalValue(a.Value, b.Value)
}

// markExclusiveGroups finds sibling groups on the same field that can
// never simultaneously match (disjoint equality values, or disjoint
// non-overlapping CIDRs/ranges) and tags them so eval can stop checking
// a group's remaining siblings once one has matched.
func (t *ptree) markExclusiveGroups() {
	var walk func(nodes []*ptreeNode)
	walk = func(nodes []*ptreeNode) {
		groupID := 0
		byField := map[string][]*ptreeNode{}
		for _, n := range nodes {
			byField[n.pred.fieldKey()] = append(byField[n.pred.fieldKey()], n)
		}
		for _, group := range byField {
			if len(group) < 2 || !mutuallyExclusive(group) {
				continue
			}
			groupID++
			for _, n := range group {
				n.exclGroup = groupID
			}
		}
		for _, n := range nodes {
			walk(n.children)
		}
	}
	walk(t.roots)
}

// mutuallyExclusive reports whether every pairwise combination of
// siblings in group is disjoint: equality predicates against distinct
// values, or equality/range predicates whose ranges don't overlap.
func mutuallyExclusive(group []*ptreeNode) bool {
	for i := range group {
		for j := i + 1; j < len(group); j++ {
			if !disjoint(group[i].pred, group[j].pred) {
				return false
			}
		}
	}
	return true
}

func disjoint(a, b Predicate) bool {
	switch a.Value.Kind {
	case ValueInt, ValueIntRange:
		if a.Op != OpEq || b.Op != OpEq {
			return false
		}
		aLo, aHi, ok1 := asRange(a.Value)
		bLo, bHi, ok2 := asRange(b.Value)
		if !ok1 || !ok2 {
			return false
		}
		return aHi < bLo || bHi < aLo
	case ValueText:
		return a.Op == OpEq && b.Op == OpEq && a.Value.Text != b.Value.Text
	case ValueCIDR:
		if a.Op != OpEq || b.Op != OpEq || a.Value.CIDR == nil || b.Value.CIDR == nil {
			return false
		}
		return !a.Value.CIDR.Contains(b.Value.CIDR.IP) && !b.Value.CIDR.Contains(a.Value.CIDR.IP)
	default:
		return false
	}
}
