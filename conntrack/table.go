package conntrack

import (
	"container/list"
	"fmt"
	"time"

	"github.com/flowtap/flowtap/flowkey"
)

// connID is the comparable map key derived from a FiveTuple; FiveTuple
// itself embeds net.IP (a slice), so it can't be used as a map key
// directly.
type connID string

func keyFor(ft flowkey.FiveTuple) connID {
	return connID(fmt.Sprintf("%s:%d-%s:%d/%d",
		ft.Orig.IP.String(), ft.Orig.Port, ft.Resp.IP.String(), ft.Resp.Port, ft.Proto))
}

// Table is an insertion-ordered, five-tuple-keyed connection table. The
// linked list preserves insertion order for Drain (iterating oldest-
// first, LinkedHashMap-style); lookups and removals are O(1) via the
// index map.
type Table struct {
	index    map[connID]*list.Element // element.Value is *Entry
	order    *list.List
	maxConns int
}

// NewTable creates an empty table bounded at maxConns entries.
func NewTable(maxConns int) *Table {
	return &Table{
		index:    make(map[connID]*list.Element),
		order:    list.New(),
		maxConns: maxConns,
	}
}

// Size returns the number of tracked connections.
func (t *Table) Size() int { return t.order.Len() }

// Full reports whether the table has reached its configured capacity.
func (t *Table) Full() bool { return t.maxConns > 0 && t.Size() >= t.maxConns }

// Get looks up an entry by five-tuple, trying both orientations since a
// packet's src/dst may be reversed relative to however the flow was
// canonicalized at birth.
func (t *Table) Get(ft flowkey.FiveTuple) (*Entry, bool) {
	if el, ok := t.index[keyFor(ft)]; ok {
		return el.Value.(*Entry), true
	}
	if el, ok := t.index[keyFor(ft.Reverse())]; ok {
		return el.Value.(*Entry), true
	}
	return nil, false
}

// Insert adds a brand new entry, keyed by its own Five field.
func (t *Table) Insert(e *Entry) {
	el := t.order.PushBack(e)
	t.index[keyFor(e.Five)] = el
}

// Remove deletes an entry from the table by five-tuple.
func (t *Table) Remove(ft flowkey.FiveTuple) {
	key := keyFor(ft)
	el, ok := t.index[key]
	if !ok {
		key = keyFor(ft.Reverse())
		el, ok = t.index[key]
		if !ok {
			return
		}
	}
	t.order.Remove(el)
	delete(t.index, key)
}

// Entries returns every tracked entry, oldest-inserted first.
func (t *Table) Entries() []*Entry {
	out := make([]*Entry, 0, t.order.Len())
	for el := t.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*Entry))
	}
	return out
}

// touch refreshes an entry's LastSeen/InactivityWindow and reschedules
// its timer-wheel slot.
func touch(e *Entry, wheel *TimerWheel, now time.Time, window time.Duration) {
	if wheel.last.IsZero() {
		// Anchor the wheel's clock at the first scheduled connection so
		// the first Advance measures elapsed time from it.
		wheel.last = now
	}
	wheel.Remove(keyFor(e.Five), e.bucket)
	e.LastSeen = now
	e.InactivityWindow = window
	e.bucket = wheel.Schedule(keyFor(e.Five), window)
}
