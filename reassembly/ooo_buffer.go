package reassembly

import "github.com/flowtap/flowtap/headers"

// outOfOrderBuffer is an insertion-ordered sequence of PDUs awaiting an
// expected sequence number, bounded at capacity.
type outOfOrderBuffer struct {
	capacity int
	buf      []PDU
}

func newOutOfOrderBuffer(capacity int) *outOfOrderBuffer {
	return &outOfOrderBuffer{capacity: capacity}
}

// Len reports the number of PDUs currently buffered.
func (o *outOfOrderBuffer) Len() int { return len(o.buf) }

// insertBack appends seg, returning false if doing so would exceed
// capacity (the caller must then drop the owning connection).
func (o *outOfOrderBuffer) insertBack(seg PDU) bool {
	if len(o.buf) >= o.capacity {
		return false
	}
	o.buf = append(o.buf, seg)
	return true
}

// flushOrdered drains every segment that is now in order given expected,
// trimming partial overlaps, discarding stale segments, and leaving
// segments that are still ahead of the (advancing) expected sequence
// number buffered. It loops to a fixed point: consuming one segment can
// make the next one in line become consumable; it loops to a fixed point,
// stopping only once a full pass makes no progress.
func (o *outOfOrderBuffer) flushOrdered(expected uint32, consume Consume, consumedFlags *uint8) uint32 {
	for {
		progressed := false
		remaining := o.buf[:0:0]
		for _, seg := range o.buf {
			switch {
			case seg.SeqNo == expected:
				*consumedFlags |= seg.Flags
				length := seg.length()
				if seg.Flags&headers.FlagFIN != 0 {
					expected = seg.SeqNo + 1
				} else {
					expected = seg.SeqNo + length
				}
				consume(seg)
				progressed = true
			case wrappingLT(seg.SeqNo, expected):
				if trimmed, ok := overlap(&seg, expected); ok {
					*consumedFlags |= seg.Flags
					expected = trimmed
					consume(seg)
					progressed = true
				}
				// else: strictly stale, discard silently.
			default:
				// Still ahead of expected: keep buffered.
				remaining = append(remaining, seg)
			}
		}
		o.buf = remaining
		if !progressed {
			break
		}
	}
	return expected
}
