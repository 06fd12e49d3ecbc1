// Package reassembly implements per-direction TCP segment reordering with
// a bounded out-of-order buffer.
//
// Each TCP connection owns two HalfFlows (originator->responder and
// responder->originator). InsertSegment consumes segments in sequence
// order, buffering anything that arrives early and discarding anything
// that arrives late, and reports an overflow when the out-of-order buffer
// would exceed its capacity -- the caller (conntrack) responds to an
// overflow by discarding the whole connection.
package reassembly

import (
	"github.com/flowtap/flowtap/buffer"
	"github.com/flowtap/flowtap/headers"
)

// PDU is a single transport-layer protocol data unit carried by one
// packet, the unit the reassembler operates on.
type PDU struct {
	SeqNo   uint32
	Flags   uint8
	Frame   *buffer.Frame
	Payload []byte // view into Frame, offset/length already applied
}

func (p PDU) length() uint32 { return uint32(len(p.Payload)) }

// Consume is called once per PDU, in final delivery order, by a HalfFlow
// as it advances past buffered or in-order segments.
type Consume func(PDU)

// wrappingLT implements RFC 1323 "within 2^31" modulo-32 sequence
// comparison: a is considered less than b iff the forward distance from b
// to a exceeds half the sequence space.
func wrappingLT(a, b uint32) bool {
	return (a-b) > (1 << 31)
}

// HalfFlow tracks reassembly state for one direction of a TCP connection.
type HalfFlow struct {
	nextSeq       uint32
	hasNextSeq    bool
	consumedFlags uint8
	ooo           *outOfOrderBuffer
}

// NewHalfFlow creates an empty half-flow whose out-of-order buffer holds
// at most capacity PDUs before forcing an overflow.
func NewHalfFlow(capacity int) *HalfFlow {
	return &HalfFlow{ooo: newOutOfOrderBuffer(capacity)}
}

// ConsumedFlags returns the union of TCP flags seen on segments that have
// actually been consumed (not merely buffered) on this half-flow.
func (h *HalfFlow) ConsumedFlags() uint8 { return h.consumedFlags }

// InsertSegment attempts to insert an incoming data segment into the flow,
// consuming it immediately if it is in order, buffering it if it arrived
// early, trimming it if it partially overlaps, or discarding it if it is
// stale. Returns true if the out-of-order buffer overflowed, in which case
// the caller must discard the owning connection.
func (h *HalfFlow) InsertSegment(seg PDU, consume Consume) (overflow bool) {
	length := seg.length()
	curSeq := seg.SeqNo

	if !h.hasNextSeq {
		// Bootstrap: wait for a SYN or SYN+ACK to establish the initial
		// sequence number. Bootstrap can pre-seed nextSeq from a non-SYN
		// first segment instead; conntrack never calls it, since it
		// creates TCP connections only on a SYN.
		if seg.Flags&headers.FlagSYN != 0 {
			expected := curSeq + 1 + length
			h.hasNextSeq = true
			h.nextSeq = expected
			h.consumedFlags |= seg.Flags
			consume(seg)
			return h.flushOrdered(expected, consume)
		}
		return h.bufferOOO(seg)
	}

	switch {
	case h.nextSeq == curSeq:
		h.consumedFlags |= seg.Flags
		if seg.Flags&headers.FlagRST != 0 {
			consume(seg)
			return false
		}
		expected := curSeq + length
		if seg.Flags&headers.FlagFIN != 0 {
			expected = curSeq + 1
		}
		consume(seg)
		return h.flushOrdered(expected, consume)

	case wrappingLT(h.nextSeq, curSeq):
		// Arrives after what we expect: buffer it.
		return h.bufferOOO(seg)

	default:
		if expected, ok := overlap(&seg, h.nextSeq); ok {
			h.consumedFlags |= seg.Flags
			consume(seg)
			return h.flushOrdered(expected, consume)
		}
		// Entirely stale: discard.
		return false
	}
}

// Bootstrap seeds nextSeq directly from a non-SYN initial segment, deriving
// next_seq from the first segment's seq (rather than assuming a SYN's +1)
// when config permits non-SYN initial packets.
func (h *HalfFlow) Bootstrap(firstSeq uint32, isSYN bool) {
	next := firstSeq
	if isSYN {
		next++
	}
	h.hasNextSeq = true
	h.nextSeq = next
}

func (h *HalfFlow) bufferOOO(seg PDU) (overflow bool) {
	return !h.ooo.insertBack(seg)
}

func (h *HalfFlow) flushOrdered(expected uint32, consume Consume) (overflow bool) {
	next := h.ooo.flushOrdered(expected, consume, &h.consumedFlags)
	h.nextSeq = next
	h.hasNextSeq = true
	return false
}

// overlap trims the leading overlap of a segment that starts before
// nextSeq but still carries new bytes past it. Returns the new expected
// sequence number and true if the segment had new data; false if it was
// entirely stale.
func overlap(seg *PDU, nextSeq uint32) (expected uint32, ok bool) {
	length := seg.length()
	end := seg.SeqNo + length
	if wrappingLT(end, nextSeq) || end == nextSeq {
		// Entirely before (or ending exactly at) nextSeq: stale.
		return 0, false
	}
	if seg.SeqNo == nextSeq {
		return nextSeq + length, true
	}
	if wrappingLT(seg.SeqNo, nextSeq) {
		trim := nextSeq - seg.SeqNo
		seg.SeqNo += trim
		seg.Payload = seg.Payload[trim:]
		return nextSeq + seg.length(), true
	}
	// seg.SeqNo is actually >= nextSeq but not equal and not "after" per
	// wrappingLT (can only happen when seg.SeqNo == nextSeq, handled above);
	// defensive fallback treats it as in order.
	return seg.SeqNo + length, true
}
