package reassembly

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowtap/flowtap/headers"
)

func seg(seqNo uint32, payload string, flags uint8) PDU {
	return PDU{SeqNo: seqNo, Flags: flags, Payload: []byte(payload)}
}

func TestSYNAdvancesByOne(t *testing.T) {
	hf := NewHalfFlow(8)
	var consumed []uint32
	overflow := hf.InsertSegment(seg(100, "", headers.FlagSYN), func(p PDU) {
		consumed = append(consumed, p.SeqNo)
	})
	require.False(t, overflow)
	require.Equal(t, []uint32{100}, consumed)
	require.Equal(t, uint32(101), hf.nextSeq)
}

func TestOutOfOrderReassemblyScenario(t *testing.T) {
	// Segments [1,101), [201,301), [101,201) arrive out of order; the
	// pipeline must observe consume events 1, 101, 201 in that order.
	hf := NewHalfFlow(8)
	hf.Bootstrap(1, false)

	var order []uint32
	consume := func(p PDU) { order = append(order, p.SeqNo) }

	s1 := seg(1, string(make([]byte, 100)), 0)
	s3 := seg(201, string(make([]byte, 100)), 0)
	s2 := seg(101, string(make([]byte, 100)), 0)

	require.False(t, hf.InsertSegment(s1, consume))
	require.False(t, hf.InsertSegment(s3, consume)) // buffered, out of order
	require.False(t, hf.InsertSegment(s2, consume)) // fills the gap, triggers flush

	require.Equal(t, []uint32{1, 101, 201}, order)
}

func TestOutOfOrderOverflowDropsConnection(t *testing.T) {
	hf := NewHalfFlow(1) // max_ooo = 1
	hf.Bootstrap(1, false)

	consume := func(PDU) {}
	s2 := seg(201, string(make([]byte, 100)), 0)
	s3 := seg(301, string(make([]byte, 100)), 0)

	require.False(t, hf.InsertSegment(s2, consume)) // buffered, 1/1 capacity
	require.True(t, hf.InsertSegment(s3, consume))  // overflow: capacity exceeded
}

func TestStaleSegmentDiscarded(t *testing.T) {
	hf := NewHalfFlow(8)
	hf.Bootstrap(200, false)

	called := false
	hf.InsertSegment(seg(100, "old", 0), func(PDU) { called = true })
	require.False(t, called, "segment ending before nextSeq must be discarded")
}

func TestZeroLengthSegmentAtNextSeqDoesNotAdvance(t *testing.T) {
	hf := NewHalfFlow(8)
	hf.Bootstrap(100, false)

	hf.InsertSegment(seg(100, "", 0), func(PDU) {})
	require.Equal(t, uint32(100), hf.nextSeq)
}

func TestRSTTerminatesWithoutAdvancing(t *testing.T) {
	hf := NewHalfFlow(8)
	hf.Bootstrap(100, false)

	var consumed bool
	hf.InsertSegment(seg(100, "x", headers.FlagRST), func(PDU) { consumed = true })
	require.True(t, consumed)
}

func TestWrappingLTSymmetry(t *testing.T) {
	a, b := uint32(10), uint32(20)
	require.True(t, wrappingLT(a, b))
	require.False(t, wrappingLT(b, a))
}
