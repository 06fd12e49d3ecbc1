package metrics

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCoreSnapshotReflectsIncrements(t *testing.T) {
	r := NewRegistry([]int{0, 1})
	c := r.Core(0)
	require.NotNil(t, c)

	c.IncPkt(10)
	c.IncByte(1500)
	c.IncIdle()
	c.IncTotalCycles()
	c.IncNewConn(false)
	c.IncL4(false, 1500)

	s := c.Snapshot()
	require.Equal(t, uint64(10), s.TotalPkt)
	require.Equal(t, uint64(1500), s.TotalByte)
	require.Equal(t, uint64(1), s.NewTCPConns)
	require.InDelta(t, 100.0, s.PercentIdle(), 0.001)
}

func TestPercentDroppedZeroWhenNoPackets(t *testing.T) {
	s := Snapshot{}
	require.Equal(t, 0.0, s.PercentDropped())
}

func TestRegistryCoreReturnsNilForUnknownID(t *testing.T) {
	r := NewRegistry([]int{0})
	require.Nil(t, r.Core(99))
}

func TestStageTimingsMean(t *testing.T) {
	st := NewStageTimings()
	st.Observe(StagePacketFilter, 10*time.Millisecond)
	st.Observe(StagePacketFilter, 30*time.Millisecond)
	require.Equal(t, 20*time.Millisecond, st.Mean(StagePacketFilter))
	require.Equal(t, time.Duration(0), st.Mean("unknown"))
}

func TestCSVDumpWritesHeaderOnce(t *testing.T) {
	var buf bytes.Buffer
	d := NewCSVDump(&buf)
	snaps := []Snapshot{{CoreID: 0, TotalPkt: 5}}
	require.NoError(t, d.Write(time.Unix(0, 0), snaps))
	require.NoError(t, d.Write(time.Unix(1, 0), snaps))

	out := buf.String()
	require.Equal(t, 1, countOccurrences(out, "timestamp,core"))
}

func countOccurrences(s, substr string) int {
	count := 0
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			count++
		}
	}
	return count
}
