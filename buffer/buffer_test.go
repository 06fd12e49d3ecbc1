package buffer

import (
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/stretchr/testify/require"
)

func TestRefcountReleasesExactlyOnce(t *testing.T) {
	released := 0
	data := []byte{1, 2, 3, 4}
	f := New(data, gopacket.CaptureInfo{Timestamp: time.Now()}, func([]byte) {
		released++
	})

	f.Ref()
	f.Release() // refs: 2 -> 1
	require.Equal(t, 0, released)
	f.Release() // refs: 1 -> 0
	require.Equal(t, 1, released)
}

func TestBoundsChecked(t *testing.T) {
	f := New([]byte{1, 2, 3}, gopacket.CaptureInfo{}, nil)
	_, err := f.Bytes(0, 3)
	require.NoError(t, err)
	_, err = f.Bytes(1, 3)
	require.ErrorIs(t, err, ErrOutOfBounds)
	_, err = f.Bytes(-1, 1)
	require.ErrorIs(t, err, ErrOutOfBounds)
}

func TestDoubleReleasePanics(t *testing.T) {
	f := New([]byte{1}, gopacket.CaptureInfo{}, func([]byte) {})
	f.Release()
	require.Panics(t, func() { f.Release() })
}
