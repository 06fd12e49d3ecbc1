// Package buffer implements the reference-counted packet buffer
// abstraction. A Frame owns one contiguous capture buffer; it is shared
// across the TCP reassembler, the out-of-order buffer, and user callbacks,
// and is only released back to the pool once every holder has released its
// reference.
package buffer

import (
	"encoding/binary"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
)

// ErrOutOfBounds is returned by Bytes and the Uint8/Uint16/Uint32
// readers when the requested
// range exceeds the frame's captured length.
var ErrOutOfBounds = errors.New("buffer: read exceeds frame length")

// ReleaseFunc returns a frame's storage to the allocator (mempool / RX
// engine) once its refcount reaches zero.
type ReleaseFunc func(data []byte)

// Frame is an opaque handle owning one contiguous captured frame. It
// supports shared ownership via reference counting: Ref increments,
// Release decrements and, on the transition to zero, invokes the release
// callback exactly once. Reads never exceed buffer length (ErrOutOfBounds)
// and a Frame is never mutated after allocation except by the driver on
// buffer re-use, which only happens after refcount has reached zero.
type Frame struct {
	data    []byte
	ci      gopacket.CaptureInfo
	refs    int32
	release ReleaseFunc
}

// New wraps driver-allocated bytes plus capture metadata in a Frame with
// an initial refcount of 1 (the caller's own reference).
func New(data []byte, ci gopacket.CaptureInfo, release ReleaseFunc) *Frame {
	return &Frame{data: data, ci: ci, refs: 1, release: release}
}

// Len returns the captured length of the frame.
func (f *Frame) Len() int { return len(f.data) }

// Timestamp returns the frame's capture timestamp.
func (f *Frame) Timestamp() time.Time { return f.ci.Timestamp }

// Ref increments the refcount; call once per additional holder (e.g. when
// handing a frame to the out-of-order buffer while the reassembler still
// holds its own reference).
func (f *Frame) Ref() {
	atomic.AddInt32(&f.refs, 1)
}

// Release decrements the refcount. When it reaches zero the frame's
// storage is returned via the release callback exactly once; it is a bug
// (and panics, since it can only be caused by a double-release) to call
// Release more times than Ref+1 initial owner.
func (f *Frame) Release() {
	n := atomic.AddInt32(&f.refs, -1)
	if n == 0 {
		if f.release != nil {
			f.release(f.data)
		}
		return
	}
	if n < 0 {
		panic("buffer: Frame released more times than referenced")
	}
}

// Bytes returns a zero-copy sub-slice of the frame's data at [offset,
// offset+length). Callbacks only ever see the returned slice, never a raw
// pointer into the frame.
func (f *Frame) Bytes(offset, length int) ([]byte, error) {
	if offset < 0 || length < 0 || offset+length > len(f.data) {
		return nil, ErrOutOfBounds
	}
	return f.data[offset : offset+length], nil
}

// Uint8 reads a single big-endian byte at offset.
func (f *Frame) Uint8(offset int) (uint8, error) {
	b, err := f.Bytes(offset, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Uint16 reads a big-endian uint16 at offset.
func (f *Frame) Uint16(offset int) (uint16, error) {
	b, err := f.Bytes(offset, 2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

// Uint32 reads a big-endian uint32 at offset.
func (f *Frame) Uint32(offset int) (uint32, error) {
	b, err := f.Bytes(offset, 4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}
