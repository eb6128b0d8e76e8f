// Package frame defines the fixed binary layout of the frame slot that lives
// inside a shared segment, and the Frame value handed to callers.
//
// Slot layout, native byte order, no implicit padding:
//
//	offset 0   frame_number u64
//	offset 8   timestamp    i64 (nanoseconds)
//	offset 16  sequence     u64 (sequenced slots only)
//	then       payload      [width*height*channels]byte
//
// Unsequenced slots (blocking channels) carry a sync block after the
// payload, starting at the next 8-byte boundary.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/srediag/shmframe/internal/shm"
)

const (
	FrameNumberOffset = 0
	TimestampOffset   = 8
	SequenceOffset    = 16

	// BaseHeaderSize is the header of an unsequenced slot.
	BaseHeaderSize = 16
	// SequencedHeaderSize is the header of a sequenced (seqlock) slot.
	SequencedHeaderSize = 24
	// SyncBlockSize is the size of the mutex/condition block of unsequenced slots.
	SyncBlockSize = 24
)

var (
	ErrInvalidShape = errors.New("invalid frame shape")
	ErrShortSlot    = errors.New("raw slot shorter than layout")
)

// Shape is the fixed resolution and channel count of a channel instance.
type Shape struct {
	Width    int `yaml:"width" json:"width"`
	Height   int `yaml:"height" json:"height"`
	Channels int `yaml:"channels" json:"channels"`
}

// Shape4KRGB is a 3840x2160 frame with three 8-bit channels.
var Shape4KRGB = Shape{Width: 3840, Height: 2160, Channels: 3}

func (s Shape) PayloadSize() int {
	return s.Width * s.Height * s.Channels
}

func (s Shape) Validate() error {
	if s.Width <= 0 || s.Height <= 0 || s.Channels <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidShape, s)
	}
	if s.Width > 1<<16 || s.Height > 1<<16 || s.Channels > 16 {
		return fmt.Errorf("%w: %s exceeds limits", ErrInvalidShape, s)
	}
	return nil
}

func (s Shape) String() string {
	return fmt.Sprintf("%dx%dx%d", s.Width, s.Height, s.Channels)
}

// Layout computes offsets and total size of a slot.
type Layout struct {
	Shape     Shape
	Sequenced bool
}

// NewLayout validates shape and returns the slot layout.
func NewLayout(shape Shape, sequenced bool) (Layout, error) {
	if err := shape.Validate(); err != nil {
		return Layout{}, err
	}
	return Layout{Shape: shape, Sequenced: sequenced}, nil
}

func (l Layout) HeaderSize() int {
	if l.Sequenced {
		return SequencedHeaderSize
	}
	return BaseHeaderSize
}

func (l Layout) PayloadOffset() int {
	return l.HeaderSize()
}

func (l Layout) PayloadSize() int {
	return l.Shape.PayloadSize()
}

// SyncOffset is the 8-byte aligned offset of the sync block, or -1 for
// sequenced slots which have none.
func (l Layout) SyncOffset() int {
	if l.Sequenced {
		return -1
	}
	end := l.PayloadOffset() + l.PayloadSize()
	return (end + 7) &^ 7
}

// Size is the segment size that producers and consumers must agree on.
func (l Layout) Size() int {
	if l.Sequenced {
		return l.PayloadOffset() + l.PayloadSize()
	}
	return l.SyncOffset() + SyncBlockSize
}

// Check reports whether raw is large enough to hold the layout.
func (l Layout) Check(raw []byte) error {
	if len(raw) < l.Size() {
		return fmt.Errorf("%w: %d < %d", ErrShortSlot, len(raw), l.Size())
	}
	return nil
}

// Payload returns the payload byte range of raw, aliasing shared memory.
func (l Layout) Payload(raw []byte) []byte {
	off := l.PayloadOffset()
	return raw[off : off+l.PayloadSize() : off+l.PayloadSize()]
}

// SyncBlock returns the sync block of an unsequenced slot.
func (l Layout) SyncBlock(raw []byte) []byte {
	off := l.SyncOffset()
	if off < 0 {
		return nil
	}
	return raw[off : off+SyncBlockSize]
}

// Header is the metadata in front of the payload.
type Header struct {
	FrameNumber uint64
	Timestamp   int64
	Sequence    uint64
}

// ReadHeader decodes the header of raw. Sequence is zero for unsequenced
// slots and is loaded atomically otherwise.
func (l Layout) ReadHeader(raw []byte) Header {
	h := Header{
		FrameNumber: binary.NativeEndian.Uint64(raw[FrameNumberOffset:]),
		Timestamp:   int64(binary.NativeEndian.Uint64(raw[TimestampOffset:])),
	}
	if l.Sequenced {
		h.Sequence = atomic.LoadUint64(l.SequenceWord(raw))
	}
	return h
}

// WriteHeader writes frame number and timestamp in place. The sequence word
// belongs to the seqlock protocol and is never touched here.
func (l Layout) WriteHeader(raw []byte, frameNumber uint64, timestamp int64) {
	binary.NativeEndian.PutUint64(raw[FrameNumberOffset:], frameNumber)
	binary.NativeEndian.PutUint64(raw[TimestampOffset:], uint64(timestamp))
}

// SequenceWord returns the seqlock counter of a sequenced slot.
func (l Layout) SequenceWord(raw []byte) *uint64 {
	if !l.Sequenced {
		panic("frame: unsequenced layout has no sequence word")
	}
	return shm.Word64(raw, SequenceOffset)
}
