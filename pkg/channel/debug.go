package channel

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/valyala/bytebufferpool"

	"github.com/srediag/shmframe/pkg/frame"
)

// SegmentDetail is the slot metadata of a segment file, read without
// mapping or locking it.
type SegmentDetail struct {
	Path        string
	Size        int64
	Variant     Variant
	Shape       frame.Shape
	FrameNumber uint64
	Timestamp   int64
	Sequence    uint64

	// Blocking slots only.
	MutexState uint32
	CondSeq    uint32
	Waiters    uint32
	Generation uint64
}

// InspectSegment reads the header and sync words of the segment file at
// path, interpreting it as a slot of the given variant and shape.
func InspectSegment(path string, variant Variant, shape frame.Shape) (SegmentDetail, error) {
	layout, err := frame.NewLayout(shape, variant == VariantLockFree)
	if err != nil {
		return SegmentDetail{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return SegmentDetail{}, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		if os.IsPermission(err) {
			return SegmentDetail{}, fmt.Errorf("%w: %s", ErrPermission, path)
		}
		return SegmentDetail{}, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return SegmentDetail{}, err
	}
	if st.Size() != int64(layout.Size()) {
		return SegmentDetail{}, fmt.Errorf("%w: %s is %d bytes, %s %s slot needs %d",
			ErrSizeMismatch, path, st.Size(), variant, shape, layout.Size())
	}

	d := SegmentDetail{Path: path, Size: st.Size(), Variant: variant, Shape: shape}
	hdr := make([]byte, layout.HeaderSize())
	if _, err := f.ReadAt(hdr, 0); err != nil {
		return SegmentDetail{}, err
	}
	d.FrameNumber = binary.NativeEndian.Uint64(hdr[frame.FrameNumberOffset:])
	d.Timestamp = int64(binary.NativeEndian.Uint64(hdr[frame.TimestampOffset:]))
	if layout.Sequenced {
		d.Sequence = binary.NativeEndian.Uint64(hdr[frame.SequenceOffset:])
		return d, nil
	}

	words := make([]byte, frame.SyncBlockSize)
	if _, err := f.ReadAt(words, int64(layout.SyncOffset())); err != nil {
		return SegmentDetail{}, err
	}
	d.MutexState = binary.NativeEndian.Uint32(words[syncMutexOffset:])
	d.CondSeq = binary.NativeEndian.Uint32(words[syncCondOffset:])
	d.Waiters = binary.NativeEndian.Uint32(words[syncWaitersOffset:])
	d.Generation = binary.NativeEndian.Uint64(words[syncGenerationOffset:])
	return d, nil
}

// DebugSegmentDetail prints the slot status of the segment file at path.
func DebugSegmentDetail(w io.Writer, path string, variant Variant, shape frame.Shape) error {
	d, err := InspectSegment(path, variant, shape)
	if err != nil {
		return err
	}
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	fmt.Fprintf(buf, "path:%s variant:%s shape:%s size:%d\n", d.Path, d.Variant, d.Shape, d.Size)
	fmt.Fprintf(buf, "frame_number:%d timestamp:%d", d.FrameNumber, d.Timestamp)
	if d.Timestamp != 0 {
		fmt.Fprintf(buf, " age:%s", time.Since(time.Unix(0, d.Timestamp)).Round(time.Microsecond))
	}
	_ = buf.WriteByte('\n')
	if variant == VariantLockFree {
		state := "stable"
		switch {
		case d.Sequence == 0:
			state = "empty"
		case d.Sequence&1 == 1:
			state = "write in progress; if it persists a producer died mid-store, destroy and recreate the segment"
		}
		fmt.Fprintf(buf, "sequence:%d (%s) stores:%d\n", d.Sequence, state, d.Sequence/2)
	} else {
		fmt.Fprintf(buf, "mutex:%d cond:%d waiters:%d generation:%d\n", d.MutexState, d.CondSeq, d.Waiters, d.Generation)
	}
	_, err = w.Write(buf.B)
	return err
}
