package frame

import "time"

// Frame is an immutable copy of one published slot. Payload is owned by the
// receiver; nothing in it aliases shared memory.
type Frame struct {
	Number    uint64
	Timestamp int64
	// Sequence is the publication counter observed while copying: the even
	// seqlock value for lock-free channels, the store generation for
	// blocking channels.
	Sequence uint64
	Payload  []byte
}

// Now returns the current time in the nanosecond form stored in frames.
func Now() int64 {
	return time.Now().UnixNano()
}

// Elapsed is the delivery latency of f measured against now (nanoseconds).
func (f Frame) Elapsed(now int64) time.Duration {
	return time.Duration(now - f.Timestamp)
}

// Latency is the delivery latency of f as of this call.
func (f Frame) Latency() time.Duration {
	return f.Elapsed(Now())
}

// Time returns the producer timestamp as a time.Time.
func (f Frame) Time() time.Time {
	return time.Unix(0, f.Timestamp)
}
