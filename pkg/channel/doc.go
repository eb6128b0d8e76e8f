// Package channel moves fixed-size frames between processes through a single
// frame slot in a named shared memory segment.
//
// A producer opens the channel and stores frames; consumers open the same
// name and shape and load the latest one:
//
//	p, err := channel.Open(ctx, channel.DefaultOptions("camera0", channel.RoleProducer))
//	...
//	err = p.Store(ctx, n, frame.Now(), pixels)
//
//	c, err := channel.Open(ctx, channel.DefaultOptions("camera0", channel.RoleConsumer))
//	...
//	f, err := c.Load(ctx)
//
// Two protocols share the Channel interface. The blocking variant serialises
// producer and consumers on a process-shared mutex and lets a consumer sleep
// until a new frame arrives. The lock-free variant is a seqlock: the producer
// never waits, and a consumer that races a store discards the torn copy and
// retries within a bounded budget, failing with ErrStaleRead rather than
// returning unverified bytes.
//
// There is a single slot and no queue. A slow consumer skips frames on the
// lock-free variant and delays the producer on the blocking variant.
package channel
