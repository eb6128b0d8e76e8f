//go:build linux

package channel

import (
	"context"
	"testing"

	"github.com/srediag/shmframe/pkg/frame"
)

func benchmarkStoreLoad(b *testing.B, variant Variant, shape frame.Shape) {
	var p, c *Handle
	if variant == VariantLockFree {
		p, c = lockFreePair(b, shape, nil)
	} else {
		p, c = blockingPair(b, shape, nil)
	}
	ctx := context.Background()
	payload := fill(shape, 0xab)
	buf := make([]byte, shape.PayloadSize())

	b.SetBytes(int64(shape.PayloadSize()))
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := p.Store(ctx, uint64(i), frame.Now(), payload); err != nil {
			b.Fatal(err)
		}
		if _, err := c.LoadInto(ctx, buf); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkBlocking_4K(b *testing.B) {
	benchmarkStoreLoad(b, VariantBlocking, frame.Shape4KRGB)
}

func BenchmarkLockFree_4K(b *testing.B) {
	benchmarkStoreLoad(b, VariantLockFree, frame.Shape4KRGB)
}

func BenchmarkLockFree_VGA(b *testing.B) {
	benchmarkStoreLoad(b, VariantLockFree, frame.Shape{Width: 640, Height: 480, Channels: 3})
}
