package shm

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Word32 returns the 32-bit word at off inside a mapped region. The word
// must be 4-byte aligned; mappings start on a page boundary, so this is a
// property of the offset.
func Word32(mem []byte, off int) *uint32 {
	if off%4 != 0 || off+4 > len(mem) {
		panic(fmt.Sprintf("shm: misaligned or out of range uint32 at %d (len %d)", off, len(mem)))
	}
	return (*uint32)(unsafe.Pointer(&mem[off]))
}

// Word64 returns the 64-bit word at off inside a mapped region. The word
// must be 8-byte aligned.
func Word64(mem []byte, off int) *uint64 {
	if off%8 != 0 || off+8 > len(mem) {
		panic(fmt.Sprintf("shm: misaligned or out of range uint64 at %d (len %d)", off, len(mem)))
	}
	return (*uint64)(unsafe.Pointer(&mem[off]))
}

// AtomicLoadUint64 loads a uint64 from shared memory atomically.
func AtomicLoadUint64(addr *uint64) uint64 {
	return atomic.LoadUint64(addr)
}

// AtomicAddUint64 adds delta to a uint64 in shared memory and returns the new value.
func AtomicAddUint64(addr *uint64, delta uint64) uint64 {
	return atomic.AddUint64(addr, delta)
}

// AtomicCompareAndSwapUint64 atomically compares and swaps a uint64 in shared memory.
func AtomicCompareAndSwapUint64(addr *uint64, old, new uint64) bool {
	return atomic.CompareAndSwapUint64(addr, old, new)
}

// AtomicLoadUint64Fenced loads a uint64 with a full barrier in front of it:
// plain loads issued before the call cannot be satisfied after it. An acquire
// load alone does not give that on weakly ordered CPUs, and seqlock readers
// rely on it when re-checking the counter. The RMW never changes the value.
func AtomicLoadUint64Fenced(addr *uint64) uint64 {
	return atomic.AddUint64(addr, 0)
}
