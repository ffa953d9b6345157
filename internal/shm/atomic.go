package shm

import (
	"sync/atomic"
	"unsafe"
)

// AtomicLoadUint32 loads a uint32 from shared memory atomically.
func AtomicLoadUint32(addr unsafe.Pointer) uint32 {
	return atomic.LoadUint32((*uint32)(addr))
}

// AtomicStoreUint32 stores a uint32 to shared memory atomically.
func AtomicStoreUint32(addr unsafe.Pointer, val uint32) {
	atomic.StoreUint32((*uint32)(addr), val)
}

// AtomicCompareAndSwapUint32 atomically compares and swaps a uint32 in shared memory.
func AtomicCompareAndSwapUint32(addr unsafe.Pointer, old, new uint32) bool {
	return atomic.CompareAndSwapUint32((*uint32)(addr), old, new)
}

// AtomicSwapUint32 atomically swaps a uint32 in shared memory and returns the old value.
func AtomicSwapUint32(addr unsafe.Pointer, new uint32) uint32 {
	return atomic.SwapUint32((*uint32)(addr), new)
}

// AtomicAddUint32 atomically adds delta to a uint32 in shared memory.
func AtomicAddUint32(addr unsafe.Pointer, delta uint32) uint32 {
	return atomic.AddUint32((*uint32)(addr), delta)
}

func (r *Region) word(offset int) unsafe.Pointer {
	return unsafe.Pointer(&r.mem[offset])
}

// Seq returns the publish sequence. It starts at 0 and is bumped once per
// completed write.
func (r *Region) Seq() uint32 {
	return AtomicLoadUint32(r.word(seqOffset))
}

// Length returns the number of payload bytes stored by the last write.
// Callers must hold the region mutex.
func (r *Region) Length() int {
	return int(AtomicLoadUint32(r.word(lengthOffset)))
}

// Publish records n payload bytes and bumps the sequence. Callers must hold
// the region mutex; waiters are woken by WakeSeq after unlocking.
func (r *Region) Publish(n int) uint32 {
	AtomicStoreUint32(r.word(lengthOffset), uint32(n))
	return AtomicAddUint32(r.word(seqOffset), 1)
}
