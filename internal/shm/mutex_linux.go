//go:build linux

package shm

import (
	"math"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Shared (non-private) futex operations. The private variants would only
// match waiters of the same process.
const (
	futexWait = 0
	futexWake = 1
)

const (
	unlocked = iota
	locked
	contended
)

// ProcessMutex is a lock whose state lives in a shared mapping, so holders in
// different processes exclude each other. It is valid only while the region
// is mapped, and both processes must be looking at the same mapping: the
// region has to exist before the child is spawned.
type ProcessMutex struct {
	region *Region
	word   unsafe.Pointer
}

// NewProcessMutex returns the mutex stored in the header of r. It fails with
// ErrNotShared when r is nil, already unmapped or not a shared mapping.
func NewProcessMutex(r *Region) (*ProcessMutex, error) {
	if r == nil || !r.shared || r.Closed() {
		return nil, ErrNotShared
	}
	return &ProcessMutex{region: r, word: r.word(mutexOffset)}, nil
}

// Lock acquires the mutex, sleeping on the futex while another holder exists.
func (m *ProcessMutex) Lock() {
	if AtomicCompareAndSwapUint32(m.word, unlocked, locked) {
		return
	}
	for AtomicSwapUint32(m.word, contended) != unlocked {
		_ = futex(m.word, futexWait, contended, nil)
	}
}

// TryLock acquires the mutex if it is free.
func (m *ProcessMutex) TryLock() bool {
	return AtomicCompareAndSwapUint32(m.word, unlocked, locked)
}

// Unlock releases the mutex and wakes one sleeper if there was contention.
func (m *ProcessMutex) Unlock() {
	if AtomicSwapUint32(m.word, unlocked) == contended {
		_ = futex(m.word, futexWake, 1, nil)
	}
}

// WaitSeq blocks while the publish sequence still equals seen. A zero timeout
// waits forever. It returns false on timeout.
func (r *Region) WaitSeq(seen uint32, timeout time.Duration) bool {
	addr := r.word(seqOffset)
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for AtomicLoadUint32(addr) == seen {
		var ts *unix.Timespec
		if timeout > 0 {
			left := time.Until(deadline)
			if left <= 0 {
				return false
			}
			t := unix.NsecToTimespec(left.Nanoseconds())
			ts = &t
		}
		_ = futex(addr, futexWait, seen, ts)
	}
	return true
}

// WakeSeq wakes every process sleeping in WaitSeq.
func (r *Region) WakeSeq() {
	_ = futex(r.word(seqOffset), futexWake, math.MaxInt32, nil)
}

func futex(addr unsafe.Pointer, op int, val uint32, ts *unix.Timespec) error {
	_, _, errno := unix.Syscall6(unix.SYS_FUTEX, uintptr(addr), uintptr(op), uintptr(val),
		uintptr(unsafe.Pointer(ts)), 0, 0)
	switch errno {
	case 0, unix.EAGAIN, unix.EINTR, unix.ETIMEDOUT:
		return nil
	default:
		return errno
	}
}
