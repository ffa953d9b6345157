// Package shm contains the platform helpers behind the shared-memory channel:
// a memfd-backed shared mapping and a mutex that lives inside it.
package shm

import (
	"errors"
	"sync/atomic"
)

// HeaderSize is the number of bytes reserved at the start of every region for
// the mutex word, the publish sequence and the payload length.
const HeaderSize = 16

const (
	mutexOffset  = 0
	seqOffset    = 4
	lengthOffset = 8
)

var (
	// ErrNotShared is returned when a cross-process primitive is requested on
	// memory that is not a live shared mapping.
	ErrNotShared = errors.New("shm: region is not a live shared mapping")
	// ErrNoSpace is returned when /dev/shm cannot hold the requested region.
	ErrNoSpace = errors.New("shm: share memory had not left space")
	// ErrInvalidSize is returned for non-positive payload sizes.
	ErrInvalidSize = errors.New("shm: invalid region size")
)

// MapOptions defines options for creating a shared memory region.
type MapOptions struct {
	// Name labels the memfd; it shows up in /proc/<pid>/fd.
	Name string
	// Size is the payload capacity in bytes, not counting the header.
	Size int
}

// Region is a shared mapping of HeaderSize+Size bytes backed by a memfd.
// A Region mapped before the child is spawned and handed over through its
// descriptor refers to the same physical pages in both processes.
type Region struct {
	name   string
	fd     int
	mem    []byte
	size   int
	shared bool
	closed atomic.Bool
}

// Name returns the memfd label.
func (r *Region) Name() string { return r.name }

// Fd returns the memfd backing the mapping.
func (r *Region) Fd() int { return r.fd }

// Size returns the payload capacity.
func (r *Region) Size() int { return r.size }

// Payload returns the payload part of the mapping. Callers must hold the
// region mutex while touching it.
func (r *Region) Payload() []byte {
	return r.mem[HeaderSize : HeaderSize+r.size]
}

// Closed reports whether Unmap already ran.
func (r *Region) Closed() bool { return r.closed.Load() }
