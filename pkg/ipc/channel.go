/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package ipc provides one Channel abstraction over four inter-process
// transports: an anonymous pipe, a named FIFO, a shared-memory region guarded
// by a cross-process mutex, and a loopback TCP socket.
//
// A channel is constructed and opened in the parent before the child process
// is spawned. Whatever the child must inherit (pipe ends, the memfd behind the
// shared region) is exposed through InheritableFiles and rebuilt on the child
// side by Attach. The parent writes, the child reads, and each side closes
// its own copy.
//
// Every transport moves one message per open: the writer sends the whole
// payload and releases its end, and the reader collects bytes until its
// buffer is full or the writer is gone.
package ipc

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/srediag/forkipc/internal/logging"
	"github.com/srediag/forkipc/internal/metrics"
	"golang.org/x/sys/unix"
)

var (
	// ErrNotOpen is returned by Write, Read and InheritableFiles before Open.
	ErrNotOpen = errors.New("ipc: channel is not open")
	// ErrClosed is returned when the end needed by an operation was already
	// released.
	ErrClosed = errors.New("ipc: channel end already closed")
	// ErrExists is returned by a FIFO Open when the node exists and the
	// configuration does not tolerate it.
	ErrExists = errors.New("ipc: fifo already exists")
	// ErrTooLarge is returned when a payload does not fit the shared region.
	ErrTooLarge = errors.New("ipc: payload larger than shared region")
	// ErrNoData is returned when a shared-memory Read gives up waiting for a
	// writer.
	ErrNoData = errors.New("ipc: no data published")
	// ErrUnknownKind is returned for an unrecognized transport name or value.
	ErrUnknownKind = errors.New("ipc: unknown channel kind")
	// ErrInheritance is returned by Attach when the inherited descriptors do
	// not match the channel kind.
	ErrInheritance = errors.New("ipc: unexpected inherited descriptors")
)

var internalLogger = logging.New("ipc")

// Kind selects a transport.
type Kind int

const (
	Pipe Kind = iota
	Fifo
	SharedMemory
	Socket
)

var kindNames = []string{"pipe", "fifo", "shm", "socket"}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// ParseKind maps a transport name to its Kind.
func ParseKind(s string) (Kind, error) {
	for i, name := range kindNames {
		if strings.EqualFold(s, name) {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// UnmarshalText lets envconfig decode transport names.
func (k *Kind) UnmarshalText(text []byte) error {
	v, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// MarshalText is the inverse of UnmarshalText.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Kinds lists every transport.
func Kinds() []Kind {
	return []Kind{Pipe, Fifo, SharedMemory, Socket}
}

// Channel is one transport instance.
//
// Open must complete before Write or Read. Close releases what this process
// holds; it is a no-op when the channel was never opened or is already
// closed. A Channel is not safe for concurrent use.
type Channel interface {
	Open() error
	Close() error
	// Write sends p as one message and returns the bytes sent.
	Write(p []byte) (int, error)
	// Read receives one message into buf and returns the bytes received;
	// the rest of buf is left untouched.
	Read(buf []byte) (int, error)

	Kind() Kind
	Config() Config
	// Opened reports whether Open completed and Close has not run.
	Opened() bool
	// InheritableFiles returns close-on-exec duplicates of the descriptors
	// the child process needs, in the order Attach expects them. The caller
	// owns the returned files.
	InheritableFiles() ([]*os.File, error)
}

// New returns an unopened channel of cfg.Kind.
func New(cfg Config) (Channel, error) {
	if err := VerifyConfig(cfg); err != nil {
		return nil, err
	}
	switch cfg.Kind {
	case Pipe:
		return NewPipe(cfg), nil
	case Fifo:
		return NewFifo(cfg), nil
	case SharedMemory:
		return NewSharedMemory(cfg), nil
	case Socket:
		return NewSocket(cfg), nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, int(cfg.Kind))
	}
}

// Attach rebuilds, in the child process, the channel the parent opened. files
// are the descriptors the parent returned from InheritableFiles, as received
// by the child; Attach takes ownership of them.
func Attach(cfg Config, files []*os.File) (Channel, error) {
	if err := VerifyConfig(cfg); err != nil {
		return nil, err
	}
	switch cfg.Kind {
	case Pipe:
		return attachPipe(cfg, files)
	case Fifo:
		return attachFifo(cfg, files)
	case SharedMemory:
		return attachSharedMemory(cfg, files)
	case Socket:
		return attachSocket(cfg, files)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, int(cfg.Kind))
	}
}

func expectFiles(kind Kind, files []*os.File, n int) error {
	if len(files) != n {
		return fmt.Errorf("%w: %s wants %d, got %d", ErrInheritance, kind, n, len(files))
	}
	return nil
}

// dupFile returns a close-on-exec duplicate of fd as an *os.File.
func dupFile(fd int, name string) (*os.File, error) {
	dup, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("dup fd %d: %w", fd, err)
	}
	return os.NewFile(uintptr(dup), name), nil
}

// takeFd moves the descriptor out of f: the returned raw fd is a duplicate
// the caller owns, and f is closed.
func takeFd(f *os.File) (int, error) {
	fd, err := unix.FcntlInt(f.Fd(), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("dup %s: %w", f.Name(), err)
	}
	if err := f.Close(); err != nil {
		internalLogger.Warnf("close inherited %s error: %v", f.Name(), err)
	}
	return fd, nil
}

func closeFiles(files []*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

// closeFd closes *fd once and marks it released.
func closeFd(fd *int) error {
	if *fd < 0 {
		return nil
	}
	err := unix.Close(*fd)
	*fd = -1
	return err
}

func record(kind Kind, op string, n int, err error) {
	k := kind.String()
	metrics.ChannelOps.WithLabelValues(k, op).Inc()
	if err != nil {
		metrics.ChannelErrors.WithLabelValues(k, op).Inc()
		internalLogger.Errorf("%s %s failed: %v", k, op, err)
		return
	}
	if n > 0 {
		metrics.ChannelBytes.WithLabelValues(k, op).Add(float64(n))
	}
	internalLogger.Debugf("%s %s ok, %d bytes", k, op, n)
}
