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

// Package accept provides the strategies a socket listener uses to obtain its
// single inbound connection.
//
// Every strategy accepts first and then waits until the accepted connection
// has its first inbound data, so the four variants are observably the same:
// they differ only in the readiness primitive (a peeking recv, select, poll,
// epoll).
package accept

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/srediag/forkipc/internal/logging"
	"github.com/srediag/forkipc/internal/metrics"
	"golang.org/x/sys/unix"
)

var (
	// ErrReadinessTimeout is returned when the configured wait elapses before
	// the accepted connection has data.
	ErrReadinessTimeout = errors.New("accept: readiness wait timed out")
	// ErrReadinessFailed wraps the OS error of a failed readiness wait.
	ErrReadinessFailed = errors.New("accept: readiness wait failed")
	// ErrUnknownKind is returned for an unrecognized strategy name or value.
	ErrUnknownKind = errors.New("accept: unknown strategy")
)

var internalLogger = logging.New("accept")

// Kind selects an acceptance strategy.
type Kind int

const (
	Blocking Kind = iota
	Select
	Poll
	Epoll
)

var kindNames = []string{"blocking", "select", "poll", "epoll"}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// ParseKind maps a strategy name to its Kind.
func ParseKind(s string) (Kind, error) {
	for i, name := range kindNames {
		if strings.EqualFold(s, name) {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// UnmarshalText lets envconfig decode strategy names.
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

// Kinds lists every strategy.
func Kinds() []Kind {
	return []Kind{Blocking, Select, Poll, Epoll}
}

// Options tune an acceptor.
type Options struct {
	// WaitTimeout bounds the readiness wait. Zero waits forever.
	WaitTimeout time.Duration
}

// Handle is a connected descriptor produced by an Acceptor. It stays owned by
// that Acceptor and is closed by its Close.
type Handle struct {
	fd int
}

// InvalidHandle is the zero-value connection.
var InvalidHandle = Handle{fd: -1}

// Fd returns the descriptor, or -1.
func (h Handle) Fd() int { return h.fd }

// Valid reports whether the handle refers to an accepted connection.
func (h Handle) Valid() bool { return h.fd >= 0 }

// Acceptor obtains one connection from a listening descriptor.
//
// Accept returns the handle as obtained even when it also returns a
// readiness error; callers must treat such an error as "connection not ready".
type Acceptor interface {
	Accept(listenFD int) (Handle, error)
	Close() error
	Kind() Kind
}

// New returns the acceptor for kind.
func New(kind Kind, opts Options) (Acceptor, error) {
	base := owner{kind: kind, opts: opts, handle: InvalidHandle}
	switch kind {
	case Blocking:
		return &blockingAcceptor{owner: base}, nil
	case Select:
		return &selectAcceptor{owner: base}, nil
	case Poll:
		return &pollAcceptor{owner: base}, nil
	case Epoll:
		return &epollAcceptor{owner: base}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, int(kind))
	}
}

// owner carries what every strategy shares: the handle it owns and the
// reporting of readiness outcomes.
type owner struct {
	kind   Kind
	opts   Options
	handle Handle
}

func (o *owner) Kind() Kind { return o.kind }

// Close closes the owned connection. Closing twice, or without a connection,
// is a no-op.
func (o *owner) Close() error {
	if !o.handle.Valid() {
		return nil
	}
	fd := o.handle.fd
	o.handle = InvalidHandle
	if err := unix.Close(fd); err != nil {
		return fmt.Errorf("close connection fd %d: %w", fd, err)
	}
	return nil
}

func (o *owner) accept(listenFD int) (Handle, error) {
	if o.handle.Valid() {
		return o.handle, fmt.Errorf("accept: %s acceptor already owns fd %d", o.kind, o.handle.fd)
	}
	for {
		fd, _, err := unix.Accept4(listenFD, unix.SOCK_CLOEXEC)
		if err == unix.EINTR || err == unix.ECONNABORTED {
			continue
		}
		if err != nil {
			return InvalidHandle, fmt.Errorf("accept fd %d: %w", listenFD, err)
		}
		o.handle = Handle{fd: fd}
		internalLogger.Debugf("%s acceptor accepted fd:%d on listener fd:%d", o.kind, fd, listenFD)
		return o.handle, nil
	}
}

// report logs and counts the outcome of a readiness wait and converts it to
// the error the caller sees.
func (o *owner) report(ready bool, err error) error {
	strategy := o.kind.String()
	switch {
	case err != nil:
		metrics.AcceptReadiness.WithLabelValues(strategy, metrics.OutcomeError).Inc()
		internalLogger.Errorf("%s error on fd:%d: %v", strategy, o.handle.fd, err)
		return fmt.Errorf("%w: %s: %v", ErrReadinessFailed, strategy, err)
	case !ready:
		metrics.AcceptReadiness.WithLabelValues(strategy, metrics.OutcomeTimeout).Inc()
		internalLogger.Warnf("%s timeout on fd:%d after %s", strategy, o.handle.fd, o.opts.WaitTimeout)
		return fmt.Errorf("%w: %s after %s", ErrReadinessTimeout, strategy, o.opts.WaitTimeout)
	default:
		metrics.AcceptReadiness.WithLabelValues(strategy, metrics.OutcomeReady).Inc()
		internalLogger.Tracef("%s ready on fd:%d", strategy, o.handle.fd)
		return nil
	}
}

// deadline tracks the remaining wait across EINTR restarts.
type deadline struct {
	at      time.Time
	bounded bool
}

func newDeadline(timeout time.Duration) deadline {
	if timeout <= 0 {
		return deadline{}
	}
	return deadline{at: time.Now().Add(timeout), bounded: true}
}

// remaining returns the time left, clamped at zero. Only meaningful when bounded.
func (d deadline) remaining() time.Duration {
	left := time.Until(d.at)
	if left < 0 {
		return 0
	}
	return left
}

// millis returns the remaining wait in milliseconds, -1 for unbounded.
func (d deadline) millis() int {
	if !d.bounded {
		return -1
	}
	left := d.remaining()
	ms := int(left / time.Millisecond)
	if ms == 0 && left > 0 {
		ms = 1
	}
	return ms
}
