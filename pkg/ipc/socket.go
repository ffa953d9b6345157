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

package ipc

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/srediag/forkipc/internal/transport"
	"github.com/srediag/forkipc/pkg/accept"
	"golang.org/x/sys/unix"
)

// SocketChannel moves one message over a loopback TCP connection. The writer
// is the client and the reader is the server; each creates and closes its own
// descriptors inside Write and Read, so nothing is inherited and Close has
// nothing to release.
type SocketChannel struct {
	cfg    Config
	sa     *unix.SockaddrInet4
	opened bool
}

// NewSocket returns an unopened socket channel.
func NewSocket(cfg Config) *SocketChannel {
	cfg.Kind = Socket
	return &SocketChannel{cfg: cfg}
}

func attachSocket(cfg Config, files []*os.File) (Channel, error) {
	if err := expectFiles(Socket, files, 0); err != nil {
		closeFiles(files)
		return nil, err
	}
	s := NewSocket(cfg)
	if err := s.Open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SocketChannel) Kind() Kind     { return Socket }
func (s *SocketChannel) Config() Config { return s.cfg }
func (s *SocketChannel) Opened() bool   { return s.opened }

// Open resolves the destination address. It binds and connects nothing.
func (s *SocketChannel) Open() error {
	if s.opened {
		return nil
	}
	addr, err := netip.ParseAddr(s.cfg.Address)
	if err != nil {
		return fmt.Errorf("parse address %q: %w", s.cfg.Address, err)
	}
	sa, err := transport.SockaddrOf(addr, s.cfg.Port)
	if err != nil {
		return err
	}
	s.sa, s.opened = sa, true
	record(Socket, "open", 0, nil)
	return nil
}

// Close is a no-op beyond marking the channel closed.
func (s *SocketChannel) Close() error {
	s.opened = false
	return nil
}

// Write connects to the listener, retrying with exponential backoff while
// the reader is not listening yet, sends buf and closes the connection.
func (s *SocketChannel) Write(buf []byte) (int, error) {
	if !s.opened {
		return 0, ErrNotOpen
	}
	fd, err := s.connect()
	if err != nil {
		record(Socket, "write", 0, err)
		return 0, err
	}
	if err := transport.SetSocketOptions(fd); err != nil {
		internalLogger.Warnf("socket fd:%d set options error: %v", fd, err)
	}
	n, err := transport.WriteFull(fd, buf)
	if cerr := unix.Close(fd); cerr != nil && err == nil {
		err = fmt.Errorf("close socket fd %d: %w", fd, cerr)
	}
	record(Socket, "write", n, err)
	return n, err
}

func (s *SocketChannel) connect() (int, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.ConnectInitialInterval
	b.MaxInterval = s.cfg.ConnectMaxInterval
	b.MaxElapsedTime = s.cfg.ConnectMaxElapsed
	b.Reset()

	fd := -1
	op := func() error {
		var err error
		fd, err = transport.Connect(s.sa)
		if err == nil {
			return nil
		}
		if errors.Is(err, unix.ECONNREFUSED) || errors.Is(err, unix.ECONNRESET) ||
			errors.Is(err, unix.ETIMEDOUT) || errors.Is(err, unix.EAGAIN) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		internalLogger.Debugf("wait for connect to %s, retry in %s: %v", transport.Describe(s.sa), wait, err)
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return -1, err
	}
	return fd, nil
}

// Read listens on the configured address, obtains one connection through the
// configured acceptor and reads until buf is full or the writer closes.
// A readiness error or timeout from the acceptor fails the Read.
func (s *SocketChannel) Read(buf []byte) (n int, err error) {
	if !s.opened {
		return 0, ErrNotOpen
	}
	defer func() { record(Socket, "read", n, err) }()

	lfd, err := transport.Listen(s.sa, s.cfg.Backlog)
	if err != nil {
		return 0, err
	}
	defer func() {
		if cerr := unix.Close(lfd); cerr != nil {
			internalLogger.Warnf("close listener fd:%d error: %v", lfd, cerr)
		}
	}()

	acceptor, err := accept.New(s.cfg.Acceptor, accept.Options{WaitTimeout: s.cfg.AcceptTimeout})
	if err != nil {
		return 0, err
	}
	defer func() {
		if cerr := acceptor.Close(); cerr != nil {
			internalLogger.Warnf("%s acceptor close error: %v", acceptor.Kind(), cerr)
		}
	}()

	h, err := acceptor.Accept(lfd)
	if err != nil {
		return 0, err
	}
	return transport.ReadFull(h.Fd(), buf)
}

// InheritableFiles returns nothing: each side makes its own socket.
func (s *SocketChannel) InheritableFiles() ([]*os.File, error) {
	if !s.opened {
		return nil, ErrNotOpen
	}
	return nil, nil
}
