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
	"os"

	"github.com/srediag/forkipc/internal/transport"
	"golang.org/x/sys/unix"
)

// FifoChannel is a one-way byte stream over a named FIFO. Opening either end
// blocks until the other end is opened too, which is the rendezvous between
// writer and reader.
type FifoChannel struct {
	cfg      Config
	rfd, wfd int
	opened   bool
	// created is set in the process that made the node; that process
	// removes it on Close.
	created bool
}

// NewFifo returns an unopened FIFO channel.
func NewFifo(cfg Config) *FifoChannel {
	cfg.Kind = Fifo
	return &FifoChannel{cfg: cfg, rfd: -1, wfd: -1}
}

// attachFifo adopts the node the parent created. Nothing is inherited.
func attachFifo(cfg Config, files []*os.File) (Channel, error) {
	if err := expectFiles(Fifo, files, 0); err != nil {
		closeFiles(files)
		return nil, err
	}
	f := NewFifo(cfg)
	f.opened = true
	return f, nil
}

func (f *FifoChannel) Kind() Kind     { return Fifo }
func (f *FifoChannel) Config() Config { return f.cfg }
func (f *FifoChannel) Opened() bool   { return f.opened }

// Open creates the FIFO node.
func (f *FifoChannel) Open() error {
	if f.opened {
		return nil
	}
	err := unix.Mkfifo(f.cfg.FifoPath, f.cfg.FifoMode)
	switch {
	case err == nil:
		f.created = true
	case errors.Is(err, unix.EEXIST) && f.cfg.TolerateExisting:
		internalLogger.Infof("fifo %s already exists, reusing it", f.cfg.FifoPath)
	case errors.Is(err, unix.EEXIST):
		record(Fifo, "open", 0, err)
		return fmt.Errorf("%w: %s", ErrExists, f.cfg.FifoPath)
	default:
		record(Fifo, "open", 0, err)
		return fmt.Errorf("mkfifo %s: %w", f.cfg.FifoPath, err)
	}
	f.opened = true
	record(Fifo, "open", 0, nil)
	return nil
}

// Close closes any end still held and removes the node if this process made it.
func (f *FifoChannel) Close() error {
	if !f.opened {
		return nil
	}
	f.opened = false
	var errs []error
	if err := closeFd(&f.rfd); err != nil {
		errs = append(errs, fmt.Errorf("close fifo read end: %w", err))
	}
	if err := closeFd(&f.wfd); err != nil {
		errs = append(errs, fmt.Errorf("close fifo write end: %w", err))
	}
	if f.created {
		f.created = false
		if err := unix.Unlink(f.cfg.FifoPath); err != nil && !errors.Is(err, unix.ENOENT) {
			errs = append(errs, fmt.Errorf("remove fifo %s: %w", f.cfg.FifoPath, err))
		} else {
			internalLogger.Infof("fifo removed %s", f.cfg.FifoPath)
		}
	}
	return errors.Join(errs...)
}

// Write opens the write end, waiting for a reader, sends buf and closes the
// write end again.
func (f *FifoChannel) Write(buf []byte) (int, error) {
	if !f.opened {
		return 0, ErrNotOpen
	}
	fd, err := openFifo(f.cfg.FifoPath, unix.O_WRONLY)
	if err != nil {
		record(Fifo, "write", 0, err)
		return 0, err
	}
	f.wfd = fd
	n, err := transport.WriteFull(f.wfd, buf)
	if cerr := closeFd(&f.wfd); cerr != nil && err == nil {
		err = fmt.Errorf("close fifo write end: %w", cerr)
	}
	record(Fifo, "write", n, err)
	return n, err
}

// Read opens the read end, waiting for a writer, and reads until buf is full
// or the writer closes.
func (f *FifoChannel) Read(buf []byte) (int, error) {
	if !f.opened {
		return 0, ErrNotOpen
	}
	fd, err := openFifo(f.cfg.FifoPath, unix.O_RDONLY)
	if err != nil {
		record(Fifo, "read", 0, err)
		return 0, err
	}
	f.rfd = fd
	n, err := transport.ReadFull(f.rfd, buf)
	if cerr := closeFd(&f.rfd); cerr != nil && err == nil {
		err = fmt.Errorf("close fifo read end: %w", cerr)
	}
	record(Fifo, "read", n, err)
	return n, err
}

// InheritableFiles returns nothing: both processes open the node by path.
func (f *FifoChannel) InheritableFiles() ([]*os.File, error) {
	if !f.opened {
		return nil, ErrNotOpen
	}
	return nil, nil
}

func openFifo(path string, mode int) (int, error) {
	for {
		fd, err := unix.Open(path, mode|unix.O_CLOEXEC, 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return -1, fmt.Errorf("open fifo %s: %w", path, err)
		}
		return fd, nil
	}
}
