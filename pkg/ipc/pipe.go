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
	"fmt"
	"os"

	"github.com/srediag/forkipc/internal/transport"
	"golang.org/x/sys/unix"
)

// PipeChannel is a one-way byte stream over pipe(2). Both ends exist in both
// processes; the writer releases its write end after the message and the
// reader drops its own write end before reading, so the reader sees end of
// stream once the message is through.
type PipeChannel struct {
	cfg    Config
	r, w   int
	opened bool
}

// NewPipe returns an unopened pipe channel.
func NewPipe(cfg Config) *PipeChannel {
	cfg.Kind = Pipe
	return &PipeChannel{cfg: cfg, r: -1, w: -1}
}

func attachPipe(cfg Config, files []*os.File) (Channel, error) {
	if err := expectFiles(Pipe, files, 2); err != nil {
		closeFiles(files)
		return nil, err
	}
	p := NewPipe(cfg)
	var err error
	if p.r, err = takeFd(files[0]); err != nil {
		closeFiles(files)
		return nil, err
	}
	if p.w, err = takeFd(files[1]); err != nil {
		_ = closeFd(&p.r)
		return nil, err
	}
	p.opened = true
	return p, nil
}

func (p *PipeChannel) Kind() Kind     { return Pipe }
func (p *PipeChannel) Config() Config { return p.cfg }
func (p *PipeChannel) Opened() bool   { return p.opened }

// Open creates the pipe. Opening an open pipe is a no-op.
func (p *PipeChannel) Open() error {
	if p.opened {
		return nil
	}
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		record(Pipe, "open", 0, err)
		return fmt.Errorf("pipe2: %w", err)
	}
	p.r, p.w = fds[0], fds[1]
	p.opened = true
	record(Pipe, "open", 0, nil)
	return nil
}

// Close releases whichever ends are still held.
func (p *PipeChannel) Close() error {
	if !p.opened {
		return nil
	}
	p.opened = false
	rerr := closeFd(&p.r)
	werr := closeFd(&p.w)
	if rerr != nil {
		return fmt.Errorf("close pipe read end: %w", rerr)
	}
	if werr != nil {
		return fmt.Errorf("close pipe write end: %w", werr)
	}
	return nil
}

// Write sends buf and releases the write end.
func (p *PipeChannel) Write(buf []byte) (int, error) {
	if !p.opened {
		return 0, ErrNotOpen
	}
	if p.w < 0 {
		return 0, ErrClosed
	}
	n, err := transport.WriteFull(p.w, buf)
	if cerr := closeFd(&p.w); cerr != nil && err == nil {
		err = fmt.Errorf("close pipe write end: %w", cerr)
	}
	record(Pipe, "write", n, err)
	return n, err
}

// Read drops this process's write end and reads until buf is full or every
// writer is gone.
func (p *PipeChannel) Read(buf []byte) (int, error) {
	if !p.opened {
		return 0, ErrNotOpen
	}
	if p.r < 0 {
		return 0, ErrClosed
	}
	if err := closeFd(&p.w); err != nil {
		internalLogger.Warnf("pipe drop write end error: %v", err)
	}
	n, err := transport.ReadFull(p.r, buf)
	record(Pipe, "read", n, err)
	return n, err
}

// InheritableFiles returns the read end and the write end, in that order.
func (p *PipeChannel) InheritableFiles() ([]*os.File, error) {
	if !p.opened || p.r < 0 || p.w < 0 {
		return nil, ErrNotOpen
	}
	r, err := dupFile(p.r, "pipe-read")
	if err != nil {
		return nil, err
	}
	w, err := dupFile(p.w, "pipe-write")
	if err != nil {
		_ = r.Close()
		return nil, err
	}
	return []*os.File{r, w}, nil
}
