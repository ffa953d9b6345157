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

	"github.com/srediag/forkipc/internal/shm"
)

// Errors from the shared region, for errors.Is.
var (
	ErrNotShared = shm.ErrNotShared
	ErrNoSpace   = shm.ErrNoSpace
)

// SharedMemoryChannel is a half-duplex channel over one shared region guarded
// by a process-shared mutex. Every access to the payload happens with the
// mutex held, so a reader sees either no message or a complete one.
//
// The region must be opened before the child is spawned; the child attaches
// to the same pages through the inherited memfd.
type SharedMemoryChannel struct {
	cfg    Config
	region *shm.Region
	mu     *shm.ProcessMutex
	opened bool
}

// NewSharedMemory returns an unopened shared-memory channel.
func NewSharedMemory(cfg Config) *SharedMemoryChannel {
	cfg.Kind = SharedMemory
	return &SharedMemoryChannel{cfg: cfg}
}

func attachSharedMemory(cfg Config, files []*os.File) (Channel, error) {
	if err := expectFiles(SharedMemory, files, 1); err != nil {
		closeFiles(files)
		return nil, err
	}
	fd, err := takeFd(files[0])
	if err != nil {
		return nil, err
	}
	region, err := shm.AttachRegion(cfg.RegionName, fd)
	if err != nil {
		_ = closeFd(&fd)
		return nil, err
	}
	if region.Size() != cfg.RegionSize {
		_ = shm.UnmapRegion(region)
		return nil, fmt.Errorf("%w: region holds %d bytes, config says %d",
			ErrInheritance, region.Size(), cfg.RegionSize)
	}
	mu, err := shm.NewProcessMutex(region)
	if err != nil {
		_ = shm.UnmapRegion(region)
		return nil, err
	}
	c := NewSharedMemory(cfg)
	c.region, c.mu, c.opened = region, mu, true
	return c, nil
}

func (c *SharedMemoryChannel) Kind() Kind     { return SharedMemory }
func (c *SharedMemoryChannel) Config() Config { return c.cfg }
func (c *SharedMemoryChannel) Opened() bool   { return c.opened }

// Open maps a zeroed region and sets up its mutex.
func (c *SharedMemoryChannel) Open() error {
	if c.opened {
		return nil
	}
	region, err := shm.MapRegion(shm.MapOptions{Name: c.cfg.RegionName, Size: c.cfg.RegionSize})
	if err != nil {
		record(SharedMemory, "open", 0, err)
		return err
	}
	mu, err := shm.NewProcessMutex(region)
	if err != nil {
		_ = shm.UnmapRegion(region)
		record(SharedMemory, "open", 0, err)
		return err
	}
	c.region, c.mu, c.opened = region, mu, true
	record(SharedMemory, "open", 0, nil)
	return nil
}

// Close unmaps the region. The mutex goes with it.
func (c *SharedMemoryChannel) Close() error {
	if !c.opened {
		return nil
	}
	c.opened = false
	c.mu = nil
	return shm.UnmapRegion(c.region)
}

// Write copies buf into the region under the mutex and publishes it.
func (c *SharedMemoryChannel) Write(buf []byte) (int, error) {
	if !c.opened {
		return 0, ErrNotOpen
	}
	if len(buf) > c.region.Size() {
		err := fmt.Errorf("%w: %d > %d", ErrTooLarge, len(buf), c.region.Size())
		record(SharedMemory, "write", 0, err)
		return 0, err
	}
	c.mu.Lock()
	n := copy(c.region.Payload(), buf)
	c.region.Publish(n)
	c.mu.Unlock()
	c.region.WakeSeq()
	record(SharedMemory, "write", n, nil)
	return n, nil
}

// Read copies the last published message into buf under the mutex.
//
// With WaitForData set, a Read that finds nothing published yet sleeps until
// a writer publishes (or DataTimeout passes). Without it, such a Read returns
// 0 bytes immediately: there is no signal for "data available", so a reader
// that runs first sees an empty region.
func (c *SharedMemoryChannel) Read(buf []byte) (int, error) {
	if !c.opened {
		return 0, ErrNotOpen
	}
	for {
		c.mu.Lock()
		if c.region.Seq() == 0 && c.cfg.WaitForData {
			c.mu.Unlock()
			if !c.region.WaitSeq(0, c.cfg.DataTimeout) {
				err := fmt.Errorf("%w after %s", ErrNoData, c.cfg.DataTimeout)
				record(SharedMemory, "read", 0, err)
				return 0, err
			}
			continue
		}
		n := copy(buf, c.region.Payload()[:c.region.Length()])
		c.mu.Unlock()
		record(SharedMemory, "read", n, nil)
		return n, nil
	}
}

// InheritableFiles returns the memfd behind the region.
func (c *SharedMemoryChannel) InheritableFiles() ([]*os.File, error) {
	if !c.opened {
		return nil, ErrNotOpen
	}
	f, err := c.region.InheritableFile()
	if err != nil {
		return nil, err
	}
	return []*os.File{f}, nil
}
