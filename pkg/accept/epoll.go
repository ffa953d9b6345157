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

package accept

import (
	"fmt"

	"golang.org/x/sys/unix"
)

type epollAcceptor struct {
	owner
}

// Accept accepts, then waits on an epoll set holding one EPOLLIN interest.
func (a *epollAcceptor) Accept(listenFD int) (Handle, error) {
	h, err := a.accept(listenFD)
	if err != nil {
		return h, err
	}
	return h, a.report(a.wait(h.fd))
}

func (a *epollAcceptor) wait(fd int) (bool, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return false, fmt.Errorf("epoll_create1: %w", err)
	}
	defer func() {
		if cerr := unix.Close(epfd); cerr != nil {
			internalLogger.Warnf("close epoll fd:%d error: %v", epfd, cerr)
		}
	}()

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return false, fmt.Errorf("epoll_ctl: %w", err)
	}

	dl := newDeadline(a.opts.WaitTimeout)
	events := make([]unix.EpollEvent, 1)
	for {
		n, err := unix.EpollWait(epfd, events, dl.millis())
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, err
		}
		return epollOutcome(n, events[0], fd)
	}
}

// epollOutcome interprets one epoll_wait(2) result for the single registered fd.
func epollOutcome(n int, got unix.EpollEvent, fd int) (bool, error) {
	switch {
	case n == 0:
		return false, nil
	case got.Fd != int32(fd):
		return false, fmt.Errorf("epoll event for fd %d, want %d", got.Fd, fd)
	case got.Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLRDHUP) != 0:
		return true, nil
	default:
		return false, fmt.Errorf("epoll events %#x", got.Events)
	}
}
