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

type pollAcceptor struct {
	owner
}

// Accept accepts, then waits on a single-entry poll(2) set for POLLIN.
func (a *pollAcceptor) Accept(listenFD int) (Handle, error) {
	h, err := a.accept(listenFD)
	if err != nil {
		return h, err
	}
	return h, a.report(a.wait(h.fd))
}

func (a *pollAcceptor) wait(fd int) (bool, error) {
	dl := newDeadline(a.opts.WaitTimeout)
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		fds[0].Revents = 0
		n, err := unix.Poll(fds, dl.millis())
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, err
		}
		return pollOutcome(n, fds[0].Revents)
	}
}

// pollOutcome interprets one poll(2) result. POLLHUP without POLLIN still
// means the next read will not block; a wake-up carrying only error bits is a
// failure, not a timeout.
func pollOutcome(n int, revents int16) (bool, error) {
	switch {
	case n == 0:
		return false, nil
	case revents&(unix.POLLIN|unix.POLLHUP) != 0:
		return true, nil
	default:
		return false, fmt.Errorf("poll revents %#x", uint16(revents))
	}
}
