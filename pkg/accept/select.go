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

// fdSetSize is FD_SETSIZE for the kernel fd_set layout.
const fdSetSize = 1024

type selectAcceptor struct {
	owner
}

// Accept accepts, then waits on select(2) until the connection is readable.
func (a *selectAcceptor) Accept(listenFD int) (Handle, error) {
	h, err := a.accept(listenFD)
	if err != nil {
		return h, err
	}
	return h, a.report(a.wait(h.fd))
}

func (a *selectAcceptor) wait(fd int) (bool, error) {
	if fd >= fdSetSize {
		return false, fmt.Errorf("fd %d exceeds FD_SETSIZE", fd)
	}
	dl := newDeadline(a.opts.WaitTimeout)
	for {
		var rfds unix.FdSet
		rfds.Zero()
		rfds.Set(fd)
		var tv *unix.Timeval
		if dl.bounded {
			t := unix.NsecToTimeval(dl.remaining().Nanoseconds())
			tv = &t
		}
		n, err := unix.Select(fd+1, &rfds, nil, nil, tv)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, err
		}
		if n == 0 {
			return false, nil
		}
		if !rfds.IsSet(fd) {
			return false, fmt.Errorf("select woke %d fds without fd %d", n, fd)
		}
		return true, nil
	}
}
