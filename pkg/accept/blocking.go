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
	"golang.org/x/sys/unix"
)

type blockingAcceptor struct {
	owner
}

// Accept blocks in accept(2), then blocks in a peeking recv(2) until the
// connection has data or is closed by the peer. WaitTimeout bounds the recv
// through SO_RCVTIMEO; nothing is consumed from the stream.
func (a *blockingAcceptor) Accept(listenFD int) (Handle, error) {
	h, err := a.accept(listenFD)
	if err != nil {
		return h, err
	}
	return h, a.report(a.wait(h.fd))
}

func (a *blockingAcceptor) wait(fd int) (bool, error) {
	dl := newDeadline(a.opts.WaitTimeout)
	if dl.bounded {
		defer func() {
			var off unix.Timeval
			if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &off); err != nil {
				internalLogger.Warnf("clear SO_RCVTIMEO on fd:%d error: %v", fd, err)
			}
		}()
	}
	var peek [1]byte
	for {
		if dl.bounded {
			left := dl.remaining()
			if left <= 0 {
				return false, nil
			}
			tv := unix.NsecToTimeval(left.Nanoseconds())
			if tv.Sec == 0 && tv.Usec == 0 {
				// A zero timeval disables the timeout.
				tv.Usec = 1
			}
			if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
				return false, err
			}
		}
		_, _, err := unix.Recvfrom(fd, peek[:], unix.MSG_PEEK)
		switch err {
		case nil:
			// Data, or zero bytes for a closed peer: either way the next
			// read returns without waiting.
			return true, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return false, nil
		default:
			return false, err
		}
	}
}
