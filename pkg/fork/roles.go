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

package fork

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/srediag/forkipc/pkg/ipc"
	"github.com/valyala/bytebufferpool"
)

// DemoMessage is what the demo parent sends.
const DemoMessage = "I love you"

// demoBufferSize is the demo child's read buffer.
const demoBufferSize = 20

// Role is the work one side of the fork does with the shared channel.
type Role func(ctx context.Context, ch ipc.Channel) error

// Roles pairs the parent and child sides. A nil role does nothing.
type Roles struct {
	Parent Role
	Child  Role
}

var bufferPool bytebufferpool.Pool

// MessageRoles returns roles where the parent writes message and the child
// reads into a bufSize buffer and prints what it heard to out, if set. The
// child fails when the bytes it heard are not message followed by zero fill.
func MessageRoles(message []byte, bufSize int, out io.Writer) Roles {
	return Roles{
		Parent: func(_ context.Context, ch ipc.Channel) error {
			n, err := ch.Write(message)
			if err != nil {
				return err
			}
			internalLogger.Infof("parent wrote %d bytes", n)
			return nil
		},
		Child: func(_ context.Context, ch ipc.Channel) error {
			bb := bufferPool.Get()
			defer bufferPool.Put(bb)
			bb.B = append(bb.B[:0], make([]byte, bufSize)...)

			n, err := ch.Read(bb.B)
			if err != nil {
				return err
			}
			heard := bytes.TrimRight(bb.B, "\x00")
			internalLogger.Infof("child heard %d bytes", n)
			if out != nil {
				fmt.Fprintf(out, "I hear : %s\n", heard)
			}
			return checkHeard(bb.B, n, message)
		},
	}
}

func checkHeard(buf []byte, n int, message []byte) error {
	want := len(message)
	if want > len(buf) {
		want = len(buf)
	}
	if n < want || !bytes.Equal(buf[:want], message[:want]) {
		return fmt.Errorf("heard %q, want %q", buf[:n], message[:want])
	}
	for _, b := range buf[want:] {
		if b != 0 {
			return fmt.Errorf("trailing bytes after message: %q", buf[want:])
		}
	}
	return nil
}

// DemoRoles is the parent writing DemoMessage and the child printing what it
// heard through a 20-byte buffer on its stdout.
func DemoRoles() Roles {
	return MessageRoles([]byte(DemoMessage), demoBufferSize, os.Stdout)
}

// NopRoles only log which side they run on.
func NopRoles() Roles {
	return Roles{
		Parent: func(context.Context, ipc.Channel) error {
			internalLogger.Infof("This ParentHandle !")
			return nil
		},
		Child: func(context.Context, ipc.Channel) error {
			internalLogger.Infof("This ChildHandle !")
			return nil
		},
	}
}
