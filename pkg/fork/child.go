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
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/srediag/forkipc/internal/logging"
	"github.com/srediag/forkipc/pkg/ipc"
)

// Exit codes returned by RunChild.
const (
	ExitOK    = 0
	ExitRole  = 1
	ExitSetup = 2
)

// IsChild reports whether this process was started by Coordinator.Fork.
func IsChild() bool {
	return os.Getenv(EnvRole) == roleChild
}

// RunChild rebuilds the channel the parent opened, runs roles.Child on it and
// closes it. The result is the exit code for os.Exit.
func RunChild(ctx context.Context, roles Roles) int {
	defer logging.Sync()

	ch, err := attachInherited()
	if err != nil {
		internalLogger.Errorf("child setup error: %v", err)
		return ExitSetup
	}
	defer func() {
		if err := ch.Close(); err != nil {
			internalLogger.Warnf("child close channel error: %v", err)
		}
	}()

	if roles.Child == nil {
		return ExitOK
	}
	if err := roles.Child(ctx, ch); err != nil {
		internalLogger.Errorf("child role error: %v", err)
		return ExitRole
	}
	return ExitOK
}

func attachInherited() (ipc.Channel, error) {
	cfg, err := ipc.LoadConfig()
	if err != nil {
		return nil, err
	}
	n, err := strconv.Atoi(os.Getenv(EnvInherited))
	if err != nil || n < 0 {
		return nil, fmt.Errorf("bad %s %q", EnvInherited, os.Getenv(EnvInherited))
	}
	files := make([]*os.File, 0, n)
	for i := 0; i < n; i++ {
		fd := firstInheritedFd + i
		files = append(files, os.NewFile(uintptr(fd), "inherited-"+strconv.Itoa(fd)))
	}
	ch, err := ipc.Attach(cfg, files)
	if err != nil {
		for _, f := range files {
			_ = f.Close()
		}
		return nil, err
	}
	return ch, nil
}
