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

// Command forkipc opens one IPC channel, forks a child and passes a single
// message from parent to child over it.
//
// Everything is configured from the environment:
//
//	FORKIPC_KIND        pipe, fifo, shm or socket (default pipe)
//	FORKIPC_ACCEPTOR    blocking, select, poll or epoll for sockets
//	FORKIPC_ROLES       demo or nop
//	FORKIPC_ADMIN_ADDR  serve /live, /ready and /metrics on this address
//	FORKIPC_LOG_LEVEL   0 (trace) to 5 (silent)
//
// The remaining FORKIPC_* variables are the fields of ipc.Config.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/srediag/forkipc/internal/health"
	"github.com/srediag/forkipc/internal/logging"
	"github.com/srediag/forkipc/internal/metrics"
	"github.com/srediag/forkipc/pkg/fork"
	"github.com/srediag/forkipc/pkg/ipc"
)

var logger = logging.New("forkipc")

type adminConfig struct {
	Addr  string `envconfig:"ADMIN_ADDR"`
	Roles string `envconfig:"ROLES" default:"demo"`
}

func roles(name string) (fork.Roles, error) {
	switch name {
	case "demo":
		return fork.DemoRoles(), nil
	case "nop":
		return fork.NopRoles(), nil
	default:
		return fork.Roles{}, fmt.Errorf("unknown roles %q", name)
	}
}

func main() {
	ctx := context.Background()
	var admin adminConfig
	if err := envconfig.Process(ipc.EnvPrefix, &admin); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(fork.ExitSetup)
	}
	r, err := roles(admin.Roles)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(fork.ExitSetup)
	}
	if fork.IsChild() {
		os.Exit(fork.RunChild(ctx, r))
	}
	code := run(ctx, admin, r)
	logging.Sync()
	os.Exit(code)
}

func run(ctx context.Context, admin adminConfig, r fork.Roles) int {
	cfg, err := ipc.LoadConfig()
	if err != nil {
		logger.Errorf("load config error: %v", err)
		return 1
	}
	ch, err := ipc.New(cfg)
	if err != nil {
		logger.Errorf("create %s channel error: %v", cfg.Kind, err)
		return 1
	}
	if err := ch.Open(); err != nil {
		logger.Errorf("open %s channel error: %v", cfg.Kind, err)
		return 1
	}
	defer func() {
		if err := ch.Close(); err != nil {
			logger.Warnf("close channel error: %v", err)
		}
	}()

	coord := fork.New(ch, r)
	if admin.Addr != "" {
		srv := &http.Server{
			Addr: admin.Addr,
			Handler: health.NewMux(health.Funcs{
				LastErrorFunc: coord.LastError,
				ReadyFunc:     ch.Opened,
			}, metrics.Registry),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Errorf("admin server error: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	pid, err := coord.Fork(ctx)
	if err != nil {
		logger.Errorf("fork error: %v", err)
		if pid == 0 {
			return 1
		}
	}
	res, err := coord.WaitFinish()
	if err != nil {
		logger.Errorf("wait child error: %v", err)
		return 1
	}
	logger.Infof("child %d exited with %d", res.Pid, res.ExitCode)
	fmt.Println("Done!")
	if coord.LastError() != nil {
		return 1
	}
	return 0
}
