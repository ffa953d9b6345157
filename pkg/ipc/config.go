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
	"net/netip"
	"strconv"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/srediag/forkipc/pkg/accept"
)

// EnvPrefix prefixes every configuration variable.
const EnvPrefix = "FORKIPC"

// Config is the fixed configuration both processes must agree on. It is
// passed to each channel constructor, so several channels can coexist.
type Config struct {
	// Kind selects the transport.
	Kind Kind `envconfig:"KIND" default:"pipe"`

	// Address and Port are the loopback endpoint of the socket transport.
	Address string `envconfig:"ADDRESS" default:"127.0.0.1"`
	Port    int    `envconfig:"PORT" default:"9527"`
	// Backlog is the listen(2) backlog.
	Backlog int `envconfig:"BACKLOG" default:"2"`
	// Acceptor selects how the socket listener obtains its connection.
	Acceptor accept.Kind `envconfig:"ACCEPTOR" default:"epoll"`
	// AcceptTimeout bounds the acceptor readiness wait; zero waits forever.
	AcceptTimeout time.Duration `envconfig:"ACCEPT_TIMEOUT" default:"0s"`
	// ConnectInitialInterval, ConnectMaxInterval and ConnectMaxElapsed shape
	// the exponential backoff of the socket writer's connect attempts.
	ConnectInitialInterval time.Duration `envconfig:"CONNECT_INITIAL_INTERVAL" default:"5ms"`
	ConnectMaxInterval     time.Duration `envconfig:"CONNECT_MAX_INTERVAL" default:"250ms"`
	ConnectMaxElapsed      time.Duration `envconfig:"CONNECT_MAX_ELAPSED" default:"30s"`

	// FifoPath is the FIFO node, relative to the working directory.
	FifoPath string `envconfig:"FIFO_PATH" default:"fifoipc"`
	// FifoMode is the permission of the FIFO node before umask.
	FifoMode uint32 `envconfig:"FIFO_MODE" default:"0666"`
	// TolerateExisting makes Open accept a FIFO node that already exists.
	TolerateExisting bool `envconfig:"FIFO_TOLERATE_EXISTING" default:"false"`

	// RegionSize is the shared-memory payload capacity in bytes.
	RegionSize int `envconfig:"REGION_SIZE" default:"1024"`
	// RegionName labels the memfd backing the region.
	RegionName string `envconfig:"REGION_NAME" default:"forkipc"`
	// WaitForData makes a shared-memory Read wait for the first write instead
	// of returning whatever the region holds.
	WaitForData bool `envconfig:"WAIT_FOR_DATA" default:"true"`
	// DataTimeout bounds that wait; zero waits forever.
	DataTimeout time.Duration `envconfig:"DATA_TIMEOUT" default:"0s"`
}

// DefaultConfig returns the configuration used when the environment sets
// nothing.
func DefaultConfig() Config {
	return Config{
		Kind:                   Pipe,
		Address:                "127.0.0.1",
		Port:                   9527,
		Backlog:                2,
		Acceptor:               accept.Epoll,
		ConnectInitialInterval: 5 * time.Millisecond,
		ConnectMaxInterval:     250 * time.Millisecond,
		ConnectMaxElapsed:      30 * time.Second,
		FifoPath:               "fifoipc",
		FifoMode:               0o666,
		RegionSize:             1024,
		RegionName:             "forkipc",
		WaitForData:            true,
	}
}

// LoadConfig reads the configuration from FORKIPC_* environment variables.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	if err := VerifyConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// VerifyConfig checks cfg for values no channel can work with.
func VerifyConfig(cfg Config) error {
	var errs []error
	if cfg.Kind < Pipe || cfg.Kind > Socket {
		errs = append(errs, fmt.Errorf("%w: %d", ErrUnknownKind, int(cfg.Kind)))
	}
	if addr, err := netip.ParseAddr(cfg.Address); err != nil || !addr.Is4() {
		errs = append(errs, fmt.Errorf("address %q must be an IPv4 address", cfg.Address))
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", cfg.Port))
	}
	if cfg.Backlog <= 0 {
		errs = append(errs, fmt.Errorf("backlog %d must be positive", cfg.Backlog))
	}
	if cfg.Acceptor < accept.Blocking || cfg.Acceptor > accept.Epoll {
		errs = append(errs, fmt.Errorf("%w: acceptor %d", accept.ErrUnknownKind, int(cfg.Acceptor)))
	}
	if cfg.AcceptTimeout < 0 || cfg.DataTimeout < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	if cfg.ConnectInitialInterval <= 0 || cfg.ConnectMaxInterval < cfg.ConnectInitialInterval {
		errs = append(errs, fmt.Errorf("connect intervals %s..%s are invalid",
			cfg.ConnectInitialInterval, cfg.ConnectMaxInterval))
	}
	if cfg.FifoPath == "" {
		errs = append(errs, errors.New("fifo path must not be empty"))
	}
	if cfg.RegionSize <= 0 {
		errs = append(errs, fmt.Errorf("region size %d must be positive", cfg.RegionSize))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Environ renders cfg as FORKIPC_* assignments that LoadConfig reads back.
// The child process receives the parent's configuration this way.
func (c Config) Environ() []string {
	kv := func(key, value string) string {
		return EnvPrefix + "_" + key + "=" + value
	}
	return []string{
		kv("KIND", c.Kind.String()),
		kv("ADDRESS", c.Address),
		kv("PORT", strconv.Itoa(c.Port)),
		kv("BACKLOG", strconv.Itoa(c.Backlog)),
		kv("ACCEPTOR", c.Acceptor.String()),
		kv("ACCEPT_TIMEOUT", c.AcceptTimeout.String()),
		kv("CONNECT_INITIAL_INTERVAL", c.ConnectInitialInterval.String()),
		kv("CONNECT_MAX_INTERVAL", c.ConnectMaxInterval.String()),
		kv("CONNECT_MAX_ELAPSED", c.ConnectMaxElapsed.String()),
		kv("FIFO_PATH", c.FifoPath),
		kv("FIFO_MODE", "0"+strconv.FormatUint(uint64(c.FifoMode), 8)),
		kv("FIFO_TOLERATE_EXISTING", strconv.FormatBool(c.TolerateExisting)),
		kv("REGION_SIZE", strconv.Itoa(c.RegionSize)),
		kv("REGION_NAME", c.RegionName),
		kv("WAIT_FOR_DATA", strconv.FormatBool(c.WaitForData)),
		kv("DATA_TIMEOUT", c.DataTimeout.String()),
	}
}
