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
	"strings"
	"testing"
	"time"

	"github.com/srediag/forkipc/pkg/accept"
	"github.com/stretchr/testify/suite"
)

type ConfigTestSuite struct {
	suite.Suite
}

func (s *ConfigTestSuite) TestVerifyConfig() {
	config := DefaultConfig()
	s.Require().NoError(VerifyConfig(config))

	config.Port = 0
	s.Require().Error(VerifyConfig(config))
	config.Port = 9527

	config.Address = "::1"
	s.Require().Error(VerifyConfig(config))
	config.Address = "127.0.0.1"

	config.RegionSize = 0
	s.Require().Error(VerifyConfig(config))
	config.RegionSize = 1024

	config.FifoPath = ""
	s.Require().Error(VerifyConfig(config))
	config.FifoPath = "fifoipc"

	config.Acceptor = accept.Kind(12)
	s.Require().ErrorIs(VerifyConfig(config), accept.ErrUnknownKind)
	config.Acceptor = accept.Poll

	config.ConnectMaxInterval = time.Millisecond
	s.Require().Error(VerifyConfig(config))
	config.ConnectMaxInterval = time.Second

	s.Require().NoError(VerifyConfig(config))
}

func (s *ConfigTestSuite) TestLoadDefaults() {
	cfg, err := LoadConfig()
	s.Require().NoError(err)
	s.Equal(DefaultConfig(), cfg)
}

func (s *ConfigTestSuite) TestEnvironRoundTrip() {
	want := DefaultConfig()
	want.Kind = Socket
	want.Port = 10101
	want.Acceptor = accept.Select
	want.AcceptTimeout = 3 * time.Second
	want.FifoMode = 0o600
	want.TolerateExisting = true
	want.RegionSize = 2048
	want.RegionName = "roundtrip"
	want.WaitForData = false

	for _, kv := range want.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		s.Require().True(ok)
		s.T().Setenv(key, value)
	}
	got, err := LoadConfig()
	s.Require().NoError(err)
	s.Equal(want, got)
}

func (s *ConfigTestSuite) TestLoadRejectsUnknownKind() {
	s.T().Setenv("FORKIPC_KIND", "carrier-pigeon")
	_, err := LoadConfig()
	s.Require().Error(err)
}

func (s *ConfigTestSuite) TestParseKind() {
	for _, kind := range Kinds() {
		got, err := ParseKind(strings.ToUpper(kind.String()))
		s.Require().NoError(err)
		s.Equal(kind, got)
	}
	s.Equal("Kind(-1)", Kind(-1).String())
}

func TestConfigTestSuite(t *testing.T) {
	suite.Run(t, new(ConfigTestSuite))
}
