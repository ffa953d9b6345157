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
	"net/netip"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/srediag/forkipc/internal/metrics"
	"github.com/srediag/forkipc/internal/transport"
	"github.com/srediag/forkipc/pkg/accept"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"golang.org/x/sys/unix"
)

const sendStr = "I love you"

type ChannelTestSuite struct {
	suite.Suite
}

func freePort(t *testing.T) int {
	t.Helper()
	sa, err := transport.SockaddrOf(netip.MustParseAddr("127.0.0.1"), 0)
	require.NoError(t, err)
	fd, err := transport.Listen(sa, 1)
	require.NoError(t, err)
	defer func() { _ = unix.Close(fd) }()
	bound, err := unix.Getsockname(fd)
	require.NoError(t, err)
	return bound.(*unix.SockaddrInet4).Port
}

func testConf(t *testing.T, kind Kind) Config {
	cfg := DefaultConfig()
	cfg.Kind = kind
	cfg.FifoPath = filepath.Join(t.TempDir(), "fifoipc")
	cfg.RegionName = "ipc-test-" + uuid.NewString()
	cfg.Port = freePort(t)
	return cfg
}

// openPair opens a channel as the parent would and attaches a second one the
// way the child process does, from the inherited descriptors.
func (s *ChannelTestSuite) openPair(cfg Config) (parent, child Channel) {
	parent, err := New(cfg)
	s.Require().NoError(err)
	s.Require().NoError(parent.Open())
	files, err := parent.InheritableFiles()
	s.Require().NoError(err)
	child, err = Attach(cfg, files)
	s.Require().NoError(err)
	s.True(child.Opened())
	return parent, child
}

func (s *ChannelTestSuite) roundTrip(cfg Config) {
	parent, child := s.openPair(cfg)
	defer func() {
		s.NoError(child.Close())
		s.NoError(parent.Close())
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	var written int
	var werr error
	go func() {
		defer wg.Done()
		written, werr = parent.Write([]byte(sendStr))
	}()

	hear := make([]byte, 20)
	n, err := child.Read(hear)
	wg.Wait()

	s.Require().NoError(werr)
	s.Require().NoError(err)
	s.Equal(len(sendStr), written)
	s.Equal(len(sendStr), n)
	s.Equal(sendStr, string(hear[:n]))
	s.Equal(make([]byte, 20-n), hear[n:])
}

func (s *ChannelTestSuite) TestRoundTripEveryKind() {
	for _, kind := range Kinds() {
		s.Run(kind.String(), func() {
			before := metrics.CounterValue(metrics.ChannelBytes.WithLabelValues(kind.String(), "read"))
			s.roundTrip(testConf(s.T(), kind))
			after := metrics.CounterValue(metrics.ChannelBytes.WithLabelValues(kind.String(), "read"))
			s.Equal(before+float64(len(sendStr)), after)
		})
	}
}

func (s *ChannelTestSuite) TestSocketEveryAcceptor() {
	for _, kind := range accept.Kinds() {
		s.Run(kind.String(), func() {
			cfg := testConf(s.T(), Socket)
			cfg.Acceptor = kind
			s.roundTrip(cfg)
		})
	}
}

func (s *ChannelTestSuite) TestCloseWithoutOpen() {
	for _, kind := range Kinds() {
		ch, err := New(testConf(s.T(), kind))
		s.Require().NoError(err)
		s.False(ch.Opened())
		s.NoError(ch.Close(), kind.String())
		s.NoError(ch.Close(), kind.String())
	}
}

func (s *ChannelTestSuite) TestUseBeforeOpen() {
	for _, kind := range Kinds() {
		ch, err := New(testConf(s.T(), kind))
		s.Require().NoError(err)
		_, err = ch.Write([]byte(sendStr))
		s.ErrorIs(err, ErrNotOpen, kind.String())
		_, err = ch.Read(make([]byte, 4))
		s.ErrorIs(err, ErrNotOpen, kind.String())
		_, err = ch.InheritableFiles()
		s.ErrorIs(err, ErrNotOpen, kind.String())
	}
}

func (s *ChannelTestSuite) TestCloseTwiceAfterOpen() {
	for _, kind := range Kinds() {
		ch, err := New(testConf(s.T(), kind))
		s.Require().NoError(err)
		s.Require().NoError(ch.Open())
		s.True(ch.Opened())
		s.NoError(ch.Close(), kind.String())
		s.False(ch.Opened())
		s.NoError(ch.Close(), kind.String())
	}
}

func (s *ChannelTestSuite) TestAttachRejectsWrongFiles() {
	for _, kind := range []Kind{Pipe, SharedMemory} {
		_, err := Attach(testConf(s.T(), kind), nil)
		s.ErrorIs(err, ErrInheritance, kind.String())
	}
}

func (s *ChannelTestSuite) TestNewRejectsBadConfig() {
	cfg := testConf(s.T(), Pipe)
	cfg.Kind = Kind(7)
	_, err := New(cfg)
	s.ErrorIs(err, ErrUnknownKind)
}

func TestChannelTestSuite(t *testing.T) {
	suite.Run(t, new(ChannelTestSuite))
}
