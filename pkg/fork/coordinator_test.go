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
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/srediag/forkipc/internal/transport"
	"github.com/srediag/forkipc/pkg/accept"
	"github.com/srediag/forkipc/pkg/ipc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sys/unix"
)

const envTestRoles = "FORKIPC_TEST_ROLES"

// The test binary is its own child: Fork re-executes it and TestMain hands
// the re-executed process to RunChild before any test runs.
func TestMain(m *testing.M) {
	if IsChild() {
		os.Exit(RunChild(context.Background(), childRoles(os.Getenv(envTestRoles))))
	}
	os.Exit(m.Run())
}

func childRoles(name string) Roles {
	switch name {
	case "nop":
		return NopRoles()
	case "fail":
		return Roles{Child: func(context.Context, ipc.Channel) error {
			return errors.New("refusing to listen")
		}}
	default:
		return DemoRoles()
	}
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

func testConf(t *testing.T, kind ipc.Kind) ipc.Config {
	cfg := ipc.DefaultConfig()
	cfg.Kind = kind
	cfg.FifoPath = filepath.Join(t.TempDir(), "fifoipc")
	cfg.RegionName = "fork-test-" + uuid.NewString()
	cfg.Port = freePort(t)
	return cfg
}

type CoordinatorTestSuite struct {
	suite.Suite
}

func TestCoordinatorTestSuite(t *testing.T) {
	suite.Run(t, new(CoordinatorTestSuite))
}

func (s *CoordinatorTestSuite) openChannel(cfg ipc.Config) ipc.Channel {
	ch, err := ipc.New(cfg)
	s.Require().NoError(err)
	s.Require().NoError(ch.Open())
	s.T().Cleanup(func() { _ = ch.Close() })
	return ch
}

func (s *CoordinatorTestSuite) forkAndWait(cfg ipc.Config, opts ...Option) WaitResult {
	c := New(s.openChannel(cfg), DemoRoles(), opts...)
	s.Equal(Idle, c.State())

	pid, err := c.Fork(context.Background())
	s.Require().NoError(err)
	s.Greater(pid, 0)
	s.NotEqual(os.Getpid(), pid)

	res, err := c.WaitFinish()
	s.Require().NoError(err)
	s.Equal(Finished, c.State())
	s.False(res.NoChild)
	s.Equal(pid, res.Pid)
	s.Equal(ExitOK, res.ExitCode)

	s.ErrorIs(unix.Kill(pid, 0), unix.ESRCH, "child %d still present after WaitFinish", pid)
	return res
}

func (s *CoordinatorTestSuite) TestDemoEveryKind() {
	for _, kind := range []ipc.Kind{ipc.Pipe, ipc.Fifo, ipc.SharedMemory} {
		s.Run(kind.String(), func() {
			s.forkAndWait(testConf(s.T(), kind))
		})
	}
}

func (s *CoordinatorTestSuite) TestDemoSocketEveryAcceptor() {
	for _, ak := range accept.Kinds() {
		s.Run(ak.String(), func() {
			cfg := testConf(s.T(), ipc.Socket)
			cfg.Acceptor = ak
			s.forkAndWait(cfg)
		})
	}
}

func (s *CoordinatorTestSuite) TestWaitFinishWithoutFork() {
	c := New(s.openChannel(testConf(s.T(), ipc.Pipe)), DemoRoles())
	res, err := c.WaitFinish()
	s.NoError(err)
	s.True(res.NoChild)
	s.Equal(Idle, c.State())
	_, started := c.Pid()
	s.False(started)
}

func (s *CoordinatorTestSuite) TestWaitFinishTwice() {
	c := New(s.openChannel(testConf(s.T(), ipc.Pipe)), DemoRoles())
	pid, err := c.Fork(context.Background())
	s.Require().NoError(err)

	first, err := c.WaitFinish()
	s.Require().NoError(err)
	second, err := c.WaitFinish()
	s.NoError(err)
	s.Equal(first, second)
	s.Equal(pid, second.Pid)
}

func (s *CoordinatorTestSuite) TestForkUnopenedChannel() {
	ch, err := ipc.New(testConf(s.T(), ipc.Pipe))
	s.Require().NoError(err)
	c := New(ch, DemoRoles())

	_, err = c.Fork(context.Background())
	s.ErrorIs(err, ipc.ErrNotOpen)
	s.Equal(Idle, c.State())
	s.ErrorIs(c.LastError(), ipc.ErrNotOpen)
}

func (s *CoordinatorTestSuite) TestForkTwice() {
	c := New(s.openChannel(testConf(s.T(), ipc.SharedMemory)), DemoRoles())
	_, err := c.Fork(context.Background())
	s.Require().NoError(err)
	_, err = c.Fork(context.Background())
	s.ErrorIs(err, ErrAlreadyForked)
	_, err = c.WaitFinish()
	s.NoError(err)
}

func (s *CoordinatorTestSuite) TestChildFailureExitCode() {
	c := New(s.openChannel(testConf(s.T(), ipc.SharedMemory)), DemoRoles(),
		WithEnv(envTestRoles+"=fail"))
	_, err := c.Fork(context.Background())
	s.Require().NoError(err)

	res, err := c.WaitFinish()
	s.ErrorIs(err, ErrChildFailed)
	s.Equal(ExitRole, res.ExitCode)
	s.ErrorIs(c.LastError(), ErrChildFailed)
}

func (s *CoordinatorTestSuite) TestNopRoles() {
	c := New(s.openChannel(testConf(s.T(), ipc.Pipe)), NopRoles(), WithEnv(envTestRoles+"=nop"))
	_, err := c.Fork(context.Background())
	s.Require().NoError(err)
	res, err := c.WaitFinish()
	s.NoError(err)
	s.Equal(ExitOK, res.ExitCode)
}

func (s *CoordinatorTestSuite) TestCustomPool() {
	pool, err := ants.NewPool(1)
	s.Require().NoError(err)
	defer pool.Release()
	s.forkAndWait(testConf(s.T(), ipc.Pipe), WithPool(pool))
}

// waitWithin runs WaitFinish and fails the test if it blocks past limit.
func (s *CoordinatorTestSuite) waitWithin(c *Coordinator, limit time.Duration) (WaitResult, error) {
	type outcome struct {
		res WaitResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := c.WaitFinish()
		done <- outcome{res, err}
	}()
	select {
	case o := <-done:
		return o.res, o.err
	case <-time.After(limit):
		s.FailNow("WaitFinish still blocked")
		return WaitResult{}, nil
	}
}

func (s *CoordinatorTestSuite) TestParentFailureKillsBlockedChild() {
	cfg := testConf(s.T(), ipc.SharedMemory)
	// Too small for the message: the parent write fails while the child
	// waits for data with no timeout.
	cfg.RegionSize = len(DemoMessage) - 6
	c := New(s.openChannel(cfg), DemoRoles())

	pid, err := c.Fork(context.Background())
	s.ErrorIs(err, ipc.ErrTooLarge)
	s.Greater(pid, 0)

	res, err := s.waitWithin(c, 10*time.Second)
	s.ErrorIs(err, ErrChildFailed)
	s.Equal(pid, res.Pid)
	s.Equal(-1, res.ExitCode)
	s.Equal(Finished, c.State())
	s.ErrorIs(unix.Kill(pid, 0), unix.ESRCH)
}

func (s *CoordinatorTestSuite) TestChildPrintsWhatItHeard() {
	exe, err := os.Executable()
	s.Require().NoError(err)
	out, err := os.Create(filepath.Join(s.T().TempDir(), "child.out"))
	s.Require().NoError(err)
	defer func() { _ = out.Close() }()

	s.forkAndWait(testConf(s.T(), ipc.Pipe), WithCommand(exe), WithOutput(out, out))

	got, err := os.ReadFile(out.Name())
	s.Require().NoError(err)
	s.Contains(string(got), "I hear : "+DemoMessage+"\n")
}

type recordingTracer struct {
	tracenoop.Tracer
	mu    sync.Mutex
	spans []string
}

func (t *recordingTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	t.mu.Lock()
	t.spans = append(t.spans, name)
	t.mu.Unlock()
	return t.Tracer.Start(ctx, name, opts...)
}

type recordingCounter struct {
	metricnoop.Int64Counter
	mu    sync.Mutex
	total int64
	kinds []string
}

func (c *recordingCounter) Add(_ context.Context, incr int64, opts ...metric.AddOption) {
	attrs := metric.NewAddConfig(opts).Attributes()
	kind, _ := attrs.Value("kind")
	c.mu.Lock()
	c.total += incr
	c.kinds = append(c.kinds, kind.AsString())
	c.mu.Unlock()
}

type recordingMeter struct {
	metricnoop.Meter
	names   []string
	counter *recordingCounter
}

func (m *recordingMeter) Int64Counter(name string, _ ...metric.Int64CounterOption) (metric.Int64Counter, error) {
	m.names = append(m.names, name)
	return m.counter, nil
}

func (s *CoordinatorTestSuite) TestTelemetry() {
	tracer := &recordingTracer{}
	meter := &recordingMeter{counter: &recordingCounter{}}
	s.forkAndWait(testConf(s.T(), ipc.Pipe), WithTracer(tracer), WithMeter(meter))

	s.Equal([]string{"fork", "parent-role", "wait"}, tracer.spans)
	s.Equal([]string{"forkipc.children"}, meter.names)
	s.Equal(int64(1), meter.counter.total)
	s.Equal([]string{"pipe"}, meter.counter.kinds)
}

func TestCheckHeard(t *testing.T) {
	msg := []byte(DemoMessage)
	buf := make([]byte, demoBufferSize)
	copy(buf, msg)
	assert.NoError(t, checkHeard(buf, len(msg), msg))

	// A message longer than the buffer is heard truncated.
	small := make([]byte, 4)
	copy(small, msg)
	assert.NoError(t, checkHeard(small, 4, msg))

	assert.Error(t, checkHeard(buf, 3, msg))
	buf[15] = 'x'
	assert.Error(t, checkHeard(buf, len(msg), msg))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "finished", Finished.String())
	assert.Equal(t, "State(7)", State(7).String())
}
