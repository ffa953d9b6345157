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

// Package fork runs a parent role and a child role in two processes that
// share one ipc.Channel.
//
// A Go program cannot fork(2) its runtime, so the child is the same binary
// started again: the channel's inheritable descriptors are passed as extra
// files and its configuration travels in FORKIPC_* variables. The program's
// main must hand control to RunChild when IsChild reports true, before doing
// anything else.
package fork

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/srediag/forkipc/internal/logging"
	"github.com/srediag/forkipc/pkg/ipc"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	// EnvRole marks a re-executed child process.
	EnvRole = "FORKIPC_ROLE"
	// EnvInherited carries the number of descriptors inherited from fd 3 on.
	EnvInherited = "FORKIPC_INHERITED"

	roleChild = "child"
	// firstInheritedFd is where exec.Cmd.ExtraFiles start in the child.
	firstInheritedFd = 3
)

var (
	// ErrAlreadyForked is returned by a second Fork on one Coordinator.
	ErrAlreadyForked = errors.New("fork: child already started")
	// ErrChildFailed is returned by WaitFinish when the child exited non-zero.
	ErrChildFailed = errors.New("fork: child exited with failure")
)

var internalLogger = logging.New("fork")

// State is the coordinator's view of its child.
type State int

const (
	// Idle means no child was started; there is no pid.
	Idle State = iota
	// Running means the child was started and not reaped yet.
	Running
	// Finished means the child exited and was reaped.
	Finished
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Finished:
		return "finished"
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}

// WaitResult describes how the child ended.
type WaitResult struct {
	// NoChild is set when WaitFinish ran without a prior Fork. Pid and
	// ExitCode are meaningless then.
	NoChild bool
	Pid     int
	// ExitCode is -1 when the child was killed by a signal.
	ExitCode int
}

type options struct {
	tracer trace.Tracer
	meter  metric.Meter
	pool   *ants.Pool
	path   string
	args   []string
	env    []string
	stdout *os.File
	stderr *os.File
}

// Option configures a Coordinator.
type Option func(*options)

// WithTracer records fork, parent-role and wait spans on t.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithMeter counts started children on m.
func WithMeter(m metric.Meter) Option {
	return func(o *options) { o.meter = m }
}

// WithPool reaps the child on p instead of the ants default pool.
func WithPool(p *ants.Pool) Option {
	return func(o *options) { o.pool = p }
}

// WithCommand starts path with args as the child instead of the running
// executable with its own arguments.
func WithCommand(path string, args ...string) Option {
	return func(o *options) { o.path, o.args = path, args }
}

// WithEnv adds variables to the child's environment.
func WithEnv(env ...string) Option {
	return func(o *options) { o.env = append(o.env, env...) }
}

// WithOutput sets the child's stdout and stderr.
func WithOutput(stdout, stderr *os.File) Option {
	return func(o *options) { o.stdout, o.stderr = stdout, stderr }
}

// Coordinator starts the child process for one channel, runs the parent role
// and reaps the child.
type Coordinator struct {
	ch       ipc.Channel
	roles    Roles
	opts     options
	children metric.Int64Counter

	mu      sync.Mutex
	state   State
	pid     int
	proc    *os.Process
	lastErr error
	done    chan struct{}
	result  WaitResult
	waitErr error
}

// New returns an idle coordinator for ch. ch must be opened before Fork.
func New(ch ipc.Channel, roles Roles, opts ...Option) *Coordinator {
	o := options{stdout: os.Stdout, stderr: os.Stderr}
	for _, opt := range opts {
		opt(&o)
	}
	if o.tracer == nil {
		o.tracer = tracenoop.NewTracerProvider().Tracer("forkipc")
	}
	if o.meter == nil {
		o.meter = metricnoop.NewMeterProvider().Meter("forkipc")
	}
	children, err := o.meter.Int64Counter("forkipc.children",
		metric.WithDescription("Number of child processes started"))
	if err != nil {
		internalLogger.Warnf("create children counter error: %v", err)
		children, _ = metricnoop.NewMeterProvider().Meter("forkipc").Int64Counter("forkipc.children")
	}
	return &Coordinator{ch: ch, roles: roles, opts: o, children: children, done: make(chan struct{})}
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Pid returns the child pid and whether a child was ever started.
func (c *Coordinator) Pid() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pid, c.state != Idle
}

// LastError returns the last failure of Fork, the parent role or the child.
func (c *Coordinator) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Fork starts the child process, then runs the parent role in this process
// and returns the child pid with the parent role's result. The child is
// reaped in the background; WaitFinish waits for that. When the parent role
// fails the child is killed, since it may be blocked waiting for a message
// that will never come.
func (c *Coordinator) Fork(ctx context.Context) (int, error) {
	ctx, span := c.opts.tracer.Start(ctx, "fork")
	defer span.End()

	pid, err := c.start(ctx)
	if err != nil {
		span.RecordError(err)
		c.fail(err)
		return 0, err
	}
	span.SetAttributes(attribute.Int("pid", pid), attribute.String("kind", c.ch.Kind().String()))

	if c.roles.Parent == nil {
		return pid, nil
	}
	roleCtx, roleSpan := c.opts.tracer.Start(ctx, "parent-role")
	err = c.roles.Parent(roleCtx, c.ch)
	if err != nil {
		roleSpan.RecordError(err)
		c.fail(err)
		c.terminate()
	}
	roleSpan.End()
	return pid, err
}

// terminate kills a child that has not been reaped yet.
func (c *Coordinator) terminate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Running || c.proc == nil {
		return
	}
	internalLogger.Warnf("killing child pid:%d after parent role failure", c.pid)
	if err := c.proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		internalLogger.Errorf("kill child pid:%d error: %v", c.pid, err)
	}
}

func (c *Coordinator) start(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Idle {
		return 0, ErrAlreadyForked
	}
	if !c.ch.Opened() {
		return 0, fmt.Errorf("fork %s channel: %w", c.ch.Kind(), ipc.ErrNotOpen)
	}
	files, err := c.ch.InheritableFiles()
	if err != nil {
		return 0, fmt.Errorf("collect inherited descriptors: %w", err)
	}
	// The child holds its own copies once started.
	defer func() {
		for _, f := range files {
			_ = f.Close()
		}
	}()

	path, args := c.opts.path, c.opts.args
	if path == "" {
		if path, err = os.Executable(); err != nil {
			return 0, fmt.Errorf("locate executable: %w", err)
		}
		args = os.Args[1:]
	}
	cmd := exec.Command(path, args...)
	cmd.Env = append(os.Environ(), c.opts.env...)
	cmd.Env = append(cmd.Env, c.ch.Config().Environ()...)
	cmd.Env = append(cmd.Env, EnvRole+"="+roleChild, EnvInherited+"="+strconv.Itoa(len(files)))
	cmd.ExtraFiles = files
	cmd.Stdout, cmd.Stderr = c.opts.stdout, c.opts.stderr

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start child: %w", err)
	}
	c.pid, c.proc = cmd.Process.Pid, cmd.Process
	c.state = Running
	c.children.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", c.ch.Kind().String())))
	internalLogger.Infof("child started pid:%d kind:%s inherited:%d", c.pid, c.ch.Kind(), len(files))

	if err := c.submit(func() { c.reap(cmd) }); err != nil {
		// No worker available: reap inline on a plain goroutine.
		internalLogger.Warnf("reaper submit error: %v", err)
		go c.reap(cmd)
	}
	return c.pid, nil
}

func (c *Coordinator) submit(task func()) error {
	if c.opts.pool != nil {
		return c.opts.pool.Submit(task)
	}
	return ants.Submit(task)
}

func (c *Coordinator) reap(cmd *exec.Cmd) {
	err := cmd.Wait()
	res := WaitResult{Pid: cmd.Process.Pid, ExitCode: -1}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		err = fmt.Errorf("%w: pid %d exit code %d", ErrChildFailed, res.Pid, res.ExitCode)
	default:
		err = fmt.Errorf("wait child %d: %w", res.Pid, err)
	}

	c.mu.Lock()
	c.state = Finished
	c.result, c.waitErr = res, err
	if err != nil {
		c.lastErr = err
	}
	c.mu.Unlock()
	internalLogger.Infof("child finished pid:%d exit code:%d", res.Pid, res.ExitCode)
	close(c.done)
}

func (c *Coordinator) fail(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

// WaitFinish blocks until the child has exited and returns how it ended.
// Without a prior Fork it returns at once with NoChild set. After the child
// finished, further calls return the same result without blocking.
func (c *Coordinator) WaitFinish() (WaitResult, error) {
	if c.State() == Idle {
		internalLogger.Infof("no child to wait for")
		return WaitResult{NoChild: true}, nil
	}
	_, span := c.opts.tracer.Start(context.Background(), "wait")
	defer span.End()
	<-c.done

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.waitErr != nil {
		span.RecordError(c.waitErr)
	}
	return c.result, c.waitErr
}
