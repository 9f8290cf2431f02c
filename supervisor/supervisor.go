package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const maxLineSize = 1 << 20

var ErrAlreadyStarted = errors.New("worker process already started")

// Launch describes how to run a worker process.
type Launch struct {
	// Executable is a script run through Interpreter, or a native executable.
	Executable string
	// Interpreter runs Executable. Leave empty for native executables.
	Interpreter string
	// Port is passed to the worker as its first argument.
	Port int
	// ExtraArgs follow the port.
	ExtraArgs []string

	Dir string
	Env []string
}

// Native reports whether the executable is invoked directly, without the interpreter prefix.
func (l Launch) Native() bool {
	return l.Interpreter == "" || strings.EqualFold(filepath.Ext(l.Executable), ".exe")
}

// Argv returns the full command line for the launch.
func (l Launch) Argv() []string {
	var argv []string
	if !l.Native() {
		argv = append(argv, l.Interpreter)
	}
	argv = append(argv, l.Executable, strconv.Itoa(l.Port))
	return append(argv, l.ExtraArgs...)
}

type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// OutputSink receives the worker's output one line at a time.
// It is called concurrently for stdout and stderr.
type OutputSink func(stream Stream, line string)

// StateHook observes lifecycle transitions. res is set for Crashed and Exited.
type StateHook func(state State, res *Result)

// Result describes how the process ended.
type Result struct {
	ExitCode int
	// Err is the OS-level error for a crashed process.
	Err    error
	TimeMS int64
}

// Supervisor launches one worker process and tracks it until it ends.
// A Supervisor is single-use: once the process ends it cannot be restarted.
type Supervisor struct {
	log  *zap.SugaredLogger
	sink OutputSink
	hook StateHook

	mut        sync.Mutex
	state      State
	cmd        *exec.Cmd
	terminated bool
	result     *Result
	done       chan struct{}
}

type Option func(s *Supervisor)

func WithLogger(l *zap.Logger) Option {
	return func(s *Supervisor) {
		s.log = l.Named("supervisor").Sugar()
	}
}

func WithOutputSink(f OutputSink) Option {
	return func(s *Supervisor) {
		s.sink = f
	}
}

func WithStateHook(f StateHook) Option {
	return func(s *Supervisor) {
		s.hook = f
	}
}

func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		log:  defaultLogger,
		done: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.sink == nil {
		s.sink = s.logLine
	}
	return s
}

func (s *Supervisor) logLine(stream Stream, line string) {
	if stream == Stderr {
		s.log.Warnw("worker output", "Stream", stream, "Line", line)
		return
	}
	s.log.Debugw("worker output", "Stream", stream, "Line", line)
}

// Start spawns the process and returns once the OS reports it started.
// A launch that cannot start (missing interpreter, permission denied) leaves the supervisor Crashed.
func (s *Supervisor) Start(l Launch) error {
	s.mut.Lock()
	if s.state != NotStarted {
		s.mut.Unlock()
		return ErrAlreadyStarted
	}
	s.state = Starting
	s.mut.Unlock()
	s.notify(Starting, nil)

	argv := l.Argv()
	s.log.Debugw("starting worker process", "Argv", argv)

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = l.Dir
	if len(l.Env) > 0 {
		cmd.Env = append(os.Environ(), l.Env...)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.finish(Crashed, &Result{ExitCode: -1, Err: err})
		return fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.finish(Crashed, &Result{ExitCode: -1, Err: err})
		return fmt.Errorf("creating stderr pipe: %w", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		s.log.Warnw("worker process failed to start", "Argv", argv, "Error", err)
		s.finish(Crashed, &Result{ExitCode: -1, Err: err})
		return fmt.Errorf("starting %s: %w", argv[0], err)
	}

	s.mut.Lock()
	s.cmd = cmd
	s.state = Running
	s.mut.Unlock()
	s.log.Debugw("worker process running", "PID", cmd.Process.Pid)
	s.notify(Running, nil)

	var relays sync.WaitGroup
	relays.Add(2)
	go func() {
		defer relays.Done()
		s.relay(Stdout, stdout)
	}()
	go func() {
		defer relays.Done()
		s.relay(Stderr, stderr)
	}()

	go func() {
		// the pipes must be drained before Wait closes them
		relays.Wait()
		err := cmd.Wait()
		state, res := s.classify(err)
		res.TimeMS = time.Since(start).Milliseconds()
		s.finish(state, res)
	}()
	return nil
}

func (s *Supervisor) classify(err error) (State, *Result) {
	s.mut.Lock()
	terminated := s.terminated
	s.mut.Unlock()

	if err == nil {
		return Exited, &Result{ExitCode: 0}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.Exited() || terminated {
			return Exited, &Result{ExitCode: exitErr.ExitCode()}
		}
		return Crashed, &Result{ExitCode: exitErr.ExitCode(), Err: exitErr}
	}
	return Crashed, &Result{ExitCode: -1, Err: err}
}

func (s *Supervisor) finish(state State, res *Result) {
	s.mut.Lock()
	if s.state == Crashed || s.state == Exited {
		s.mut.Unlock()
		return
	}
	s.state = state
	s.result = res
	terminated := s.terminated
	close(s.done)
	s.mut.Unlock()

	switch {
	case state == Crashed:
		s.log.Warnw("worker process crashed", "ExitCode", res.ExitCode, "Error", res.Err)
	case terminated:
		s.log.Debugw("worker process terminated", "ExitCode", res.ExitCode)
	default:
		s.log.Infow("worker process exited", "ExitCode", res.ExitCode)
	}
	s.notify(state, res)
}

func (s *Supervisor) notify(state State, res *Result) {
	if s.hook != nil {
		s.hook(state, res)
	}
}

func (s *Supervisor) relay(stream Stream, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLineSize)
	for scanner.Scan() {
		s.sink(stream, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		s.log.Debugf("%s relay stopped: %s", stream, err)
		// keep draining so the process never blocks on a full pipe
		_, _ = io.Copy(io.Discard, r)
	}
}

// Terminate kills the process if it is running. It is safe to call at any time and more than once.
func (s *Supervisor) Terminate() error {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.state != Running || s.cmd == nil || s.terminated {
		return nil
	}
	s.terminated = true
	s.log.Debugw("terminating worker process", "PID", s.cmd.Process.Pid)
	err := s.cmd.Process.Kill()
	if err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("killing worker process: %w", err)
	}
	return nil
}

// Wait blocks until the process has ended.
func (s *Supervisor) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		s.mut.Lock()
		defer s.mut.Unlock()
		return s.result, nil
	}
}

// Done is closed once the process has crashed or exited.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

func (s *Supervisor) State() State {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.state
}

// Running reports whether the process is up.
func (s *Supervisor) Running() bool {
	return s.State() == Running
}

// PID returns the process ID, or 0 if the process never started.
func (s *Supervisor) PID() int {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}
