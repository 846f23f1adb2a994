// Package worker owns the backend worker child process: starting it,
// watching its output, and guaranteeing that at most one worker is alive
// at any instant.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/deployshell/hostd/internal/classify"
	"github.com/deployshell/hostd/internal/logging"
)

// Common errors returned by Supervisor operations.
var (
	// ErrNotRunning is returned when an operation requires a live worker.
	ErrNotRunning = errors.New("worker not running")

	// ErrStartupFailed is returned when the worker exits before emitting
	// a ready marker.
	ErrStartupFailed = errors.New("worker exited before becoming ready")

	// ErrReadyTimeout is returned when WaitReady gives up.
	ErrReadyTimeout = errors.New("timeout waiting for worker to become ready")
)

const (
	// DefaultSettleWait is how long Start waits after stopping a previous
	// worker, so the OS releases the bound port before the new worker
	// tries to claim it.
	DefaultSettleWait = 1 * time.Second

	// DefaultReadyPollInterval is the interval between readiness checks
	// in WaitReady.
	DefaultReadyPollInterval = 1 * time.Second

	// DefaultReadyMaxAttempts bounds WaitReady.
	DefaultReadyMaxAttempts = 30

	// stopWait bounds how long Stop waits for the process to die after
	// being killed.
	stopWait = 5 * time.Second

	// pipeGrace bounds how long exit reaping waits for the output pipes
	// to drain after the worker dies. A descendant that inherited the
	// pipes and refuses to die must not keep the handle looking alive.
	pipeGrace = 2 * time.Second
)

// StartSpec describes one worker launch.
type StartSpec struct {
	// Interpreter is the runtime executable (e.g. a Python binary).
	Interpreter string

	// Entrypoint is the worker script passed to the interpreter.
	Entrypoint string

	// Args are appended after the entrypoint.
	Args []string

	// Env entries are appended to the inherited environment, typically
	// the credential variables.
	Env []string

	// Port is the serving port, recorded on the handle. Zero for
	// verification-only runs.
	Port int
}

// OutputFunc receives every classified line of worker output.
type OutputFunc func(classify.Line)

// Handle represents one live (or recently exited) worker process.
// At most one Handle is live per Supervisor.
type Handle struct {
	cmd  *exec.Cmd
	port int

	readyOnce sync.Once
	readyCh   chan struct{}
	exitCh    chan struct{}

	mu            sync.Mutex
	errLines      []string
	exitCode      int
	stopRequested bool
}

// Port returns the serving port this worker was started on.
func (h *Handle) Port() int { return h.port }

// Ready returns a channel closed when a ready marker has been observed.
func (h *Handle) Ready() <-chan struct{} { return h.readyCh }

// Exited returns a channel closed when the worker process has exited and
// its remaining output has been delivered.
func (h *Handle) Exited() <-chan struct{} { return h.exitCh }

// IsReady reports whether a ready marker has been observed.
func (h *Handle) IsReady() bool {
	select {
	case <-h.readyCh:
		return true
	default:
		return false
	}
}

// ExitCode returns the worker's exit code. Valid only after Exited is
// closed; -1 means killed by signal.
func (h *Handle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

// StopRequested reports whether the exit was asked for by the host, as
// opposed to a crash.
func (h *Handle) StopRequested() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopRequested
}

// ErrOutput returns the stderr lines that were classified as errors, in
// arrival order.
func (h *Handle) ErrOutput() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.errLines))
	copy(out, h.errLines)
	return out
}

// markReady closes the ready channel exactly once.
func (h *Handle) markReady() {
	h.readyOnce.Do(func() { close(h.readyCh) })
}

func (h *Handle) recordErrLine(line string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errLines = append(h.errLines, line)
}

// Supervisor starts and stops worker processes, enforcing the
// single-live-worker invariant. All Start/Stop calls are serialized.
type Supervisor struct {
	classifier *classify.Classifier
	logger     *logging.Logger
	settleWait time.Duration

	mu     sync.Mutex
	handle *Handle
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger attaches a logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSettleWait overrides the wait between stopping an old worker and
// starting a new one.
func WithSettleWait(d time.Duration) Option {
	return func(s *Supervisor) {
		if d >= 0 {
			s.settleWait = d
		}
	}
}

// NewSupervisor creates a Supervisor. The classifier must be non-nil;
// passing nil panics early to surface wiring bugs immediately.
func NewSupervisor(classifier *classify.Classifier, opts ...Option) *Supervisor {
	if classifier == nil {
		panic("worker: classifier must not be nil")
	}
	s := &Supervisor{
		classifier: classifier,
		logger:     logging.NopLogger(),
		settleWait: DefaultSettleWait,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start spawns a worker process per spec. If a worker is already live it
// is stopped first and Start blocks for the settle wait so the OS can
// release the old port. Every classified output line is delivered to
// onLine (which may be nil).
func (s *Supervisor) Start(ctx context.Context, spec StartSpec, onLine OutputFunc) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handle != nil {
		s.stopLocked()
		select {
		case <-time.After(s.settleWait):
		case <-ctx.Done():
			return nil, fmt.Errorf("worker start canceled: %w", ctx.Err())
		}
	}

	args := append([]string{spec.Entrypoint}, spec.Args...)
	cmd := exec.Command(spec.Interpreter, args...)
	cmd.Env = append(os.Environ(), "DEBUG=false")
	cmd.Env = append(cmd.Env, spec.Env...)
	// The worker leads its own process group so stopping it takes down
	// everything it spawned, not just the interpreter.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = pipeGrace

	h := &Handle{
		cmd:     cmd,
		port:    spec.Port,
		readyCh: make(chan struct{}),
		exitCh:  make(chan struct{}),
	}

	handleLine := func(line classify.Line) {
		switch line.Kind {
		case classify.KindReady:
			h.markReady()
		case classify.KindGenericError, classify.KindAuthFailure:
			h.recordErrLine(line.Text)
		}
		if onLine != nil {
			onLine(line)
		}
	}
	outW := s.classifier.NewLineWriter(classify.Stdout, handleLine)
	errW := s.classifier.NewLineWriter(classify.Stderr, handleLine)
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to spawn worker: %w", err)
	}

	s.logger.Info("worker started",
		"pid", cmd.Process.Pid, "port", spec.Port, "args", strings.Join(spec.Args, " "))

	go func() {
		// Wait reaps the process and drains its output writers, cutting
		// the pipes off after pipeGrace if a descendant still holds them.
		err := cmd.Wait()
		outW.Flush()
		errW.Flush()

		h.mu.Lock()
		h.exitCode = cmd.ProcessState.ExitCode()
		h.mu.Unlock()

		if err != nil && !errors.Is(err, exec.ErrWaitDelay) && !h.StopRequested() {
			s.logger.Warn("worker exited", "pid", cmd.Process.Pid, "err", err)
		} else {
			s.logger.Debug("worker exited", "pid", cmd.Process.Pid)
		}
		close(h.exitCh)
	}()

	s.handle = h
	return h, nil
}

// Stop terminates the live worker, if any. It is idempotent: stopping an
// already-stopped or absent worker is a no-op.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Supervisor) stopLocked() {
	h := s.handle
	if h == nil {
		return
	}
	s.handle = nil

	select {
	case <-h.exitCh:
		return // already dead
	default:
	}

	h.mu.Lock()
	h.stopRequested = true
	h.mu.Unlock()

	if h.cmd.Process != nil {
		// Kill the whole process group; a surviving descendant would keep
		// the bound port alive.
		if err := syscall.Kill(-h.cmd.Process.Pid, syscall.SIGKILL); err != nil {
			if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				s.logger.Warn("failed to kill worker", "err", err)
			}
		}
	}

	select {
	case <-h.exitCh:
	case <-time.After(stopWait):
		s.logger.Warn("worker did not exit within stop wait", "pid", h.cmd.Process.Pid)
	}
}

// Current returns the live handle, or nil.
func (s *Supervisor) Current() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// Shutdown kills any live worker. Called at host exit so no orphaned
// worker survives.
func (s *Supervisor) Shutdown() {
	s.Stop()
}

// WaitReady blocks until the handle observes a ready marker. It polls at
// the given interval up to maxAttempts, and fails early if the worker
// exits first; an early exit surfaces the aggregated error output.
func (s *Supervisor) WaitReady(ctx context.Context, h *Handle, interval time.Duration, maxAttempts int) error {
	if h == nil {
		return ErrNotRunning
	}
	if interval <= 0 {
		interval = DefaultReadyPollInterval
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultReadyMaxAttempts
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for attempt := 0; attempt < maxAttempts; attempt++ {
		select {
		case <-h.readyCh:
			return nil
		case <-h.exitCh:
			// A ready marker can race the exit of a short-lived worker;
			// check once more before declaring failure.
			if h.IsReady() {
				return nil
			}
			return startupFailure(h)
		case <-ctx.Done():
			return fmt.Errorf("wait for worker canceled: %w", ctx.Err())
		case <-ticker.C:
		}
	}
	return ErrReadyTimeout
}

// startupFailure builds the aggregated error for a worker that died
// before becoming ready.
func startupFailure(h *Handle) error {
	errLines := h.ErrOutput()
	if len(errLines) == 0 {
		return fmt.Errorf("%w (exit code %d)", ErrStartupFailed, h.ExitCode())
	}
	return fmt.Errorf("%w (exit code %d): %s",
		ErrStartupFailed, h.ExitCode(), strings.Join(errLines, "; "))
}
