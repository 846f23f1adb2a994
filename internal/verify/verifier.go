// Package verify validates Graph credentials by running the backend
// worker in its verification-only mode and watching what it prints.
//
// The probe's text output is the only observable signal of the
// authentication outcome, so resolution is layered: explicit markers
// win, then the exit code, then a scan of everything the probe managed
// to print before it died.
package verify

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
	"github.com/deployshell/hostd/internal/credstore"
	"github.com/deployshell/hostd/internal/logging"
)

// DefaultTimeout bounds one verification run.
const DefaultTimeout = 15 * time.Second

// VerifyOnlyFlag is the worker flag selecting verification mode.
const VerifyOnlyFlag = "--verify-only"

// pipeGrace bounds how long Verify waits for the probe's output pipes to
// close after the probe itself is dead. A probe descendant that inherited
// the pipes must not hold the resolution open past the timeout.
const pipeGrace = 2 * time.Second

// Result is the outcome of a verification run. Verify never fails with
// an error: every outcome, including host-side problems, folds into a
// rejected Result with a reason.
type Result struct {
	// OK is true when the credentials were accepted.
	OK bool

	// Reason is a human-readable failure description, empty on success.
	Reason string

	// TimedOut marks an ambiguous timeout as opposed to an explicit
	// credential rejection. Callers log the two differently.
	TimedOut bool
}

// marker is the first decisive line seen on either probe stream.
type marker struct {
	kind classify.Kind
	text string
}

// Verifier runs credential probes.
type Verifier struct {
	classifier  *classify.Classifier
	logger      *logging.Logger
	timeout     time.Duration
	interpreter string
	entrypoint  string
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithTimeout overrides the verification timeout.
func WithTimeout(d time.Duration) Option {
	return func(v *Verifier) {
		if d > 0 {
			v.timeout = d
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *logging.Logger) Option {
	return func(v *Verifier) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// New creates a Verifier for the given worker invocation. The classifier
// must be non-nil; passing nil panics early to surface wiring bugs.
func New(classifier *classify.Classifier, interpreter, entrypoint string, opts ...Option) *Verifier {
	if classifier == nil {
		panic("verify: classifier must not be nil")
	}
	v := &Verifier{
		classifier:  classifier,
		logger:      logging.NopLogger(),
		timeout:     DefaultTimeout,
		interpreter: interpreter,
		entrypoint:  entrypoint,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify runs the worker with `--verify-only` and the candidate
// credentials in its environment, and resolves the outcome:
//
//  1. a success marker on either stream resolves accepted immediately,
//  2. an auth-failure marker resolves rejected immediately,
//  3. exit code 0 with no marker resolves accepted,
//  4. a killed or otherwise ambiguous probe falls back to scanning the
//     buffered output for success phrases.
//
// The probe is terminated as soon as a decisive marker is seen.
func (v *Verifier) Verify(ctx context.Context, creds credstore.Credentials) Result {
	probeCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	cmd := exec.CommandContext(probeCtx, v.interpreter, v.entrypoint, VerifyOnlyFlag)
	cmd.Env = append(os.Environ(), "DEBUG=false")
	cmd.Env = append(cmd.Env, creds.Env()...)
	// The probe leads its own process group and cancellation kills the
	// whole group, so nothing it spawned outlives the run. WaitDelay cuts
	// the pipes off anyway if something unkillable still holds them.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
			return cmd.Process.Kill()
		}
		return nil
	}
	cmd.WaitDelay = pipeGrace

	var (
		bufMu    sync.Mutex
		buffered strings.Builder
	)
	markerCh := make(chan marker, 1)

	record := func(line classify.Line) {
		bufMu.Lock()
		buffered.WriteString(line.Text)
		buffered.WriteByte('\n')
		bufMu.Unlock()

		if line.Kind == classify.KindReady || line.Kind == classify.KindAuthFailure {
			select {
			case markerCh <- marker{kind: line.Kind, text: line.Text}:
			default: // a marker was already reported
			}
		}
	}
	outW := v.classifier.NewLineWriter(classify.Stdout, record)
	errW := v.classifier.NewLineWriter(classify.Stderr, record)
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		return Result{OK: false, Reason: fmt.Sprintf("could not start verification process: %v", err)}
	}
	v.logger.Debug("verification probe started", "pid", cmd.Process.Pid)

	done := make(chan error, 1)
	go func() {
		// Wait reaps the probe with the pipes bounded by WaitDelay; the
		// flushes surface anything printed without a trailing newline.
		waitErr := cmd.Wait()
		outW.Flush()
		errW.Flush()
		done <- waitErr
	}()

	select {
	case m := <-markerCh:
		// Decisive marker: the probe has served its purpose.
		cancel()
		<-done

		if m.kind == classify.KindReady {
			v.logger.Info("credentials verified")
			return Result{OK: true}
		}
		v.logger.Warn("credentials rejected", "detail", m.text)
		return Result{OK: false, Reason: m.text}

	case waitErr := <-done:
		// A marker printed just before exit may still be queued.
		select {
		case m := <-markerCh:
			if m.kind == classify.KindReady {
				v.logger.Info("credentials verified")
				return Result{OK: true}
			}
			v.logger.Warn("credentials rejected", "detail", m.text)
			return Result{OK: false, Reason: m.text}
		default:
		}
		return v.resolveExit(probeCtx, waitErr, cmd, &bufMu, &buffered)
	}
}

// resolveExit handles a probe that exited with no decisive marker.
func (v *Verifier) resolveExit(probeCtx context.Context, waitErr error, cmd *exec.Cmd, bufMu *sync.Mutex, buffered *strings.Builder) Result {
	bufMu.Lock()
	output := buffered.String()
	bufMu.Unlock()

	// ErrWaitDelay replaces a nil Wait error when the probe exited cleanly
	// but something it spawned kept the pipes open past the grace.
	if waitErr == nil || errors.Is(waitErr, exec.ErrWaitDelay) {
		// Clean exit with no marker still means the probe succeeded.
		v.logger.Info("credentials verified", "detail", "probe exited 0 without marker")
		return Result{OK: true}
	}

	if v.classifier.ContainsSuccess(output) {
		// The probe was killed (or died oddly) after printing success.
		v.logger.Info("credentials verified", "detail", "success phrase in buffered output")
		return Result{OK: true}
	}

	if probeCtx.Err() == context.DeadlineExceeded {
		v.logger.Warn("verification timed out", "timeout", v.timeout)
		return Result{
			OK:       false,
			Reason:   fmt.Sprintf("credential verification timed out after %s", v.timeout),
			TimedOut: true,
		}
	}

	v.logger.Warn("verification failed",
		"exit_code", cmd.ProcessState.ExitCode())
	return Result{OK: false, Reason: "credential verification failed"}
}
