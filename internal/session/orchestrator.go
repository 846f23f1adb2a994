// Package session drives the host's session state machine: it consumes
// the port allocator, process supervisor, credential verifier, and
// credential store, and publishes every transition on the event bus.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/deployshell/hostd/internal/classify"
	"github.com/deployshell/hostd/internal/credstore"
	"github.com/deployshell/hostd/internal/event"
	"github.com/deployshell/hostd/internal/logging"
	"github.com/deployshell/hostd/internal/verify"
	"github.com/deployshell/hostd/internal/worker"
)

// PortAllocator finds a bindable loopback port.
type PortAllocator interface {
	Allocate(ctx context.Context, start, end int) (int, error)
}

// CredentialVerifier validates candidate credentials.
type CredentialVerifier interface {
	Verify(ctx context.Context, creds credstore.Credentials) verify.Result
}

// WorkerSupervisor starts and stops the backend worker.
type WorkerSupervisor interface {
	Start(ctx context.Context, spec worker.StartSpec, onLine worker.OutputFunc) (*worker.Handle, error)
	Stop()
	WaitReady(ctx context.Context, h *worker.Handle, interval time.Duration, maxAttempts int) error
	Shutdown()
}

// SessionStore persists the session record.
type SessionStore interface {
	Save(credstore.StoredSession) error
	ResetAtStartup() error
	Value(key string) (any, error)
}

// Result is the reply to a login or logout command.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// WorkerInvocation describes how the orchestrator launches the worker
// for a full session.
type WorkerInvocation struct {
	Interpreter string
	Entrypoint  string
	Host        string
}

// Timings collects the orchestrator's timeout knobs.
type Timings struct {
	PortStart         int
	PortEnd           int
	ReadyPollInterval time.Duration
	ReadyMaxAttempts  int
}

// Orchestrator is the single owner of session state. One instance is
// constructed at startup; all worker/port/login state lives in its
// fields rather than in package globals.
type Orchestrator struct {
	invocation WorkerInvocation
	timings    Timings

	allocator  PortAllocator
	supervisor WorkerSupervisor
	verifier   CredentialVerifier
	store      SessionStore
	bus        *event.Bus
	logger     *logging.Logger

	mu            sync.Mutex
	state         State
	port          int
	generation    uint64 // current login-attempt generation
	attemptCancel context.CancelFunc
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger attaches a logger.
func WithLogger(logger *logging.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// New creates an Orchestrator. All collaborators must be non-nil;
// passing nil panics early to surface wiring bugs immediately.
func New(invocation WorkerInvocation, timings Timings, allocator PortAllocator, supervisor WorkerSupervisor, verifier CredentialVerifier, store SessionStore, bus *event.Bus, opts ...Option) *Orchestrator {
	if allocator == nil {
		panic("session: PortAllocator must not be nil")
	}
	if supervisor == nil {
		panic("session: WorkerSupervisor must not be nil")
	}
	if verifier == nil {
		panic("session: CredentialVerifier must not be nil")
	}
	if store == nil {
		panic("session: SessionStore must not be nil")
	}
	if bus == nil {
		panic("session: event.Bus must not be nil")
	}

	o := &Orchestrator{
		invocation: invocation,
		timings:    timings,
		allocator:  allocator,
		supervisor: supervisor,
		verifier:   verifier,
		store:      store,
		bus:        bus,
		logger:     logging.NopLogger(),
		state:      StateInit,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start clears any persisted session and moves to AWAITING_LOGIN. There
// is no auto-resume: whatever was stored, the host starts logged out.
func (o *Orchestrator) Start() error {
	if err := o.store.ResetAtStartup(); err != nil {
		return fmt.Errorf("failed to reset stored session: %w", err)
	}

	o.setState(StateAwaitingLogin)
	// Emitted twice: a UI listener may not be attached yet when the
	// first copy goes out, and show-login is idempotent on the UI side.
	// Listeners attaching later get a replay from the bridge.
	o.bus.Publish(event.NewShowLoginEvent())
	o.bus.Publish(event.NewShowLoginEvent())
	return nil
}

// Login verifies the credentials and, if accepted, starts a full worker
// session. A login arriving while a previous attempt is still in flight
// supersedes it: the old attempt's probe or worker is killed and its
// outcome discarded.
func (o *Orchestrator) Login(ctx context.Context, creds credstore.Credentials) Result {
	gen, attemptCtx := o.beginAttempt(ctx)
	defer o.endAttempt(gen)

	attemptID := uuid.NewString()
	logger := o.logger.WithAttempt(attemptID)
	logger.Info("login requested", "client_id", creds.ClientID, "tenant_id", creds.TenantID)

	if !o.transition(gen, StateVerifying) {
		return Result{Success: false, Message: "login superseded"}
	}

	verdict := o.verifier.Verify(attemptCtx, creds)
	if attemptCtx.Err() != nil {
		logger.Info("login superseded during verification")
		return Result{Success: false, Message: "login superseded"}
	}
	if !verdict.OK {
		if verdict.TimedOut {
			logger.Warn("credential verification timed out")
		} else {
			logger.Warn("credential verification rejected", "reason", verdict.Reason)
		}
		o.failAttempt(gen, verdict.Reason)
		return Result{Success: false, Message: verdict.Reason}
	}

	if !o.transition(gen, StateStartingWorker) {
		return Result{Success: false, Message: "login superseded"}
	}

	port, err := o.allocator.Allocate(attemptCtx, o.timings.PortStart, o.timings.PortEnd)
	if err != nil {
		msg := fmt.Sprintf("could not allocate a port for the backend: %v", err)
		logger.Error("port allocation failed", "err", err)
		o.failAttempt(gen, msg)
		return Result{Success: false, Message: msg}
	}
	logger.Info("port allocated", "port", port)

	handle, err := o.supervisor.Start(attemptCtx, worker.StartSpec{
		Interpreter: o.invocation.Interpreter,
		Entrypoint:  o.invocation.Entrypoint,
		Args:        []string{"--host", o.invocation.Host, "--port", fmt.Sprintf("%d", port)},
		Env:         creds.Env(),
		Port:        port,
	}, o.forwardLine)
	if err != nil {
		msg := fmt.Sprintf("could not start the backend: %v", err)
		logger.Error("worker spawn failed", "err", err)
		o.failAttempt(gen, msg)
		return Result{Success: false, Message: msg}
	}

	if err := o.supervisor.WaitReady(attemptCtx, handle, o.timings.ReadyPollInterval, o.timings.ReadyMaxAttempts); err != nil {
		if attemptCtx.Err() != nil {
			logger.Info("login superseded during worker startup")
			return Result{Success: false, Message: "login superseded"}
		}
		msg := fmt.Sprintf("backend failed to start: %v", err)
		logger.Error("worker did not become ready", "err", err)
		o.supervisor.Stop()
		o.failAttempt(gen, msg)
		return Result{Success: false, Message: msg}
	}

	if err := o.store.Save(credstore.StoredSession{
		Credentials: creds,
		IsLoggedIn:  true,
		LastPort:    port,
	}); err != nil {
		// Persistence failure does not abort a working session.
		logger.Warn("failed to persist session", "err", err)
	}

	o.mu.Lock()
	if o.generation != gen {
		o.mu.Unlock()
		return Result{Success: false, Message: "login superseded"}
	}
	o.port = port
	o.mu.Unlock()

	o.transition(gen, StateReady)
	o.bus.Publish(event.NewReadyEvent(port))
	logger.Info("session ready", "port", port)

	go o.watchWorker(gen, handle)
	return Result{Success: true}
}

// Logout stops the worker, clears the persisted session, and returns to
// AWAITING_LOGIN. It also supersedes any in-flight login attempt.
func (o *Orchestrator) Logout() Result {
	o.mu.Lock()
	o.generation++
	if o.attemptCancel != nil {
		o.attemptCancel()
		o.attemptCancel = nil
	}
	o.port = 0
	o.mu.Unlock()

	o.supervisor.Stop()
	if err := o.store.Save(credstore.StoredSession{IsLoggedIn: false}); err != nil {
		o.logger.Warn("failed to clear stored session", "err", err)
	}

	o.setState(StateAwaitingLogin)
	o.bus.Publish(event.NewShowLoginEvent())
	o.logger.Info("logged out")
	return Result{Success: true}
}

// Port returns the serving port, or 0 when no session is ready.
func (o *Orchestrator) Port() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.port
}

// State returns the current session state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// StoredValue exposes a field of the persisted record by key.
func (o *Orchestrator) StoredValue(key string) (any, error) {
	return o.store.Value(key)
}

// Shutdown terminates any live worker. Called at host exit.
func (o *Orchestrator) Shutdown() {
	o.supervisor.Shutdown()
}

// beginAttempt supersedes any in-flight attempt and registers a new one.
func (o *Orchestrator) beginAttempt(ctx context.Context) (uint64, context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.attemptCancel != nil {
		o.attemptCancel()
	}
	o.generation++
	gen := o.generation

	attemptCtx, cancel := context.WithCancel(ctx)
	o.attemptCancel = cancel
	return gen, attemptCtx
}

// endAttempt releases the attempt's cancel func if it is still current.
func (o *Orchestrator) endAttempt(gen uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.generation == gen && o.attemptCancel != nil {
		o.attemptCancel()
		o.attemptCancel = nil
	}
}

// transition moves to the given state if the attempt is still current.
// Returns false when a newer login or logout has taken over.
func (o *Orchestrator) transition(gen uint64, to State) bool {
	o.mu.Lock()
	if o.generation != gen {
		o.mu.Unlock()
		return false
	}
	from := o.state
	o.state = to
	o.mu.Unlock()

	if from != to {
		o.bus.Publish(event.NewStateChangedEvent(from.String(), to.String()))
	}
	return true
}

// setState is transition without a generation guard, for transitions the
// orchestrator itself owns unconditionally (startup, logout).
func (o *Orchestrator) setState(to State) {
	o.mu.Lock()
	from := o.state
	o.state = to
	o.mu.Unlock()

	if from != to {
		o.bus.Publish(event.NewStateChangedEvent(from.String(), to.String()))
	}
}

// failAttempt reports an error to the UI and returns the machine to
// AWAITING_LOGIN, provided the attempt is still current.
func (o *Orchestrator) failAttempt(gen uint64, message string) {
	if !o.transition(gen, StateError) {
		return
	}
	o.bus.Publish(event.NewErrorEvent(message))
	o.transition(gen, StateAwaitingLogin)
}

// watchWorker observes a serving worker for unexpected exit. A crash
// after READY degrades the session but does not force a logout: the
// error is reported and the UI decides what to do. The worker is never
// auto-restarted.
func (o *Orchestrator) watchWorker(gen uint64, handle *worker.Handle) {
	<-handle.Exited()

	if handle.StopRequested() {
		return
	}
	o.mu.Lock()
	current := o.generation == gen
	o.mu.Unlock()
	if !current {
		return
	}

	o.logger.Error("worker exited unexpectedly", "exit_code", handle.ExitCode())
	o.bus.Publish(event.NewWorkerExitedEvent(handle.ExitCode(), true))
	o.bus.Publish(event.NewErrorEvent("the backend stopped unexpectedly"))
}

// forwardLine relays informational worker output to the UI as log events.
func (o *Orchestrator) forwardLine(line classify.Line) {
	if line.Kind == classify.KindLog {
		o.bus.Publish(event.NewLogEvent(line.Text))
	}
}
