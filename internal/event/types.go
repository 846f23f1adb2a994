// Package event defines the typed events flowing from the session
// orchestrator to the UI process, and the bus that carries them.
// Events decouple the orchestrator from the bridge: the orchestrator
// publishes, subscribers (the bridge, tests) consume.
package event

import "time"

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns a string identifier for this event type.
	// Convention: "category.action" (e.g., "session.ready", "worker.exited").
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// baseEvent provides common fields for all events.
// Embed this in concrete event types to satisfy the Event interface.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// Event type identifiers published on the bus.
const (
	TypeReady        = "session.ready"
	TypeError        = "session.error"
	TypeShowLogin    = "session.show_login"
	TypeStateChanged = "session.state_changed"
	TypeLog          = "session.log"
	TypeWorkerExited = "worker.exited"
)

// ReadyEvent is emitted when the worker has signaled startup completion
// and the session is serving on the given port.
type ReadyEvent struct {
	baseEvent
	Port int
}

// NewReadyEvent creates a ReadyEvent.
func NewReadyEvent(port int) ReadyEvent {
	return ReadyEvent{
		baseEvent: newBaseEvent(TypeReady),
		Port:      port,
	}
}

// ErrorEvent carries a human-readable error message to the UI.
// It never contains credential material.
type ErrorEvent struct {
	baseEvent
	Message string
}

// NewErrorEvent creates an ErrorEvent.
func NewErrorEvent(message string) ErrorEvent {
	return ErrorEvent{
		baseEvent: newBaseEvent(TypeError),
		Message:   message,
	}
}

// ShowLoginEvent tells the UI to present the login form. It is a
// state-setting event: the UI must handle duplicate delivery idempotently.
type ShowLoginEvent struct {
	baseEvent
}

// NewShowLoginEvent creates a ShowLoginEvent.
func NewShowLoginEvent() ShowLoginEvent {
	return ShowLoginEvent{baseEvent: newBaseEvent(TypeShowLogin)}
}

// StateChangedEvent is emitted on every session state transition.
type StateChangedEvent struct {
	baseEvent
	From string
	To   string
}

// NewStateChangedEvent creates a StateChangedEvent.
func NewStateChangedEvent(from, to string) StateChangedEvent {
	return StateChangedEvent{
		baseEvent: newBaseEvent(TypeStateChanged),
		From:      from,
		To:        to,
	}
}

// LogEvent forwards an informational worker output line to the UI.
type LogEvent struct {
	baseEvent
	Message string
}

// NewLogEvent creates a LogEvent.
func NewLogEvent(message string) LogEvent {
	return LogEvent{
		baseEvent: newBaseEvent(TypeLog),
		Message:   message,
	}
}

// WorkerExitedEvent is emitted when the worker process exits, expectedly
// or not. Unexpected is true when the exit was not requested by the
// orchestrator (crash rather than logout).
type WorkerExitedEvent struct {
	baseEvent
	ExitCode   int
	Unexpected bool
}

// NewWorkerExitedEvent creates a WorkerExitedEvent.
func NewWorkerExitedEvent(exitCode int, unexpected bool) WorkerExitedEvent {
	return WorkerExitedEvent{
		baseEvent:  newBaseEvent(TypeWorkerExited),
		ExitCode:   exitCode,
		Unexpected: unexpected,
	}
}
