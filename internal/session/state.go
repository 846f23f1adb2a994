package session

// State is where the orchestrator is in its lifecycle. It is mutated
// only by the Orchestrator and read by the bridge to decide what to
// replay to newly attached UI listeners.
type State int

const (
	// StateInit is the pre-startup state.
	StateInit State = iota

	// StateAwaitingLogin means no session is active and the UI should
	// present the login form.
	StateAwaitingLogin

	// StateVerifying means a credential probe is in flight.
	StateVerifying

	// StateStartingWorker means credentials were accepted and the worker
	// is being launched.
	StateStartingWorker

	// StateReady means the worker signaled startup completion and the
	// session is serving. A crashed worker leaves the session in READY's
	// degraded mode; the UI decides whether to prompt re-login.
	StateReady

	// StateError is a transient failure state, always followed by a
	// return to StateAwaitingLogin.
	StateError
)

// String returns a human-readable string for the state.
func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateAwaitingLogin:
		return "awaiting_login"
	case StateVerifying:
		return "verifying"
	case StateStartingWorker:
		return "starting_worker"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}
