package bridge

import (
	"time"

	"github.com/deployshell/hostd/internal/event"
)

// Frame is one event as delivered to UI clients over the websocket
// channel. Delivery is at-least-once; state-setting frames (ready,
// show_login) must be handled idempotently by the UI.
type Frame struct {
	Type      string    `json:"type"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// toFrame converts a bus event into its wire representation.
func toFrame(e event.Event) Frame {
	frame := Frame{
		Type:      e.EventType(),
		Timestamp: e.Timestamp(),
	}

	switch ev := e.(type) {
	case event.ReadyEvent:
		frame.Payload = map[string]any{"port": ev.Port}
	case event.ErrorEvent:
		frame.Payload = map[string]any{"message": ev.Message}
	case event.LogEvent:
		frame.Payload = map[string]any{"message": ev.Message}
	case event.StateChangedEvent:
		frame.Payload = map[string]any{"from": ev.From, "to": ev.To}
	case event.WorkerExitedEvent:
		frame.Payload = map[string]any{"exitCode": ev.ExitCode, "unexpected": ev.Unexpected}
	}
	return frame
}
