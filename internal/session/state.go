package session

import "time"

// State is the controller-owned session lifecycle state.
type State string

const (
	StateIdle                 State = "idle"
	StateRequestingPermission State = "requesting_permission"
	StateConnecting           State = "connecting"
	StateConnected            State = "connected"
	StateDisconnecting        State = "disconnecting"
	StateError                State = "error"
)

// Status is a point-in-time snapshot of the controller for consumers
// (status endpoints, UIs). Speaking is a substate of Connected driven by
// the transport's audio-activity signal.
type Status struct {
	State     State     `json:"state"`
	Speaking  bool      `json:"speaking"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error,omitempty"`
	CallStart time.Time `json:"call_start,omitempty"`
}

// Connected reports whether a call is live.
func (s Status) Connected() bool {
	return s.State == StateConnected
}

// Active reports whether a start is underway or a call is live.
func (s Status) Active() bool {
	switch s.State {
	case StateRequestingPermission, StateConnecting, StateConnected, StateDisconnecting:
		return true
	}
	return false
}
