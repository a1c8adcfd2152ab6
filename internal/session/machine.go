package session

import (
	"github.com/convergecrm/wabridge/internal/adapter"
	"github.com/convergecrm/wabridge/internal/domain"
)

// Outcome is the result of feeding one event to the connection state machine.
// Reconnect and Teardown are mutually exclusive; Teardown wins when the
// pairing itself is gone.
type Outcome struct {
	State     string
	Reconnect bool
	Teardown  bool
}

// Transition computes the next connection state for an adapter event. Pure
// function: the caller applies the side effects (persist, schedule retry,
// tear down) itself, which keeps transition logic testable without I/O.
func Transition(state string, ev adapter.Event) Outcome {
	switch e := ev.(type) {
	case adapter.QREvent:
		return Outcome{State: domain.SessionQRReady}
	case adapter.ConnectedEvent:
		return Outcome{State: domain.SessionConnected}
	case adapter.DisconnectedEvent:
		if e.LoggedOut {
			return Outcome{State: domain.SessionDisconnected, Teardown: true}
		}
		return Outcome{State: domain.SessionDisconnected, Reconnect: true}
	default:
		// Message and receipt traffic never moves the connection state.
		return Outcome{State: state}
	}
}

// Fail maps an internal or adapter failure onto the machine. Terminal
// failures (auth revoked) remove the session; everything else is retried.
func Fail(terminal bool) Outcome {
	if terminal {
		return Outcome{State: domain.SessionError, Teardown: true}
	}
	return Outcome{State: domain.SessionError, Reconnect: true}
}
