package session

import "github.com/pkg/errors"

// Sentinel errors surfaced to callers of the manager. Everything else is
// converted into a state transition and retried internally.
var (
	ErrAlreadyActive   = errors.New("session already active")
	ErrNotConnected    = errors.New("session not connected")
	ErrSessionNotFound = errors.New("session not found")
)
