package session

import (
	"errors"
	"fmt"

	"github.com/srg/dart/internal/reconnect"
)

// State is the lifecycle position of a Session.
type State int

const (
	Idle State = iota
	Discovering
	Connecting
	Probing
	Streaming
	Draining
	Retrying
	Terminated
	Failed
)

var stateNames = [...]string{
	Idle:        "idle",
	Discovering: "discovering",
	Connecting:  "connecting",
	Probing:     "probing",
	Streaming:   "streaming",
	Draining:    "draining",
	Retrying:    "retrying",
	Terminated:  "terminated",
	Failed:      "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == Terminated || s == Failed
}

// Configuration and lifecycle errors.
var (
	ErrAlreadyActive    = errors.New("session already active")
	ErrDuplicateSession = errors.New("a session for this device already exists")
	ErrUnsupportedKind  = errors.New("device kind has no acquisition session")
)

// FatalError ends a session that exhausted its retry budget.
type FatalError struct {
	Device    string
	Attempts  int
	LastClass reconnect.ErrorClass
	Last      error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: giving up after %d failed attempts (last %s): %v", e.Device, e.Attempts, e.LastClass, e.Last)
}

func (e *FatalError) Unwrap() error { return e.Last }
