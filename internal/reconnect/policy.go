// Package reconnect decides whether a failed session tries again.
package reconnect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/srg/dart/internal/device"
)

// ErrorClass groups transport failures for retry decisions.
type ErrorClass int

const (
	TransportTimeout ErrorClass = iota
	ProtocolViolation
	TransportClosed
)

func (c ErrorClass) String() string {
	switch c {
	case TransportTimeout:
		return "transport_timeout"
	case ProtocolViolation:
		return "protocol_violation"
	case TransportClosed:
		return "transport_closed"
	default:
		return fmt.Sprintf("error_class(%d)", int(c))
	}
}

// Decision is the outcome of consulting a Policy.
type Decision struct {
	GiveUp bool
	Delay  time.Duration
}

// RetryAfter builds a decision to try again after d.
func RetryAfter(d time.Duration) Decision { return Decision{Delay: d} }

// GiveUp builds a terminal decision.
func GiveUp() Decision { return Decision{GiveUp: true} }

func (d Decision) String() string {
	if d.GiveUp {
		return "give_up"
	}
	return "retry_after(" + d.Delay.String() + ")"
}

// Policy maps the attempt number (1-based, counting consecutive failures) and the
// class of the last error to a decision. Implementations must be pure.
type Policy interface {
	Next(attempt int, class ErrorClass) Decision
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(attempt int, class ErrorClass) Decision

func (f PolicyFunc) Next(attempt int, class ErrorClass) Decision { return f(attempt, class) }

// Reference retry budget.
const (
	DefaultMaxAttempts = 20
	DefaultDelay       = 2 * time.Second
)

// Fixed retries up to MaxAttempts times with a constant delay, whatever the error class.
type Fixed struct {
	MaxAttempts int
	Delay       time.Duration
}

// Default returns the reference policy: 20 attempts, 2 s apart.
func Default() Fixed {
	return Fixed{MaxAttempts: DefaultMaxAttempts, Delay: DefaultDelay}
}

func (p Fixed) Next(attempt int, _ ErrorClass) Decision {
	if attempt > p.MaxAttempts {
		return GiveUp()
	}
	return RetryAfter(p.Delay)
}

// Exponential doubles the delay on every attempt, capped at Max.
type Exponential struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

func (p Exponential) Next(attempt int, _ ErrorClass) Decision {
	if attempt > p.MaxAttempts || attempt < 1 {
		return GiveUp()
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.Max > 0 && d >= p.Max {
			return RetryAfter(p.Max)
		}
	}
	return RetryAfter(d)
}

// Classify maps a transport error onto an ErrorClass.
func Classify(err error) ErrorClass {
	switch {
	case errors.Is(err, device.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return TransportTimeout
	case errors.Is(err, device.ErrProtocol), errors.Is(err, device.ErrUnsupported):
		return ProtocolViolation
	case errors.Is(err, device.ErrNotConnected), errors.Is(err, device.ErrClosed), errors.Is(err, io.EOF):
		return TransportClosed
	default:
		return TransportClosed
	}
}

// State is the RetryState of one session: consecutive failures and the class of the last one.
type State struct {
	Attempts  int
	LastClass ErrorClass
}

// Fail records a failure and asks p what to do next.
func (s *State) Fail(p Policy, err error) Decision {
	s.Attempts++
	s.LastClass = Classify(err)
	return p.Next(s.Attempts, s.LastClass)
}

// Reset clears the counter after a successful connection.
func (s *State) Reset() {
	s.Attempts = 0
}
