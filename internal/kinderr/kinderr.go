// Package kinderr gives the typed error kinds from the core's error
// handling design: transient I/O, protocol errors, capacity limits,
// invariant violations and fatal init failures. Callers branch on Kind
// rather than string-matching error text.
package kinderr

import (
	"errors"
	"fmt"
)

// Kind classifies why an operation failed.
type Kind string

const (
	Transient  Kind = "transient"  // retryable: Redis timeout, publish failure, network blip
	Protocol   Kind = "protocol"   // unparseable message, malformed record; drop locally
	Capacity   Kind = "capacity"   // over max connections, breaker open
	Invariant  Kind = "invariant"  // conflicting cluster state; cleanup sweeper recovers
	Fatal      Kind = "fatal"      // cannot continue process init
)

// Error wraps a cause with a Kind so callers can branch without parsing
// messages.
type Error struct {
	Kind  Kind
	Op    string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a typed error for op with the given kind and cause.
func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Cause: cause}
}

// Of reports the Kind of err, or "" if err does not carry one.
func Of(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err is a kinderr.Error of the given kind.
func Is(err error, kind Kind) bool {
	return Of(err) == kind
}

// Retryable reports whether the given error kind should be retried by the
// resilience engine rather than surfaced immediately.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	k := Of(err)
	return k == Transient || k == ""
}
