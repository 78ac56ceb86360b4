package actor

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrUnknownMessage is wrapped by [Unhandled]. A handler that receives a
	// message type it does not understand must report it instead of silently
	// dropping it.
	ErrUnknownMessage = errors.New("actor: unknown message")

	// ErrAlreadyStarted is returned by [Actor.Run] when the actor is already
	// running or has run before. Actors are single-use.
	ErrAlreadyStarted = errors.New("actor: already started")

	// ErrStopped is returned by blocking helpers when the actor they wait on
	// has terminated.
	ErrStopped = errors.New("actor: stopped")
)

// Error is the structured error message that the runtime forwards to the
// error handler whenever Init, Act or Idle fail or panic.
//
// Error implements both [Message] (so it can travel through a mailbox) and
// the error interface.
type Error struct {
	// ID uniquely identifies this error occurrence for log correlation.
	ID uuid.UUID

	// Origin is the name of the actor that produced the error.
	Origin string

	// Hook names the lifecycle hook that failed: "init", "act" or "idle".
	Hook string

	// MessageKind is the [Message.Kind] being processed, empty for hooks that
	// do not run on a message.
	MessageKind string

	// Message is a human-readable description.
	Message string

	// Cause is the underlying error, if any.
	Cause error

	// Fatal reports whether the origin actor stopped because of this error.
	Fatal bool

	// Time is when the error was observed.
	Time time.Time
}

// Kind implements [Message].
func (e *Error) Kind() string { return "actor.error" }

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("actor %s: %s", e.Origin, e.Message)
}

// Unwrap returns the cause so that errors.Is and errors.As see through the
// envelope.
func (e *Error) Unwrap() error { return e.Cause }

// fatalError marks an error as terminating for the actor that returned it.
type fatalError struct {
	err error
}

func (f *fatalError) Error() string { return f.err.Error() }
func (f *fatalError) Unwrap() error { return f.err }

// Fatal marks err as fatal: when returned from a hook, the runtime reports it
// and then stops the actor. Fatal(nil) returns nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err (or anything it wraps) was marked with [Fatal]
// or is a recovered panic.
func IsFatal(err error) bool {
	var f *fatalError
	if errors.As(err, &f) {
		return true
	}
	var p *PanicError
	return errors.As(err, &p)
}

// PanicError carries a value recovered from a panicking hook. Panics are
// always fatal.
type PanicError struct {
	Value any
	Stack []byte
}

func (p *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", p.Value)
}

// Unhandled returns an error wrapping [ErrUnknownMessage] for msg. Handlers
// return it from the default branch of their message switch.
func Unhandled(msg Message) error {
	if msg == nil {
		return fmt.Errorf("%w: <nil>", ErrUnknownMessage)
	}
	return fmt.Errorf("%w: %s (%T)", ErrUnknownMessage, msg.Kind(), msg)
}
