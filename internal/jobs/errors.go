package jobs

import (
	"errors"
	"fmt"
)

// Kind tells the worker whether re-running a failed job can help.
type Kind int

const (
	// KindRetryable failures (network, IO, remote commands) are retried with backoff.
	KindRetryable Kind = iota
	// KindTerminal failures (bad input, duplicate resource, unsupported format)
	// fail the job immediately.
	KindTerminal
)

func (k Kind) String() string {
	switch k {
	case KindTerminal:
		return "terminal"
	default:
		return "retryable"
	}
}

// ErrUnhandledType is returned when no handler is registered for a job's type.
var ErrUnhandledType = errors.New("no handler registered for job type")

// Error is a handler failure annotated with its Kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Terminal marks err as not worth retrying.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTerminal, Err: err}
}

// Terminalf is Terminal(fmt.Errorf(format, args...)).
func Terminalf(format string, args ...any) error {
	return Terminal(fmt.Errorf(format, args...))
}

// Retryable marks err as transient.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindRetryable, Err: err}
}

// KindOf reports the kind of the outermost *Error in err's chain. Errors that carry
// no kind are retryable, except ErrUnhandledType which is terminal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, ErrUnhandledType) {
		return KindTerminal
	}
	return KindRetryable
}
