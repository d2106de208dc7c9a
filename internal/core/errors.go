// Package core implements the functionality shared across all burrow components.
package core

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so that callers can decide how to report it
// (exit code, HTTP status, log level) without inspecting messages.
type Kind string

const (
	KindUnknown              Kind = ""
	KindConfig               Kind = "ConfigError"
	KindConnectionBroken     Kind = "ConnectionBroken"
	KindPoolExhaustedTimeout Kind = "PoolExhaustedTimeout"
	KindInterpreter          Kind = "InterpreterError"
	KindEntryPointResolution Kind = "EntryPointResolutionError"
	KindPoolClosed           Kind = "PoolClosed"
)

// Kind sentinels for use with errors.Is.
var (
	ErrConfig               = &Error{Kind: KindConfig}
	ErrConnectionBroken     = &Error{Kind: KindConnectionBroken}
	ErrPoolExhaustedTimeout = &Error{Kind: KindPoolExhaustedTimeout}
	ErrInterpreter          = &Error{Kind: KindInterpreter}
	ErrEntryPointResolution = &Error{Kind: KindEntryPointResolution}
	ErrPoolClosed           = &Error{Kind: KindPoolClosed}
)

// Error is a classified error. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a bare sentinel of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

// ErrorKind returns the kind of the error.
func (e *Error) ErrorKind() Kind {
	return e.Kind
}

// kinded is implemented by errors that carry a Kind outside this package.
type kinded interface {
	ErrorKind() Kind
}

// KindOf returns the first Kind found in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var k kinded
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	return KindUnknown
}

// NewError creates a classified error with a formatted message.
func NewError(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// WrapError classifies err under kind. A nil err yields nil.
func WrapError(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// NewConfigError creates a configuration error.
func NewConfigError(format string, args ...any) *Error {
	return NewError(KindConfig, "", format, args...)
}
