// Package errs defines the error kinds surfaced by the execution pipeline.
package errs

import (
	"errors"
	"fmt"
	"strings"

	"droidpilot/pkg/types"
)

// Kind classifies a pipeline failure
type Kind string

const (
	DeviceUnreachable  Kind = "device_unreachable"
	DeviceUnauthorized Kind = "device_unauthorized"
	UnsupportedAction  Kind = "unsupported_action"
	IncompleteProfile  Kind = "incomplete_profile"
	InvalidParams      Kind = "invalid_params"
	// CandidateFailed is handled inside the engine and never returned to callers
	CandidateFailed Kind = "candidate_failed"
	Exhausted       Kind = "exhausted"
	Cancelled       Kind = "cancelled"
)

// Sentinels for errors.Is matching against a Kind
var (
	ErrDeviceUnreachable  = &Error{Kind: DeviceUnreachable}
	ErrDeviceUnauthorized = &Error{Kind: DeviceUnauthorized}
	ErrUnsupportedAction  = &Error{Kind: UnsupportedAction}
	ErrIncompleteProfile  = &Error{Kind: IncompleteProfile}
	ErrInvalidParams      = &Error{Kind: InvalidParams}
	ErrCandidateFailed    = &Error{Kind: CandidateFailed}
	ErrExhausted          = &Error{Kind: Exhausted}
	ErrCancelled          = &Error{Kind: Cancelled}
)

// Error is the typed pipeline error
type Error struct {
	Kind     Kind
	DeviceID string
	Action   string
	Detail   string
	Attempts []types.Attempt
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Action != "" {
		fmt.Fprintf(&b, " action=%s", e.Action)
	}
	if e.DeviceID != "" {
		fmt.Fprintf(&b, " device=%s", e.DeviceID)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Kind == Exhausted && len(e.Attempts) > 0 {
		fmt.Fprintf(&b, " (%d candidates tried)", len(e.Attempts))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, so the sentinels work with errors.Is
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// New builds an error of the given kind for a device
func New(kind Kind, deviceID, detail string) *Error {
	return &Error{Kind: kind, DeviceID: deviceID, Detail: detail}
}

// Wrap builds an error of the given kind around a cause
func Wrap(kind Kind, deviceID string, err error) *Error {
	return &Error{Kind: kind, DeviceID: deviceID, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if none
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// AttemptsOf returns the attempt trace carried by an Exhausted error
func AttemptsOf(err error) []types.Attempt {
	var e *Error
	if errors.As(err, &e) {
		return e.Attempts
	}
	return nil
}
