// Package jmserr defines the closed set of error kinds shared by every JMS service.
//
// Errors are split into two families:
//   - transport errors (StoreUnavailable, BusUnavailable, RpcTimeout) are logged and
//     retried by the service that owns the operation
//   - domain errors (IllegalStateChange, PermissionDenied, PlayoffError, ...) travel
//     back to the RPC caller verbatim and are shown to the operator
//
// A *Error keeps its Kind across the bus: the reply envelope carries the kind name and
// reason, and the calling side rebuilds an equivalent *Error with FromWire.
package jmserr

import (
	"errors"
	"fmt"
)

// Kind identifies one of the error categories a JMS operation can fail with.
type Kind string

const (
	StoreUnavailable      Kind = "StoreUnavailable"
	BusUnavailable        Kind = "BusUnavailable"
	Malformed             Kind = "Malformed"
	IllegalStateChange    Kind = "IllegalStateChange"
	MatchNotLoaded        Kind = "MatchNotLoaded"
	Unauthenticated       Kind = "Unauthenticated"
	PermissionDenied      Kind = "PermissionDenied"
	PlayoffError          Kind = "PlayoffError"
	RpcTimeout            Kind = "RpcTimeout"
	PublishRejected       Kind = "PublishRejected"
	LockContention        Kind = "LockContention"
	CancellationRequested Kind = "CancellationRequested"
)

var kinds = map[Kind]bool{
	StoreUnavailable: true, BusUnavailable: true, Malformed: true,
	IllegalStateChange: true, MatchNotLoaded: true, Unauthenticated: true,
	PermissionDenied: true, PlayoffError: true, RpcTimeout: true,
	PublishRejected: true, LockContention: true, CancellationRequested: true,
}

// Valid reports whether k is one of the declared kinds.
func (k Kind) Valid() bool { return kinds[k] }

// Error is the concrete error type returned by JMS packages.
type Error struct {
	Kind   Kind
	Reason string // operator-facing reason, e.g. "Prestart -> MatchPlay"
	Err    error  // optional underlying cause, never sent over the wire
}

func (e *Error) Error() string {
	switch {
	case e.Reason != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	case e.Reason != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so callers can write
// errors.Is(err, jmserr.New(jmserr.RpcTimeout, "")).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// New builds an error of the given kind with a reason string.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Newf is New with fmt formatting for the reason.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error. Wrap returns nil for a nil err.
func Wrap(kind Kind, err error, reason string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// Playoff builds a PlayoffError with one of the Playoff* reasons.
func Playoff(reason string) *Error { return New(PlayoffError, reason) }

// Reasons carried by PlayoffError.
const (
	ReasonAllianceIncomplete = "AllianceIncomplete"
	ReasonResultMissing      = "ResultMissing"
	ReasonInvalidMode        = "InvalidMode"
)

// KindOf returns the kind of err, or "" when err is nil or not a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Has reports whether err carries the given kind.
func Has(err error, kind Kind) bool { return err != nil && KindOf(err) == kind }

// Retryable reports whether err is a transport failure the owner should retry.
func Retryable(err error) bool {
	switch KindOf(err) {
	case StoreUnavailable, BusUnavailable, RpcTimeout, LockContention:
		return true
	}
	return false
}

// Domain reports whether err is a domain error that must be shown to the operator as-is.
func Domain(err error) bool {
	switch KindOf(err) {
	case IllegalStateChange, MatchNotLoaded, PermissionDenied, Unauthenticated, PlayoffError:
		return true
	}
	return false
}

// Exit codes of the service binaries.
const (
	ExitOK       = 0
	ExitConfig   = 1
	ExitProtocol = 2
)

// ExitCode maps a fatal service error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	if KindOf(err) == Malformed {
		return ExitProtocol
	}
	return ExitConfig
}

// Wire is the serialisable form of an error inside an RPC reply.
type Wire struct {
	Kind   Kind   `json:"kind"`
	Reason string `json:"reason"`
}

// ToWire converts err for transmission. Errors without a kind are reported as
// Malformed so the caller never sees an empty kind.
func ToWire(err error) Wire {
	var e *Error
	if errors.As(err, &e) {
		reason := e.Reason
		if reason == "" && e.Err != nil {
			reason = e.Err.Error()
		}
		return Wire{Kind: e.Kind, Reason: reason}
	}
	return Wire{Kind: Malformed, Reason: err.Error()}
}

// FromWire rebuilds the error on the calling side.
func FromWire(w Wire) error {
	if !w.Kind.Valid() {
		return Newf(Malformed, "unknown error kind %q: %s", w.Kind, w.Reason)
	}
	return New(w.Kind, w.Reason)
}

// UserMessage is the operator-facing text for err: domain errors verbatim, timeouts as
// "system busy, retry".
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case Has(err, RpcTimeout), Has(err, LockContention):
		return "system busy, retry"
	default:
		return err.Error()
	}
}
