package apperr

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies failures that callers react to differently.
type Kind string

const (
	// Connectivity means the transport or message-store could not be reached.
	Connectivity Kind = "connectivity"
	// Encryption means a body could not be encrypted or decrypted.
	Encryption Kind = "encryption"
	// RateLimited means sends are locked until Error.Until.
	RateLimited Kind = "rate_limited"
	// ReplayRejected means the message-store permanently refused a request.
	ReplayRejected Kind = "replay_rejected"
	// CallNegotiation means call signaling could not proceed.
	CallNegotiation Kind = "call_negotiation"
	// StateDesync means local state disagreed with the authoritative copy.
	StateDesync Kind = "state_desync"
	// StorageUnavailable means the durable local queue could not be opened or written.
	StorageUnavailable Kind = "storage_unavailable"
)

// Error is the shared error type returned across component boundaries.
type Error struct {
	Kind  Kind
	Op    string
	Err   error
	Until time.Time
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if !e.Until.IsZero() {
		msg = fmt.Sprintf("%s until %s", msg, e.Until.Format(time.RFC3339))
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with a kind and operation name.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Limited builds a RateLimited error carrying the lock expiry.
func Limited(op string, until time.Time) *Error {
	return &Error{Kind: RateLimited, Op: op, Until: until}
}

// Is reports whether any error in err's chain has the given kind.
func Is(err error, kind Kind) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind == kind
	}
	return false
}

// KindOf returns the kind of the first *Error in the chain, or "".
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return ""
}

// RetryAt returns the lock expiry of a RateLimited error.
func RetryAt(err error) (time.Time, bool) {
	var appErr *Error
	if errors.As(err, &appErr) && appErr.Kind == RateLimited && !appErr.Until.IsZero() {
		return appErr.Until, true
	}
	return time.Time{}, false
}
