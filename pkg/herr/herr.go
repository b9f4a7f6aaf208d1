// Package herr defines the host's machine-readable error kinds (spec §7)
// layered on top of normal Go error wrapping.
package herr

import (
	"errors"
	"fmt"
)

// Kind is a machine-readable error category surfaced in control-plane
// responses and events.
type Kind string

const (
	InvalidRequest      Kind = "InvalidRequest"
	NotFound            Kind = "NotFound"
	DuplicateLink       Kind = "DuplicateLink"
	ReservedLabel       Kind = "ReservedLabel"
	LatestNotAllowed    Kind = "LatestNotAllowed"
	UnsupportedArtifact Kind = "UnsupportedArtifact"
	FetchFailed         Kind = "FetchFailed"
	ClaimsInvalid       Kind = "ClaimsInvalid"
	PolicyDenied        Kind = "PolicyDenied"
	PolicyTimeout       Kind = "PolicyTimeout"
	Overloaded          Kind = "Overloaded"
	ExecutionTimeout    Kind = "ExecutionTimeout"
	Trap                Kind = "Trap"
	NoLink              Kind = "NoLink"
	ProviderFailed      Kind = "ProviderFailed"
	UpdateNoop          Kind = "UpdateNoop"
	AuctionNoMatch      Kind = "AuctionNoMatch"
)

// Error pairs a Kind with a human-readable message and optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind around a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err, if any, defaulting to "" when err
// does not carry one.
func KindOf(err error) Kind {
	var he *Error
	if errors.As(err, &he) {
		return he.Kind
	}
	return ""
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
