// Package bridgeerr defines the error kinds recognized by the bridge core
// and their mapping onto the Core-facing response codes described in the
// protocol (400/401/404/500/503).
package bridgeerr

import "fmt"

// Kind is one of the error categories the core recognizes.
type Kind string

const (
	KindBadRequest         Kind = "bad_request"
	KindNotFound           Kind = "not_found"
	KindUnsupportedCommand Kind = "unsupported_command"
	KindAuthFailed         Kind = "auth_failed"
	KindTimeout            Kind = "timeout"
	KindServiceCallFailed  Kind = "service_call_failed"
	KindProtocolError      Kind = "protocol_error"
	KindUnavailable        Kind = "unavailable"
	KindCancelled          Kind = "cancelled"
)

// Error is the typed error carried across component boundaries (HA Client,
// Entity Mapper, Core Server).
type Error struct {
	Kind    Kind
	Message string
	// Underlying is the lower-level error this one wraps, if any.
	Underlying error
}

func (e *Error) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Underlying)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Underlying
}

// Is compares by Kind so callers can use errors.Is(err, bridgeerr.New(KindTimeout, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind wrapping an underlying cause.
func Wrap(kind Kind, message string, underlying error) *Error {
	return &Error{Kind: kind, Message: message, Underlying: underlying}
}

// Code maps a Kind onto the HTTP-style status code the Core Server's
// response envelope carries (spec §7).
func Code(err error) int {
	var e *Error
	if !asError(err, &e) {
		return 500
	}
	switch e.Kind {
	case KindBadRequest, KindUnsupportedCommand:
		return 400
	case KindNotFound:
		return 404
	case KindAuthFailed:
		return 401
	case KindTimeout, KindUnavailable, KindCancelled:
		return 503
	case KindServiceCallFailed:
		return 500
	case KindProtocolError:
		return 500
	default:
		return 500
	}
}

// asError walks err's Unwrap chain and stores the first *Error it finds in
// target. Unlike errors.As it follows only single-error Unwrap methods and
// does not consult As methods.
func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// KindOf extracts the Kind from err, returning ("", false) if err is not (or
// does not wrap) a *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if asError(err, &e) {
		return e.Kind, true
	}
	return "", false
}
