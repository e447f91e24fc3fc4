// Package errs defines the error taxonomy that crosses every public
// operation boundary in securityd. Collaborator failures are mapped
// to one of these kinds at the call site; nothing crosses a public
// boundary as a bare untyped error.
package errs

import "fmt"

// Kind is one of the abstract error kinds from the daemon's error
// taxonomy.
type Kind string

const (
	InvalidHandle                    Kind = "InvalidHandle"
	IncompatibleVersion               Kind = "IncompatibleVersion"
	InsufficientClientIdentification Kind = "InsufficientClientIdentification"
	AuthenticationFailed              Kind = "AuthenticationFailed"
	Locked                            Kind = "Locked"
	InvalidCredentials                Kind = "InvalidCredentials"
	ExternalizeDenied                 Kind = "ExternalizeDenied"
	InternalizeDenied                 Kind = "InternalizeDenied"
	SessionAuthorizationDenied        Kind = "SessionAuthorizationDenied"
	ValueNotSet                       Kind = "ValueNotSet"
	InvalidAttributes                 Kind = "InvalidAttributes"
	Transient                         Kind = "Transient"
)

// Error is the single error type returned across public operation
// boundaries: a taxonomy kind plus an optional human-readable detail.
type Error struct {
	Kind   Kind
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// New constructs an *Error of the given kind with a formatted detail.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}
