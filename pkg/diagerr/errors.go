// Package diagerr defines the failure kinds reported by the diagnosis pipeline.
package diagerr

import (
	"errors"
	"fmt"
)

// Kind identifies a class of failure.
type Kind string

const (
	InvalidURL        Kind = "InvalidUrlError"
	Authentication    Kind = "AuthenticationError"
	RunNotFound       Kind = "RunNotFoundError"
	Upstream          Kind = "UpstreamError"
	LLMAuthentication Kind = "LlmAuthenticationError"
	LLMRequest        Kind = "LlmRequestError"
	CallbackDelivery  Kind = "CallbackDeliveryError"
	Configuration     Kind = "ConfigurationError"
	Unknown           Kind = "Error"
)

// exitCodes maps each kind to the process exit status.
var exitCodes = map[Kind]int{
	Unknown:           1,
	Configuration:     2,
	InvalidURL:        3,
	Authentication:    4,
	RunNotFound:       5,
	Upstream:          6,
	LLMAuthentication: 7,
	LLMRequest:        8,
	CallbackDelivery:  9,
}

// Error is a typed pipeline failure.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns an Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an Error of the given kind wrapping err.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// ExitCode maps err to a process exit code. A nil error is 0.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if code, ok := exitCodes[KindOf(err)]; ok {
		return code
	}
	return 1
}
