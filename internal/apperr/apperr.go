// Package apperr defines the error taxonomy shared by the pipeline core and
// its HTTP surface.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation and status mapping.
type Kind string

const (
	KindValidation          Kind = "validation"
	KindInvalidTransition   Kind = "invalid_transition"
	KindMissingUpstreamData Kind = "missing_upstream_data"
	KindProvider            Kind = "provider"
	KindNotFound            Kind = "not_found"
	KindStore               Kind = "store"
	KindInternal            Kind = "internal"
)

// Error carries a Kind alongside a message and an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return e.Msg + ": " + e.Err.Error()
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return e.Err.Error()
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Validation reports bad or missing caller input.
func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

// InvalidTransition reports a violated state machine precondition.
func InvalidTransition(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidTransition, Msg: fmt.Sprintf(format, args...)}
}

// MissingUpstreamData reports a stage run without its required inputs.
func MissingUpstreamData(format string, args ...any) *Error {
	return &Error{Kind: KindMissingUpstreamData, Msg: fmt.Sprintf(format, args...)}
}

// NotFound reports a referenced record that does not exist.
func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

// Store wraps a persistence failure.
func Store(err error, format string, args ...any) *Error {
	return &Error{Kind: KindStore, Msg: fmt.Sprintf(format, args...), Err: err}
}

// ProviderError is returned when an external enrichment call fails. Its
// message is the provider's own, unchanged.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Err == nil {
		return e.Provider + ": unknown error"
	}
	return e.Err.Error()
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Provider wraps err as a ProviderError unless it already is one.
func Provider(name string, err error) error {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}
	return &ProviderError{Provider: name, Err: err}
}

// KindOf returns the Kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		switch v := e.(type) {
		case *Error:
			return v.Kind
		case *ProviderError:
			return KindProvider
		}
	}
	var pe *ProviderError
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if errors.As(err, &pe) {
		return KindProvider
	}
	return KindInternal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message returns the message to surface for err. Provider errors keep the
// provider's text; classified errors use their own message.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Error()
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Error()
	}
	return err.Error()
}

// HTTPStatus maps a Kind to a response status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidTransition, KindMissingUpstreamData:
		return http.StatusConflict
	case KindProvider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
