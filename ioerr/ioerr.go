// Package ioerr holds the error taxonomy shared by the chunk pipeline.
//
// Every error returned by this module can be classified with errors.Is against
// one of the sentinel kinds below:
//
//   - ErrInvalidArgument: caller misuse, never retried.
//   - ErrNetwork: transport or HTTP failure, retried by the transfer streams.
//   - ErrInternal: a configuration bug in the caller, never retried.
//   - ErrCanceled: the stream was aborted.
package ioerr

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument ...
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNetwork ...
	ErrNetwork = errors.New("network error")
	// ErrInternal ...
	ErrInternal = errors.New("internal error")
	// ErrCanceled ...
	ErrCanceled = errors.New("operation canceled")
)

type kindError struct {
	kind error
	msg  string
}

func (e *kindError) Error() string {
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

func (e *kindError) Unwrap() error {
	return e.kind
}

// InvalidArgument returns an error of kind ErrInvalidArgument.
func InvalidArgument(format string, args ...interface{}) error {
	return &kindError{kind: ErrInvalidArgument, msg: fmt.Sprintf(format, args...)}
}

// Internal returns an error of kind ErrInternal.
func Internal(format string, args ...interface{}) error {
	return &kindError{kind: ErrInternal, msg: fmt.Sprintf(format, args...)}
}

// Network returns an error of kind ErrNetwork wrapping the transport error cause.
func Network(op string, cause error) error {
	return &NetworkError{Op: op, Err: cause}
}

// NetworkError is a transport level failure, when no HTTP response was received.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrNetwork, e.Op, e.Err)
}

// Is reports ErrNetwork as the kind of the error.
func (e *NetworkError) Is(target error) bool {
	return target == ErrNetwork
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// HTTPError is returned when a request completed with an unexpected status.
// It carries enough context to decide whether to resume, restart or abort.
type HTTPError struct {
	Op         string
	ResourceID string
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPError) Error() string {
	msg := fmt.Sprintf("%s: %s", ErrNetwork, e.Op)
	if e.ResourceID != "" {
		msg += fmt.Sprintf(" (resource %s)", e.ResourceID)
	}
	msg += fmt.Sprintf(": HTTP %d", e.StatusCode)
	if e.Status != "" {
		msg += fmt.Sprintf(" %s", e.Status)
	}
	if e.Body != "" {
		msg += fmt.Sprintf(": %s", e.Body)
	}
	return msg
}

// Is reports ErrNetwork as the kind of the error.
func (e *HTTPError) Is(target error) bool {
	return target == ErrNetwork
}

// StatusCode returns the HTTP status carried by err, or 0 if err has none.
func StatusCode(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}

// Canceled returns an error of kind ErrCanceled for the aborted operation.
func Canceled(op string) error {
	return fmt.Errorf("%s: %w", op, ErrCanceled)
}

// Classified reports whether err already carries one of the sentinel kinds.
func Classified(err error) bool {
	for _, kind := range []error{ErrNetwork, ErrInvalidArgument, ErrInternal, ErrCanceled} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}
