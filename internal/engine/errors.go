package engine

import (
	"errors"
	"fmt"
	"net/http"
)

// notReadyError signals that the one-time load has not completed (503).
type notReadyError struct{ state State }

func (e notReadyError) Error() string {
	return "model is still loading (state=" + string(e.state) + ")"
}

func (e notReadyError) StatusCode() int { return http.StatusServiceUnavailable }

// IsNotReady reports whether err indicates the engine is not ready.
func IsNotReady(err error) bool {
	var e notReadyError
	return errors.As(err, &e)
}

// tooBusyError signals gate overflow (429).
type tooBusyError struct{ waiting int }

func (e tooBusyError) Error() string {
	return fmt.Sprintf("too busy: %d requests already waiting for the backend", e.waiting)
}

func (e tooBusyError) StatusCode() int { return http.StatusTooManyRequests }

// IsTooBusy reports whether err indicates backpressure.
func IsTooBusy(err error) bool {
	var e tooBusyError
	return errors.As(err, &e)
}

// dependencyUnavailableError signals a missing runtime dependency (e.g. a
// binary built without llama support).
type dependencyUnavailableError struct{ msg string }

func (e dependencyUnavailableError) Error() string { return e.msg }

func (e dependencyUnavailableError) StatusCode() int { return http.StatusServiceUnavailable }

// ErrDependencyUnavailable constructs a dependencyUnavailableError.
func ErrDependencyUnavailable(msg string) error { return dependencyUnavailableError{msg: msg} }

// IsDependencyUnavailable reports whether err indicates a missing/failed runtime dependency.
func IsDependencyUnavailable(err error) bool {
	var e dependencyUnavailableError
	return errors.As(err, &e)
}

// backendHTTPError is a non-2xx answer from an HTTP backend.
type backendHTTPError struct {
	status int
	body   string
}

func (e backendHTTPError) Error() string {
	return fmt.Sprintf("backend http error: %d %s: %s", e.status, http.StatusText(e.status), e.body)
}

// StatusCode passes client errors through (e.g. max tokens beyond the
// context window) and reports everything else as a bad gateway.
func (e backendHTTPError) StatusCode() int {
	if e.status >= 400 && e.status < 500 {
		return e.status
	}
	return http.StatusBadGateway
}

// panicError wraps a recovered backend panic.
type panicError struct{ v any }

func (e panicError) Error() string { return fmt.Sprintf("backend panic: %v", e.v) }

// ErrEmptyMessages is returned when a request carries no messages.
var ErrEmptyMessages = errors.New("messages must not be empty")
