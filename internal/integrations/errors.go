package integrations

import (
	"errors"
	"fmt"
)

// ErrMalformedResponse marks a 2xx response whose body could not be decoded.
var ErrMalformedResponse = errors.New("malformed response")

// ErrNotRegistered is returned for lookups of an integration id the registry
// does not hold.
var ErrNotRegistered = errors.New("integration not registered")

// TransportError is a request that never produced a response: connection
// failure, timeout or cancellation. It is transient.
type TransportError struct {
	Op        string
	URL       string
	RequestID string
	Timeout   bool
	Err       error
}

func (e *TransportError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s: timeout calling %s: %v", e.Op, e.URL, e.Err)
	}
	return fmt.Sprintf("%s: transport error calling %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// BackendError is a non-2xx response. Message carries the backend's
// "detail" field when present.
type BackendError struct {
	Op         string
	StatusCode int
	Message    string
	Payload    map[string]any
	RequestID  string
}

func (e *BackendError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: backend returned HTTP %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: backend returned HTTP %d: %s", e.Op, e.StatusCode, e.Message)
}

// IsTransport reports whether err is (or wraps) a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsBackend reports whether err is (or wraps) a BackendError.
func IsBackend(err error) bool {
	var be *BackendError
	return errors.As(err, &be)
}

// ValidationError represents a request rejected before any I/O.
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s=%s: %s", e.Field, e.Value, e.Message)
}
