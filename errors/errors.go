// Package errors provides standardized error handling for eventcore components.
// Errors are classified into the five categories the pipeline distinguishes
// (validation, auth, capacity, processing, transport) so callers can map them
// to HTTP status codes and retry decisions without string matching.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Class represents the classification of errors for handling purposes
type Class int

const (
	// ClassValidation represents malformed or oversized input; never retried.
	ClassValidation Class = iota
	// ClassAuth represents failed or missing authenticity checks; never retried.
	ClassAuth
	// ClassCapacity represents rate-limit or queue-full conditions; the caller
	// should back off and retry.
	ClassCapacity
	// ClassProcessing represents transform or downstream failures; retried
	// internally with backoff.
	ClassProcessing
	// ClassTransport represents stream connection failures; the owning
	// consumer enters its error state and is restarted by the health monitor.
	ClassTransport
)

// String returns the string representation of Class
func (c Class) String() string {
	switch c {
	case ClassValidation:
		return "validation"
	case ClassAuth:
		return "auth"
	case ClassCapacity:
		return "capacity"
	case ClassProcessing:
		return "processing"
	case ClassTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// Standard error variables for common conditions
var (
	// Ingestion pipeline errors
	ErrPayloadTooLarge  = errors.New("payload exceeds size limit")
	ErrMalformedPayload = errors.New("malformed payload")
	ErrRateLimited      = errors.New("rate limited")
	ErrQueueFull        = errors.New("queue full")
	ErrBadSignature     = errors.New("signature verification failed")
	ErrMissingSignature = errors.New("signature header missing")
	ErrEndpointInactive = errors.New("endpoint not active")

	// Component lifecycle errors
	ErrAlreadyStarted = errors.New("component already started")
	ErrNotStarted     = errors.New("component not started")
	ErrAlreadyStopped = errors.New("component already stopped")
	ErrStopTimeout    = errors.New("timeout waiting for component to stop")

	// Connection and transport errors
	ErrNoConnection   = errors.New("no connection available")
	ErrConnectionLost = errors.New("connection lost")
	ErrFetchFailed    = errors.New("batch fetch failed")

	// Configuration errors
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrConfigNotFound = errors.New("configuration not found")
	ErrConfigExists   = errors.New("configuration already exists")

	// Processing errors
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	ErrSendTimeout        = errors.New("downstream send timed out")
	ErrUnknownProvider    = errors.New("unknown provider")
)

// ClassifiedError wraps an error with its classification and the component
// and operation it originated from.
type ClassifiedError struct {
	Class     Class
	Err       error
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

func newClassified(class Class, err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{
		Class:     class,
		Err:       Wrap(err, component, method, action),
		Component: component,
		Operation: method,
	}
}

// WrapValidation wraps an error as a validation failure with context
func WrapValidation(err error, component, method, action string) error {
	return newClassified(ClassValidation, err, component, method, action)
}

// WrapAuth wraps an error as an authentication failure with context
func WrapAuth(err error, component, method, action string) error {
	return newClassified(ClassAuth, err, component, method, action)
}

// WrapCapacity wraps an error as a capacity condition with context
func WrapCapacity(err error, component, method, action string) error {
	return newClassified(ClassCapacity, err, component, method, action)
}

// WrapProcessing wraps an error as a processing failure with context
func WrapProcessing(err error, component, method, action string) error {
	return newClassified(ClassProcessing, err, component, method, action)
}

// WrapTransport wraps an error as a transport failure with context
func WrapTransport(err error, component, method, action string) error {
	return newClassified(ClassTransport, err, component, method, action)
}

// Classify returns the error class for an error. Unclassified errors default
// to processing so unknown failures go through the retry path rather than
// being dropped.
func Classify(err error) Class {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}

	switch {
	case errors.Is(err, ErrPayloadTooLarge),
		errors.Is(err, ErrMalformedPayload),
		errors.Is(err, ErrInvalidConfig),
		errors.Is(err, ErrEndpointInactive):
		return ClassValidation
	case errors.Is(err, ErrBadSignature),
		errors.Is(err, ErrMissingSignature):
		return ClassAuth
	case errors.Is(err, ErrRateLimited),
		errors.Is(err, ErrQueueFull):
		return ClassCapacity
	case errors.Is(err, ErrNoConnection),
		errors.Is(err, ErrConnectionLost),
		errors.Is(err, ErrFetchFailed):
		return ClassTransport
	}

	return ClassProcessing
}

// Retryable reports whether the caller (internal worker or external client)
// may retry the operation. Validation and auth failures are final.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch Classify(err) {
	case ClassValidation, ClassAuth:
		return false
	default:
		return true
	}
}

// HTTPStatus maps an error to the webhook ingress status code contract:
// 400 malformed, 401 bad signature, 413 too large, 429 rate limited,
// 503 queue full, 500 otherwise.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if errors.Is(err, ErrPayloadTooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	if errors.Is(err, ErrRateLimited) {
		return http.StatusTooManyRequests
	}
	if errors.Is(err, ErrQueueFull) {
		return http.StatusServiceUnavailable
	}
	switch Classify(err) {
	case ClassValidation:
		return http.StatusBadRequest
	case ClassAuth:
		return http.StatusUnauthorized
	case ClassCapacity:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// APIError is the structured error shape returned by the admin API.
type APIError struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// ToAPIError converts any error into the admin API error shape.
func ToAPIError(err error) APIError {
	if err == nil {
		return APIError{}
	}
	return APIError{
		Kind:      Classify(err).String(),
		Message:   err.Error(),
		Retryable: Retryable(err),
	}
}
