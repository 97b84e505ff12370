// Package errors provides the error taxonomy of the connectivity layer.
package errors

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Standard sentinel errors
var (
	ErrNotConnected       = errors.New("not connected")
	ErrSessionExpired     = errors.New("session expired")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrCircuitOpen        = errors.New("circuit breaker is open")
	ErrDuplicateRejected  = errors.New("duplicate order rejected")
	ErrOrderRejected      = errors.New("order rejected")
	ErrSymbolNotFound     = errors.New("symbol not found")
	ErrConnectionFailed   = errors.New("connection failed")
	ErrConnectionDied     = errors.New("connection died mid-request")
	ErrStaleConnection    = errors.New("stale connection")
	ErrScopeEnded         = errors.New("scheduling scope ended")
	ErrTimeout            = errors.New("operation timed out")
	ErrConfigInvalid      = errors.New("invalid configuration")
	ErrInputValidation    = errors.New("input validation failed")
	ErrStreamClosed       = errors.New("stream closed")
)

// AuthenticationError is returned when connect could not authenticate within
// its retry budget. It is never retried beyond that budget.
type AuthenticationError struct {
	Attempts int
	Err      error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// NewAuthenticationError creates a new AuthenticationError.
func NewAuthenticationError(attempts int, err error) *AuthenticationError {
	return &AuthenticationError{Attempts: attempts, Err: err}
}

// TransientTransportError covers timeouts, resets and other failures that
// may succeed on a later attempt.
type TransientTransportError struct {
	Op  string
	Err error
}

func (e *TransientTransportError) Error() string {
	return fmt.Sprintf("transient transport error [%s]: %v", e.Op, e.Err)
}

func (e *TransientTransportError) Unwrap() error {
	return e.Err
}

// NewTransientTransportError creates a new TransientTransportError.
func NewTransientTransportError(op string, err error) *TransientTransportError {
	return &TransientTransportError{Op: op, Err: err}
}

// StaleConnectionError is returned when a transport looks open but fails a
// health probe.
type StaleConnectionError struct {
	Probe string
	Err   error
}

func (e *StaleConnectionError) Error() string {
	return fmt.Sprintf("stale connection (%s probe): %v", e.Probe, e.Err)
}

func (e *StaleConnectionError) Unwrap() error {
	return e.Err
}

func (e *StaleConnectionError) Is(target error) bool {
	return target == ErrStaleConnection
}

// NewStaleConnectionError creates a new StaleConnectionError.
func NewStaleConnectionError(probe string, err error) *StaleConnectionError {
	return &StaleConnectionError{Probe: probe, Err: err}
}

// CircuitOpenError is returned without any network call while the breaker is open.
type CircuitOpenError struct {
	Op      string
	ResetAt time.Time
}

func (e *CircuitOpenError) Error() string {
	if e.ResetAt.IsZero() {
		return fmt.Sprintf("%s: %v", e.Op, ErrCircuitOpen)
	}
	return fmt.Sprintf("%s: %v until %s", e.Op, ErrCircuitOpen, e.ResetAt.Format(time.RFC3339))
}

func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// NewCircuitOpenError creates a new CircuitOpenError.
func NewCircuitOpenError(op string, resetAt time.Time) *CircuitOpenError {
	return &CircuitOpenError{Op: op, ResetAt: resetAt}
}

// BusinessRejection is the remote service explicitly refusing an order or cancel.
type BusinessRejection struct {
	Code    string
	Message string
	Err     error
}

func (e *BusinessRejection) Error() string {
	return fmt.Sprintf("rejected by broker [%s]: %s", e.Code, e.Message)
}

func (e *BusinessRejection) Unwrap() error {
	return e.Err
}

func (e *BusinessRejection) Is(target error) bool {
	return target == ErrOrderRejected
}

// NewBusinessRejection creates a new BusinessRejection.
func NewBusinessRejection(code, message string, err error) *BusinessRejection {
	return &BusinessRejection{Code: code, Message: message, Err: err}
}

// UnknownSymbolError is returned when a symbol does not resolve to an instrument.
type UnknownSymbolError struct {
	Symbol string
}

func (e *UnknownSymbolError) Error() string {
	return fmt.Sprintf("unknown symbol: %s", e.Symbol)
}

func (e *UnknownSymbolError) Is(target error) bool {
	return target == ErrSymbolNotFound
}

// NewUnknownSymbolError creates a new UnknownSymbolError.
func NewUnknownSymbolError(symbol string) *UnknownSymbolError {
	return &UnknownSymbolError{Symbol: symbol}
}

// NotReadyError wraps a failed readiness check surfaced by the order pipeline.
type NotReadyError struct {
	Err error
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("session not ready: %v", e.Err)
}

func (e *NotReadyError) Unwrap() error {
	return e.Err
}

// TransportFailure is surfaced when the single reconnect-and-retry cycle also failed.
type TransportFailure struct {
	Op       string
	Attempts int
	Err      error
}

func (e *TransportFailure) Error() string {
	return fmt.Sprintf("transport failure [%s] after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *TransportFailure) Unwrap() error {
	return e.Err
}

// StreamError represents a push-data connection fault.
type StreamError struct {
	Op  string
	Err error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream error [%s]: %v", e.Op, e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// NewStreamError creates a new StreamError.
func NewStreamError(op string, err error) *StreamError {
	return &StreamError{Op: op, Err: err}
}

// ValidationError represents a validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInputValidation
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// IsConnectionDied reports whether err is the narrow class of transport
// failure where the connection died mid-request. Business rejections and
// validation failures never match.
func IsConnectionDied(err error) bool {
	if err == nil {
		return false
	}
	var br *BusinessRejection
	if errors.As(err, &br) {
		return false
	}
	return errors.Is(err, ErrConnectionDied)
}

// IsRecoverable reports whether err may be recovered locally by reconnecting.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	var transient *TransientTransportError
	var stale *StaleConnectionError
	return errors.As(err, &transient) || errors.As(err, &stale) ||
		errors.Is(err, ErrConnectionDied) || errors.Is(err, ErrScopeEnded) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// New returns an error that formats as the given text.
func New(text string) error {
	return errors.New(text)
}
