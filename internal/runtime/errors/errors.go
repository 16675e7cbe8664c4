package errors

import (
	sterrors "errors"
	"fmt"
	"time"
)

var (
	ErrDuplicateChannel     = sterrors.New("modcomm: channel already exists")
	ErrChannelNotFound      = sterrors.New("modcomm: channel not found")
	ErrChannelInUse         = sterrors.New("modcomm: channel has active subscriptions")
	ErrQueueFull            = sterrors.New("modcomm: channel queue is full")
	ErrSubscriptionNotFound = sterrors.New("modcomm: subscription not found")
	ErrHandlerRequired      = sterrors.New("modcomm: handler function is required")
	ErrChannelRequired      = sterrors.New("modcomm: channel name is required")
	ErrMessageTypeRequired  = sterrors.New("modcomm: message type is required")
	ErrDispatcherRunning    = sterrors.New("modcomm: dispatcher already running")

	ErrDuplicateAPI        = sterrors.New("modcomm: api already registered")
	ErrAPINotFound         = sterrors.New("modcomm: api not found")
	ErrInvalidSchema       = sterrors.New("modcomm: invalid parameter schema")
	ErrParameterValidation = sterrors.New("modcomm: parameter validation failed")
	ErrAuthentication      = sterrors.New("modcomm: authentication failed")
	ErrAuthorization       = sterrors.New("modcomm: authorization failed")
	ErrAPIInvocation       = sterrors.New("modcomm: api invocation failed")

	ErrCircuitOpen     = sterrors.New("modcomm: circuit breaker is open")
	ErrBreakerNotFound = sterrors.New("modcomm: circuit breaker not found")
	ErrRetryExhausted  = sterrors.New("modcomm: retries exhausted")
	ErrHandler         = sterrors.New("modcomm: message handler failed")
	ErrUnavailable     = sterrors.New("modcomm: downstream unavailable")
	ErrBusy            = sterrors.New("modcomm: downstream busy")
	ErrCallTimeout     = sterrors.New("modcomm: call timed out")
	ErrInvalidArgument = sterrors.New("modcomm: invalid argument")
)

// ParameterValidationError names the parameter that failed schema validation.
type ParameterValidationError struct {
	Parameter string
	Reason    string
}

func (e *ParameterValidationError) Error() string {
	return fmt.Sprintf("modcomm: parameter %q: %s", e.Parameter, e.Reason)
}

func (e *ParameterValidationError) Is(target error) bool {
	return target == ErrParameterValidation
}

// AuthenticationError is returned for unknown, revoked or expired tokens.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string {
	return "modcomm: authentication failed: " + e.Reason
}

func (e *AuthenticationError) Is(target error) bool {
	return target == ErrAuthentication
}

// AuthorizationError is returned when a valid token lacks a required scope.
type AuthorizationError struct {
	Module  string
	Missing []string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("modcomm: authorization failed: module %q is missing scopes %v", e.Module, e.Missing)
}

func (e *AuthorizationError) Is(target error) bool {
	return target == ErrAuthorization
}

// CircuitOpenError is returned without running the guarded call while the
// breaker for Operation rejects traffic.
type CircuitOpenError struct {
	Operation   string
	LastFailure time.Time
}

func (e *CircuitOpenError) Error() string {
	if e.LastFailure.IsZero() {
		return fmt.Sprintf("modcomm: circuit breaker for %q is open", e.Operation)
	}
	return fmt.Sprintf("modcomm: circuit breaker for %q is open (last failure %s)", e.Operation, e.LastFailure.Format(time.RFC3339Nano))
}

func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// RetryExhaustedError carries the last error seen after all attempts failed.
type RetryExhaustedError struct {
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("modcomm: retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }

func (e *RetryExhaustedError) Is(target error) bool {
	return target == ErrRetryExhausted
}

// APIInvocationError wraps the root cause of a failed API call.
type APIInvocationError struct {
	Module    string
	Operation string
	Err       error
}

func (e *APIInvocationError) Error() string {
	return fmt.Sprintf("modcomm: invoking %s.%s: %v", e.Module, e.Operation, e.Err)
}

func (e *APIInvocationError) Unwrap() error { return e.Err }

func (e *APIInvocationError) Is(target error) bool {
	return target == ErrAPIInvocation
}

// HandlerError describes a failed delivery to a single subscriber.
type HandlerError struct {
	SubscriptionID string
	Channel        string
	MessageID      string
	MessageType    string
	Err            error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("modcomm: handler %s failed on %s/%s (message %s): %v",
		e.SubscriptionID, e.Channel, e.MessageType, e.MessageID, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

func (e *HandlerError) Is(target error) bool {
	return target == ErrHandler
}

// RetryableError marks an error as transient so the retry executor tries again.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err so it is classified as transient. Nil stays nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err was marked with Retryable.
func IsRetryable(err error) bool {
	var re *RetryableError
	return sterrors.As(err, &re)
}

// ConfigValidationError wraps an aggregated configuration problem.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "modcomm: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
