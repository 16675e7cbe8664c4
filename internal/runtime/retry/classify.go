package retry

import (
	"context"
	"errors"
	"net"
	"strings"

	errspkg "github.com/drblury/modcomm/internal/runtime/errors"
)

// Class tells the executor whether an error is worth another attempt.
type Class int

const (
	Terminal Class = iota
	Retryable
)

func (c Class) String() string {
	if c == Retryable {
		return "retryable"
	}
	return "terminal"
}

// Classifier maps an error to a Class.
type Classifier func(error) Class

var terminalErrors = []error{
	errspkg.ErrParameterValidation,
	errspkg.ErrInvalidSchema,
	errspkg.ErrAuthentication,
	errspkg.ErrAuthorization,
	errspkg.ErrAPINotFound,
	errspkg.ErrChannelNotFound,
	errspkg.ErrSubscriptionNotFound,
	errspkg.ErrCircuitOpen,
	errspkg.ErrInvalidArgument,
	context.Canceled,
}

var retryableErrors = []error{
	errspkg.ErrUnavailable,
	errspkg.ErrBusy,
	errspkg.ErrCallTimeout,
	errspkg.ErrQueueFull,
	context.DeadlineExceeded,
}

var retryableHints = []string{"timeout", "timed out", "network", "connection", "unavailable", "busy"}

// DefaultClassifier treats timeouts, network failures, unavailable or busy
// downstreams and errors marked with errors.Retryable as transient. Validation,
// authentication, authorization, not-found and open-circuit errors are
// terminal, as is anything unrecognised.
func DefaultClassifier(err error) Class {
	if err == nil {
		return Terminal
	}
	if errspkg.IsRetryable(err) {
		return Retryable
	}
	for _, target := range terminalErrors {
		if errors.Is(err, target) {
			return Terminal
		}
	}
	for _, target := range retryableErrors {
		if errors.Is(err, target) {
			return Retryable
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Retryable
	}

	msg := strings.ToLower(err.Error())
	for _, hint := range retryableHints {
		if strings.Contains(msg, hint) {
			return Retryable
		}
	}
	return Terminal
}
