package modcomm

import (
	runtimepkg "github.com/drblury/modcomm/internal/runtime"
	apipkg "github.com/drblury/modcomm/internal/runtime/api"
	authpkg "github.com/drblury/modcomm/internal/runtime/auth"
	breakerpkg "github.com/drblury/modcomm/internal/runtime/breaker"
	bridgepkg "github.com/drblury/modcomm/internal/runtime/bridge"
	buspkg "github.com/drblury/modcomm/internal/runtime/bus"
	configpkg "github.com/drblury/modcomm/internal/runtime/config"
	errspkg "github.com/drblury/modcomm/internal/runtime/errors"
	eventspkg "github.com/drblury/modcomm/internal/runtime/events"
	idspkg "github.com/drblury/modcomm/internal/runtime/ids"
	jsoncodec "github.com/drblury/modcomm/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/modcomm/internal/runtime/logging"
	metricspkg "github.com/drblury/modcomm/internal/runtime/metrics"
	retrypkg "github.com/drblury/modcomm/internal/runtime/retry"
)

type (
	Config               = configpkg.Config
	RetryPolicyConfig    = configpkg.RetryPolicyConfig
	CircuitBreakerConfig = configpkg.CircuitBreakerConfig
	Service              = runtimepkg.Service
	ServiceDependencies  = runtimepkg.ServiceDependencies

	// Messaging
	Envelope            = buspkg.Envelope
	Priority            = buspkg.Priority
	Handler             = buspkg.Handler
	Filter              = buspkg.Filter
	PublishOption       = buspkg.PublishOption
	SubscribeOption     = buspkg.SubscribeOption
	ChannelInfo         = buspkg.ChannelInfo
	SubscriptionInfo    = buspkg.SubscriptionInfo
	TypedHandler[T any] = buspkg.TypedHandler[T]

	// APIs
	APIHandler             = apipkg.Handler
	APIRegistration        = apipkg.Registration
	APIRegistrationInfo    = apipkg.RegistrationInfo
	Schema                 = apipkg.Schema
	Parameter              = apipkg.Parameter
	ParamType              = apipkg.ParamType
	InvokeOptions          = apipkg.InvokeOptions
	Invocation             = apipkg.Invocation
	InvocationStatus       = apipkg.Status
	InvocationContext      = apipkg.InvocationContext
	MiddlewareFunc         = apipkg.MiddlewareFunc
	MiddlewareBuilder      = apipkg.MiddlewareBuilder
	MiddlewareRegistration = apipkg.MiddlewareRegistration
	Next                   = apipkg.Next

	// Call lifecycle hooks
	CallContext = apipkg.CallContext
	CallHooks   = apipkg.CallHooks

	// Events
	EventRecord          = eventspkg.EventRecord
	EventPublishOption   = eventspkg.PublishOption
	EventSubscribeOption = eventspkg.SubscribeOption
	EventHistoryQuery    = eventspkg.HistoryQuery

	// Fault tolerance
	CircuitState    = breakerpkg.State
	CircuitStats    = breakerpkg.Stats
	ErrorClassifier = retrypkg.Classifier
	ErrorClass      = retrypkg.Class

	// Auth
	Token = authpkg.Token

	// Administration
	Status          = runtimepkg.Status
	Health          = runtimepkg.Health
	ComponentHealth = runtimepkg.ComponentHealth
	ResourceUsage   = runtimepkg.ResourceUsage
	MetricsSnapshot = metricspkg.Snapshot
	CallRecord      = metricspkg.CallRecord

	// Watermill bridge
	Forwarder        = bridgepkg.Forwarder
	ForwarderConfig  = bridgepkg.ForwarderConfig
	Ingress          = bridgepkg.Ingress
	IngressConfig    = bridgepkg.IngressConfig
	IngressRoute     = bridgepkg.Route
	Codec            = bridgepkg.Codec
	JSONCodec        = bridgepkg.DefaultCodec
	CloudEventsCodec = bridgepkg.CloudEventsCodec
	CloudEvent       = bridgepkg.CloudEvent

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ConfigValidationError    = errspkg.ConfigValidationError
	ParameterValidationError = errspkg.ParameterValidationError
	AuthenticationError      = errspkg.AuthenticationError
	AuthorizationError       = errspkg.AuthorizationError
	CircuitOpenError         = errspkg.CircuitOpenError
	RetryExhaustedError      = errspkg.RetryExhaustedError
	APIInvocationError       = errspkg.APIInvocationError
	HandlerError             = errspkg.HandlerError
)

const (
	PriorityLow    = buspkg.PriorityLow
	PriorityNormal = buspkg.PriorityNormal
	PriorityHigh   = buspkg.PriorityHigh

	TypeString = apipkg.TypeString
	TypeInt    = apipkg.TypeInt
	TypeNumber = apipkg.TypeNumber
	TypeBool   = apipkg.TypeBool
	TypeObject = apipkg.TypeObject
	TypeArray  = apipkg.TypeArray
	TypeAny    = apipkg.TypeAny

	StatusPending   = apipkg.StatusPending
	StatusRunning   = apipkg.StatusRunning
	StatusSucceeded = apipkg.StatusSucceeded
	StatusFailed    = apipkg.StatusFailed

	CircuitClosed   = breakerpkg.StateClosed
	CircuitHalfOpen = breakerpkg.StateHalfOpen
	CircuitOpen     = breakerpkg.StateOpen

	ClassTerminal  = retrypkg.Terminal
	ClassRetryable = retrypkg.Retryable

	HealthHealthy   = runtimepkg.HealthHealthy
	HealthWarning   = runtimepkg.HealthWarning
	HealthUnhealthy = runtimepkg.HealthUnhealthy

	ScopeAll = authpkg.ScopeAll

	EventServiceStarted       = runtimepkg.EventServiceStarted
	EventServiceStopped       = runtimepkg.EventServiceStopped
	EventCircuitStateChanged  = runtimepkg.EventCircuitStateChanged
	EventCircuitBreakersReset = runtimepkg.EventCircuitBreakersReset
)

var (
	NewService     = runtimepkg.NewService
	TryNewService  = runtimepkg.TryNewService
	DefaultConfig  = configpkg.Default
	LoadConfig     = configpkg.Load
	ParseConfig    = configpkg.Parse
	ConfigFromEnv  = configpkg.FromEnv
	ApplyEnv       = configpkg.ApplyEnv
	ValidateConfig = configpkg.ValidateConfig

	ParsePriority          = buspkg.ParsePriority
	MatchPattern           = buspkg.MatchPattern
	WithPriority           = buspkg.WithPriority
	WithTTL                = buspkg.WithTTL
	WithExpiresAt          = buspkg.WithExpiresAt
	WithSource             = buspkg.WithSource
	WithCorrelationID      = buspkg.WithCorrelationID
	WithFilter             = buspkg.WithFilter
	WithModule             = buspkg.WithModule
	WithSubscriberPriority = buspkg.WithSubscriberPriority
	WithOnClose            = buspkg.WithOnClose

	WithEventChannel     = eventspkg.WithEventChannel
	WithBroadcast        = eventspkg.WithBroadcast
	WithEventSource      = eventspkg.WithEventSource
	WithEventPriority    = eventspkg.WithEventPriority
	WithEventTTL         = eventspkg.WithEventTTL
	WithSubscribeChannel = eventspkg.WithSubscribeChannel
	WithEventFilter      = eventspkg.WithEventFilter
	WithEventModule      = eventspkg.WithEventModule

	APIKey                  = apipkg.Key
	DefaultMiddlewares      = apipkg.DefaultMiddlewares
	CorrelationIDMiddleware = apipkg.CorrelationIDMiddleware
	LoggingMiddleware       = apipkg.LoggingMiddleware
	TracingMiddleware       = apipkg.TracingMiddleware
	RecovererMiddleware     = apipkg.RecovererMiddleware
	RateLimitMiddleware     = apipkg.RateLimitMiddleware
	CallHooksMiddleware     = apipkg.CallHooksMiddleware

	DefaultErrorClassifier = retrypkg.DefaultClassifier

	NewForwarder       = bridgepkg.NewForwarder
	NewIngress         = bridgepkg.NewIngress
	NewInProcessPubSub = bridgepkg.NewInProcessPubSub

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewWatermillAdapter       = loggingpkg.NewWatermillAdapter
	NopLogger                 = loggingpkg.NopLogger

	CreateULID = idspkg.CreateULID

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	MarkRetryable = errspkg.Retryable
	IsRetryable   = errspkg.IsRetryable

	ErrDuplicateChannel     = errspkg.ErrDuplicateChannel
	ErrChannelNotFound      = errspkg.ErrChannelNotFound
	ErrChannelInUse         = errspkg.ErrChannelInUse
	ErrQueueFull            = errspkg.ErrQueueFull
	ErrSubscriptionNotFound = errspkg.ErrSubscriptionNotFound
	ErrHandlerRequired      = errspkg.ErrHandlerRequired
	ErrChannelRequired      = errspkg.ErrChannelRequired
	ErrMessageTypeRequired  = errspkg.ErrMessageTypeRequired
	ErrDispatcherRunning    = errspkg.ErrDispatcherRunning
	ErrDuplicateAPI         = errspkg.ErrDuplicateAPI
	ErrAPINotFound          = errspkg.ErrAPINotFound
	ErrInvalidSchema        = errspkg.ErrInvalidSchema
	ErrParameterValidation  = errspkg.ErrParameterValidation
	ErrAuthentication       = errspkg.ErrAuthentication
	ErrAuthorization        = errspkg.ErrAuthorization
	ErrAPIInvocation        = errspkg.ErrAPIInvocation
	ErrCircuitOpen          = errspkg.ErrCircuitOpen
	ErrBreakerNotFound      = errspkg.ErrBreakerNotFound
	ErrRetryExhausted       = errspkg.ErrRetryExhausted
	ErrHandler              = errspkg.ErrHandler
	ErrUnavailable          = errspkg.ErrUnavailable
	ErrBusy                 = errspkg.ErrBusy
	ErrCallTimeout          = errspkg.ErrCallTimeout
	ErrInvalidArgument      = errspkg.ErrInvalidArgument
	ErrRateLimited          = apipkg.ErrRateLimited
)

// Typed adapts a handler that wants its payload as T. Map payloads are
// converted through JSON; a payload that cannot be converted fails the handler.
func Typed[T any](fn TypedHandler[T]) Handler {
	return buspkg.Typed(fn)
}
