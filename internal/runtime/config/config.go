package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Defaults applied by WithDefaults to zero-valued settings.
const (
	DefaultMaxEventHistory     = 1000
	DefaultMaxMessageQueueSize = 10000
	DefaultProcessorInterval   = 100 * time.Millisecond
	DefaultDispatchWorkers     = 4
	DefaultEventChannel        = "Events"
	DefaultSystemChannel       = "System"
	DefaultInvokeTimeout       = 30 * time.Second
	DefaultCallHistorySize     = 100

	DefaultRetryMaxRetries        = 3
	DefaultRetryBaseDelay         = 100 * time.Millisecond
	DefaultRetryBackoffMultiplier = 2.0
	DefaultRetryMaxDelay          = 10 * time.Second

	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 60 * time.Second
	DefaultCallTimeout      = 30 * time.Second
	DefaultFailureHistory   = 20

	// DefaultEnvPrefix is used by FromEnv when no prefix is supplied.
	DefaultEnvPrefix = "MODCOMM_"
)

// RetryPolicyConfig tunes the retry executor used for API invocations.
type RetryPolicyConfig struct {
	// MaxRetries is the total number of attempts, including the first one.
	MaxRetries        int           `yaml:"max_retries" env:"MAX_RETRIES"`
	BaseDelay         time.Duration `yaml:"base_delay" env:"BASE_DELAY"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" env:"BACKOFF_MULTIPLIER"`
	MaxDelay          time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
}

// CircuitBreakerConfig tunes the per-operation circuit breakers.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" env:"RECOVERY_TIMEOUT"`
	// CallTimeout bounds a single guarded call. Exceeding it counts as a failure.
	CallTimeout time.Duration `yaml:"call_timeout" env:"CALL_TIMEOUT"`
	// FailureHistory is how many recent failures each breaker remembers for diagnostics.
	FailureHistory int `yaml:"failure_history" env:"FAILURE_HISTORY"`
}

// Config groups the tunables consumed when the Service is constructed. Zero
// values fall back to the documented defaults, see WithDefaults.
type Config struct {
	// MaxEventHistory bounds the in-memory event history ring.
	MaxEventHistory int `yaml:"max_event_history" env:"MAX_EVENT_HISTORY"`
	// MaxMessageQueueSize is the default per-channel capacity.
	MaxMessageQueueSize int `yaml:"max_message_queue_size" env:"MAX_MESSAGE_QUEUE_SIZE"`
	// ProcessorInterval is the dispatcher tick.
	ProcessorInterval time.Duration `yaml:"processor_interval" env:"PROCESSOR_INTERVAL"`
	// DispatchWorkers bounds how many channels are drained in parallel per tick.
	DispatchWorkers int `yaml:"dispatch_workers" env:"DISPATCH_WORKERS"`

	// EventChannel is the default channel used by the event system.
	EventChannel string `yaml:"event_channel" env:"EVENT_CHANNEL"`
	// SystemChannel is reserved for platform notifications.
	SystemChannel string `yaml:"system_channel" env:"SYSTEM_CHANNEL"`

	// InvokeTimeout is used when an API invocation does not set its own timeout.
	InvokeTimeout time.Duration `yaml:"invoke_timeout" env:"INVOKE_TIMEOUT"`
	// CallHistorySize bounds the ring of recent call records kept for diagnostics.
	CallHistorySize int `yaml:"call_history_size" env:"CALL_HISTORY_SIZE"`
	// TracingEnabled turns call tracing on at startup (records go to the logger).
	TracingEnabled bool `yaml:"tracing_enabled" env:"TRACING_ENABLED"`
	// AdminCORSAllowedOrigins lists origins allowed to read the admin handler.
	// Use "*" to allow any origin.
	AdminCORSAllowedOrigins []string `yaml:"admin_cors_allowed_origins" env:"ADMIN_CORS_ALLOWED_ORIGINS" envSeparator:","`

	RetryPolicy    RetryPolicyConfig    `yaml:"retry_policy" envPrefix:"RETRY_"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" envPrefix:"CIRCUIT_BREAKER_"`
}

// WithDefaults returns a copy of p where zero values are replaced by defaults.
func (p RetryPolicyConfig) WithDefaults() RetryPolicyConfig {
	if p.MaxRetries <= 0 {
		p.MaxRetries = DefaultRetryMaxRetries
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultRetryBaseDelay
	}
	if p.BackoffMultiplier <= 0 {
		p.BackoffMultiplier = DefaultRetryBackoffMultiplier
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultRetryMaxDelay
	}
	return p
}

// WithDefaults returns a copy of b where zero values are replaced by defaults.
func (b CircuitBreakerConfig) WithDefaults() CircuitBreakerConfig {
	if b.FailureThreshold <= 0 {
		b.FailureThreshold = DefaultFailureThreshold
	}
	if b.RecoveryTimeout <= 0 {
		b.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if b.CallTimeout <= 0 {
		b.CallTimeout = DefaultCallTimeout
	}
	if b.FailureHistory <= 0 {
		b.FailureHistory = DefaultFailureHistory
	}
	return b
}

// Default returns a Config populated with every default.
func Default() Config {
	return Config{}.WithDefaults()
}

// WithDefaults returns a copy of c where zero values are replaced by defaults.
func (c Config) WithDefaults() Config {
	if c.MaxEventHistory <= 0 {
		c.MaxEventHistory = DefaultMaxEventHistory
	}
	if c.MaxMessageQueueSize <= 0 {
		c.MaxMessageQueueSize = DefaultMaxMessageQueueSize
	}
	if c.ProcessorInterval <= 0 {
		c.ProcessorInterval = DefaultProcessorInterval
	}
	if c.DispatchWorkers <= 0 {
		c.DispatchWorkers = DefaultDispatchWorkers
	}
	if strings.TrimSpace(c.EventChannel) == "" {
		c.EventChannel = DefaultEventChannel
	}
	if strings.TrimSpace(c.SystemChannel) == "" {
		c.SystemChannel = DefaultSystemChannel
	}
	if c.InvokeTimeout <= 0 {
		c.InvokeTimeout = DefaultInvokeTimeout
	}
	if c.CallHistorySize <= 0 {
		c.CallHistorySize = DefaultCallHistorySize
	}

	c.RetryPolicy = c.RetryPolicy.WithDefaults()
	c.CircuitBreaker = c.CircuitBreaker.WithDefaults()
	return c
}

func (c Config) String() string {
	// Use a type alias to avoid infinite recursion when printing
	type configAlias Config
	return fmt.Sprintf("%+v", configAlias(c))
}

// Validate checks for values that cannot be repaired by WithDefaults.
// Zero values are accepted because they mean "use the default".
func (c *Config) Validate() error {
	var errs []error

	errs = append(errs, c.validateBus()...)
	errs = append(errs, c.validateRetry()...)
	errs = append(errs, c.validateCircuitBreaker()...)

	return errors.Join(errs...)
}

func (c *Config) validateBus() []error {
	var errs []error
	if c.MaxEventHistory < 0 {
		errs = append(errs, errors.New("events: max event history cannot be negative"))
	}
	if c.MaxMessageQueueSize < 0 {
		errs = append(errs, errors.New("bus: max message queue size cannot be negative"))
	}
	if c.ProcessorInterval < 0 {
		errs = append(errs, errors.New("bus: processor interval cannot be negative"))
	}
	if c.DispatchWorkers < 0 {
		errs = append(errs, errors.New("bus: dispatch workers cannot be negative"))
	}
	if c.EventChannel != "" && c.SystemChannel != "" && c.EventChannel == c.SystemChannel {
		errs = append(errs, fmt.Errorf("events: event channel and system channel must differ (both %q)", c.EventChannel))
	}
	if c.InvokeTimeout < 0 {
		errs = append(errs, errors.New("api: invoke timeout cannot be negative"))
	}
	if c.CallHistorySize < 0 {
		errs = append(errs, errors.New("metrics: call history size cannot be negative"))
	}
	return errs
}

func (c *Config) validateRetry() []error {
	var errs []error
	r := c.RetryPolicy
	if r.MaxRetries < 0 {
		errs = append(errs, errors.New("retry: max retries cannot be negative"))
	}
	if r.BaseDelay < 0 {
		errs = append(errs, errors.New("retry: base delay cannot be negative"))
	}
	if r.MaxDelay < 0 {
		errs = append(errs, errors.New("retry: max delay cannot be negative"))
	}
	if r.BackoffMultiplier < 0 {
		errs = append(errs, errors.New("retry: backoff multiplier cannot be negative"))
	} else if r.BackoffMultiplier > 0 && r.BackoffMultiplier < 1 {
		errs = append(errs, fmt.Errorf("retry: backoff multiplier %.2f must be at least 1", r.BackoffMultiplier))
	}
	if r.MaxDelay > 0 && r.BaseDelay > 0 && r.BaseDelay > r.MaxDelay {
		errs = append(errs, errors.New("retry: base delay cannot exceed max delay"))
	}
	return errs
}

func (c *Config) validateCircuitBreaker() []error {
	var errs []error
	cb := c.CircuitBreaker
	if cb.FailureThreshold < 0 {
		errs = append(errs, errors.New("circuit breaker: failure threshold cannot be negative"))
	}
	if cb.RecoveryTimeout < 0 {
		errs = append(errs, errors.New("circuit breaker: recovery timeout cannot be negative"))
	}
	if cb.CallTimeout < 0 {
		errs = append(errs, errors.New("circuit breaker: call timeout cannot be negative"))
	}
	if cb.FailureHistory < 0 {
		errs = append(errs, errors.New("circuit breaker: failure history cannot be negative"))
	}
	return errs
}

// ValidateConfig is a convenience function to validate a config pointer.
// Returns nil if the config is valid.
func ValidateConfig(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	return c.Validate()
}

// Parse decodes YAML into a Config. Unknown keys are rejected so typos in
// tunables surface at startup.
func Parse(data []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// Load reads and parses a YAML configuration file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// ApplyEnv overrides fields of c from environment variables named with prefix
// (DefaultEnvPrefix when empty), for example MODCOMM_RETRY_MAX_RETRIES.
// Variables that are not set leave the existing value untouched.
func ApplyEnv(c *Config, prefix string) error {
	if c == nil {
		return errors.New("config is nil")
	}
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	if err := env.ParseWithOptions(c, env.Options{Prefix: prefix}); err != nil {
		return fmt.Errorf("config: parse environment: %w", err)
	}
	return nil
}

// FromEnv builds a Config from environment variables only.
func FromEnv(prefix string) (Config, error) {
	var cfg Config
	err := ApplyEnv(&cfg, prefix)
	return cfg, err
}
