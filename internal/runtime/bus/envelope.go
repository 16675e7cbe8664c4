package bus

import (
	"fmt"
	"strings"
	"time"
)

// Priority orders messages inside a channel. High is drained before Normal,
// Normal before Low.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// drainOrder lists the tiers in the order a dispatch pass empties them.
var drainOrder = [...]Priority{PriorityHigh, PriorityNormal, PriorityLow}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

func (p Priority) valid() bool {
	return p >= PriorityLow && p <= PriorityHigh
}

// MarshalText renders the priority by name in JSON status output.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParsePriority accepts "low", "normal" and "high" in any case.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

// Envelope is a message travelling through the bus. The bus never inspects Payload.
type Envelope struct {
	ID            string    `json:"id"`
	Channel       string    `json:"channel"`
	Type          string    `json:"type"`
	Payload       any       `json:"payload,omitempty"`
	Source        string    `json:"source,omitempty"`
	Priority      Priority  `json:"priority"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the envelope carries a TTL that has passed at now.
func (e Envelope) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// PublishOption configures a single Publish call.
type PublishOption func(*publishOptions)

type publishOptions struct {
	priority      Priority
	ttl           time.Duration
	expiresAt     time.Time
	source        string
	correlationID string
}

// WithPriority sets the delivery tier. Defaults to PriorityNormal.
func WithPriority(p Priority) PublishOption {
	return func(o *publishOptions) {
		o.priority = p
	}
}

// WithTTL discards the message if it is still queued ttl after publishing.
func WithTTL(ttl time.Duration) PublishOption {
	return func(o *publishOptions) {
		o.ttl = ttl
	}
}

// WithExpiresAt sets an absolute expiry instant. WithTTL wins when both are set.
func WithExpiresAt(at time.Time) PublishOption {
	return func(o *publishOptions) {
		o.expiresAt = at
	}
}

// WithSource records the publishing module.
func WithSource(source string) PublishOption {
	return func(o *publishOptions) {
		o.source = source
	}
}

// WithCorrelationID ties the message to a wider request.
func WithCorrelationID(id string) PublishOption {
	return func(o *publishOptions) {
		o.correlationID = id
	}
}
