package runtime

import (
	"fmt"
	"time"

	"github.com/drblury/modcomm/internal/runtime/bus"
	"github.com/drblury/modcomm/internal/runtime/metrics"
)

// Health is the rolled-up state of the core or one of its components.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthWarning   Health = "warning"
	HealthUnhealthy Health = "unhealthy"
)

// Thresholds used by Status.
const (
	ErrorRateWarning       = 0.05
	ErrorRateUnhealthy     = 0.25
	OpenCircuitsUnhealthy  = 3
	QueueSaturationWarning = 0.8
)

func (h Health) severity() int {
	switch h {
	case HealthUnhealthy:
		return 2
	case HealthWarning:
		return 1
	default:
		return 0
	}
}

// ComponentHealth is the verdict for one part of the core.
type ComponentHealth struct {
	Component string `json:"component"`
	Health    Health `json:"health"`
	Message   string `json:"message,omitempty"`
}

// Status is the administrative summary returned by Service.Status.
type Status struct {
	Health        Health            `json:"health"`
	Components    []ComponentHealth `json:"components"`
	Running       bool              `json:"running"`
	Uptime        string            `json:"uptime"`
	Channels      int               `json:"channels"`
	Subscriptions int               `json:"subscriptions"`
	APIs          int               `json:"apis"`
	InFlightCalls int               `json:"in_flight_calls"`
	OpenCircuits  int               `json:"open_circuits"`
	EventHistory  int               `json:"event_history"`
	ErrorRate     float64           `json:"error_rate"`
	Totals        metrics.Totals    `json:"totals"`
	Resources     ResourceUsage     `json:"resources"`
	CheckedAt     time.Time         `json:"checked_at"`
}

// aggregate returns the worst health among components.
func aggregate(components []ComponentHealth) Health {
	worst := HealthHealthy
	for _, c := range components {
		if c.Health.severity() > worst.severity() {
			worst = c.Health
		}
	}
	return worst
}

func queueHealth(channels []bus.ChannelInfo) ComponentHealth {
	h := ComponentHealth{Component: "bus", Health: HealthHealthy}
	var saturated []string
	for _, ch := range channels {
		if ch.Capacity > 0 && float64(ch.Depth)/float64(ch.Capacity) > QueueSaturationWarning {
			saturated = append(saturated, ch.Name)
		}
	}
	if len(saturated) > 0 {
		h.Health = HealthWarning
		h.Message = fmt.Sprintf("queues above %.0f%% capacity: %v", QueueSaturationWarning*100, saturated)
	}
	return h
}

func errorRateHealth(rate float64) ComponentHealth {
	h := ComponentHealth{Component: "api", Health: HealthHealthy}
	switch {
	case rate > ErrorRateUnhealthy:
		h.Health = HealthUnhealthy
	case rate > ErrorRateWarning:
		h.Health = HealthWarning
	default:
		return h
	}
	h.Message = fmt.Sprintf("error rate %.1f%%", rate*100)
	return h
}

func circuitHealth(open int) ComponentHealth {
	h := ComponentHealth{Component: "circuit_breakers", Health: HealthHealthy}
	switch {
	case open >= OpenCircuitsUnhealthy:
		h.Health = HealthUnhealthy
	case open > 0:
		h.Health = HealthWarning
	default:
		return h
	}
	h.Message = fmt.Sprintf("%d open circuit(s)", open)
	return h
}

// Status rolls up the health of the bus, the API layer and the circuit
// breakers and reports process resource usage.
func (s *Service) Status() Status {
	now := s.now()
	channels := s.bus.Channels()
	totals := s.metrics.Snapshot().Totals
	rate := totals.ErrorRate()
	open := s.breakers.OpenCount()

	components := []ComponentHealth{
		queueHealth(channels),
		errorRateHealth(rate),
		circuitHealth(open),
	}

	subscribers := 0
	for _, ch := range channels {
		subscribers += ch.Subscribers
	}

	return Status{
		Health:        aggregate(components),
		Components:    components,
		Running:       s.bus.Running(),
		Uptime:        now.Sub(s.createdAt).Round(time.Millisecond).String(),
		Channels:      len(channels),
		Subscriptions: subscribers,
		APIs:          len(s.apis.APIs()),
		InFlightCalls: s.apis.InFlight(),
		OpenCircuits:  open,
		EventHistory:  s.events.HistoryLen(),
		ErrorRate:     rate,
		Totals:        totals,
		Resources:     s.resourceTracker.Snapshot(now),
		CheckedAt:     now,
	}
}
