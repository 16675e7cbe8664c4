package runtime

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/modcomm/internal/runtime/api"
	"github.com/drblury/modcomm/internal/runtime/auth"
	"github.com/drblury/modcomm/internal/runtime/breaker"
	"github.com/drblury/modcomm/internal/runtime/bus"
	errspkg "github.com/drblury/modcomm/internal/runtime/errors"
	"github.com/drblury/modcomm/internal/runtime/events"
	"github.com/drblury/modcomm/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/modcomm/internal/runtime/logging"
	"github.com/drblury/modcomm/internal/runtime/metrics"
)

// Channels lists every channel with its depth and subscriber count.
func (s *Service) Channels() []bus.ChannelInfo {
	return s.bus.Channels()
}

// Subscriptions lists the subscriptions of channel, or of every channel when
// channel is empty.
func (s *Service) Subscriptions(channel string) []bus.SubscriptionInfo {
	return s.bus.Subscriptions(channel)
}

// APIs lists registered operations sorted by key.
func (s *Service) APIs() []api.RegistrationInfo {
	return s.apis.APIs()
}

// CircuitBreakers reports every breaker. Failure history is included on request.
func (s *Service) CircuitBreakers(includeHistory bool) []breaker.Stats {
	return s.breakers.States(includeHistory)
}

// Metrics returns a snapshot of every counter.
func (s *Service) Metrics() metrics.Snapshot {
	return s.metrics.Snapshot()
}

// ResetMetrics zeroes the counters and the recent call history.
func (s *Service) ResetMetrics() {
	s.metrics.Reset()
}

// ResetCircuitBreaker closes the breaker guarding name.
func (s *Service) ResetCircuitBreaker(name string) error {
	if err := s.breakers.Reset(name); err != nil {
		return err
	}
	s.publishSystemEvent(context.Background(), EventCircuitBreakersReset, map[string]any{"name": name})
	return nil
}

// ResetAllCircuitBreakers closes every breaker.
func (s *Service) ResetAllCircuitBreakers() {
	s.breakers.ResetAll()
	s.publishSystemEvent(context.Background(), EventCircuitBreakersReset, map[string]any{"all": true})
}

// EnableTracing writes each completed call record to sink as a JSON line.
func (s *Service) EnableTracing(sink io.Writer) {
	s.metrics.EnableTracing(sink)
}

// DisableTracing stops writing call records.
func (s *Service) DisableTracing() {
	s.metrics.DisableTracing()
}

// IssueToken creates an API token for module.
func (s *Service) IssueToken(module string, scopes []string, ttl time.Duration) (auth.Token, error) {
	return s.auth.Issue(module, scopes, ttl)
}

// RevokeToken invalidates a token.
func (s *Service) RevokeToken(token string) error {
	return s.auth.Revoke(token)
}

// AdminHandler returns a read-mostly JSON view of the core plus the Prometheus
// endpoint. Mount it on any server; the Service never listens itself.
//
//	GET  /status                    health rollup, 503 when unhealthy
//	GET  /channels
//	GET  /subscriptions?channel=
//	GET  /apis
//	GET  /breakers?history=true
//	POST /breakers/reset?name=      all breakers when name is empty
//	GET  /stats
//	POST /stats/reset
//	GET  /events?pattern=&limit=&since=
//	GET  /metrics                   Prometheus exposition
func (s *Service) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /channels", func(w http.ResponseWriter, _ *http.Request) {
		s.writeJSON(w, http.StatusOK, s.Channels())
	})
	mux.HandleFunc("GET /subscriptions", func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, s.Subscriptions(r.URL.Query().Get("channel")))
	})
	mux.HandleFunc("GET /apis", func(w http.ResponseWriter, _ *http.Request) {
		s.writeJSON(w, http.StatusOK, s.APIs())
	})
	mux.HandleFunc("GET /breakers", func(w http.ResponseWriter, r *http.Request) {
		history, _ := strconv.ParseBool(r.URL.Query().Get("history"))
		s.writeJSON(w, http.StatusOK, s.CircuitBreakers(history))
	})
	mux.HandleFunc("POST /breakers/reset", s.handleResetBreakers)
	mux.HandleFunc("GET /stats", func(w http.ResponseWriter, _ *http.Request) {
		s.writeJSON(w, http.StatusOK, s.Metrics())
	})
	mux.HandleFunc("POST /stats/reset", func(w http.ResponseWriter, _ *http.Request) {
		s.ResetMetrics()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))

	return s.withCORS(mux)
}

func (s *Service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := s.Status()
	code := http.StatusOK
	if status.Health == HealthUnhealthy {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, status)
}

func (s *Service) handleResetBreakers(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		s.ResetAllCircuitBreakers()
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := s.ResetCircuitBreaker(name); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, errspkg.ErrBreakerNotFound) {
			code = http.StatusNotFound
		}
		s.writeError(w, code, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleEvents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	q := events.HistoryQuery{Pattern: query.Get("pattern")}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.writeError(w, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
			return
		}
		q.Limit = limit
	}
	if raw := query.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, errors.New("since must be an RFC 3339 timestamp"))
			return
		}
		q.Since = since
	}
	s.writeJSON(w, http.StatusOK, s.GetEventHistory(q))
}

func (s *Service) writeJSON(w http.ResponseWriter, code int, v any) {
	body, err := jsoncodec.Marshal(v)
	if err != nil {
		s.Logger.Error("Failed to encode admin response", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(body); err != nil {
		s.Logger.Debug("Failed to write admin response", loggingpkg.LogFields{"error": err.Error()})
	}
}

func (s *Service) writeError(w http.ResponseWriter, code int, err error) {
	s.writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (s *Service) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.Conf.AdminCORSAllowedOrigins) > 0 {
			if allowed := s.getAllowedCORSOrigin(r.Header.Get("Origin")); allowed != "" {
				w.Header().Set("Access-Control-Allow-Origin", allowed)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			}
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// getAllowedCORSOrigin returns the Access-Control-Allow-Origin value for
// requestOrigin, or "" when it is not allowed.
func (s *Service) getAllowedCORSOrigin(requestOrigin string) string {
	for _, allowed := range s.Conf.AdminCORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
