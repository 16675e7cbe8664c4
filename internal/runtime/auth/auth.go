// Package auth issues and validates the opaque tokens that guard API
// registrations marked as requiring authentication.
package auth

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	errspkg "github.com/drblury/modcomm/internal/runtime/errors"
	"github.com/drblury/modcomm/internal/runtime/logging"
)

// ScopeAll grants every scope.
const ScopeAll = "*"

// Token binds an opaque value to a module, its scopes and an expiry.
type Token struct {
	Value     string    `json:"token"`
	Module    string    `json:"module"`
	Scopes    []string  `json:"scopes"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the token is no longer valid at now.
func (t Token) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// HasScope reports whether the token grants scope.
func (t Token) HasScope(scope string) bool {
	return slices.Contains(t.Scopes, scope) || slices.Contains(t.Scopes, ScopeAll)
}

// Options configures a Store.
type Options struct {
	Logger logging.ServiceLogger
	Now    func() time.Time
}

// Store keeps issued tokens in memory.
type Store struct {
	mu     sync.RWMutex
	tokens map[string]Token
	now    func() time.Time
	logger logging.ServiceLogger
}

// NewStore returns an empty Store.
func NewStore(opts Options) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		tokens: make(map[string]Token),
		now:    opts.Now,
		logger: logging.OrNop(opts.Logger).With(logging.LogFields{"component": "auth"}),
	}
}

// Issue creates a token for module valid for ttl.
func (s *Store) Issue(module string, scopes []string, ttl time.Duration) (Token, error) {
	module = strings.TrimSpace(module)
	if module == "" {
		return Token{}, fmt.Errorf("%w: module is required", errspkg.ErrInvalidArgument)
	}
	if ttl <= 0 {
		return Token{}, fmt.Errorf("%w: token ttl must be positive", errspkg.ErrInvalidArgument)
	}

	now := s.now()
	tok := Token{
		Value:     uuid.NewString(),
		Module:    module,
		Scopes:    slices.Clone(scopes),
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}

	s.mu.Lock()
	s.tokens[tok.Value] = tok
	s.mu.Unlock()

	s.logger.Info("Token issued", logging.LogFields{
		"module":     module,
		"scopes":     strings.Join(scopes, ","),
		"expires_at": tok.ExpiresAt,
	})
	return tok, nil
}

// Revoke invalidates value immediately.
func (s *Store) Revoke(value string) error {
	s.mu.Lock()
	tok, ok := s.tokens[value]
	delete(s.tokens, value)
	s.mu.Unlock()

	if !ok {
		return &errspkg.AuthenticationError{Reason: "unknown token"}
	}
	s.logger.Info("Token revoked", logging.LogFields{"module": tok.Module})
	return nil
}

// Validate checks that value exists, has not expired and grants every scope
// in required. It returns the token so callers can attribute the call.
func (s *Store) Validate(value string, required []string) (Token, error) {
	if value == "" {
		return Token{}, &errspkg.AuthenticationError{Reason: "missing token"}
	}

	s.mu.RLock()
	tok, ok := s.tokens[value]
	s.mu.RUnlock()
	if !ok {
		return Token{}, &errspkg.AuthenticationError{Reason: "unknown token"}
	}
	if tok.Expired(s.now()) {
		s.mu.Lock()
		delete(s.tokens, value)
		s.mu.Unlock()
		return Token{}, &errspkg.AuthenticationError{Reason: "token expired"}
	}

	var missing []string
	for _, scope := range required {
		if !tok.HasScope(scope) {
			missing = append(missing, scope)
		}
	}
	if len(missing) > 0 {
		return Token{}, &errspkg.AuthorizationError{Module: tok.Module, Missing: missing}
	}
	return tok, nil
}

// Purge drops expired tokens and returns how many were removed.
func (s *Store) Purge() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for value, tok := range s.tokens {
		if tok.Expired(now) {
			delete(s.tokens, value)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored tokens, expired ones included until purged.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokens)
}
