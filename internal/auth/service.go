package auth

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quickhub/quickhub/internal/logging"
	"github.com/quickhub/quickhub/internal/metrics"
)

const sweepInterval = 60 * time.Second

// Service owns the session token table. Tokens map to identities and carry a
// sliding expiration: every successful validation pushes the deadline out
// again. A background sweeper drops tokens whose deadline passed.
//
// The token and expiration maps always hold the same key set.
type Service struct {
	log        zerolog.Logger
	expiration time.Duration

	mu             sync.RWMutex
	authenticators []Authenticator
	tokenToIdent   map[string]Identity
	tokenToExpiry  map[string]time.Time
	steady         map[string]bool
	onClosed       []func(identityID, token string)

	now func() time.Time
}

// NewService creates the session service. A non-positive expiration disables
// session timeouts entirely.
func NewService(expiration time.Duration) *Service {
	return &Service{
		log:           logging.Component("sessions"),
		expiration:    expiration,
		tokenToIdent:  map[string]Identity{},
		tokenToExpiry: map[string]time.Time{},
		steady:        map[string]bool{},
		now:           time.Now,
	}
}

// RegisterAuthenticator adds a user store. Stores are queried in
// registration order.
func (s *Service) RegisterAuthenticator(a Authenticator) {
	s.mu.Lock()
	s.authenticators = append(s.authenticators, a)
	s.mu.Unlock()
}

// OnSessionClosed registers a listener notified whenever a session ends,
// whether by logout or expiry.
func (s *Service) OnSessionClosed(fn func(identityID, token string)) {
	s.mu.Lock()
	s.onClosed = append(s.onClosed, fn)
	s.mu.Unlock()
}

// GetUserForID resolves a user id across all registered authenticators.
func (s *Service) GetUserForID(userID string) *User {
	s.mu.RLock()
	authenticators := s.authenticators
	s.mu.RUnlock()
	for _, a := range authenticators {
		if u := a.GetUser(userID); u != nil {
			return u
		}
	}
	return nil
}

// ValidateUser checks credentials without opening a session.
func (s *Service) ValidateUser(userID, password string) (*User, Code) {
	user := s.GetUserForID(userID)
	if user == nil {
		return nil, UserNotExists
	}
	if !user.CheckPassword(password) {
		return user, IncorrectPassword
	}
	return user, NoError
}

// Login opens a session for the given credentials and returns the token.
// Identities that do not allow concurrent sessions are rejected while a
// session is open.
func (s *Service) Login(userID, password string) (string, Code) {
	user, code := s.ValidateUser(userID, password)
	if !code.OK() {
		return "", code
	}
	if !user.MultipleSessionsAllowed() && s.SessionCount(user.UserID) >= 1 {
		return "", PermissionDenied
	}
	token := s.insertSession(user)
	s.log.Info().Str("user", user.UserID).Int("sessions", s.SessionCount(user.UserID)).Msg("Logged in")
	return token, NoError
}

// LoginIdentity opens a session for a non-user identity, e.g. a device
// controller. An identity can hold at most one such session.
func (s *Service) LoginIdentity(identity Identity) (string, Code) {
	s.mu.RLock()
	for _, existing := range s.tokenToIdent {
		if existing == identity {
			s.mu.RUnlock()
			return "", PermissionDenied
		}
	}
	s.mu.RUnlock()
	token := s.insertSession(identity)
	s.log.Info().Str("identity", identity.IdentityID()).Msg("Identity logged in")
	return token, NoError
}

func (s *Service) insertSession(identity Identity) string {
	token := uuid.NewString()
	s.mu.Lock()
	s.tokenToIdent[token] = identity
	s.tokenToExpiry[token] = s.deadline()
	s.mu.Unlock()
	metrics.SessionsActive.Inc()
	return token
}

// RegisterSteadyToken inserts a persistent token that survives restarts and
// never expires.
func (s *Service) RegisterSteadyToken(identity Identity, token string) {
	if token == "" {
		return
	}
	s.mu.Lock()
	_, existed := s.tokenToIdent[token]
	s.tokenToIdent[token] = identity
	s.tokenToExpiry[token] = time.Time{}
	s.steady[token] = true
	s.mu.Unlock()
	if !existed {
		metrics.SessionsActive.Inc()
	}
}

// RestoreSteadyTokens re-registers the steady tokens persisted on users.
func (s *Service) RestoreSteadyTokens(users []*User) {
	for _, u := range users {
		for _, token := range u.SteadyTokens {
			s.RegisterSteadyToken(u, token)
		}
	}
}

// ValidateToken resolves a token and, on success, slides its expiration
// forward. Returns nil for unknown tokens. A token whose deadline already
// passed is logged out on the spot; the sweeper is only a backstop.
func (s *Service) ValidateToken(token string) Identity {
	now := s.now()
	s.mu.Lock()
	identity, ok := s.tokenToIdent[token]
	if ok && !s.steady[token] {
		if expiry := s.tokenToExpiry[token]; !expiry.IsZero() && expiry.Before(now) {
			s.mu.Unlock()
			s.Logout(token)
			return nil
		}
		s.tokenToExpiry[token] = s.deadline()
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if user, isUser := identity.(*User); isUser {
		user.LastActivity = s.now().UnixMilli()
	}
	return identity
}

// GetUserForToken resolves a token without touching the expiration. Returns
// nil when the token is unknown or belongs to a non-user identity.
func (s *Service) GetUserForToken(token string) *User {
	s.mu.RLock()
	identity := s.tokenToIdent[token]
	s.mu.RUnlock()
	user, _ := identity.(*User)
	return user
}

// TokenExpiration returns the current deadline. The zero time means the
// token never expires.
func (s *Service) TokenExpiration(token string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	expiry, ok := s.tokenToExpiry[token]
	return expiry, ok
}

// Logout closes a session and notifies listeners.
func (s *Service) Logout(token string) bool {
	s.mu.Lock()
	identity, ok := s.tokenToIdent[token]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.tokenToIdent, token)
	delete(s.tokenToExpiry, token)
	delete(s.steady, token)
	listeners := append([]func(string, string){}, s.onClosed...)
	s.mu.Unlock()

	metrics.SessionsActive.Dec()
	if user, isUser := identity.(*User); isUser {
		user.RemoveSteadyToken(token)
	}
	s.log.Info().Str("identity", identity.IdentityID()).Msg("Logged out")
	for _, fn := range listeners {
		fn(identity.IdentityID(), token)
	}
	return true
}

// LogoutIdentity closes every session of an identity.
func (s *Service) LogoutIdentity(identityID string) {
	s.mu.RLock()
	var tokens []string
	for token, identity := range s.tokenToIdent {
		if identity.IdentityID() == identityID {
			tokens = append(tokens, token)
		}
	}
	s.mu.RUnlock()
	for _, token := range tokens {
		s.Logout(token)
	}
}

// SessionCount returns the number of open sessions for an identity.
func (s *Service) SessionCount(identityID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, identity := range s.tokenToIdent {
		if identity.IdentityID() == identityID {
			count++
		}
	}
	return count
}

func (s *Service) deadline() time.Time {
	if s.expiration <= 0 {
		return time.Time{}
	}
	return s.now().Add(s.expiration)
}

// sweepExpired logs out every token whose deadline passed.
func (s *Service) sweepExpired() {
	now := s.now()
	s.mu.RLock()
	var expired []string
	for token, expiry := range s.tokenToExpiry {
		if !expiry.IsZero() && expiry.Before(now) {
			expired = append(expired, token)
		}
	}
	s.mu.RUnlock()
	for _, token := range expired {
		s.log.Debug().Msg("Session expired")
		s.Logout(token)
	}
}

// Run drives the expiration sweeper until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweepExpired()
		}
	}
}
