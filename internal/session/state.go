// Package session holds the process-wide bearer token and notifies
// observers whenever it changes.
package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token is a snapshot of the session credential.
type Token struct {
	Value   string
	Present bool
}

// Observer is called synchronously on every token change. Observers must not
// call Set or Clear on the same State.
type Observer func(Token)

// Option configures a State.
type Option func(*State)

// WithExpiryLeeway clears JWT credentials this long before their exp claim.
func WithExpiryLeeway(d time.Duration) Option {
	return func(s *State) {
		s.leeway = d
	}
}

// WithLogger sets the logger used for forced invalidation notices.
func WithLogger(l *slog.Logger) Option {
	return func(s *State) {
		s.logger = l
	}
}

type observerEntry struct {
	id int
	fn Observer
}

// State is the single source of truth for the current bearer token. Writes
// go through Set and Clear only; reads are cheap and concurrent.
type State struct {
	// writeMu serializes writers so observers see changes in publish order.
	writeMu sync.Mutex

	mu          sync.RWMutex
	token       Token
	expiry      time.Time
	gen         uint64
	expiryTimer *time.Timer
	observers   []observerEntry
	nextID      int

	leeway time.Duration
	logger *slog.Logger
}

// New creates a State with no token.
func New(opts ...Option) *State {
	s := &State{logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Token returns the current token, or ok=false when unauthenticated.
func (s *State) Token() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token.Value, s.token.Present
}

// Expiry returns the exp claim of the current token when it is a JWT.
func (s *State) Expiry() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expiry, !s.expiry.IsZero()
}

// Set replaces the current token and notifies every observer before
// returning. An empty token is equivalent to Clear.
func (s *State) Set(token string) {
	s.publish(Token{Value: token, Present: token != ""}, 0)
}

// Clear drops the current token.
func (s *State) Clear() {
	s.publish(Token{}, 0)
}

// Subscribe registers fn for token changes. The returned func unregisters it.
func (s *State) Subscribe(fn Observer) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.observers = append(s.observers, observerEntry{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, o := range s.observers {
				if o.id == id {
					s.observers = append(s.observers[:i:i], s.observers[i+1:]...)
					return
				}
			}
		})
	}
}

// publish installs tok. A non-zero onlyGen makes the write conditional on no
// other write having happened since that generation; expiry timers use it.
func (s *State) publish(tok Token, onlyGen uint64) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if onlyGen != 0 && onlyGen != s.gen {
		s.mu.Unlock()
		return
	}
	s.gen++
	if s.expiryTimer != nil {
		s.expiryTimer.Stop()
		s.expiryTimer = nil
	}
	s.token = tok
	s.expiry = time.Time{}
	if tok.Present {
		if exp, ok := jwtExpiry(tok.Value); ok {
			s.expiry = exp
			gen := s.gen
			s.expiryTimer = time.AfterFunc(time.Until(exp.Add(-s.leeway)), func() {
				s.logger.Info("session token expired, clearing", "expired_at", exp)
				s.publish(Token{}, gen)
			})
		}
	}
	observers := make([]Observer, len(s.observers))
	for i, o := range s.observers {
		observers[i] = o.fn
	}
	s.mu.Unlock()

	for _, fn := range observers {
		fn(tok)
	}
}

// jwtExpiry reads the exp claim without verifying the signature; the server
// remains the authority on validity, this only drives local invalidation.
func jwtExpiry(token string) (time.Time, bool) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
