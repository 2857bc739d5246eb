// Package privateapps manages authenticated end-user sessions for
// services exposed as private apps.
package privateapps

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oto-proxy/oto/internal/config"
)

// DefaultSessionTTL applies when the login flow does not set a max-age.
const DefaultSessionTTL = 24 * time.Hour

// User is one live private-app session.
type User struct {
	RandomID  string         `json:"randomId"`
	Name      string         `json:"name"`
	Email     string         `json:"email"`
	Profile   map[string]any `json:"profile"`
	Realm     string         `json:"realm"`
	CreatedAt time.Time      `json:"createdAt"`
	ExpiredAt time.Time      `json:"expiredAt"`
}

// SessionStore owns the sessions. Entries vanish on expiry or logout.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*User
}

// NewSessionStore creates an empty store and starts its janitor.
func NewSessionStore() *SessionStore {
	s := &SessionStore{sessions: make(map[string]*User)}
	go s.janitor()
	return s
}

func (s *SessionStore) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		now := time.Now()
		s.mu.Lock()
		for id, u := range s.sessions {
			if u.ExpiredAt.Before(now) {
				delete(s.sessions, id)
			}
		}
		s.mu.Unlock()
	}
}

// Create registers a session and returns it.
func (s *SessionStore) Create(name, email, realm string, profile map[string]any, ttl time.Duration) *User {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	now := time.Now()
	u := &User{
		RandomID:  uuid.NewString(),
		Name:      name,
		Email:     email,
		Profile:   profile,
		Realm:     realm,
		CreatedAt: now,
		ExpiredAt: now.Add(ttl),
	}
	s.mu.Lock()
	s.sessions[u.RandomID] = u
	s.mu.Unlock()
	return u
}

// Register stores a session created elsewhere under the given id.
// The login endpoint uses it to accept externally minted session ids.
func (s *SessionStore) Register(id string, ttl time.Duration) *User {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	now := time.Now()
	u := &User{
		RandomID:  id,
		CreatedAt: now,
		ExpiredAt: now.Add(ttl),
	}
	s.mu.Lock()
	s.sessions[id] = u
	s.mu.Unlock()
	return u
}

// Get resolves a live session. Expired sessions are removed on read.
func (s *SessionStore) Get(id string) (*User, bool) {
	s.mu.RLock()
	u, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if u.ExpiredAt.Before(time.Now()) {
		s.Destroy(id)
		return nil, false
	}
	return u, true
}

// Destroy removes a session, ending it immediately.
func (s *SessionStore) Destroy(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// Len reports the number of live sessions.
func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// CookieName builds the per-service session cookie name.
func CookieName(suffix string) string {
	return config.PrivateAppCookiePrefix + "-" + suffix
}

// SessionFromRequest finds a live session referenced by any private-app
// cookie on the request.
func (s *SessionStore) SessionFromRequest(r *http.Request, suffix string) (*User, bool) {
	c, err := r.Cookie(CookieName(suffix))
	if err != nil || c.Value == "" {
		return nil, false
	}
	return s.Get(c.Value)
}

// NewSessionCookie shapes the session cookie for the login response.
func NewSessionCookie(suffix, sessionID, domain string, maxAge time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName(suffix),
		Value:    sessionID,
		Domain:   domain,
		Path:     "/",
		MaxAge:   int(maxAge.Seconds()),
		HttpOnly: true,
	}
}
