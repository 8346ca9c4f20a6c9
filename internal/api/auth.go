package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionCookie is the cookie carrying the session token for browser clients.
const SessionCookie = "docqa_session"

// DefaultSessionTTL bounds how long an idle session stays valid.
const DefaultSessionTTL = 24 * time.Hour

// BearerAuth rejects requests whose bearer token does not match token. An
// empty token rejects everything.
func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if subtle.ConstantTimeCompare([]byte(bearerToken(r)), []byte(token)) != 1 || token == "" {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return auth[len(prefix):]
}

type session struct {
	user     string
	lastSeen time.Time
}

// Sessions maps opaque tokens to already-resolved user ids. Sessions are kept
// in memory and lost on restart.
type Sessions struct {
	mu     sync.Mutex
	tokens map[string]session
	ttl    time.Duration
	now    func() time.Time
}

// NewSessions creates a session store. ttl <= 0 uses DefaultSessionTTL.
func NewSessions(ttl time.Duration) *Sessions {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Sessions{tokens: make(map[string]session), ttl: ttl, now: time.Now}
}

// Create opens a session for user and returns its token.
func (s *Sessions) Create(user string) string {
	token := uuid.New().String()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = session{user: user, lastSeen: s.now()}
	return token
}

// Lookup returns the user for token and refreshes its idle timer.
func (s *Sessions) Lookup(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.tokens[token]
	if !ok {
		return "", false
	}
	now := s.now()
	if now.Sub(sess.lastSeen) > s.ttl {
		delete(s.tokens, token)
		return "", false
	}
	sess.lastSeen = now
	s.tokens[token] = sess
	return sess.user, true
}

// Revoke ends the session for token.
func (s *Sessions) Revoke(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, token)
}

// Prune drops expired sessions and reports how many were removed.
func (s *Sessions) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for tok, sess := range s.tokens {
		if now.Sub(sess.lastSeen) > s.ttl {
			delete(s.tokens, tok)
			n++
		}
	}
	return n
}

type ctxKey int

const (
	userKey ctxKey = iota
	tokenKey
)

func sessionToken(r *http.Request) string {
	if tok := bearerToken(r); tok != "" {
		return tok
	}
	if c, err := r.Cookie(SessionCookie); err == nil {
		return c.Value
	}
	return ""
}

// RequireSession rejects requests without a live session and stores the
// session's user id in the request context.
func RequireSession(s *Sessions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := sessionToken(r)
			user, ok := s.Lookup(tok)
			if !ok {
				httpError(w, http.StatusUnauthorized, "authentication_error", "not logged in")
				return
			}
			ctx := context.WithValue(r.Context(), userKey, user)
			ctx = context.WithValue(ctx, tokenKey, tok)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserFromContext returns the user id placed by RequireSession.
func UserFromContext(ctx context.Context) (string, bool) {
	u, ok := ctx.Value(userKey).(string)
	return u, ok
}
