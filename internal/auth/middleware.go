package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	SessionCookieName = "session_id"
	SessionHeaderName = "X-Session-ID"

	sessionIDContextKey = "session_id"
	defaultCookieMaxAge = 7 * 24 * time.Hour
)

// SessionStore is told about every session the middleware resolves.
type SessionStore interface {
	Ensure(sessionID string)
}

// Sessions resolves the caller's session from the header or cookie and issues
// a new one on first contact.
type Sessions struct {
	store  SessionStore
	maxAge time.Duration
}

func NewSessions(store SessionStore, maxAge time.Duration) *Sessions {
	if maxAge <= 0 {
		maxAge = defaultCookieMaxAge
	}
	return &Sessions{store: store, maxAge: maxAge}
}

// Middleware stores the session id in the gin context.
func (s *Sessions) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := extractSessionID(c)
		if sessionID == "" {
			sessionID = uuid.NewString()
			s.setCookie(c, sessionID, int(s.maxAge.Seconds()))
		}
		if s.store != nil {
			s.store.Ensure(sessionID)
		}
		c.Set(sessionIDContextKey, sessionID)
		c.Next()
	}
}

// Clear expires the session cookie.
func (s *Sessions) Clear(c *gin.Context) {
	s.setCookie(c, "", -1)
}

// SessionIDFromContext retrieves the session id set by the middleware.
func SessionIDFromContext(c *gin.Context) (string, bool) {
	val, ok := c.Get(sessionIDContextKey)
	if !ok {
		return "", false
	}
	sessionID, ok := val.(string)
	return sessionID, ok && sessionID != ""
}

func (s *Sessions) setCookie(c *gin.Context, value string, maxAge int) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     SessionCookieName,
		Value:    value,
		MaxAge:   maxAge,
		Path:     "/",
		Secure:   gin.Mode() == gin.ReleaseMode,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// extractSessionID accepts only well-formed uuids so clients cannot pick
// arbitrary keys.
func extractSessionID(c *gin.Context) string {
	if id := strings.TrimSpace(c.GetHeader(SessionHeaderName)); validSessionID(id) {
		return id
	}
	if id, err := c.Cookie(SessionCookieName); err == nil && validSessionID(id) {
		return id
	}
	return ""
}

func validSessionID(id string) bool {
	if id == "" {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}
