package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingToken is returned locally when an authenticated call has no bearer credential.
	ErrMissingToken = errors.New("missing authentication token")
	// ErrSessionExpired is returned locally when the bearer credential is past its exp claim.
	ErrSessionExpired = errors.New("session expired")
)

// usernameClaims lists the claims searched, in order, for the session username.
var usernameClaims = []string{"username", "preferred_username", "name", "sub", "email"}

// Session is the explicit credential passed into every backend-calling operation.
type Session struct {
	AccessToken string
	Username    string
	ExpiresAt   time.Time
}

// NewSession builds a Session from an access token. The token is decoded without
// verification, which is the backend's job, to read the username and expiry.
// Opaque (non-JWT) tokens are accepted as-is. An explicit username wins over claims.
func NewSession(accessToken, username string) *Session {
	s := &Session{
		AccessToken: strings.TrimSpace(accessToken),
		Username:    strings.TrimSpace(username),
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(s.AccessToken, claims); err != nil {
		return s
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		s.ExpiresAt = exp.Time
	}
	if s.Username == "" {
		for _, key := range usernameClaims {
			if v, ok := claims[key].(string); ok && v != "" {
				s.Username = v
				break
			}
		}
	}
	return s
}

// FromAuthorizationHeader builds a Session from a "Bearer <token>" header value.
// Returns nil when no credential is present.
func FromAuthorizationHeader(header string) *Session {
	token := strings.TrimSpace(header)
	if len(token) >= len("bearer") && strings.EqualFold(token[:len("bearer")], "bearer") {
		token = strings.TrimSpace(token[len("bearer"):])
	}
	if token == "" {
		return nil
	}
	return NewSession(token, "")
}

// Check reports whether the session can be used for an authenticated call at now.
func (s *Session) Check(now time.Time) error {
	if s == nil || s.AccessToken == "" {
		return ErrMissingToken
	}
	if !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt) {
		return ErrSessionExpired
	}
	return nil
}

// Present reports whether a credential is held at all.
func (s *Session) Present() bool {
	return s != nil && s.AccessToken != ""
}

// BearerHeader returns the Authorization header value.
func (s *Session) BearerHeader() string {
	return "Bearer " + s.AccessToken
}
