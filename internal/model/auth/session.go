package auth

import "time"

// User is the identity issued by the auth service.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Session holds the tokens of an authenticated identity.
type Session struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	User         User   `json:"user"`
}

// expiryMargin refreshes tokens slightly before the server rejects them.
const expiryMargin = 10 * time.Second

// Expired reports whether the access token should be refreshed at now.
func (s *Session) Expired(now time.Time) bool {
	if s == nil || s.ExpiresAt == 0 {
		return false
	}
	return now.Add(expiryMargin).Unix() >= s.ExpiresAt
}

// EventKind enumerates auth state transitions.
type EventKind string

const (
	EventInitialSession EventKind = "INITIAL_SESSION"
	EventSignedIn       EventKind = "SIGNED_IN"
	EventSignedOut      EventKind = "SIGNED_OUT"
	EventTokenRefreshed EventKind = "TOKEN_REFRESHED"
	EventUserUpdated    EventKind = "USER_UPDATED"
)

// Event is pushed to auth-change listeners. Session is nil after sign-out.
type Event struct {
	Kind    EventKind
	Session *Session
}
