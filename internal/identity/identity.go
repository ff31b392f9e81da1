// Package identity provides anonymous per-visit participant identity.
//
// A participant id is generated on first contact with a session and is
// scoped to that one visit: it is never shared across sessions and is not
// a durable account. The trust boundary is "whoever holds the session id
// and passes the challenge".
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"regexp"
	"time"
)

const (
	// HeaderName lets non-browser clients carry their participant id
	// explicitly instead of via cookie.
	HeaderName = "X-Participant-ID"

	cookiePrefix    = "vanish_pid_"
	cookieMaxAge    = 24 * time.Hour
	participantPref = "peer_"
)

type contextKey int

const participantIDKey contextKey = iota

var participantIDPattern = regexp.MustCompile(`^peer_[a-f0-9]{32}$`)

// NewParticipantID generates a fresh opaque participant id.
func NewParticipantID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate participant id: %w", err)
	}
	return participantPref + hex.EncodeToString(buf), nil
}

// Valid reports whether id looks like a participant id this package
// issued.
func Valid(id string) bool {
	return participantIDPattern.MatchString(id)
}

// DisplayName derives a short human-readable handle from a participant
// id, for use in system notices.
func DisplayName(participantID string) string {
	if participantID == "" {
		return "someone"
	}
	if len(participantID) > len(participantPref)+8 {
		return "peer-" + participantID[len(participantID)-8:]
	}
	return participantID
}

// ParticipantIDFromContext extracts the participant id from the request
// context, or "" if none was established.
func ParticipantIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(participantIDKey).(string); ok {
		return v
	}
	return ""
}

// WithParticipantID returns a context carrying the participant id.
func WithParticipantID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, participantIDKey, id)
}

func cookieName(sessionID string) string {
	return cookiePrefix + sessionID
}

func setCookie(w http.ResponseWriter, sessionID, id string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName(sessionID),
		Value:    id,
		Path:     "/",
		MaxAge:   int(cookieMaxAge.Seconds()),
		Expires:  time.Now().Add(cookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

// Establish resolves the participant id for a request against one
// session, preferring the explicit header, then the per-session cookie,
// and finally minting a new id. The id is (re)written as a cookie so the
// visit keeps a stable identity.
func Establish(w http.ResponseWriter, r *http.Request, sessionID string, isDev bool) (string, error) {
	if id := r.Header.Get(HeaderName); Valid(id) {
		return id, nil
	}
	if c, err := r.Cookie(cookieName(sessionID)); err == nil && Valid(c.Value) {
		setCookie(w, sessionID, c.Value, isDev)
		return c.Value, nil
	}

	id, err := NewParticipantID()
	if err != nil {
		return "", err
	}
	setCookie(w, sessionID, id, isDev)
	return id, nil
}
