package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

type contextKey string

const ParticipantIDKey contextKey = "participant_id"

// SessionCookie is accepted in place of an Authorization header for
// browser clients.
const SessionCookie = "session"

// Verifier resolves a session token to a participant id.
type Verifier interface {
	VerifySession(token string) (string, error)
}

// BearerToken extracts the session token from the Authorization header or
// the session cookie.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if cookie, err := r.Cookie(SessionCookie); err == nil {
		return cookie.Value
	}
	return ""
}

func AuthMiddleware(verifier Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r)
			if token == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			participantID, err := verifier.VerifySession(token)
			if err != nil || participantID == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithParticipantID(r.Context(), participantID)))
		})
	}
}

// AdminToken admits requests whose Authorization header carries token. An
// empty token admits nobody.
func AdminToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if token == "" || !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(token)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func WithParticipantID(ctx context.Context, participantID string) context.Context {
	return context.WithValue(ctx, ParticipantIDKey, participantID)
}

func ParticipantID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ParticipantIDKey).(string)
	return id, ok && id != ""
}
