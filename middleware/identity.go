package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// CookieName is the long-lived visitor identifier cookie set by the
// game's original deployment; existing visitors keep their identity.
const CookieName = "ms_uuid"

const cookieMaxAge = 365 * 24 * 60 * 60

type contextKey int

const userIDKey contextKey = iota

// Identity ensures every request carries a stable visitor ID: read from
// the ms_uuid cookie when present, otherwise minted and set on the
// response. The ID is placed on the request context for handlers.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := ""
		if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
			userID = c.Value
		}

		if userID == "" {
			userID = uuid.New().String()
			http.SetCookie(w, &http.Cookie{
				Name:     CookieName,
				Value:    userID,
				Path:     "/",
				MaxAge:   cookieMaxAge,
				SameSite: http.SameSiteLaxMode,
			})
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UserID returns the visitor ID stored by Identity, or "" when the
// middleware did not run.
func UserID(r *http.Request) string {
	if id, ok := r.Context().Value(userIDKey).(string); ok {
		return id
	}
	return ""
}
