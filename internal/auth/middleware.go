package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/sakif/clickpay/internal/apperror"
)

// contextKey is unexported so no other package can read or shadow the
// identity stored by this middleware.
type contextKey string

const identityKey contextKey = "identity"

// DefaultCookieName is the cookie carrying the session handle.
const DefaultCookieName = "session"

// Identity is the authenticated caller of a request.
type Identity struct {
	UserID       string
	IsAdmin      bool
	SessionToken string
	ExpiresAt    time.Time
}

// Authenticator resolves a session token to an identity, sliding the
// session's expiry. It returns an apperror.ErrUnauthenticated error for an
// unknown or expired session.
type Authenticator interface {
	Authenticate(ctx context.Context, sessionToken string) (*Identity, error)
}

// Cookie describes how the session cookie is written.
type Cookie struct {
	Name   string
	Secure bool
}

// Set writes the handle as an HttpOnly cookie expiring with the session.
func (c Cookie) Set(w http.ResponseWriter, handle string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.name(),
		Value:    handle,
		Path:     "/",
		Expires:  expires,
		MaxAge:   int(time.Until(expires).Seconds()),
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// Clear removes the session cookie.
func (c Cookie) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.name(),
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (c Cookie) name() string {
	if c.Name == "" {
		return DefaultCookieName
	}
	return c.Name
}

// HandleFromRequest returns the raw session handle of a request and whether
// it came from the cookie. "Authorization: Bearer <handle>" wins over the
// cookie.
func (c Cookie) HandleFromRequest(r *http.Request) (handle string, fromCookie bool) {
	if h := r.Header.Get("Authorization"); h != "" {
		if rest, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(rest), false
		}
	}
	if ck, err := r.Cookie(c.name()); err == nil {
		return ck.Value, true
	}
	return "", false
}

// RequireSession enforces a live session on the wrapped routes.
//
// The handle is opened with tokens, then the session row is resolved by
// auth, which also slides its expiry. When the handle came from the cookie
// the cookie is re-issued with the new expiry so the browser keeps it as
// long as the server does.
func RequireSession(tokens *TokenService, auth Authenticator, cookie Cookie) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handle, fromCookie := cookie.HandleFromRequest(r)
			if handle == "" {
				writeAuthError(w, http.StatusUnauthorized, "unauthenticated", "a session is required")
				return
			}

			sessionToken, err := tokens.Open(handle)
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, "unauthenticated", "invalid session")
				return
			}

			id, err := auth.Authenticate(r.Context(), sessionToken)
			if err != nil {
				switch {
				case errors.Is(err, apperror.ErrUnauthenticated):
					writeAuthError(w, http.StatusUnauthorized, "unauthenticated", "session expired or revoked")
				case errors.Is(err, apperror.ErrTransient):
					writeAuthError(w, http.StatusServiceUnavailable, "unavailable", "service temporarily unavailable, please try again later")
				default:
					writeAuthError(w, http.StatusInternalServerError, "internal_error", "an unexpected error occurred")
				}
				return
			}

			if fromCookie {
				cookie.Set(w, handle, id.ExpiresAt)
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// RequireAdmin rejects callers without the admin flag. It must run after
// RequireSession.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFromContext(r.Context())
		if !ok {
			writeAuthError(w, http.StatusUnauthorized, "unauthenticated", "a session is required")
			return
		}
		if !id.IsAdmin {
			writeAuthError(w, http.StatusForbidden, "forbidden", "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// WithIdentity stores id in ctx. Exposed for handler tests.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromContext returns the caller set by RequireSession.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey).(*Identity)
	return id, ok && id != nil && id.UserID != ""
}

// UserIDFromContext is a shorthand for IdentityFromContext(ctx).UserID.
func UserIDFromContext(ctx context.Context) (string, bool) {
	id, ok := IdentityFromContext(ctx)
	if !ok {
		return "", false
	}
	return id.UserID, true
}

// writeAuthError writes the same {"error","message"} body the handlers use.
// The strings are constants, so no encoder is needed.
func writeAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + code + `","message":"` + message + `"}`))
}
