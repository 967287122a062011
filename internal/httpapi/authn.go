package httpapi

import (
	"net/http"
	"strings"

	"prjevent.org/internal/auth"
)

const (
	authHeader         = "Authorization"
	bearer             = "Bearer "
	contextTokenHeader = "X-Session-Token"
	contextCookieSufx  = "_ctx"
)

// SessionTokenFunc returns the token lookup the API uses: the bearer header
// wins over the named session cookie.
func SessionTokenFunc(cookieName string) func(*http.Request) string {
	return func(r *http.Request) string {
		if token := extractBearerToken(r.Header.Get(authHeader)); token != "" {
			return token
		}
		if c, err := r.Cookie(cookieName); err == nil {
			return strings.TrimSpace(c.Value)
		}
		return ""
	}
}

func (a *API) sessionToken(r *http.Request) string {
	return SessionTokenFunc(a.cookieName)(r)
}

// contextToken finds the anonymous context a challenge was issued to.
func (a *API) contextToken(r *http.Request) string {
	if token := strings.TrimSpace(r.Header.Get(contextTokenHeader)); token != "" {
		return token
	}
	if c, err := r.Cookie(a.cookieName + contextCookieSufx); err == nil {
		return strings.TrimSpace(c.Value)
	}
	return ""
}

func extractBearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return ""
	}
	return strings.TrimSpace(header[len(bearer):])
}

// requireSession admits requests carrying a live session and puts the
// identity and token into the request context.
func (a *API) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := a.sessionToken(r)
		ident, err := a.guard.RequireSession(r.Context(), token)
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		ctx := auth.ContextWithIdentity(r.Context(), ident)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireCapability is requireSession plus a capability check.
func (a *API) requireCapability(capability string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := a.sessionToken(r)
		ident, err := a.guard.RequireCapability(r.Context(), token, capability)
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		ctx := auth.ContextWithIdentity(r.Context(), ident)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
