package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"prjevent.org/internal/audit"
	"prjevent.org/internal/auth"
)

type loginRequest struct {
	LoginCode string `json:"login_code"`
	Password  string `json:"password"`
	Captcha   string `json:"captcha"`
}

type meResponse struct {
	IdentityID int64  `json:"identity_id"`
	LoginCode  string `json:"login_code"`
	Name       string `json:"name"`
}

// challengeCookieTTL bounds the context cookie; the store expires the
// challenge itself.
const challengeCookieTTL = 10 * time.Minute

func (a *API) handleCaptcha(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	issued, err := a.authn.IssueChallenge(r.Context(), a.contextToken(r))
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     a.cookieName + contextCookieSufx,
		Value:    issued.ContextToken,
		Path:     "/v1/auth",
		MaxAge:   int(challengeCookieTTL.Seconds()),
		HttpOnly: true,
		Secure:   a.cookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
	w.Header().Set(contextTokenHeader, issued.ContextToken)
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(issued.Image)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(issued.Image)
}

func (a *API) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	pemText, err := a.authn.PublicKeyPEM()
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(pemText))
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	res, err := a.authn.Login(r.Context(), auth.LoginRequest{
		ContextToken:    a.contextToken(r),
		LoginCode:       req.LoginCode,
		EncryptedSecret: req.Password,
		ChallengeAnswer: req.Captcha,
		CurrentToken:    a.sessionToken(r),
	})
	if err != nil {
		handleAuthError(w, r, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     a.cookieName,
		Value:    res.Token,
		Path:     "/",
		HttpOnly: true,
		Secure:   a.cookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
	a.clearCookie(w, a.cookieName+contextCookieSufx, "/v1/auth")

	_ = audit.LogEvent(r.Context(), "auth.login", map[string]any{
		"identity_id": res.IdentityID,
		"login_code":  res.LoginCode,
		"remote_ip":   clientIP(r, a.trustedProxies),
	})
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if err := a.authn.Logout(r.Context(), a.sessionToken(r)); err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.clearCookie(w, a.cookieName, "/")
	_ = audit.LogEvent(r.Context(), "auth.logout", map[string]any{
		"remote_ip": clientIP(r, a.trustedProxies),
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "logged_out"})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	ident, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "not authenticated")
		return
	}
	writeJSON(w, http.StatusOK, meResponse{
		IdentityID: ident.ID,
		LoginCode:  ident.LoginCode,
		Name:       ident.Name,
	})
}

func (a *API) clearCookie(w http.ResponseWriter, name, path string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     path,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.cookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}
