package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"prjevent.org/internal/audit"
	"prjevent.org/internal/auth"
	"prjevent.org/internal/obs"
)

const serviceName = "prjevent-auth"

type readinessChecker interface {
	Check(ctx context.Context) error
}

type pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe reports ready when the database and the session store answer.
// Nil members are skipped.
type ReadyProbe struct {
	DB       *sql.DB
	Sessions pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if rp.Sessions != nil {
		if err := rp.Sessions.Ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Services are the auth core collaborators the HTTP layer drives.
type Services struct {
	Authenticator *auth.Authenticator
	Guard         *auth.Guard
	Recorder      *audit.Recorder
	Assigner      auth.GroupAssigner
}

// Option configures an API.
type Option func(*API)

// WithCookie sets the session cookie name and whether it is marked Secure.
func WithCookie(name string, secure bool) Option {
	return func(a *API) {
		if name = strings.TrimSpace(name); name != "" {
			a.cookieName = name
		}
		a.cookieSecure = secure
	}
}

// WithTrustedProxies lists the peers whose X-Forwarded-For header is
// believed when keying the login rate limit.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) { a.trustedProxies = prefixes }
}

// WithLoginRateLimit sets the per-client token bucket guarding login.
func WithLoginRateLimit(perSecond float64, burst int) Option {
	return func(a *API) {
		if perSecond > 0 {
			a.ratePerSec = perSecond
		}
		if burst > 0 {
			a.rateBurst = burst
		}
	}
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe readinessChecker
	version    string

	authn    *auth.Authenticator
	guard    *auth.Guard
	recorder *audit.Recorder
	assigner auth.GroupAssigner

	cookieName     string
	cookieSecure   bool
	rateBurst      int
	ratePerSec     float64
	trustedProxies []netip.Prefix
}

func New(rp readinessChecker, version string, svc Services, opts ...Option) (*API, error) {
	if svc.Authenticator == nil || svc.Guard == nil || svc.Recorder == nil || svc.Assigner == nil {
		return nil, errors.New("httpapi: authenticator, guard, recorder and assigner are required")
	}
	if rp == nil {
		rp = ReadyProbe{}
	}
	a := &API{
		mux:          http.NewServeMux(),
		readyProbe:   rp,
		version:      version,
		authn:        svc.Authenticator,
		guard:        svc.Guard,
		recorder:     svc.Recorder,
		assigner:     svc.Assigner,
		cookieName:   "prjevent_session",
		cookieSecure: true,
		rateBurst:    5,
		ratePerSec:   1,
	}
	for _, opt := range opts {
		opt(a)
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// session lifecycle
	a.mux.HandleFunc("/v1/auth/captcha", a.handleCaptcha)
	a.mux.HandleFunc("/v1/auth/public-key", a.handlePublicKey)
	a.mux.Handle("/v1/auth/login", RateLimit(http.HandlerFunc(a.handleLogin), a.rateBurst, a.ratePerSec, a.trustedProxies...))
	a.mux.HandleFunc("/v1/auth/logout", a.handleLogout)
	a.mux.Handle("/v1/auth/me", a.requireSession(http.HandlerFunc(a.handleMe)))

	// administration
	a.mux.Handle("/v1/admin/identities/", a.requireCapability(auth.CapManagePermissions,
		a.recorder.Wrap("assign_group", http.HandlerFunc(a.handleIdentityGroups))))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})

	return a, nil
}

// Handler returns the mux wrapped in the full middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = obs.Instrument(h)
	h = MaxBodyBytes(h, 1<<20)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	return RequestID(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleAuthError maps auth core failures to responses. Unknown identities
// and wrong passwords share one body.
func handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrChallengeMissing):
		writeError(w, r, http.StatusBadRequest, "no pending challenge")
	case errors.Is(err, auth.ErrChallengeMismatch):
		writeError(w, r, http.StatusBadRequest, "challenge answer mismatch")
	case errors.Is(err, auth.ErrInputFormat):
		writeError(w, r, http.StatusBadRequest, "malformed input")
	case errors.Is(err, auth.ErrIdentityNotFound), errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, auth.ErrNotAuthenticated):
		writeError(w, r, http.StatusUnauthorized, "not authenticated")
	case errors.Is(err, auth.ErrNotLoggedIn):
		writeError(w, r, http.StatusUnauthorized, "not logged in")
	case errors.Is(err, auth.ErrCapabilityDenied):
		writeError(w, r, http.StatusForbidden, "permission denied")
	case errors.Is(err, auth.ErrCapabilityUnknown):
		obs.Log(obs.LevelError, "capability_unknown", map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"path":       r.URL.Path,
			"error":      err.Error(),
		})
		writeError(w, r, http.StatusInternalServerError, "capability not configured")
	case errors.Is(err, audit.ErrPersistence):
		writeError(w, r, http.StatusInternalServerError, "audit persistence failed")
	default:
		obs.Log(obs.LevelError, "internal_error", map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"path":       r.URL.Path,
			"error":      err.Error(),
		})
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
