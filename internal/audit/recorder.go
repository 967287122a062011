// Package audit records who performed which mutating operation, when, and
// with which parameters.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"prjevent.org/internal/auth"
	"prjevent.org/internal/ids"
	"prjevent.org/internal/obs"
	"prjevent.org/internal/session"
)

// ErrPersistence is returned when an entry could not be appended in strict
// mode. The wrapped operation has not run.
var ErrPersistence = errors.New("audit: persistence failed")

// Entry is one append-only audit record.
type Entry struct {
	ID         string
	Operation  string
	Path       string
	Method     string
	Params     map[string]any
	ActorID    *int64
	RequestID  string
	OccurredAt time.Time
}

// Sink persists entries.
type Sink interface {
	Append(ctx context.Context, e Entry) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Entry) error

func (f SinkFunc) Append(ctx context.Context, e Entry) error { return f(ctx, e) }

// MultiSink appends to every sink in order and stops at the first failure.
type MultiSink []Sink

func (m MultiSink) Append(ctx context.Context, e Entry) error {
	for _, s := range m {
		if err := s.Append(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// Mode decides what happens when the sink fails.
type Mode int

const (
	// ModeStrict refuses to run the operation when its entry cannot be stored.
	ModeStrict Mode = iota
	// ModeBestEffort logs the failure and runs the operation anyway.
	ModeBestEffort
)

// ParseMode maps "strict" and "best_effort" to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "strict":
		return ModeStrict, nil
	case "best_effort", "best-effort", "besteffort":
		return ModeBestEffort, nil
	default:
		return ModeStrict, fmt.Errorf("audit: unknown mode %q", s)
	}
}

const maxSnapshotBytes = 1 << 20

// Recorder writes audit entries around mutating operations.
type Recorder struct {
	sink     Sink
	mode     Mode
	sessions session.Store
	tokenOf  func(*http.Request) string
	now      func() time.Time
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithMode selects strict or best-effort persistence.
func WithMode(m Mode) Option { return func(r *Recorder) { r.mode = m } }

// WithSessions lets Wrap resolve the actor from the request's session token.
func WithSessions(s session.Store) Option { return func(r *Recorder) { r.sessions = s } }

// WithTokenExtractor sets how Wrap finds the session token of a request.
func WithTokenExtractor(fn func(*http.Request) string) Option {
	return func(r *Recorder) {
		if fn != nil {
			r.tokenOf = fn
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRecorder returns a strict Recorder writing to sink.
func NewRecorder(sink Sink, opts ...Option) (*Recorder, error) {
	if sink == nil {
		return nil, errors.New("audit: sink is required")
	}
	r := &Recorder{sink: sink, mode: ModeStrict, tokenOf: bearerToken, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Record stamps e with an ID, time and request id and appends it.
func (r *Recorder) Record(ctx context.Context, e Entry) error {
	now := r.now().UTC()
	if e.OccurredAt.IsZero() {
		e.OccurredAt = now
	}
	if e.ID == "" {
		e.ID = ids.NewAt(e.OccurredAt)
	}
	if e.RequestID == "" {
		e.RequestID = RequestIDFromContext(ctx)
	}
	if e.ActorID == nil {
		if ident, ok := auth.IdentityFromContext(ctx); ok {
			id := ident.ID
			e.ActorID = &id
		}
	}
	e.Params = Redact(e.Params)
	if err := r.sink.Append(ctx, e); err != nil {
		obs.ObserveAuditFailure()
		obs.Log(obs.LevelError, "audit_append_failed", map[string]any{
			"operation":  e.Operation,
			"request_id": e.RequestID,
			"error":      err.Error(),
		})
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

// Run records the operation and then calls fn. In strict mode a recording
// failure is returned and fn is not called.
func (r *Recorder) Run(ctx context.Context, op, path string, params map[string]any, fn func(context.Context) error) error {
	if err := r.Record(ctx, Entry{Operation: op, Path: path, Params: params}); err != nil && r.mode == ModeStrict {
		return err
	}
	return fn(ctx)
}

// Wrap audits every request to next under operation name op.
func (r *Recorder) Wrap(op string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		params, err := snapshotParams(req)
		if err != nil {
			params = map[string]any{"_snapshot_error": err.Error()}
		}
		entry := Entry{
			Operation: op,
			Path:      req.URL.Path,
			Method:    req.Method,
			Params:    params,
			ActorID:   r.actor(req),
		}
		if err := r.Record(req.Context(), entry); err != nil && r.mode == ModeStrict {
			writePersistenceError(w, req)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (r *Recorder) actor(req *http.Request) *int64 {
	if ident, ok := auth.IdentityFromContext(req.Context()); ok {
		id := ident.ID
		return &id
	}
	if r.sessions == nil {
		return nil
	}
	token := r.tokenOf(req)
	if token == "" {
		return nil
	}
	rec, err := r.sessions.Get(req.Context(), token)
	if err != nil {
		return nil
	}
	id := rec.IdentityID
	return &id
}

func bearerToken(req *http.Request) string {
	if tok, ok := auth.TokenFromContext(req.Context()); ok {
		return tok
	}
	h := req.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// snapshotParams collects query and body parameters and restores the body
// for the wrapped handler.
func snapshotParams(req *http.Request) (map[string]any, error) {
	params := make(map[string]any)
	mergeValues(params, req.URL.Query())
	if req.Body == nil || req.Body == http.NoBody {
		return params, nil
	}
	data, err := io.ReadAll(io.LimitReader(req.Body, maxSnapshotBytes+1))
	_ = req.Body.Close()
	req.Body = io.NopCloser(bytes.NewReader(data))
	if err != nil {
		return params, fmt.Errorf("read body: %w", err)
	}
	if len(data) > maxSnapshotBytes {
		return params, errors.New("body too large to snapshot")
	}
	mediaType, _, _ := mime.ParseMediaType(req.Header.Get("Content-Type"))
	switch mediaType {
	case "application/x-www-form-urlencoded":
		values, err := url.ParseQuery(string(data))
		if err != nil {
			return params, fmt.Errorf("parse form: %w", err)
		}
		mergeValues(params, values)
	case "", "application/json":
		if len(bytes.TrimSpace(data)) == 0 {
			break
		}
		var body map[string]any
		if err := json.Unmarshal(data, &body); err != nil {
			return params, fmt.Errorf("parse json: %w", err)
		}
		for k, v := range body {
			params[k] = v
		}
	}
	return params, nil
}

func mergeValues(dst map[string]any, values url.Values) {
	for k, v := range values {
		if len(v) == 1 {
			dst[k] = v[0]
		} else {
			dst[k] = append([]string(nil), v...)
		}
	}
}

func writePersistenceError(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":      "audit persistence failed",
		"request_id": RequestIDFromContext(req.Context()),
	})
}
