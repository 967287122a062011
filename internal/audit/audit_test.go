package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"prjevent.org/internal/auth"
	"prjevent.org/internal/obs"
	"prjevent.org/internal/session"
)

type memorySink struct {
	mu      sync.Mutex
	entries []Entry
	err     error
}

func (m *memorySink) Append(_ context.Context, e Entry) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func captureLogger(t *testing.T) *bytes.Buffer {
	t.Helper()
	logger := obs.Logger()
	original := logger.Writer()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	t.Cleanup(func() { logger.SetOutput(original) })
	return &buf
}

func TestLogEvent(t *testing.T) {
	buf := captureLogger(t)

	ctx := context.Background()
	ctx = WithRequestID(ctx, "req-123")
	ctx = auth.ContextWithIdentity(ctx, auth.Identity{ID: 42, LoginCode: "EMP0042"})

	if err := LogEvent(ctx, "auth.login", map[string]any{"login_code": "EMP0042", "password": "x"}); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["type"] != "audit" || entry["event"] != "auth.login" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if entry["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", entry["request_id"])
	}
	if entry["user_id"] != float64(42) {
		t.Fatalf("unexpected user id: %v", entry["user_id"])
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["login_code"] != "EMP0042" || fields["password"] != redacted {
		t.Fatalf("fields missing or not redacted: %v", entry["fields"])
	}
	if err := LogEvent(ctx, " ", nil); err == nil {
		t.Fatalf("expected error for empty event")
	}
}

func TestRunStrictBlocksOnFailure(t *testing.T) {
	sink := &memorySink{err: errors.New("disk full")}
	rec, err := NewRecorder(sink)
	if err != nil {
		t.Fatalf("recorder: %v", err)
	}
	called := false
	err = rec.Run(context.Background(), "assign_group", "/x", nil, func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if called {
		t.Fatalf("operation must not run when audit fails in strict mode")
	}
}

func TestRunBestEffortProceeds(t *testing.T) {
	_ = captureLogger(t)
	sink := &memorySink{err: errors.New("disk full")}
	rec, _ := NewRecorder(sink, WithMode(ModeBestEffort))
	called := false
	err := rec.Run(context.Background(), "assign_group", "/x", nil, func(context.Context) error {
		called = true
		return nil
	})
	if err != nil || !called {
		t.Fatalf("expected operation to run, err=%v called=%v", err, called)
	}
}

func TestRunRecordsBeforeOperation(t *testing.T) {
	sink := &memorySink{}
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	rec, _ := NewRecorder(sink, WithClock(func() time.Time { return fixed }))
	ctx := auth.ContextWithIdentity(WithRequestID(context.Background(), "rid"), auth.Identity{ID: 3})
	err := rec.Run(ctx, "assign_group", "/v1/admin/identities/4/groups", map[string]any{"group": "view_users"}, func(context.Context) error {
		if len(sink.entries) != 1 {
			t.Fatalf("entry must be persisted before the operation runs")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	e := sink.entries[0]
	if e.Operation != "assign_group" || e.RequestID != "rid" || e.ActorID == nil || *e.ActorID != 3 {
		t.Fatalf("unexpected entry %+v", e)
	}
	if !e.OccurredAt.Equal(fixed) || len(e.ID) != 26 {
		t.Fatalf("expected stamped id and time, got %q %v", e.ID, e.OccurredAt)
	}
}

func TestWrapSnapshotsBodyAndResolvesActor(t *testing.T) {
	store := session.NewMemory()
	token, err := store.Create(context.Background(), 11, "EMP0011")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	sink := &memorySink{}
	rec, _ := NewRecorder(sink, WithSessions(store))

	var seenBody string
	handler := rec.Wrap("assign_group", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		seenBody = string(data)
		w.WriteHeader(http.StatusNoContent)
	}))

	body := `{"group":"view_users","password":"hunter2"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/identities/4/groups?dry=1", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("unexpected status %d", rr.Code)
	}
	if seenBody != body {
		t.Fatalf("handler did not receive the original body: %q", seenBody)
	}
	if len(sink.entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(sink.entries))
	}
	e := sink.entries[0]
	if e.ActorID == nil || *e.ActorID != 11 {
		t.Fatalf("expected actor 11, got %v", e.ActorID)
	}
	if e.Params["group"] != "view_users" || e.Params["dry"] != "1" || e.Params["password"] != redacted {
		t.Fatalf("unexpected params %v", e.Params)
	}
	if e.Method != http.MethodPost || e.Path != "/v1/admin/identities/4/groups" {
		t.Fatalf("unexpected request info %+v", e)
	}
}

func TestWrapUsesTokenExtractor(t *testing.T) {
	store := session.NewMemory()
	token, err := store.Create(context.Background(), 7, "EMP0007")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	sink := &memorySink{}
	fromCookie := func(r *http.Request) string {
		c, err := r.Cookie("sid")
		if err != nil {
			return ""
		}
		return c.Value
	}
	rec, _ := NewRecorder(sink, WithSessions(store), WithTokenExtractor(fromCookie))
	handler := rec.Wrap("op", http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	req := httptest.NewRequest(http.MethodPost, "/x", nil)
	req.AddCookie(&http.Cookie{Name: "sid", Value: token})
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if len(sink.entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(sink.entries))
	}
	if got := sink.entries[0].ActorID; got == nil || *got != 7 {
		t.Fatalf("expected actor 7, got %v", got)
	}
}

func TestWrapFormBodyAndAnonymousActor(t *testing.T) {
	sink := &memorySink{}
	rec, _ := NewRecorder(sink, WithSessions(session.NewMemory()))
	handler := rec.Wrap("op", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || r.PostForm.Get("name") != "acme" {
			t.Fatalf("form not restored: %v", err)
		}
	}))
	req := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader("name=acme&captcha=AB12"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	e := sink.entries[0]
	if e.ActorID != nil {
		t.Fatalf("expected anonymous actor")
	}
	if e.Params["name"] != "acme" || e.Params["captcha"] != redacted {
		t.Fatalf("unexpected params %v", e.Params)
	}
}

func TestWrapStrictFailureReturns500(t *testing.T) {
	_ = captureLogger(t)
	rec, _ := NewRecorder(&memorySink{err: errors.New("down")})
	called := false
	handler := rec.Wrap("op", http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))
	req := httptest.NewRequest(http.MethodPost, "/x", nil)
	req = req.WithContext(WithRequestID(req.Context(), "rid-9"))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusInternalServerError || called {
		t.Fatalf("expected 500 without calling handler, got %d called=%v", rr.Code, called)
	}
	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["request_id"] != "rid-9" || body["error"] == "" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestLoggerSinkFormat(t *testing.T) {
	buf := captureLogger(t)
	actor := int64(5)
	err := LoggerSink{}.Append(context.Background(), Entry{
		ID:         "01H",
		Operation:  "assign_group",
		Path:       "/p",
		Method:     "POST",
		Params:     map[string]any{"group": "g"},
		ActorID:    &actor,
		OccurredAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry["type"] != "audit" || entry["event"] != "assign_group" || entry["user_id"] != float64(5) {
		t.Fatalf("unexpected line %v", entry)
	}
}

func TestParseMode(t *testing.T) {
	cases := map[string]Mode{"": ModeStrict, "strict": ModeStrict, "best_effort": ModeBestEffort, "Best-Effort": ModeBestEffort}
	for in, want := range cases {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Fatalf("ParseMode(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseMode("loud"); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

func TestRedactNested(t *testing.T) {
	out := Redact(map[string]any{"user": map[string]any{"Password": "p", "name": "n"}, "X-Token": "t"})
	nested := out["user"].(map[string]any)
	if nested["Password"] != redacted || nested["name"] != "n" || out["X-Token"] != redacted {
		t.Fatalf("unexpected redaction %v", out)
	}
}

func TestRedactArrays(t *testing.T) {
	in := map[string]any{
		"items": []any{
			map[string]any{"password": "hunter2", "group": "view_users"},
			[]any{map[string]any{"secret": "s"}},
			"plain",
		},
		"typed": []map[string]any{{"token": "t", "id": 1}},
	}
	out := Redact(in)

	items := out["items"].([]any)
	first := items[0].(map[string]any)
	if first["password"] != redacted || first["group"] != "view_users" {
		t.Fatalf("array element not redacted: %v", first)
	}
	deep := items[1].([]any)[0].(map[string]any)
	if deep["secret"] != redacted {
		t.Fatalf("nested array element not redacted: %v", deep)
	}
	if items[2] != "plain" {
		t.Fatalf("scalar element changed: %v", items[2])
	}
	typed := out["typed"].([]map[string]any)
	if typed[0]["token"] != redacted || typed[0]["id"] != 1 {
		t.Fatalf("typed slice not redacted: %v", typed)
	}
	if in["items"].([]any)[0].(map[string]any)["password"] != "hunter2" {
		t.Fatal("input was modified")
	}
}

func TestWrapRedactsArrayBodies(t *testing.T) {
	sink := &memorySink{}
	rec, _ := NewRecorder(sink)
	handler := rec.Wrap("assign_group", http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	body := `{"group":"view_users","items":[{"password":"hunter2"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/identities/4/groups", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if len(sink.entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(sink.entries))
	}
	items, ok := sink.entries[0].Params["items"].([]any)
	if !ok || len(items) != 1 {
		t.Fatalf("unexpected items %v", sink.entries[0].Params["items"])
	}
	if items[0].(map[string]any)["password"] != redacted {
		t.Fatalf("password in array reached the sink: %v", items[0])
	}
}
