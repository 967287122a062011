package obs

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	l := Logger()
	original := l.Writer()
	l.SetFlags(0)
	var buf bytes.Buffer
	l.SetOutput(&buf)
	t.Cleanup(func() {
		l.SetOutput(original)
		SetLevel(LevelInfo)
	})
	return &buf
}

func TestLogEmitsJSON(t *testing.T) {
	buf := captureLog(t)

	Log(LevelWarn, "login_failed", map[string]any{"login_code": "ADM0000"})

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["level"] != LevelWarn || entry["msg"] != "login_failed" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if entry["login_code"] != "ADM0000" {
		t.Fatalf("fields not merged: %v", entry)
	}
	if _, ok := entry["ts"]; !ok {
		t.Fatalf("missing ts: %v", entry)
	}
}

func TestLogRespectsLevel(t *testing.T) {
	buf := captureLog(t)

	Log(LevelDebug, "hidden", nil)
	if buf.Len() != 0 {
		t.Fatalf("debug line emitted at info level: %s", buf.String())
	}

	SetLevel("DEBUG")
	Log(LevelDebug, "shown", nil)
	if !strings.Contains(buf.String(), `"shown"`) {
		t.Fatalf("debug line missing after SetLevel: %q", buf.String())
	}
}
