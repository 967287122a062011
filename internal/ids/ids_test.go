package ids

import (
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
)

func TestNewIsUnique(t *testing.T) {
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		id := New()
		if _, ok := seen[id]; ok {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = struct{}{}
	}
}

func TestNewAtEncodesTime(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	id, err := ulid.Parse(NewAt(at))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := ulid.Time(id.Time()); !got.Equal(at) {
		t.Fatalf("timestamp = %v, want %v", got, at)
	}
}
