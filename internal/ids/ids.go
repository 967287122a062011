package ids

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// New returns a lexicographically sortable identifier suitable for storage keys.
func New() string {
	return ulid.Make().String()
}

// NewAt returns an identifier whose timestamp component is t, so audit rows
// sort by the time the action happened rather than the time they were written.
func NewAt(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
}
