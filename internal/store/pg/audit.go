package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"prjevent.org/internal/audit"
)

var _ audit.Sink = (*Store)(nil)

// Append inserts an audit entry. Entries are never updated or deleted.
func (s *Store) Append(ctx context.Context, e audit.Entry) error {
	params := e.Params
	if params == nil {
		params = map[string]any{}
	}
	payload, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode audit params: %w", err)
	}
	var actor sql.NullInt64
	if e.ActorID != nil {
		actor = sql.NullInt64{Int64: *e.ActorID, Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		insert into audit_log (id, operation, path, method, params, actor_id, request_id, occurred_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID, e.Operation, e.Path, e.Method, payload, actor, e.RequestID, e.OccurredAt)
	return err
}
