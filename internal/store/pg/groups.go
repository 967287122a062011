package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"prjevent.org/internal/auth"
)

func (s *Store) CapabilityExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		select exists(select 1 from capability_groups where name = $1)
	`, name).Scan(&exists)
	return exists, err
}

func (s *Store) HasCapability(ctx context.Context, identityID int64, name string) (bool, error) {
	var granted bool
	err := s.db.QueryRowContext(ctx, `
		select exists(
			select 1
			from group_members m
			join capability_groups g on g.id = m.group_id
			where m.identity_id = $1 and g.name = $2 and m.status = 0 and g.status = 0
		)
	`, identityID, name).Scan(&granted)
	return granted, err
}

// CapabilitySnapshot reads identity status, group existence and the grant
// in one statement, so all three come from the same snapshot.
func (s *Store) CapabilitySnapshot(ctx context.Context, identityID int64, name string) (auth.CapabilitySnapshot, error) {
	var (
		snap   auth.CapabilitySnapshot
		status int
	)
	err := s.db.QueryRowContext(ctx, `
		select i.id, i.login_code, i.name, i.status,
			exists(select 1 from capability_groups g where g.name = $2),
			exists(
				select 1
				from group_members m
				join capability_groups g on g.id = m.group_id
				where m.identity_id = i.id and g.name = $2 and m.status = 0 and g.status = 0
			)
		from identities i
		where i.id = $1
	`, identityID, name).Scan(
		&snap.Identity.ID, &snap.Identity.LoginCode, &snap.Identity.Name, &status,
		&snap.CapabilityExists, &snap.Granted,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.CapabilitySnapshot{}, nil
	}
	if err != nil {
		return auth.CapabilitySnapshot{}, err
	}
	snap.IdentityFound = true
	snap.Identity.Enabled = status == statusActive
	return snap, nil
}

// AssignGroup adds identityID to the group named group.
func (s *Store) AssignGroup(ctx context.Context, identityID int64, group string, actorID int64) error {
	group = strings.TrimSpace(group)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	if err := tx.QueryRowContext(ctx, `select exists(select 1 from identities where id = $1)`, identityID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return auth.ErrIdentityNotFound
	}
	var groupID int64
	if err := tx.QueryRowContext(ctx, `select id from capability_groups where name = $1`, group).Scan(&groupID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return auth.ErrGroupNotFound
		}
		return err
	}
	_, err = tx.ExecContext(ctx, `
		insert into group_members (identity_id, group_id, status, created_by)
		values ($1, $2, $3, $4)
	`, identityID, groupID, statusActive, actorID)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return auth.ErrAlreadyAssigned
			case pgErrForeignKeyViolation:
				return auth.ErrIdentityNotFound
			}
		}
		return err
	}
	return tx.Commit()
}

// ListGroups returns every capability group ordered by code.
func (s *Store) ListGroups(ctx context.Context) ([]auth.Group, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, code, name, description, status
		from capability_groups
		order by code
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []auth.Group
	for rows.Next() {
		var (
			g      auth.Group
			status int
		)
		if err := rows.Scan(&g.ID, &g.Code, &g.Name, &g.Description, &status); err != nil {
			return nil, err
		}
		g.Enabled = status == statusActive
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return groups, nil
}
