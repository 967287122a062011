package pg

import (
	"context"
	"database/sql"
	"errors"

	"prjevent.org/internal/auth"
)

var (
	_ auth.IdentityLookup        = (*Store)(nil)
	_ auth.GroupMembership       = (*Store)(nil)
	_ auth.CapabilitySnapshotter = (*Store)(nil)
	_ auth.GroupAssigner         = (*Store)(nil)
	_ auth.AdminProvisioner      = (*Store)(nil)
)

func (s *Store) FindByLoginCode(ctx context.Context, loginCode string) (auth.Identity, error) {
	return s.identity(ctx, `
		select id, login_code, name, digest, status
		from identities
		where login_code = $1
	`, loginCode)
}

func (s *Store) FindByID(ctx context.Context, id int64) (auth.Identity, error) {
	return s.identity(ctx, `
		select id, login_code, name, digest, status
		from identities
		where id = $1
	`, id)
}

func (s *Store) identity(ctx context.Context, query string, arg any) (auth.Identity, error) {
	var (
		ident  auth.Identity
		status int
	)
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&ident.ID, &ident.LoginCode, &ident.Name, &ident.Digest, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Identity{}, auth.ErrIdentityNotFound
	}
	if err != nil {
		return auth.Identity{}, err
	}
	ident.Enabled = status == statusActive
	return ident, nil
}

// EnsureAdmin inserts admin unless its login code exists and grants it the
// named groups. Groups are expected to be seeded; unknown names are skipped.
func (s *Store) EnsureAdmin(ctx context.Context, admin auth.Identity, groups []string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	err = tx.QueryRowContext(ctx, `
		insert into identities (login_code, name, digest, status)
		values ($1, $2, $3, $4)
		on conflict (login_code) do nothing
		returning id
	`, admin.LoginCode, admin.Name, admin.Digest, statusActive).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	for _, g := range groups {
		if _, err := tx.ExecContext(ctx, `
			insert into group_members (identity_id, group_id, status, created_by)
			select $1, g.id, $3, $1
			from capability_groups g
			where g.name = $2
			on conflict (identity_id, group_id) do nothing
		`, id, g, statusActive); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}
