package pg

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"prjevent.org/internal/audit"
	"prjevent.org/internal/auth"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	})
	return New(db), mock
}

func TestFindByLoginCode(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery("select id, login_code, name, digest, status.*from identities.*where login_code").
		WithArgs("EMP0001").
		WillReturnRows(sqlmock.NewRows([]string{"id", "login_code", "name", "digest", "status"}).
			AddRow(int64(1), "EMP0001", "Ann", "$2a$10$x", 1))

	ident, err := store.FindByLoginCode(context.Background(), "EMP0001")
	if err != nil {
		t.Fatalf("FindByLoginCode: %v", err)
	}
	if ident.ID != 1 || ident.Enabled || ident.Digest != "$2a$10$x" {
		t.Fatalf("unexpected identity %+v", ident)
	}
}

func TestFindByIDNotFound(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery("from identities.*where id").WithArgs(int64(9)).WillReturnError(sql.ErrNoRows)
	if _, err := store.FindByID(context.Background(), 9); !errors.Is(err, auth.ErrIdentityNotFound) {
		t.Fatalf("expected ErrIdentityNotFound, got %v", err)
	}
}

func TestCapabilitySnapshotSingleStatement(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery("select i.id, i.login_code, i.name, i.status").
		WithArgs(int64(3), "view_users").
		WillReturnRows(sqlmock.NewRows([]string{"id", "login_code", "name", "status", "cap", "granted"}).
			AddRow(int64(3), "EMP0003", "Bo", 0, true, false))

	snap, err := store.CapabilitySnapshot(context.Background(), 3, "view_users")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !snap.IdentityFound || !snap.Identity.Enabled || !snap.CapabilityExists || snap.Granted {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestCapabilitySnapshotMissingIdentity(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery("from identities i").WithArgs(int64(3), "x").WillReturnError(sql.ErrNoRows)
	snap, err := store.CapabilitySnapshot(context.Background(), 3, "x")
	if err != nil || snap.IdentityFound {
		t.Fatalf("expected missing identity without error, got %+v %v", snap, err)
	}
}

func TestCapabilityExistsAndHasCapability(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery("select exists\\(select 1 from capability_groups").
		WithArgs("manage_users").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("from group_members m").
		WithArgs(int64(4), "manage_users").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	exists, err := store.CapabilityExists(context.Background(), "manage_users")
	if err != nil || !exists {
		t.Fatalf("expected capability to exist, got %v %v", exists, err)
	}
	granted, err := store.HasCapability(context.Background(), 4, "manage_users")
	if err != nil || granted {
		t.Fatalf("expected no grant, got %v %v", granted, err)
	}
}

func TestAssignGroup(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("from identities where id").WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("select id from capability_groups").WithArgs("view_users").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectExec("insert into group_members").WithArgs(int64(5), int64(1), statusActive, int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := store.AssignGroup(context.Background(), 5, " view_users ", 2); err != nil {
		t.Fatalf("AssignGroup: %v", err)
	}
}

func TestAssignGroupOutcomes(t *testing.T) {
	t.Run("unknown identity", func(t *testing.T) {
		store, mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectQuery("from identities where id").WithArgs(int64(5)).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectRollback()
		if err := store.AssignGroup(context.Background(), 5, "view_users", 2); !errors.Is(err, auth.ErrIdentityNotFound) {
			t.Fatalf("expected identity not found, got %v", err)
		}
	})
	t.Run("unknown group", func(t *testing.T) {
		store, mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectQuery("from identities where id").WithArgs(int64(5)).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
		mock.ExpectQuery("select id from capability_groups").WithArgs("nope").WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()
		if err := store.AssignGroup(context.Background(), 5, "nope", 2); !errors.Is(err, auth.ErrGroupNotFound) {
			t.Fatalf("expected group not found, got %v", err)
		}
	})
	t.Run("already assigned", func(t *testing.T) {
		store, mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectQuery("from identities where id").WithArgs(int64(5)).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
		mock.ExpectQuery("select id from capability_groups").WithArgs("view_users").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
		mock.ExpectExec("insert into group_members").
			WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
		mock.ExpectRollback()
		if err := store.AssignGroup(context.Background(), 5, "view_users", 2); !errors.Is(err, auth.ErrAlreadyAssigned) {
			t.Fatalf("expected already assigned, got %v", err)
		}
	})
}

func TestEnsureAdmin(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("insert into identities").
		WithArgs(auth.BootstrapAdminCode, "Admin", "digest", statusActive).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectExec("insert into group_members").WithArgs(int64(1), "view_users", statusActive).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into group_members").WithArgs(int64(1), "manage_users", statusActive).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	admin := auth.Identity{LoginCode: auth.BootstrapAdminCode, Name: "Admin", Digest: "digest"}
	created, err := store.EnsureAdmin(context.Background(), admin, []string{"view_users", "manage_users"})
	if err != nil || !created {
		t.Fatalf("expected admin to be created, got %v %v", created, err)
	}
}

func TestEnsureAdminExisting(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("insert into identities").WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	created, err := store.EnsureAdmin(context.Background(), auth.Identity{LoginCode: auth.BootstrapAdminCode}, nil)
	if err != nil || created {
		t.Fatalf("expected no-op for existing admin, got %v %v", created, err)
	}
}

func TestAppendAuditEntry(t *testing.T) {
	store, mock := newMock(t)
	actor := int64(7)
	at := time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC)
	mock.ExpectExec("insert into audit_log").
		WithArgs("01HZX", "assign_group", "/p", "POST", []byte(`{"group":"view_users"}`), sql.NullInt64{Int64: 7, Valid: true}, "rid", at).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Append(context.Background(), audit.Entry{
		ID:         "01HZX",
		Operation:  "assign_group",
		Path:       "/p",
		Method:     "POST",
		Params:     map[string]any{"group": "view_users"},
		ActorID:    &actor,
		RequestID:  "rid",
		OccurredAt: at,
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
}

func TestListGroups(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery("select id, code, name, description, status.*from capability_groups").
		WillReturnRows(sqlmock.NewRows([]string{"id", "code", "name", "description", "status"}).
			AddRow(int64(1), "PG001", "view_users", "Read", 0).
			AddRow(int64(2), "PG002", "manage_users", "Write", 1))
	groups, err := store.ListGroups(context.Background())
	if err != nil {
		t.Fatalf("ListGroups: %v", err)
	}
	if len(groups) != 2 || !groups[0].Enabled || groups[1].Enabled {
		t.Fatalf("unexpected groups %+v", groups)
	}
}
