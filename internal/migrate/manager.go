// Package migrate applies the prjevent schema and seed SQL. Every run holds a
// PostgreSQL advisory lock and commits as one transaction, so replicas that
// start together apply each file exactly once.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"time"

	"prjevent.org/internal/obs"
)

// Files holds the bundled migrations under sql/ and seeds under seeds/.
//
//go:embed sql/*.sql seeds/*.sql
var Files embed.FS

const (
	defaultHistoryTable = "prjevent_schema_history"

	// lockKey is the pg_advisory_xact_lock key shared by all runners.
	lockKey int64 = 0x70726a6576656e74

	upSuffix   = ".up.sql"
	downSuffix = ".down.sql"
	seedSuffix = ".sql"
)

// ErrNothingApplied is returned by Down when no migration is recorded.
var ErrNothingApplied = errors.New("migrate: no migrations applied")

// Kind tells schema migrations from seed data in the history table.
type Kind string

const (
	KindMigration Kind = "migration"
	KindSeed      Kind = "seed"
)

// Applied is one row of the history table.
type Applied struct {
	Kind      Kind
	Name      string
	AppliedAt time.Time
}

func (a Applied) String() string {
	return fmt.Sprintf("%s\t%-9s\t%s", a.AppliedAt.UTC().Format(time.RFC3339), a.Kind, a.Name)
}

type step struct {
	name string
	file string
}

// Manager runs migration and seed files read from fsys.
type Manager struct {
	db            *sql.DB
	fsys          fs.FS
	migrationsDir string
	seedsDir      string
	table         string
	now           func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithHistoryTable overrides the bookkeeping table name.
func WithHistoryTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.table = name
		}
	}
}

// WithClock overrides time.Now for recorded timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager reads "<name>.up.sql"/"<name>.down.sql" pairs from migrationsDir
// and "<name>.sql" seeds from seedsDir.
func NewManager(db *sql.DB, fsys fs.FS, migrationsDir, seedsDir string, opts ...Option) *Manager {
	m := &Manager{
		db:            db,
		fsys:          fsys,
		migrationsDir: migrationsDir,
		seedsDir:      seedsDir,
		table:         defaultHistoryTable,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewEmbedded returns a Manager over the bundled Files.
func NewEmbedded(db *sql.DB, opts ...Option) *Manager {
	return NewManager(db, Files, "sql", "seeds", opts...)
}

// Up applies every pending migration in name order.
func (m *Manager) Up(ctx context.Context) error {
	return m.applyPending(ctx, KindMigration, m.migrationsDir, upSuffix)
}

// Seed applies every seed file not applied before.
func (m *Manager) Seed(ctx context.Context) error {
	return m.applyPending(ctx, KindSeed, m.seedsDir, seedSuffix)
}

func (m *Manager) applyPending(ctx context.Context, kind Kind, dir, suffix string) error {
	steps, err := m.list(dir, suffix)
	if err != nil {
		return err
	}
	return m.locked(ctx, func(tx *sql.Tx) error {
		done, err := m.appliedNames(ctx, tx, kind)
		if err != nil {
			return err
		}
		for _, st := range steps {
			if done[st.name] {
				continue
			}
			if err := m.execFile(ctx, tx, st.file); err != nil {
				return fmt.Errorf("%s %s: %w", kind, st.name, err)
			}
			insert := fmt.Sprintf(`insert into %s (kind, name, applied_at) values ($1, $2, $3)`, m.table)
			if _, err := tx.ExecContext(ctx, insert, string(kind), st.name, m.now().UTC()); err != nil {
				return fmt.Errorf("record %s %s: %w", kind, st.name, err)
			}
			obs.Log(obs.LevelInfo, "migration_applied", map[string]any{"kind": string(kind), "name": st.name})
		}
		return nil
	})
}

// Down reverts the most recently applied migration. Seeds are not reverted.
func (m *Manager) Down(ctx context.Context) error {
	return m.locked(ctx, func(tx *sql.Tx) error {
		latest := fmt.Sprintf(`select name from %s where kind = $1 order by applied_at desc, name desc limit 1`, m.table)
		var name string
		err := tx.QueryRowContext(ctx, latest, string(KindMigration)).Scan(&name)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNothingApplied
		}
		if err != nil {
			return err
		}
		file := path.Join(m.migrationsDir, name+downSuffix)
		if _, err := fs.Stat(m.fsys, file); err != nil {
			return fmt.Errorf("migration %s has no down file: %w", name, err)
		}
		if err := m.execFile(ctx, tx, file); err != nil {
			return fmt.Errorf("revert %s: %w", name, err)
		}
		del := fmt.Sprintf(`delete from %s where kind = $1 and name = $2`, m.table)
		if _, err := tx.ExecContext(ctx, del, string(KindMigration), name); err != nil {
			return err
		}
		obs.Log(obs.LevelInfo, "migration_reverted", map[string]any{"name": name})
		return nil
	})
}

// Status lists applied migrations and seeds, oldest first.
func (m *Manager) Status(ctx context.Context) ([]Applied, error) {
	if _, err := m.db.ExecContext(ctx, m.historyDDL()); err != nil {
		return nil, err
	}
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`select kind, name, applied_at from %s order by applied_at, name`, m.table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Applied
	for rows.Next() {
		var (
			a    Applied
			kind string
		)
		if err := rows.Scan(&kind, &a.Name, &a.AppliedAt); err != nil {
			return nil, err
		}
		a.Kind = Kind(kind)
		out = append(out, a)
	}
	return out, rows.Err()
}

// locked runs fn in a transaction that first takes the advisory lock and
// makes sure the history table exists.
func (m *Manager) locked(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `select pg_advisory_xact_lock($1)`, lockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx, m.historyDDL()); err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *Manager) historyDDL() string {
	return fmt.Sprintf(`create table if not exists %s (
	kind text not null,
	name text not null,
	applied_at timestamptz not null default now(),
	primary key (kind, name)
)`, m.table)
}

func (m *Manager) appliedNames(ctx context.Context, tx *sql.Tx, kind Kind) (map[string]bool, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`select name from %s where kind = $1`, m.table), string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	done := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		done[name] = true
	}
	return done, rows.Err()
}

func (m *Manager) execFile(ctx context.Context, tx *sql.Tx, file string) error {
	data, err := fs.ReadFile(m.fsys, file)
	if err != nil {
		return err
	}
	for _, stmt := range splitStatements(string(data)) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// list returns the files in dir ending in suffix, ordered by name. Down files
// never count as seeds or migrations.
func (m *Manager) list(dir, suffix string) ([]step, error) {
	if m.fsys == nil || dir == "" {
		return nil, nil
	}
	matches, err := fs.Glob(m.fsys, path.Join(dir, "*"+suffix))
	if err != nil {
		return nil, err
	}
	steps := make([]step, 0, len(matches))
	for _, file := range matches {
		base := path.Base(file)
		if strings.HasSuffix(base, downSuffix) || (suffix == seedSuffix && strings.HasSuffix(base, upSuffix)) {
			continue
		}
		steps = append(steps, step{name: strings.TrimSuffix(base, suffix), file: file})
	}
	return steps, nil
}

// splitStatements cuts src at top-level semicolons. Quoted strings, quoted
// identifiers and dollar-quoted bodies are kept whole; "--" comments are
// dropped.
func splitStatements(src string) []string {
	var (
		stmts []string
		cur   strings.Builder
		seg   int
	)
	flush := func(end int) {
		cur.WriteString(src[seg:end])
		if stmt := strings.TrimSpace(cur.String()); stmt != "" {
			stmts = append(stmts, stmt)
		}
		cur.Reset()
	}
	for i := 0; i < len(src); {
		switch c := src[i]; {
		case c == '\'' || c == '"':
			i = skipQuoted(src, i, c)
		case c == '$':
			i = skipDollarQuoted(src, i)
		case c == '-' && strings.HasPrefix(src[i:], "--"):
			cur.WriteString(src[seg:i])
			if nl := strings.IndexByte(src[i:], '\n'); nl >= 0 {
				i += nl
			} else {
				i = len(src)
			}
			seg = i
		case c == ';':
			flush(i)
			i++
			seg = i
		default:
			i++
		}
	}
	flush(len(src))
	return stmts
}

// skipQuoted returns the index after the quote closing the one at i. A
// doubled quote is an escaped quote.
func skipQuoted(src string, i int, q byte) int {
	for j := i + 1; j < len(src); j++ {
		if src[j] != q {
			continue
		}
		if j+1 < len(src) && src[j+1] == q {
			j++
			continue
		}
		return j + 1
	}
	return len(src)
}

// skipDollarQuoted skips a $tag$...$tag$ body starting at i. Anything else
// starting with '$', such as a $1 placeholder, advances one byte.
func skipDollarQuoted(src string, i int) int {
	end := strings.IndexByte(src[i+1:], '$')
	if end < 0 {
		return i + 1
	}
	tag := src[i : i+end+2]
	for k := 1; k < len(tag)-1; k++ {
		c := tag[k]
		letter := c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
		digit := c >= '0' && c <= '9'
		if !letter && !(digit && k > 1) {
			return i + 1
		}
	}
	body := i + len(tag)
	closing := strings.Index(src[body:], tag)
	if closing < 0 {
		return len(src)
	}
	return body + closing + len(tag)
}
