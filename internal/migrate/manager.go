// Package migrate applies the embedded PostgreSQL schema.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

//go:embed sql/*.sql
var embedded embed.FS

// Embedded returns the schema migrations compiled into the binary.
func Embedded() fs.FS {
	sub, err := fs.Sub(embedded, "sql")
	if err != nil {
		panic(err)
	}
	return sub
}

// lockKey serializes migrators running against one database.
const lockKey int64 = 0x7461696c7370696e

const (
	upSuffix   = ".up.sql"
	downSuffix = ".down.sql"
)

// Migration is one schema version and whether it is applied.
type Migration struct {
	Name      string
	Applied   bool
	AppliedAt time.Time
}

// Manager applies up/down migration pairs read from a file system. Each
// migration runs in its own transaction together with its bookkeeping row.
type Manager struct {
	db     *sql.DB
	files  fs.FS
	logger *zap.Logger
}

func NewManager(db *sql.DB, files fs.FS, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{db: db, files: files, logger: logger}
}

// Up applies every pending migration in name order.
func (m *Manager) Up(ctx context.Context) error {
	names, err := m.names(upSuffix)
	if err != nil {
		return err
	}
	if err := m.ensureTable(ctx); err != nil {
		return err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		if _, ok := applied[name]; ok {
			continue
		}
		err := m.inTx(ctx, func(tx *sql.Tx) error {
			var done bool
			if err := tx.QueryRowContext(ctx, `select exists(select 1 from schema_migrations where name = $1)`, name).Scan(&done); err != nil {
				return err
			}
			if done {
				return nil
			}
			if err := m.run(ctx, tx, name+upSuffix); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, `insert into schema_migrations (name) values ($1)`, name)
			return err
		})
		if err != nil {
			return fmt.Errorf("migrate: apply %s: %w", name, err)
		}
		m.logger.Info("migration applied", zap.String("name", name))
	}
	return nil
}

// Down reverts the most recently applied migration.
func (m *Manager) Down(ctx context.Context) error {
	if err := m.ensureTable(ctx); err != nil {
		return err
	}
	var name string
	err := m.db.QueryRowContext(ctx, `select name from schema_migrations order by applied_at desc, name desc limit 1`).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.New("migrate: no migrations applied")
	}
	if err != nil {
		return err
	}
	if _, err := fs.Stat(m.files, name+downSuffix); err != nil {
		return fmt.Errorf("migrate: missing down migration for %s: %w", name, err)
	}
	err = m.inTx(ctx, func(tx *sql.Tx) error {
		if err := m.run(ctx, tx, name+downSuffix); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `delete from schema_migrations where name = $1`, name)
		return err
	})
	if err != nil {
		return fmt.Errorf("migrate: revert %s: %w", name, err)
	}
	m.logger.Info("migration reverted", zap.String("name", name))
	return nil
}

// Status lists every known migration, applied or pending.
func (m *Manager) Status(ctx context.Context) ([]Migration, error) {
	names, err := m.names(upSuffix)
	if err != nil {
		return nil, err
	}
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Migration, 0, len(names))
	for _, name := range names {
		at, ok := applied[name]
		out = append(out, Migration{Name: name, Applied: ok, AppliedAt: at})
	}
	return out, nil
}

func (m *Manager) ensureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		create table if not exists schema_migrations (
			name text primary key,
			applied_at timestamptz not null default now()
		)`)
	return err
}

func (m *Manager) applied(ctx context.Context) (map[string]time.Time, error) {
	rows, err := m.db.QueryContext(ctx, `select name, applied_at from schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]time.Time)
	for rows.Next() {
		var (
			name string
			at   time.Time
		)
		if err := rows.Scan(&name, &at); err != nil {
			return nil, err
		}
		out[name] = at
	}
	return out, rows.Err()
}

// inTx runs fn under the migration advisory lock.
func (m *Manager) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `select pg_advisory_xact_lock($1)`, lockKey); err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *Manager) run(ctx context.Context, tx *sql.Tx, file string) error {
	body, err := fs.ReadFile(m.files, file)
	if err != nil {
		return err
	}
	for _, stmt := range splitStatements(string(body)) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// names returns migration names (file names without suffix) in order.
func (m *Manager) names(suffix string) ([]string, error) {
	if m.files == nil {
		return nil, errors.New("migrate: no migration files")
	}
	matches, err := fs.Glob(m.files, "*"+suffix)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(matches))
	for _, f := range matches {
		names = append(names, strings.TrimSuffix(path.Base(f), suffix))
	}
	sort.Strings(names)
	return names, nil
}

// splitStatements cuts a script at semicolons outside quoted literals and
// drops line comments and empty statements.
func splitStatements(script string) []string {
	var (
		out     []string
		cur     strings.Builder
		inQuote bool
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}
	for i := 0; i < len(script); i++ {
		c := script[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			cur.WriteByte(c)
		case !inQuote && c == '-' && i+1 < len(script) && script[i+1] == '-':
			for i < len(script) && script[i] != '\n' {
				i++
			}
			cur.WriteByte('\n')
		case !inQuote && c == ';':
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return out
}
