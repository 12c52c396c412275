// Package migrate applies the activity-log schema with version tracking.
//
// Migrations are embedded in the binary, so the server carries the schema it
// needs. Only the activity log is stored in PostgreSQL; device state is never
// persisted.
//
// # Usage
//
// Call Run after connecting and before starting the activity flusher:
//
//	st, _ := store.NewStoreFromURL(ctx, databaseURL, 4)
//	if err := migrate.Run(ctx, st.Pool(), logger); err != nil {
//	    return fmt.Errorf("migrating: %w", err)
//	}
//
// # Migration Files
//
// Files live in db/migrate/migrations and are named NNN_descriptive_name.sql.
// They are applied in version order, each in its own transaction.
//
// # Version Tracking
//
// Applied versions are recorded in schema_migrations:
//
//	CREATE TABLE schema_migrations (
//	    version INTEGER PRIMARY KEY,
//	    name TEXT NOT NULL,
//	    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
package migrate

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB is the subset of *pgxpool.Pool the migrator uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Record represents a completed migration in the database.
type Record struct {
	Version   int       `json:"version"`
	Name      string    `json:"name"`
	AppliedAt time.Time `json:"applied_at"`
}

// Status contains information about the current migration state.
type Status struct {
	Applied []Record `json:"applied"`
	Pending []string `json:"pending"`
}

// Run applies every embedded migration not yet recorded in schema_migrations.
func Run(ctx context.Context, db DB, logger *slog.Logger) error {
	logger = logger.With("component", "migrate")

	if _, err := db.Exec(ctx, createMigrationsTable); err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}

	applied, err := appliedMigrations(ctx, db)
	if err != nil {
		return fmt.Errorf("getting applied migrations: %w", err)
	}

	available, err := availableMigrations()
	if err != nil {
		return fmt.Errorf("reading migration files: %w", err)
	}

	pending := pendingMigrations(available, applied)
	if len(pending) == 0 {
		logger.Info("database schema is up to date", "version", latestVersion(applied))
		return nil
	}

	for _, mig := range pending {
		logger.Info("applying migration", "version", mig.version, "name", mig.name)
		if err := applyMigration(ctx, db, mig); err != nil {
			return fmt.Errorf("applying migration %s: %w", mig.id(), err)
		}
	}

	logger.Info("migrations complete",
		"applied", len(pending),
		"version", pending[len(pending)-1].version,
	)
	return nil
}

// GetStatus returns the current migration status for diagnostics.
func GetStatus(ctx context.Context, db DB) (*Status, error) {
	var exists bool
	err := db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT FROM information_schema.tables
			WHERE table_schema = 'public'
			AND table_name = 'schema_migrations'
		)
	`).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("checking migrations table: %w", err)
	}

	status := &Status{}
	if exists {
		if status.Applied, err = appliedMigrations(ctx, db); err != nil {
			return nil, err
		}
	}

	available, err := availableMigrations()
	if err != nil {
		return nil, err
	}
	for _, m := range pendingMigrations(available, status.Applied) {
		status.Pending = append(status.Pending, m.id())
	}
	return status, nil
}

const createMigrationsTable = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)
`

func appliedMigrations(ctx context.Context, db DB) ([]Record, error) {
	rows, err := db.Query(ctx, `
		SELECT version, name, applied_at
		FROM schema_migrations
		ORDER BY version
	`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		var r Record
		err := row.Scan(&r.Version, &r.Name, &r.AppliedAt)
		return r, err
	})
}

type migration struct {
	version int
	name    string
	sql     string
}

func (m migration) id() string {
	return fmt.Sprintf("%03d_%s", m.version, m.name)
}

// availableMigrations reads the embedded files sorted by version.
func availableMigrations() ([]migration, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("reading migrations directory: %w", err)
	}

	var migrations []migration
	seen := make(map[int]string)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, name, err := parseMigrationFilename(entry.Name())
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("duplicate migration version %d: %s and %s", version, prev, entry.Name())
		}
		seen[version] = entry.Name()

		content, err := fs.ReadFile(migrationsFS, "migrations/"+entry.Name())
		if err != nil {
			return nil, fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}
		if strings.TrimSpace(string(content)) == "" {
			return nil, fmt.Errorf("migration %s is empty", entry.Name())
		}

		migrations = append(migrations, migration{version: version, name: name, sql: string(content)})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].version < migrations[j].version
	})
	return migrations, nil
}

func pendingMigrations(available []migration, applied []Record) []migration {
	done := make(map[int]bool, len(applied))
	for _, r := range applied {
		done[r.Version] = true
	}
	var pending []migration
	for _, m := range available {
		if !done[m.version] {
			pending = append(pending, m)
		}
	}
	return pending
}

func latestVersion(applied []Record) int {
	if len(applied) == 0 {
		return 0
	}
	return applied[len(applied)-1].Version
}

// parseMigrationFilename splits "NNN_name.sql" into its version and name.
func parseMigrationFilename(filename string) (int, string, error) {
	base := strings.TrimSuffix(filename, ".sql")

	version, name, ok := strings.Cut(base, "_")
	if !ok || name == "" {
		return 0, "", fmt.Errorf("invalid migration filename %s (expected NNN_name.sql)", filename)
	}

	v, err := strconv.Atoi(version)
	if err != nil {
		return 0, "", fmt.Errorf("invalid version number in %s: %w", filename, err)
	}
	return v, name, nil
}

func applyMigration(ctx context.Context, db DB, mig migration) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback(ctx) // No-op if committed

	if _, err := tx.Exec(ctx, mig.sql); err != nil {
		return fmt.Errorf("executing SQL: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, mig.version, mig.name); err != nil {
		return fmt.Errorf("recording migration: %w", err)
	}
	return tx.Commit(ctx)
}

// Rollback removes the last applied migration from the tracking table.
// The migration SQL is not reverted.
func Rollback(ctx context.Context, db DB, logger *slog.Logger) error {
	var (
		version int
		name    string
	)
	err := db.QueryRow(ctx, `
		SELECT version, name FROM schema_migrations
		ORDER BY version DESC LIMIT 1
	`).Scan(&version, &name)
	if errors.Is(err, pgx.ErrNoRows) {
		logger.Info("no migrations to rollback")
		return nil
	}
	if err != nil {
		return fmt.Errorf("getting last migration: %w", err)
	}

	if _, err := db.Exec(ctx, `DELETE FROM schema_migrations WHERE version = $1`, version); err != nil {
		return fmt.Errorf("removing migration record: %w", err)
	}

	logger.Info("migration record removed (SQL not reverted)", "version", version, "name", name)
	return nil
}
