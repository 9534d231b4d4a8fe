// Package migrate applies the embedded schema to the primary database.
package migrate

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// DB is satisfied by *db.Router. Both methods run on the primary, so the
// applied set is never read from a lagging replica.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	WriteRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type migration struct {
	version string
	sql     string
}

// Run applies every embedded migration missing from schema_migrations, in
// file name order. Each one commits together with its version row, and a
// version another process applied first is skipped.
func Run(ctx context.Context, db DB, logger *slog.Logger) error {
	return run(ctx, db, migrationFS, logger)
}

func run(ctx context.Context, db DB, fsys fs.FS, logger *slog.Logger) error {
	if _, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT        PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var applied []string
	if err := db.WriteRow(ctx,
		`SELECT COALESCE(array_agg(version), '{}') FROM schema_migrations`,
	).Scan(&applied); err != nil {
		return fmt.Errorf("read applied migrations: %w", err)
	}

	pending, err := pendingMigrations(fsys, applied)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		logger.Debug("schema up to date", "applied", len(applied))
		return nil
	}

	for _, m := range pending {
		_, err := db.Exec(ctx, applyStatement(m))
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == alreadyAppliedCode {
			logger.Debug("migration applied concurrently", "version", m.version)
			continue
		}
		if err != nil {
			return fmt.Errorf("apply migration %s: %w", m.version, err)
		}
		logger.Info("applied migration", "version", m.version)
	}
	return nil
}

// alreadyAppliedCode is raised when another process recorded the version
// between our read of schema_migrations and taking the lock.
const alreadyAppliedCode = "MG001"

// applyStatement builds one multi-statement query for m. Sent without
// arguments it runs as a single implicit transaction: the version check, the
// body and the version row commit or roll back together, serialized by the
// advisory lock. Versions come from embedded file names, never from input.
func applyStatement(m migration) string {
	return fmt.Sprintf(`SELECT pg_advisory_xact_lock(hashtext('schema_migrations'));
DO $check$
BEGIN
    IF EXISTS (SELECT 1 FROM schema_migrations WHERE version = '%[1]s') THEN
        RAISE EXCEPTION 'migration %[1]s already applied' USING ERRCODE = '%[2]s';
    END IF;
END
$check$;
%[3]s;
INSERT INTO schema_migrations (version) VALUES ('%[1]s');`,
		m.version, alreadyAppliedCode, strings.TrimRight(strings.TrimSpace(m.sql), ";"))
}

func pendingMigrations(fsys fs.FS, applied []string) ([]migration, error) {
	names, err := fs.Glob(fsys, "migrations/*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	slices.Sort(names)

	var out []migration
	for _, name := range names {
		version := strings.TrimSuffix(strings.TrimPrefix(name, "migrations/"), ".sql")
		if slices.Contains(applied, version) {
			continue
		}
		raw, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", version, err)
		}
		out = append(out, migration{version: version, sql: string(raw)})
	}
	return out, nil
}
