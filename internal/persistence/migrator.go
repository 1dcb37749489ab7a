package persistence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// migrationLockID keys the session advisory lock held while migrating, so
// two service instances starting together don't race.
const migrationLockID int64 = 0x5afe7e

var ErrMigrationModified = errors.New("applied migration was modified")

// Migration is one {version}_{name}.up.sql file and its down counterpart.
type Migration struct {
	Version  string
	Name     string
	Checksum string
	Applied  bool
}

// Migrator applies golang-migrate style files ({version}_{name}.up.sql and
// .down.sql) from source. Each file runs in its own transaction and is
// recorded with a checksum of its contents.
type Migrator struct {
	db     *sql.DB
	source fs.FS
	logger zerolog.Logger
}

func NewMigrator(db *sql.DB, source fs.FS, logger zerolog.Logger) *Migrator {
	return &Migrator{db: db, source: source, logger: logger}
}

// Up applies every pending migration in version order. It fails without
// applying anything if an applied file has changed on disk.
func (m *Migrator) Up(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		plan, err := m.plan(ctx, conn)
		if err != nil {
			return err
		}
		for _, mg := range plan {
			if mg.Applied {
				continue
			}
			upFile := mg.Name + ".up.sql"
			m.logger.Info().Str("file", upFile).Msg("applying migration")
			if err := m.apply(ctx, conn, upFile, func(tx *sql.Tx) error {
				_, err := tx.ExecContext(ctx,
					`INSERT INTO public.schema_migrations (version, filename, checksum) VALUES ($1, $2, $3)`,
					mg.Version, upFile, mg.Checksum)
				return err
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// Down rolls back the most recently applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		var version, filename string
		err := conn.QueryRowContext(ctx,
			`SELECT version, filename FROM public.schema_migrations ORDER BY version DESC LIMIT 1`,
		).Scan(&version, &filename)
		if errors.Is(err, sql.ErrNoRows) {
			m.logger.Info().Msg("no migrations to roll back")
			return nil
		}
		if err != nil {
			return fmt.Errorf("latest migration: %w", err)
		}

		downFile := strings.TrimSuffix(filename, ".up.sql") + ".down.sql"
		m.logger.Info().Str("file", downFile).Msg("rolling back migration")
		return m.apply(ctx, conn, downFile, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `DELETE FROM public.schema_migrations WHERE version = $1`, version)
			return err
		})
	})
}

// Status lists every migration in source with its applied flag.
func (m *Migrator) Status(ctx context.Context) ([]Migration, error) {
	var plan []Migration
	err := m.locked(ctx, func(conn *sql.Conn) error {
		var err error
		plan, err = m.plan(ctx, conn)
		return err
	})
	return plan, err
}

func (m *Migrator) apply(ctx context.Context, conn *sql.Conn, file string, record func(*sql.Tx) error) error {
	content, err := fs.ReadFile(m.source, file)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", file, err)
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx for %s: %w", file, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("exec migration %s: %w", file, err)
	}
	if err := record(tx); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	return tx.Commit()
}

// locked runs fn on one connection holding the migration advisory lock.
func (m *Migrator) locked(ctx context.Context, fn func(*sql.Conn) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockID); err != nil {
		return fmt.Errorf("migration lock: %w", err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLockID); err != nil {
			m.logger.Warn().Err(err).Msg("release migration lock")
		}
	}()

	if _, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			checksum   TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	return fn(conn)
}

// plan merges the source files with the applied rows.
func (m *Migrator) plan(ctx context.Context, conn *sql.Conn) ([]Migration, error) {
	plan, err := listMigrations(m.source)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	rows, err := conn.QueryContext(ctx, `SELECT version, checksum FROM public.schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]string)
	for rows.Next() {
		var version, checksum string
		if err := rows.Scan(&version, &checksum); err != nil {
			return nil, err
		}
		applied[version] = checksum
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range plan {
		checksum, ok := applied[plan[i].Version]
		if !ok {
			continue
		}
		// rows written before checksums were recorded carry ''
		if checksum != "" && checksum != plan[i].Checksum {
			return nil, fmt.Errorf("%w: %s.up.sql", ErrMigrationModified, plan[i].Name)
		}
		plan[i].Applied = true
	}
	return plan, nil
}

// listMigrations returns the up files in source, sorted by version.
func listMigrations(source fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(source, ".")
	if err != nil {
		return nil, err
	}

	var out []Migration
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), ".up.sql")
		if e.IsDir() || !ok {
			continue
		}
		content, err := fs.ReadFile(source, e.Name())
		if err != nil {
			return nil, err
		}
		sum := sha256.Sum256(content)
		out = append(out, Migration{
			Version:  migrationVersion(name),
			Name:     name,
			Checksum: hex.EncodeToString(sum[:]),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// migrationVersion is the numeric prefix, "000001" for "000001_event_log".
func migrationVersion(name string) string {
	version, _, _ := strings.Cut(name, "_")
	return version
}
