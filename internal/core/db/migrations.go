package db

import (
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	embeddedmigrations "github.com/solatis/scankeeper/migrations"
)

var (
	// ErrChecksumMismatch means an applied migration no longer matches its
	// embedded file.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrPendingMigrations means the schema is behind the embedded migrations.
	ErrPendingMigrations = errors.New("pending migrations")
)

// MigrationStatus represents the state of a single migration.
type MigrationStatus struct {
	ID          string
	Checksum    string
	Applied     bool
	AppliedAt   *time.Time
	ExecutionMs int64
}

// migration is one embedded schema file.
type migration struct {
	ID       string
	Checksum string
	SQL      string
}

// migrationTableDDL per driver. Must match 001_initial_schema.sql.
var migrationTableDDL = map[string]string{
	"sqlite3": `CREATE TABLE IF NOT EXISTS migrations (
		migration_id TEXT PRIMARY KEY,
		checksum TEXT NOT NULL,
		applied_at TEXT NOT NULL,
		execution_ms INTEGER NOT NULL,
		CHECK (applied_at LIKE '____-__-__T__:__:__Z')
	)`,
	"postgres": `CREATE TABLE IF NOT EXISTS migrations (
		migration_id TEXT PRIMARY KEY,
		checksum TEXT NOT NULL,
		applied_at TIMESTAMP WITHOUT TIME ZONE NOT NULL,
		execution_ms INTEGER NOT NULL
	)`,
}

// loadMigrations prepares the tracking table and returns the embedded
// migrations for the connection's driver, ordered by ID.
func loadMigrations(db *sqlx.DB) ([]migration, error) {
	var (
		fsys embed.FS
		dir  string
	)
	switch db.DriverName() {
	case "sqlite3":
		fsys, dir = embeddedmigrations.SqliteMigrations, "sqlite"
	case "postgres":
		fsys, dir = embeddedmigrations.PostgresMigrations, "postgres"
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", db.DriverName())
	}

	if _, err := db.Exec(migrationTableDDL[db.DriverName()]); err != nil {
		return nil, fmt.Errorf("failed to create migrations table: %w", err)
	}

	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations: %w", err)
	}
	var migrations []migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		content, err := fsys.ReadFile(path.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", e.Name(), err)
		}
		sum := sha256.Sum256(content)
		migrations = append(migrations, migration{
			ID:       e.Name(),
			Checksum: hex.EncodeToString(sum[:]),
			SQL:      string(content),
		})
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].ID < migrations[j].ID })
	return migrations, nil
}

// appliedMigrations reads the tracking table keyed by migration ID.
func appliedMigrations(db *sqlx.DB) (map[string]MigrationStatus, error) {
	rows, err := db.Queryx("SELECT migration_id, checksum, applied_at, execution_ms FROM migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to query migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]MigrationStatus)
	for rows.Next() {
		var (
			s         MigrationStatus
			appliedAt any
		)
		if err := rows.Scan(&s.ID, &s.Checksum, &appliedAt, &s.ExecutionMs); err != nil {
			return nil, err
		}
		s.Applied = true
		s.AppliedAt = parseAppliedAt(appliedAt)
		applied[s.ID] = s
	}
	return applied, rows.Err()
}

// verifyChecksums reports every applied migration that is unknown or altered.
func verifyChecksums(migrations []migration, applied map[string]MigrationStatus) error {
	embedded := make(map[string]string, len(migrations))
	for _, m := range migrations {
		embedded[m.ID] = m.Checksum
	}

	var errs error
	for id, s := range applied {
		want, ok := embedded[id]
		switch {
		case !ok:
			errs = multierr.Append(errs, fmt.Errorf("migration %s exists in database but not in embedded files", id))
		case s.Checksum != want:
			errs = multierr.Append(errs, fmt.Errorf("%w for migration %s: expected %s, got %s", ErrChecksumMismatch, id, want, s.Checksum))
		}
	}
	return errs
}

// MigrateUp runs all pending migrations, returning the IDs it applied.
// Applied migrations must still match their embedded checksums.
func MigrateUp(db *sqlx.DB) ([]string, error) {
	migrations, err := loadMigrations(db)
	if err != nil {
		return nil, err
	}
	applied, err := appliedMigrations(db)
	if err != nil {
		return nil, err
	}
	if err := verifyChecksums(migrations, applied); err != nil {
		return nil, fmt.Errorf("migration checksum validation failed: %w", err)
	}

	var ran []string
	for _, m := range migrations {
		if _, ok := applied[m.ID]; ok {
			continue
		}
		duration, err := applyMigration(db, m)
		if err != nil {
			return ran, err
		}
		logger.WithFields(log.Fields{"migration": m.ID, "duration": duration}).Info("migration applied")
		ran = append(ran, m.ID)
	}
	return ran, nil
}

// MigrateStatus lists every embedded migration in order, applied or pending.
func MigrateStatus(db *sqlx.DB) ([]MigrationStatus, error) {
	migrations, err := loadMigrations(db)
	if err != nil {
		return nil, err
	}
	applied, err := appliedMigrations(db)
	if err != nil {
		return nil, err
	}

	statuses := make([]MigrationStatus, 0, len(migrations))
	for _, m := range migrations {
		if s, ok := applied[m.ID]; ok {
			statuses = append(statuses, s)
			continue
		}
		statuses = append(statuses, MigrationStatus{ID: m.ID, Checksum: m.Checksum})
	}
	return statuses, nil
}

// RequireCurrent fails unless every embedded migration is applied unchanged.
func RequireCurrent(db *sqlx.DB) error {
	migrations, err := loadMigrations(db)
	if err != nil {
		return err
	}
	applied, err := appliedMigrations(db)
	if err != nil {
		return err
	}
	if err := verifyChecksums(migrations, applied); err != nil {
		return err
	}

	var pending []string
	for _, m := range migrations {
		if _, ok := applied[m.ID]; !ok {
			pending = append(pending, m.ID)
		}
	}
	if len(pending) > 0 {
		return fmt.Errorf("%w: %s", ErrPendingMigrations, strings.Join(pending, ", "))
	}
	return nil
}

// parseAppliedAt accepts the sqlite TEXT form and the postgres TIMESTAMP form.
func parseAppliedAt(v any) *time.Time {
	var text string
	switch t := v.(type) {
	case time.Time:
		return &t
	case string:
		text = t
	case []byte:
		text = string(t)
	default:
		return nil
	}
	parsed, err := time.Parse(time.RFC3339, text)
	if err != nil {
		return nil
	}
	return &parsed
}

// splitStatements drops "--" comment lines and splits on semicolons;
// lib/pq does not accept multiple statements in a single Exec.
func splitStatements(sqlText string) []string {
	var kept []string
	for _, line := range strings.Split(sqlText, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		kept = append(kept, line)
	}
	var out []string
	for _, stmt := range strings.Split(strings.Join(kept, "\n"), ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

// applyMigration runs one migration and records it in a single transaction.
func applyMigration(db *sqlx.DB, m migration) (time.Duration, error) {
	start := time.Now()
	tx, err := db.Beginx()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction for migration %s: %w", m.ID, err)
	}
	defer tx.Rollback()

	for _, stmt := range splitStatements(m.SQL) {
		if _, err := tx.Exec(stmt); err != nil {
			return 0, fmt.Errorf("failed to apply migration %s: statement failed: %w", m.ID, err)
		}
	}

	duration := time.Since(start)
	now := time.Now().UTC()
	var appliedAt any = now
	if tx.DriverName() == "sqlite3" {
		appliedAt = now.Format(time.RFC3339)
	}
	if _, err := tx.Exec(
		tx.Rebind("INSERT INTO migrations (migration_id, checksum, applied_at, execution_ms) VALUES (?, ?, ?, ?)"),
		m.ID, m.Checksum, appliedAt, duration.Milliseconds(),
	); err != nil {
		return 0, fmt.Errorf("failed to record migration %s: %w", m.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit migration %s: %w", m.ID, err)
	}
	return duration, nil
}
