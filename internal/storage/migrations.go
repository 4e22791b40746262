package storage

import (
	"embed"
	"fmt"
	"sort"
	"strings"

	"github.com/habitmind/habitmind/internal/core"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrate applies all pending migrations in filename order
func (db *DB) Migrate() error {
	if _, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("%w: creating migrations table: %v", core.ErrMigrationFailed, err)
	}

	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("%w: reading migrations: %v", core.ErrMigrationFailed, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		var count int
		if err := db.conn.QueryRow(
			"SELECT COUNT(*) FROM schema_migrations WHERE version = ?", name,
		).Scan(&count); err != nil {
			return fmt.Errorf("%w: checking %s: %v", core.ErrMigrationFailed, name, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationFiles.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("%w: reading %s: %v", core.ErrMigrationFailed, name, err)
		}

		tx, err := db.conn.Begin()
		if err != nil {
			return fmt.Errorf("%w: beginning %s: %v", core.ErrMigrationFailed, name, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("%w: applying %s: %v", core.ErrMigrationFailed, name, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", name); err != nil {
			tx.Rollback()
			return fmt.Errorf("%w: recording %s: %v", core.ErrMigrationFailed, name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("%w: committing %s: %v", core.ErrMigrationFailed, name, err)
		}
	}

	return nil
}
