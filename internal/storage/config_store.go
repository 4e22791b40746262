package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/habitmind/habitmind/internal/core"
)

// ConfigEntry is one (key, category) → value row
type ConfigEntry struct {
	Key      string
	Category string
	Value    string
}

// ConfigStore persists tunable engine settings
type ConfigStore struct {
	db *DB
}

// NewConfigStore creates a config store
func NewConfigStore(db *DB) *ConfigStore {
	return &ConfigStore{db: db}
}

// Set writes a value for (key, category)
func (s *ConfigStore) Set(ctx context.Context, key, category, value string, now time.Time) error {
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO configurations (id, key, category, value, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (key, category) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		core.NewID(), key, category, value, now,
	)
	if err != nil {
		return fmt.Errorf("failed to set config %s/%s: %w", category, key, err)
	}
	return nil
}

// SetDefault writes a value only when (key, category) has no row yet
func (s *ConfigStore) SetDefault(ctx context.Context, key, category, value string, now time.Time) error {
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO configurations (id, key, category, value, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (key, category) DO NOTHING`,
		core.NewID(), key, category, value, now,
	)
	if err != nil {
		return fmt.Errorf("failed to seed config %s/%s: %w", category, key, err)
	}
	return nil
}

// Get fetches the value for (key, category)
func (s *ConfigStore) Get(ctx context.Context, key, category string) (string, error) {
	var value string
	err := s.db.conn.QueryRowContext(ctx,
		`SELECT value FROM configurations WHERE key = ? AND category = ?`,
		key, category,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", core.ErrConfigNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get config %s/%s: %w", category, key, err)
	}
	return value, nil
}

// ListCategory returns all entries in a category
func (s *ConfigStore) ListCategory(ctx context.Context, category string) ([]ConfigEntry, error) {
	rows, err := s.db.conn.QueryContext(ctx,
		`SELECT key, category, value FROM configurations WHERE category = ? ORDER BY key`,
		category)
	if err != nil {
		return nil, fmt.Errorf("failed to list config category %s: %w", category, err)
	}
	defer rows.Close()

	var out []ConfigEntry
	for rows.Next() {
		var e ConfigEntry
		if err := rows.Scan(&e.Key, &e.Category, &e.Value); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
