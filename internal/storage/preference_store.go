package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/habitmind/habitmind/internal/core"
)

// PreferenceStore persists per-person delivery preferences
type PreferenceStore struct {
	db *DB
}

// NewPreferenceStore creates a preference store
func NewPreferenceStore(db *DB) *PreferenceStore {
	return &PreferenceStore{db: db}
}

// Upsert writes a person's preferences, replacing any existing row
func (s *PreferenceStore) Upsert(ctx context.Context, p *core.UserReminderPreferences, now time.Time) error {
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO user_reminder_preferences
			(person_id, default_style, daily_limit, minimum_interval_seconds,
			 enabled, allow_auto_execute, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (person_id) DO UPDATE SET
			default_style = excluded.default_style,
			daily_limit = excluded.daily_limit,
			minimum_interval_seconds = excluded.minimum_interval_seconds,
			enabled = excluded.enabled,
			allow_auto_execute = excluded.allow_auto_execute,
			updated_at = excluded.updated_at`,
		string(p.PersonID), string(p.DefaultStyle), p.DailyLimit,
		int64(p.MinimumInterval.Seconds()), boolToInt(p.Enabled),
		boolToInt(p.AllowAutoExecute), now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert preferences: %w", err)
	}
	return nil
}

// Get fetches a person's preferences. A missing row returns
// ErrPreferencesNotFound; the caller treats that as reminders disabled.
func (s *PreferenceStore) Get(ctx context.Context, personID core.PersonID) (*core.UserReminderPreferences, error) {
	var p core.UserReminderPreferences
	var style string
	var intervalSeconds int64
	var enabled, autoExec int

	err := s.db.conn.QueryRowContext(ctx, `
		SELECT person_id, default_style, daily_limit, minimum_interval_seconds,
		       enabled, allow_auto_execute
		FROM user_reminder_preferences WHERE person_id = ?`,
		string(personID),
	).Scan(&p.PersonID, &style, &p.DailyLimit, &intervalSeconds, &enabled, &autoExec)
	if err == sql.ErrNoRows {
		return nil, core.ErrPreferencesNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get preferences: %w", err)
	}

	p.DefaultStyle = core.ReminderStyle(style)
	p.MinimumInterval = time.Duration(intervalSeconds) * time.Second
	p.Enabled = enabled != 0
	p.AllowAutoExecute = autoExec != 0
	return &p, nil
}
