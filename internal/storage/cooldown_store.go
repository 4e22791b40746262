package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/habitmind/habitmind/internal/core"
)

// CooldownStore persists reminder suppression windows
type CooldownStore struct {
	db *DB
}

// NewCooldownStore creates a cooldown store
func NewCooldownStore(db *DB) *CooldownStore {
	return &CooldownStore{db: db}
}

// Set records a cooldown for (person, action). Overlapping cooldowns stack;
// the longest suppression wins at lookup time.
func (s *CooldownStore) Set(ctx context.Context, c *core.ReminderCooldown, now time.Time) error {
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO reminder_cooldowns
			(id, person_id, action_type, suppressed_until_utc, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		core.NewID(), string(c.PersonID), c.ActionType,
		c.SuppressedUntilUTC, c.Reason, now,
	)
	if err != nil {
		return fmt.Errorf("failed to set cooldown: %w", err)
	}
	return nil
}

// ActiveUntil returns the latest suppression deadline for (person, action)
// that is still in the future, or nil when the action is not suppressed
func (s *CooldownStore) ActiveUntil(ctx context.Context, personID core.PersonID, actionType string, now time.Time) (*core.ReminderCooldown, error) {
	var c core.ReminderCooldown
	var reason sql.NullString
	err := s.db.conn.QueryRowContext(ctx, `
		SELECT person_id, action_type, suppressed_until_utc, reason
		FROM reminder_cooldowns
		WHERE person_id = ? AND action_type = ? AND suppressed_until_utc > ?
		ORDER BY suppressed_until_utc DESC LIMIT 1`,
		string(personID), actionType, now,
	).Scan(&c.PersonID, &c.ActionType, &c.SuppressedUntilUTC, &reason)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query cooldown: %w", err)
	}
	if reason.Valid {
		c.Reason = reason.String
	}
	return &c, nil
}

// PruneExpired deletes cooldowns whose suppression has lapsed
func (s *CooldownStore) PruneExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.conn.ExecContext(ctx,
		`DELETE FROM reminder_cooldowns WHERE suppressed_until_utc <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to prune cooldowns: %w", err)
	}
	return res.RowsAffected()
}
