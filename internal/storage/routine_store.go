package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/habitmind/habitmind/internal/core"
)

// RoutineStore persists routines and their learned reminders
type RoutineStore struct {
	db *DB
}

// NewRoutineStore creates a routine store
func NewRoutineStore(db *DB) *RoutineStore {
	return &RoutineStore{db: db}
}

const routineColumns = `id, person_id, intent_type, observation_window_minutes,
	window_start_utc, window_end_utc, active_time_context_bucket,
	last_intent_occurred_at_utc, created_at, updated_at`

// Create inserts a routine. A duplicate (person, intent) returns
// ErrDuplicateRecord.
func (s *RoutineStore) Create(ctx context.Context, r *core.Routine, now time.Time) error {
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO routines (`+routineColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(r.ID), string(r.PersonID), r.IntentType, r.ObservationWindowMinutes,
		nullTime(r.ObservationWindowStart), nullTime(r.ObservationWindowEndsAt),
		r.ActiveTimeContextBucket, nullTime(r.LastIntentOccurredAtUTC),
		r.CreatedAtUTC, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return core.ErrDuplicateRecord
		}
		return fmt.Errorf("failed to create routine: %w", err)
	}
	return nil
}

// Update rewrites a routine's window and bookkeeping fields
func (s *RoutineStore) Update(ctx context.Context, r *core.Routine, now time.Time) error {
	_, err := s.db.conn.ExecContext(ctx, `
		UPDATE routines SET
			observation_window_minutes = ?, window_start_utc = ?,
			window_end_utc = ?, active_time_context_bucket = ?,
			last_intent_occurred_at_utc = ?, updated_at = ?
		WHERE id = ?`,
		r.ObservationWindowMinutes, nullTime(r.ObservationWindowStart),
		nullTime(r.ObservationWindowEndsAt), r.ActiveTimeContextBucket,
		nullTime(r.LastIntentOccurredAtUTC), now, string(r.ID),
	)
	if err != nil {
		return fmt.Errorf("failed to update routine: %w", err)
	}
	return nil
}

// Get fetches a routine by ID
func (s *RoutineStore) Get(ctx context.Context, id core.RoutineID) (*core.Routine, error) {
	row := s.db.conn.QueryRowContext(ctx, `
		SELECT `+routineColumns+` FROM routines WHERE id = ?`, string(id))
	r, err := scanRoutine(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrRoutineNotFound
	}
	return r, err
}

// FindByIntent fetches the routine for (person, intent), or nil when absent
func (s *RoutineStore) FindByIntent(ctx context.Context, personID core.PersonID, intentType string) (*core.Routine, error) {
	row := s.db.conn.QueryRowContext(ctx, `
		SELECT `+routineColumns+` FROM routines
		WHERE person_id = ? AND intent_type = ?`,
		string(personID), intentType)
	r, err := scanRoutine(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// ListByPerson returns all of a person's routines
func (s *RoutineStore) ListByPerson(ctx context.Context, personID core.PersonID) ([]*core.Routine, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT `+routineColumns+` FROM routines
		WHERE person_id = ? ORDER BY created_at ASC`,
		string(personID))
	if err != nil {
		return nil, fmt.Errorf("failed to list routines: %w", err)
	}
	defer rows.Close()

	var out []*core.Routine
	for rows.Next() {
		r, err := scanRoutine(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListOpenWindows returns a person's routines whose observation window
// contains the given instant
func (s *RoutineStore) ListOpenWindows(ctx context.Context, personID core.PersonID, at time.Time) ([]*core.Routine, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT `+routineColumns+` FROM routines
		WHERE person_id = ?
		  AND window_start_utc IS NOT NULL AND window_end_utc IS NOT NULL
		  AND window_start_utc <= ? AND window_end_utc > ?`,
		string(personID), at, at)
	if err != nil {
		return nil, fmt.Errorf("failed to list open windows: %w", err)
	}
	defer rows.Close()

	var out []*core.Routine
	for rows.Next() {
		r, err := scanRoutine(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CloseAllWindows clears every open observation window for a person.
// At most one routine per person may observe at any instant.
func (s *RoutineStore) CloseAllWindows(ctx context.Context, personID core.PersonID, now time.Time) error {
	_, err := s.db.conn.ExecContext(ctx, `
		UPDATE routines SET
			window_start_utc = NULL, window_end_utc = NULL,
			active_time_context_bucket = '', updated_at = ?
		WHERE person_id = ? AND window_start_utc IS NOT NULL`,
		now, string(personID))
	if err != nil {
		return fmt.Errorf("failed to close windows: %w", err)
	}
	return nil
}

func scanRoutine(row rowScanner) (*core.Routine, error) {
	var r core.Routine
	var windowStart, windowEnd, lastIntent sql.NullTime
	var updatedAt time.Time

	err := row.Scan(
		&r.ID, &r.PersonID, &r.IntentType, &r.ObservationWindowMinutes,
		&windowStart, &windowEnd, &r.ActiveTimeContextBucket,
		&lastIntent, &r.CreatedAtUTC, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if windowStart.Valid {
		t := windowStart.Time
		r.ObservationWindowStart = &t
	}
	if windowEnd.Valid {
		t := windowEnd.Time
		r.ObservationWindowEndsAt = &t
	}
	if lastIntent.Valid {
		t := lastIntent.Time
		r.LastIntentOccurredAtUTC = &t
	}
	return &r, nil
}

// -----------------------------------------------------------------------------
// Routine reminders
// -----------------------------------------------------------------------------

const routineReminderColumns = `id, routine_id, person_id, suggested_action,
	time_context_bucket, confidence, observation_count, last_observed_utc,
	user_prompts, custom_data, is_safe_to_auto_execute, signal_profile,
	signal_profile_samples, created_at, updated_at`

// CreateReminder inserts a routine reminder
func (s *RoutineStore) CreateReminder(ctx context.Context, r *core.RoutineReminder, bucket string, now time.Time) error {
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO routine_reminders (`+routineReminderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(r.ID), string(r.RoutineID), string(r.PersonID), r.SuggestedAction,
		bucket, r.Confidence, r.ObservationCount, nullTime(r.LastObservedAtUTC),
		marshalJSON(r.UserPrompts, "[]"), marshalJSON(r.CustomData, "{}"),
		boolToInt(r.IsSafeToAutoExecute), marshalJSON(r.SignalProfile, "{}"),
		r.SignalProfileSamples, r.CreatedAtUTC, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return core.ErrDuplicateRecord
		}
		return fmt.Errorf("failed to create routine reminder: %w", err)
	}
	return nil
}

// UpdateReminder rewrites a routine reminder's learned state
func (s *RoutineStore) UpdateReminder(ctx context.Context, r *core.RoutineReminder, now time.Time) error {
	_, err := s.db.conn.ExecContext(ctx, `
		UPDATE routine_reminders SET
			confidence = ?, observation_count = ?, last_observed_utc = ?,
			user_prompts = ?, custom_data = ?, is_safe_to_auto_execute = ?,
			signal_profile = ?, signal_profile_samples = ?, updated_at = ?
		WHERE id = ?`,
		r.Confidence, r.ObservationCount, nullTime(r.LastObservedAtUTC),
		marshalJSON(r.UserPrompts, "[]"), marshalJSON(r.CustomData, "{}"),
		boolToInt(r.IsSafeToAutoExecute), marshalJSON(r.SignalProfile, "{}"),
		r.SignalProfileSamples, now, string(r.ID),
	)
	if err != nil {
		return fmt.Errorf("failed to update routine reminder: %w", err)
	}
	return nil
}

// GetReminder fetches a routine reminder by ID
func (s *RoutineStore) GetReminder(ctx context.Context, id core.RoutineReminderID) (*core.RoutineReminder, error) {
	row := s.db.conn.QueryRowContext(ctx, `
		SELECT `+routineReminderColumns+` FROM routine_reminders WHERE id = ?`,
		string(id))
	r, err := scanRoutineReminder(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrReminderNotFound
	}
	return r, err
}

// FindReminder fetches the reminder for (routine, action), or nil when absent
func (s *RoutineStore) FindReminder(ctx context.Context, routineID core.RoutineID, suggestedAction string) (*core.RoutineReminder, error) {
	row := s.db.conn.QueryRowContext(ctx, `
		SELECT `+routineReminderColumns+` FROM routine_reminders
		WHERE routine_id = ? AND suggested_action = ?`,
		string(routineID), suggestedAction)
	r, err := scanRoutineReminder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// ListReminders returns a routine's reminders, strongest first
func (s *RoutineStore) ListReminders(ctx context.Context, routineID core.RoutineID) ([]*core.RoutineReminder, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT `+routineReminderColumns+` FROM routine_reminders
		WHERE routine_id = ?
		ORDER BY confidence DESC, observation_count DESC`,
		string(routineID))
	if err != nil {
		return nil, fmt.Errorf("failed to list routine reminders: %w", err)
	}
	defer rows.Close()

	var out []*core.RoutineReminder
	for rows.Next() {
		r, err := scanRoutineReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRoutineReminder(row rowScanner) (*core.RoutineReminder, error) {
	var r core.RoutineReminder
	var bucket string
	var lastObserved sql.NullTime
	var prompts, customData, profile string
	var autoExec int
	var updatedAt time.Time

	err := row.Scan(
		&r.ID, &r.RoutineID, &r.PersonID, &r.SuggestedAction, &bucket,
		&r.Confidence, &r.ObservationCount, &lastObserved,
		&prompts, &customData, &autoExec, &profile,
		&r.SignalProfileSamples, &r.CreatedAtUTC, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastObserved.Valid {
		t := lastObserved.Time
		r.LastObservedAtUTC = &t
	}
	r.IsSafeToAutoExecute = autoExec != 0
	if err := unmarshalJSON(prompts, &r.UserPrompts); err != nil {
		return nil, fmt.Errorf("failed to decode user prompts: %w", err)
	}
	if err := unmarshalJSON(customData, &r.CustomData); err != nil {
		return nil, fmt.Errorf("failed to decode custom data: %w", err)
	}
	if err := unmarshalJSON(profile, &r.SignalProfile); err != nil {
		return nil, fmt.Errorf("failed to decode signal profile: %w", err)
	}
	return &r, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
