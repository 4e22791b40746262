package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/habitmind/habitmind/internal/core"
)

// ReminderStore persists reminder candidates
type ReminderStore struct {
	db *DB
}

// NewReminderStore creates a reminder store
func NewReminderStore(db *DB) *ReminderStore {
	return &ReminderStore{db: db}
}

const reminderColumns = `id, person_id, action_type, check_at_utc, status, style,
	confidence, occurrence, decision, transition_id, source_event_id,
	executed_at_utc, time_window_center, time_window_size_minutes,
	evidence_count, observed_days, day_of_week_histogram,
	time_bucket_histogram, day_type_histogram, most_common_time_bucket,
	most_common_day_type, pattern_status, inferred_weekday, signal_profile,
	signal_profile_updated_utc, signal_profile_samples,
	is_safe_to_auto_execute, custom_data, created_at, updated_at`

// Create inserts a reminder candidate
func (s *ReminderStore) Create(ctx context.Context, r *core.ReminderCandidate) error {
	args, err := reminderArgs(r)
	if err != nil {
		return err
	}
	_, err = s.db.conn.ExecContext(ctx, `
		INSERT INTO reminder_candidates (`+reminderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args...)
	if err != nil {
		return fmt.Errorf("failed to create reminder: %w", err)
	}
	return nil
}

// Update rewrites a candidate guarded by its previous updated_at. The caller
// must set UpdatedAtUTC to a new value before calling; prevUpdatedAt is the
// value read. A stale guard returns ErrConflict.
func (s *ReminderStore) Update(ctx context.Context, r *core.ReminderCandidate, prevUpdatedAt time.Time) error {
	args, err := reminderArgs(r)
	if err != nil {
		return err
	}
	// Shift id to the WHERE clause
	args = append(args[1:], string(r.ID), prevUpdatedAt)

	res, err := s.db.conn.ExecContext(ctx, `
		UPDATE reminder_candidates SET
			person_id = ?, action_type = ?, check_at_utc = ?, status = ?,
			style = ?, confidence = ?, occurrence = ?, decision = ?,
			transition_id = ?, source_event_id = ?, executed_at_utc = ?,
			time_window_center = ?, time_window_size_minutes = ?,
			evidence_count = ?, observed_days = ?, day_of_week_histogram = ?,
			time_bucket_histogram = ?, day_type_histogram = ?,
			most_common_time_bucket = ?, most_common_day_type = ?,
			pattern_status = ?, inferred_weekday = ?, signal_profile = ?,
			signal_profile_updated_utc = ?, signal_profile_samples = ?,
			is_safe_to_auto_execute = ?, custom_data = ?, created_at = ?,
			updated_at = ?
		WHERE id = ? AND updated_at = ?`,
		args...)
	if err != nil {
		return fmt.Errorf("failed to update reminder: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return core.ErrConflict
	}
	return nil
}

// Get fetches a candidate by ID
func (s *ReminderStore) Get(ctx context.Context, id core.ReminderID) (*core.ReminderCandidate, error) {
	row := s.db.conn.QueryRowContext(ctx, `
		SELECT `+reminderColumns+` FROM reminder_candidates WHERE id = ?`, string(id))
	r, err := scanReminder(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrReminderNotFound
	}
	return r, err
}

// ListScheduled returns a person's scheduled candidates, soonest first
func (s *ReminderStore) ListScheduled(ctx context.Context, personID core.PersonID) ([]*core.ReminderCandidate, error) {
	return s.list(ctx, `
		SELECT `+reminderColumns+` FROM reminder_candidates
		WHERE person_id = ? AND status = ?
		ORDER BY check_at_utc ASC`,
		string(personID), string(core.StatusScheduled))
}

// ListScheduledByAction returns scheduled candidates for one action,
// newest-created first
func (s *ReminderStore) ListScheduledByAction(ctx context.Context, personID core.PersonID, actionType string) ([]*core.ReminderCandidate, error) {
	return s.list(ctx, `
		SELECT `+reminderColumns+` FROM reminder_candidates
		WHERE person_id = ? AND status = ? AND action_type = ?
		ORDER BY created_at DESC`,
		string(personID), string(core.StatusScheduled), actionType)
}

// ListByPerson returns all of a person's candidates, newest first
func (s *ReminderStore) ListByPerson(ctx context.Context, personID core.PersonID, limit int) ([]*core.ReminderCandidate, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.list(ctx, `
		SELECT `+reminderColumns+` FROM reminder_candidates
		WHERE person_id = ?
		ORDER BY created_at DESC LIMIT ?`,
		string(personID), limit)
}

// ListDue returns scheduled candidates whose check time has passed
func (s *ReminderStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*core.ReminderCandidate, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.list(ctx, `
		SELECT `+reminderColumns+` FROM reminder_candidates
		WHERE status = ? AND check_at_utc <= ?
		ORDER BY check_at_utc ASC LIMIT ?`,
		string(core.StatusScheduled), now, limit)
}

// ListScheduledBefore returns scheduled candidates whose check time is older
// than the cutoff, for the expiry sweep
func (s *ReminderStore) ListScheduledBefore(ctx context.Context, cutoff time.Time) ([]*core.ReminderCandidate, error) {
	return s.list(ctx, `
		SELECT `+reminderColumns+` FROM reminder_candidates
		WHERE status = ? AND check_at_utc < ?
		ORDER BY check_at_utc ASC`,
		string(core.StatusScheduled), cutoff)
}

// CountExecutedBetween counts a person's executions in [from, to). The
// count keys off the execution timestamp rather than status, since
// recurring candidates return to Scheduled after firing.
func (s *ReminderStore) CountExecutedBetween(ctx context.Context, personID core.PersonID, from, to time.Time) (int, error) {
	var count int
	err := s.db.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM reminder_candidates
		WHERE person_id = ? AND executed_at_utc IS NOT NULL
		  AND executed_at_utc >= ? AND executed_at_utc < ?`,
		string(personID), from, to).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count executions: %w", err)
	}
	return count, nil
}

// LastExecutedAt returns when the person last had a reminder executed,
// or nil if never
func (s *ReminderStore) LastExecutedAt(ctx context.Context, personID core.PersonID) (*time.Time, error) {
	var ts sql.NullTime
	err := s.db.conn.QueryRowContext(ctx, `
		SELECT executed_at_utc FROM reminder_candidates
		WHERE person_id = ? AND executed_at_utc IS NOT NULL
		ORDER BY executed_at_utc DESC LIMIT 1`,
		string(personID)).Scan(&ts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query last execution: %w", err)
	}
	if !ts.Valid {
		return nil, nil
	}
	t := ts.Time
	return &t, nil
}

// CountSkippedSince counts skips for (person, action) since the cutoff
func (s *ReminderStore) CountSkippedSince(ctx context.Context, personID core.PersonID, actionType string, since time.Time) (int, error) {
	var count int
	err := s.db.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM reminder_candidates
		WHERE person_id = ? AND action_type = ? AND status = ? AND updated_at >= ?`,
		string(personID), actionType, string(core.StatusSkipped), since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count skips: %w", err)
	}
	return count, nil
}

func (s *ReminderStore) list(ctx context.Context, query string, args ...interface{}) ([]*core.ReminderCandidate, error) {
	rows, err := s.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list reminders: %w", err)
	}
	defer rows.Close()

	var out []*core.ReminderCandidate
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func reminderArgs(r *core.ReminderCandidate) ([]interface{}, error) {
	var decision sql.NullString
	if r.Decision != nil {
		decision = sql.NullString{String: marshalJSON(r.Decision, "{}"), Valid: true}
	}
	var transitionID sql.NullString
	if r.TransitionID != "" {
		transitionID = sql.NullString{String: string(r.TransitionID), Valid: true}
	}
	var sourceEventID sql.NullString
	if r.SourceEventID != "" {
		sourceEventID = sql.NullString{String: string(r.SourceEventID), Valid: true}
	}
	var executedAt, profileUpdated sql.NullTime
	if r.ExecutedAtUTC != nil {
		executedAt = sql.NullTime{Time: *r.ExecutedAtUTC, Valid: true}
	}
	if r.SignalProfileUpdatedAtUTC != nil {
		profileUpdated = sql.NullTime{Time: *r.SignalProfileUpdatedAtUTC, Valid: true}
	}
	var windowCenter sql.NullFloat64
	if r.TimeWindowCenter != nil {
		windowCenter = sql.NullFloat64{Float64: *r.TimeWindowCenter, Valid: true}
	}
	var weekday sql.NullInt64
	if r.InferredWeekday != nil {
		weekday = sql.NullInt64{Int64: int64(*r.InferredWeekday), Valid: true}
	}

	return []interface{}{
		string(r.ID), string(r.PersonID), r.SuggestedAction, r.CheckAtUTC,
		string(r.Status), string(r.Style), r.Confidence, r.Occurrence,
		decision, transitionID, sourceEventID, executedAt,
		windowCenter, r.TimeWindowSizeMinutes, r.EvidenceCount,
		marshalJSON(r.ObservedDays, "{}"),
		marshalJSON(r.DayOfWeekHistogram, "[0,0,0,0,0,0,0]"),
		marshalJSON(r.TimeBucketHistogram, "{}"),
		marshalJSON(r.DayTypeHistogram, "{}"),
		r.MostCommonTimeBucket, r.MostCommonDayType,
		string(r.PatternStatus), weekday,
		marshalJSON(r.SignalProfile, "{}"),
		profileUpdated, r.SignalProfileSamples,
		boolToInt(r.IsSafeToAutoExecute),
		marshalJSON(r.CustomData, "{}"),
		r.CreatedAtUTC, r.UpdatedAtUTC,
	}, nil
}

func scanReminder(row rowScanner) (*core.ReminderCandidate, error) {
	var r core.ReminderCandidate
	var status, style, patternStatus string
	var decision, transitionID, sourceEventID sql.NullString
	var executedAt, profileUpdated sql.NullTime
	var windowCenter sql.NullFloat64
	var weekday sql.NullInt64
	var observedDays, dowHist, bucketHist, dayTypeHist, signalProfile, customData string
	var autoExec int

	err := row.Scan(
		&r.ID, &r.PersonID, &r.SuggestedAction, &r.CheckAtUTC, &status, &style,
		&r.Confidence, &r.Occurrence, &decision, &transitionID, &sourceEventID,
		&executedAt, &windowCenter, &r.TimeWindowSizeMinutes, &r.EvidenceCount,
		&observedDays, &dowHist, &bucketHist, &dayTypeHist,
		&r.MostCommonTimeBucket, &r.MostCommonDayType, &patternStatus, &weekday,
		&signalProfile, &profileUpdated, &r.SignalProfileSamples,
		&autoExec, &customData, &r.CreatedAtUTC, &r.UpdatedAtUTC,
	)
	if err != nil {
		return nil, err
	}

	r.Status = core.ReminderStatus(status)
	r.Style = core.ReminderStyle(style)
	r.PatternStatus = core.PatternStatus(patternStatus)
	r.IsSafeToAutoExecute = autoExec != 0
	if decision.Valid && decision.String != "" {
		var d core.ReminderDecision
		if err := unmarshalJSON(decision.String, &d); err != nil {
			return nil, fmt.Errorf("failed to decode decision: %w", err)
		}
		r.Decision = &d
	}
	if transitionID.Valid {
		r.TransitionID = core.TransitionID(transitionID.String)
	}
	if sourceEventID.Valid {
		r.SourceEventID = core.EventID(sourceEventID.String)
	}
	if executedAt.Valid {
		t := executedAt.Time
		r.ExecutedAtUTC = &t
	}
	if profileUpdated.Valid {
		t := profileUpdated.Time
		r.SignalProfileUpdatedAtUTC = &t
	}
	if windowCenter.Valid {
		r.TimeWindowCenter = &windowCenter.Float64
	}
	if weekday.Valid {
		w := int(weekday.Int64)
		r.InferredWeekday = &w
	}
	if err := unmarshalJSON(observedDays, &r.ObservedDays); err != nil {
		return nil, fmt.Errorf("failed to decode observed days: %w", err)
	}
	if err := unmarshalJSON(dowHist, &r.DayOfWeekHistogram); err != nil {
		return nil, fmt.Errorf("failed to decode weekday histogram: %w", err)
	}
	if err := unmarshalJSON(bucketHist, &r.TimeBucketHistogram); err != nil {
		return nil, fmt.Errorf("failed to decode bucket histogram: %w", err)
	}
	if err := unmarshalJSON(dayTypeHist, &r.DayTypeHistogram); err != nil {
		return nil, fmt.Errorf("failed to decode day-type histogram: %w", err)
	}
	if err := unmarshalJSON(signalProfile, &r.SignalProfile); err != nil {
		return nil, fmt.Errorf("failed to decode signal profile: %w", err)
	}
	if err := unmarshalJSON(customData, &r.CustomData); err != nil {
		return nil, fmt.Errorf("failed to decode custom data: %w", err)
	}
	return &r, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
