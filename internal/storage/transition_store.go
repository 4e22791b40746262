package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/habitmind/habitmind/internal/core"
)

// TransitionStore persists learned action transitions
type TransitionStore struct {
	db *DB
}

// NewTransitionStore creates a transition store
func NewTransitionStore(db *DB) *TransitionStore {
	return &TransitionStore{db: db}
}

const transitionColumns = `id, person_id, from_action, to_action, context_bucket,
	occurrence_count, confidence, average_delay_seconds, last_observed_utc,
	created_at, updated_at`

// Upsert writes a transition keyed by (person, from, to, bucket)
func (s *TransitionStore) Upsert(ctx context.Context, t *core.ActionTransition) error {
	var delay sql.NullFloat64
	if t.AverageDelay != nil {
		delay = sql.NullFloat64{Float64: t.AverageDelay.Seconds(), Valid: true}
	}

	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO action_transitions (`+transitionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (person_id, from_action, to_action, context_bucket) DO UPDATE SET
			occurrence_count = excluded.occurrence_count,
			confidence = excluded.confidence,
			average_delay_seconds = excluded.average_delay_seconds,
			last_observed_utc = excluded.last_observed_utc,
			updated_at = excluded.updated_at`,
		string(t.ID), string(t.PersonID), t.FromAction, t.ToAction, t.ContextBucket,
		t.OccurrenceCount, t.Confidence, delay, t.LastObservedUTC,
		t.CreatedAtUTC, t.UpdatedAtUTC,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert transition: %w", err)
	}
	return nil
}

// Find fetches the transition for an exact (person, from, to, bucket) key
func (s *TransitionStore) Find(ctx context.Context, personID core.PersonID, fromAction, toAction, bucket string) (*core.ActionTransition, error) {
	row := s.db.conn.QueryRowContext(ctx, `
		SELECT `+transitionColumns+` FROM action_transitions
		WHERE person_id = ? AND from_action = ? AND to_action = ? AND context_bucket = ?`,
		string(personID), fromAction, toAction, bucket)
	t, err := scanTransition(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrTransitionNotFound
	}
	return t, err
}

// Get fetches a transition by ID
func (s *TransitionStore) Get(ctx context.Context, id core.TransitionID) (*core.ActionTransition, error) {
	row := s.db.conn.QueryRowContext(ctx, `
		SELECT `+transitionColumns+` FROM action_transitions WHERE id = ?`,
		string(id))
	t, err := scanTransition(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrTransitionNotFound
	}
	return t, err
}

// ListByFromAction returns transitions out of fromAction in a bucket,
// strongest first
func (s *TransitionStore) ListByFromAction(ctx context.Context, personID core.PersonID, fromAction, bucket string) ([]*core.ActionTransition, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT `+transitionColumns+` FROM action_transitions
		WHERE person_id = ? AND from_action = ? AND context_bucket = ?
		ORDER BY confidence DESC, occurrence_count DESC`,
		string(personID), fromAction, bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	defer rows.Close()
	return collectTransitions(rows)
}

// ListByToAction returns transitions into toAction for a person
func (s *TransitionStore) ListByToAction(ctx context.Context, personID core.PersonID, toAction string) ([]*core.ActionTransition, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT `+transitionColumns+` FROM action_transitions
		WHERE person_id = ? AND to_action = ?
		ORDER BY confidence DESC`,
		string(personID), toAction)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	defer rows.Close()
	return collectTransitions(rows)
}

// DecayStale multiplies confidence by (1-rate) for transitions not observed
// since the cutoff, and deletes stale rows whose confidence falls below the
// floor. Recently observed transitions are never pruned, however weak.
func (s *TransitionStore) DecayStale(ctx context.Context, cutoff time.Time, rate, floor float64, now time.Time) (int64, error) {
	res, err := s.db.conn.ExecContext(ctx, `
		UPDATE action_transitions
		SET confidence = confidence * (1.0 - ?), updated_at = ?
		WHERE last_observed_utc < ?`,
		rate, now, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to decay transitions: %w", err)
	}
	decayed, _ := res.RowsAffected()

	if _, err := s.db.conn.ExecContext(ctx, `
		DELETE FROM action_transitions
		WHERE confidence < ? AND last_observed_utc < ?`, floor, cutoff); err != nil {
		return decayed, fmt.Errorf("failed to prune transitions: %w", err)
	}
	return decayed, nil
}

func collectTransitions(rows *sql.Rows) ([]*core.ActionTransition, error) {
	var out []*core.ActionTransition
	for rows.Next() {
		t, err := scanTransition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTransition(row rowScanner) (*core.ActionTransition, error) {
	var t core.ActionTransition
	var delay sql.NullFloat64

	err := row.Scan(
		&t.ID, &t.PersonID, &t.FromAction, &t.ToAction, &t.ContextBucket,
		&t.OccurrenceCount, &t.Confidence, &delay, &t.LastObservedUTC,
		&t.CreatedAtUTC, &t.UpdatedAtUTC,
	)
	if err != nil {
		return nil, err
	}
	if delay.Valid {
		d := time.Duration(delay.Float64 * float64(time.Second))
		t.AverageDelay = &d
	}
	return &t, nil
}
