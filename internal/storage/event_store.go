package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/habitmind/habitmind/internal/core"
)

// EventStore persists action events
type EventStore struct {
	db *DB
}

// NewEventStore creates an event store
func NewEventStore(db *DB) *EventStore {
	return &EventStore{db: db}
}

const eventColumns = `id, person_id, action_type, timestamp_utc, event_type,
	time_bucket, day_type, location, present_people, state_signals,
	probability_value, probability_action, custom_data, related_reminder_id,
	created_at`

// Create inserts an event
func (s *EventStore) Create(ctx context.Context, event *core.ActionEvent) error {
	var probAction sql.NullString
	if event.ProbabilityAction != nil {
		probAction = sql.NullString{String: string(*event.ProbabilityAction), Valid: true}
	}
	var probValue sql.NullFloat64
	if event.ProbabilityValue != nil {
		probValue = sql.NullFloat64{Float64: *event.ProbabilityValue, Valid: true}
	}
	var related sql.NullString
	if event.RelatedReminderID != "" {
		related = sql.NullString{String: string(event.RelatedReminderID), Valid: true}
	}

	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO action_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(event.ID), string(event.PersonID), event.ActionType,
		event.TimestampUTC, string(event.EventType),
		event.Context.TimeBucket, event.Context.DayType, event.Context.Location,
		marshalJSON(event.Context.PresentPeople, "[]"),
		marshalJSON(event.Context.StateSignals, "{}"),
		probValue, probAction,
		marshalJSON(event.CustomData, "{}"),
		related, event.CreatedAtUTC,
	)
	if err != nil {
		return fmt.Errorf("failed to create event: %w", err)
	}
	return nil
}

// Get fetches an event by ID
func (s *EventStore) Get(ctx context.Context, id core.EventID) (*core.ActionEvent, error) {
	row := s.db.conn.QueryRowContext(ctx, `
		SELECT `+eventColumns+` FROM action_events WHERE id = ?`, string(id))
	event, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrEventNotFound
	}
	return event, err
}

// MostRecentBefore returns the person's latest plain-action event strictly
// before the given instant, or nil when the history is empty
func (s *EventStore) MostRecentBefore(ctx context.Context, personID core.PersonID, before time.Time) (*core.ActionEvent, error) {
	row := s.db.conn.QueryRowContext(ctx, `
		SELECT `+eventColumns+` FROM action_events
		WHERE person_id = ? AND timestamp_utc < ? AND event_type = ?
		ORDER BY timestamp_utc DESC LIMIT 1`,
		string(personID), before, string(core.EventAction))
	event, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return event, err
}

// ListByPerson returns a person's events newest-first, up to limit
func (s *EventStore) ListByPerson(ctx context.Context, personID core.PersonID, limit int) ([]*core.ActionEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM action_events
		WHERE person_id = ?
		ORDER BY timestamp_utc DESC LIMIT ?`,
		string(personID), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*core.ActionEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// ListByRelatedReminder returns the events previously matched to a reminder,
// newest-first
func (s *EventStore) ListByRelatedReminder(ctx context.Context, reminderID core.ReminderID) ([]*core.ActionEvent, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM action_events
		WHERE related_reminder_id = ?
		ORDER BY timestamp_utc DESC`,
		string(reminderID))
	if err != nil {
		return nil, fmt.Errorf("failed to list related events: %w", err)
	}
	defer rows.Close()

	var events []*core.ActionEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// SetRelatedReminder records which reminder an event matched. The link is
// written at most once; a second write is a no-op.
func (s *EventStore) SetRelatedReminder(ctx context.Context, eventID core.EventID, reminderID core.ReminderID) error {
	_, err := s.db.conn.ExecContext(ctx, `
		UPDATE action_events SET related_reminder_id = ?
		WHERE id = ? AND related_reminder_id IS NULL`,
		string(reminderID), string(eventID))
	if err != nil {
		return fmt.Errorf("failed to link reminder: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*core.ActionEvent, error) {
	var event core.ActionEvent
	var eventType, presentPeople, stateSignals, customData string
	var probValue sql.NullFloat64
	var probAction, related sql.NullString

	err := row.Scan(
		&event.ID, &event.PersonID, &event.ActionType, &event.TimestampUTC,
		&eventType, &event.Context.TimeBucket, &event.Context.DayType,
		&event.Context.Location, &presentPeople, &stateSignals,
		&probValue, &probAction, &customData, &related, &event.CreatedAtUTC,
	)
	if err != nil {
		return nil, err
	}

	event.EventType = core.EventType(eventType)
	if probValue.Valid {
		event.ProbabilityValue = &probValue.Float64
	}
	if probAction.Valid {
		pa := core.ProbabilityAction(probAction.String)
		event.ProbabilityAction = &pa
	}
	if related.Valid {
		event.RelatedReminderID = core.ReminderID(related.String)
	}
	if err := unmarshalJSON(presentPeople, &event.Context.PresentPeople); err != nil {
		return nil, fmt.Errorf("failed to decode present people: %w", err)
	}
	if err := unmarshalJSON(stateSignals, &event.Context.StateSignals); err != nil {
		return nil, fmt.Errorf("failed to decode state signals: %w", err)
	}
	if err := unmarshalJSON(customData, &event.CustomData); err != nil {
		return nil, fmt.Errorf("failed to decode custom data: %w", err)
	}
	return &event, nil
}
