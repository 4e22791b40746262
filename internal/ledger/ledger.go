// Package ledger provides an append-only execution history.
// Every entry is hash-chained to the previous entry, making any tampering
// detectable, so the record of what the engine did is trustworthy.
package ledger

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/habitmind/habitmind/internal/core"
	"github.com/habitmind/habitmind/internal/logging"
)

// Store manages the append-only execution history
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore creates a new history store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// InitSchema creates the history table if missing
func (s *Store) InitSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS execution_history (
			id TEXT PRIMARY KEY,
			executed_at_utc TIMESTAMP NOT NULL,
			endpoint TEXT NOT NULL,
			person_id TEXT,
			action_type TEXT,
			reminder_id TEXT,
			event_id TEXT,
			request_payload TEXT,
			response_payload TEXT,
			prev_hash TEXT,
			hash TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_history_person ON execution_history(person_id, executed_at_utc);
		CREATE INDEX IF NOT EXISTS idx_history_endpoint ON execution_history(endpoint);
	`)
	return err
}

// Entry is one immutable history record of something the engine executed
type Entry struct {
	ID              string          `json:"id"`
	ExecutedAtUTC   time.Time       `json:"executed_at_utc"`
	Endpoint        string          `json:"endpoint"` // Logical operation name
	PersonID        core.PersonID   `json:"person_id,omitempty"`
	ActionType      string          `json:"action_type,omitempty"`
	ReminderID      core.ReminderID `json:"reminder_id,omitempty"`
	EventID         core.EventID    `json:"event_id,omitempty"`
	RequestPayload  string          `json:"request_payload,omitempty"`  // JSON blob
	ResponsePayload string          `json:"response_payload,omitempty"` // JSON blob
	PrevHash        string          `json:"prev_hash"`
	Hash            string          `json:"hash"`
}

// Endpoint constants for the operations the engine records
const (
	EndpointEventIngested    = "event.ingested"
	EndpointReminderExecuted = "reminder.executed"
	EndpointReminderSkipped  = "reminder.skipped"
	EndpointReminderExpired  = "reminder.expired"
	EndpointRoutineObserved  = "routine.observed"
	EndpointFeedbackApplied  = "feedback.applied"
)

const genesisHash = "GENESIS:0000000000000000000000000000000000000000000000000000000000000000"

// Record carries the fields of a new history entry
type Record struct {
	Endpoint   string
	PersonID   core.PersonID
	ActionType string
	ReminderID core.ReminderID
	EventID    core.EventID
	Request    interface{}
	Response   interface{}
}

// Append adds a new entry to the history with hash chaining. This is the only
// write path; rows are never updated or deleted.
func (s *Store) Append(rec Record, now time.Time) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reqJSON, err := payloadJSON(rec.Request)
	if err != nil {
		return nil, fmt.Errorf("marshal request payload: %w", err)
	}
	respJSON, err := payloadJSON(rec.Response)
	if err != nil {
		return nil, fmt.Errorf("marshal response payload: %w", err)
	}

	prevHash, err := s.lastHash()
	if err != nil {
		return nil, fmt.Errorf("get last hash: %w", err)
	}

	entry := &Entry{
		ID:              uuid.New().String(),
		ExecutedAtUTC:   now.UTC(),
		Endpoint:        rec.Endpoint,
		PersonID:        rec.PersonID,
		ActionType:      rec.ActionType,
		ReminderID:      rec.ReminderID,
		EventID:         rec.EventID,
		RequestPayload:  reqJSON,
		ResponsePayload: respJSON,
		PrevHash:        prevHash,
	}
	entry.Hash = computeHash(entry)

	_, err = s.db.Exec(`
		INSERT INTO execution_history (id, executed_at_utc, endpoint, person_id, action_type, reminder_id, event_id, request_payload, response_payload, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.ExecutedAtUTC, entry.Endpoint, string(entry.PersonID), entry.ActionType,
		string(entry.ReminderID), string(entry.EventID), entry.RequestPayload, entry.ResponsePayload,
		entry.PrevHash, entry.Hash)
	if err != nil {
		return nil, fmt.Errorf("insert history entry: %w", err)
	}
	return entry, nil
}

func payloadJSON(v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// lastHash returns the hash of the most recent entry
func (s *Store) lastHash() (string, error) {
	var hash sql.NullString
	err := s.db.QueryRow(`
		SELECT hash FROM execution_history ORDER BY executed_at_utc DESC, id DESC LIMIT 1
	`).Scan(&hash)
	if err == sql.ErrNoRows {
		return genesisHash, nil
	}
	if err != nil {
		return "", err
	}
	return hash.String, nil
}

// computeHash creates the SHA-256 hash of an entry's canonical representation
func computeHash(entry *Entry) string {
	canonical := struct {
		ID              string          `json:"id"`
		ExecutedAtUTC   time.Time       `json:"executed_at_utc"`
		Endpoint        string          `json:"endpoint"`
		PersonID        core.PersonID   `json:"person_id"`
		ActionType      string          `json:"action_type"`
		ReminderID      core.ReminderID `json:"reminder_id"`
		EventID         core.EventID    `json:"event_id"`
		RequestPayload  string          `json:"request_payload"`
		ResponsePayload string          `json:"response_payload"`
		PrevHash        string          `json:"prev_hash"`
	}{
		ID:              entry.ID,
		ExecutedAtUTC:   entry.ExecutedAtUTC,
		Endpoint:        entry.Endpoint,
		PersonID:        entry.PersonID,
		ActionType:      entry.ActionType,
		ReminderID:      entry.ReminderID,
		EventID:         entry.EventID,
		RequestPayload:  entry.RequestPayload,
		ResponsePayload: entry.ResponsePayload,
		PrevHash:        entry.PrevHash,
	}

	data, _ := json.Marshal(canonical)
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// VerifyChain verifies the integrity of the entire history chain.
// Returns nil if valid, or an error describing the first broken link.
func (s *Store) VerifyChain() error {
	rows, err := s.db.Query(`
		SELECT id, executed_at_utc, endpoint, person_id, action_type, reminder_id, event_id, request_payload, response_payload, prev_hash, hash
		FROM execution_history ORDER BY executed_at_utc ASC, id ASC
	`)
	if err != nil {
		return fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	expectedPrevHash := genesisHash
	entryNum := 0

	for rows.Next() {
		entryNum++
		entry, err := scanEntry(rows)
		if err != nil {
			return fmt.Errorf("scan entry %d: %w", entryNum, err)
		}

		if entry.PrevHash != expectedPrevHash {
			return &ChainError{
				EntryNum:     entryNum,
				EntryID:      entry.ID,
				ExpectedHash: expectedPrevHash,
				ActualHash:   entry.PrevHash,
				Type:         "chain_broken",
			}
		}

		expectedHash := computeHash(entry)
		if entry.Hash != expectedHash {
			return &ChainError{
				EntryNum:     entryNum,
				EntryID:      entry.ID,
				ExpectedHash: expectedHash,
				ActualHash:   entry.Hash,
				Type:         "hash_mismatch",
			}
		}

		expectedPrevHash = entry.Hash
	}
	return rows.Err()
}

// ChainError describes the first broken link found during verification
type ChainError struct {
	EntryNum     int
	EntryID      string
	ExpectedHash string
	ActualHash   string
	Type         string // "chain_broken" or "hash_mismatch"
}

func (e *ChainError) Error() string {
	if e.Type == "chain_broken" {
		return fmt.Sprintf("chain broken at entry %d (ID: %s): expected prev_hash %s, got %s",
			e.EntryNum, e.EntryID, shortHash(e.ExpectedHash), shortHash(e.ActualHash))
	}
	return fmt.Sprintf("hash mismatch at entry %d (ID: %s): expected %s, got %s",
		e.EntryNum, e.EntryID, shortHash(e.ExpectedHash), shortHash(e.ActualHash))
}

func shortHash(h string) string {
	if len(h) <= 16 {
		return h
	}
	return h[:16] + "..."
}

// QueryOptions filter history listings
type QueryOptions struct {
	Endpoint   string
	PersonID   core.PersonID
	ReminderID core.ReminderID
	EventID    core.EventID
	Since      time.Time
	Until      time.Time
	Limit      int
	Offset     int
}

// Query returns entries matching the given criteria, newest first
func (s *Store) Query(opts QueryOptions) ([]*Entry, error) {
	query := `
		SELECT id, executed_at_utc, endpoint, person_id, action_type, reminder_id, event_id, request_payload, response_payload, prev_hash, hash
		FROM execution_history WHERE 1=1
	`
	var args []interface{}

	if opts.Endpoint != "" {
		query += " AND endpoint = ?"
		args = append(args, opts.Endpoint)
	}
	if opts.PersonID != "" {
		query += " AND person_id = ?"
		args = append(args, string(opts.PersonID))
	}
	if opts.ReminderID != "" {
		query += " AND reminder_id = ?"
		args = append(args, string(opts.ReminderID))
	}
	if opts.EventID != "" {
		query += " AND event_id = ?"
		args = append(args, string(opts.EventID))
	}
	if !opts.Since.IsZero() {
		query += " AND executed_at_utc >= ?"
		args = append(args, opts.Since)
	}
	if !opts.Until.IsZero() {
		query += " AND executed_at_utc <= ?"
		args = append(args, opts.Until)
	}

	query += " ORDER BY executed_at_utc DESC, id DESC"

	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func scanEntry(rows *sql.Rows) (*Entry, error) {
	var entry Entry
	var personID, actionType, reminderID, eventID, request, response, prevHash sql.NullString
	err := rows.Scan(
		&entry.ID, &entry.ExecutedAtUTC, &entry.Endpoint,
		&personID, &actionType, &reminderID, &eventID,
		&request, &response, &prevHash, &entry.Hash,
	)
	if err != nil {
		return nil, err
	}
	entry.PersonID = core.PersonID(personID.String)
	entry.ActionType = actionType.String
	entry.ReminderID = core.ReminderID(reminderID.String)
	entry.EventID = core.EventID(eventID.String)
	entry.RequestPayload = request.String
	entry.ResponsePayload = response.String
	entry.PrevHash = prevHash.String
	return &entry, nil
}

// GetRecent returns the most recent entries
func (s *Store) GetRecent(limit int) ([]*Entry, error) {
	return s.Query(QueryOptions{Limit: limit})
}

// Count returns the total number of entries
func (s *Store) Count() (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM execution_history").Scan(&count)
	return count, err
}

// ReminderHistory returns every entry recorded for a reminder
func (s *Store) ReminderHistory(id core.ReminderID) ([]*Entry, error) {
	return s.Query(QueryOptions{ReminderID: id})
}

// Recorder wraps the store with best-effort recording. A broken history must
// never abort the operation it describes, so failures are logged and dropped.
type Recorder struct {
	store *Store
	clock core.Clock
	log   *logging.Logger
}

// NewRecorder creates a recorder for the given store. A nil store disables
// recording entirely.
func NewRecorder(store *Store, clock core.Clock) *Recorder {
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &Recorder{
		store: store,
		clock: clock,
		log:   logging.WithField("component", "ledger"),
	}
}

func (r *Recorder) record(rec Record) {
	if r == nil || r.store == nil {
		return
	}
	if _, err := r.store.Append(rec, r.clock.Now()); err != nil {
		r.log.Warn("history append failed for %s: %v", rec.Endpoint, err)
	}
}

// RecordEventIngested records an ingested event and its scheduling outcome
func (r *Recorder) RecordEventIngested(event *core.ActionEvent, response interface{}) {
	r.record(Record{
		Endpoint:   EndpointEventIngested,
		PersonID:   event.PersonID,
		ActionType: event.ActionType,
		EventID:    event.ID,
		Request:    event,
		Response:   response,
	})
}

// RecordReminderExecuted records a reminder that fired
func (r *Recorder) RecordReminderExecuted(reminder *core.ReminderCandidate, decision core.ReminderDecision) {
	r.record(Record{
		Endpoint:   EndpointReminderExecuted,
		PersonID:   reminder.PersonID,
		ActionType: reminder.SuggestedAction,
		ReminderID: reminder.ID,
		Request:    reminder,
		Response:   decision,
	})
}

// RecordReminderSkipped records a reminder the evaluator held back
func (r *Recorder) RecordReminderSkipped(reminder *core.ReminderCandidate, decision core.ReminderDecision) {
	r.record(Record{
		Endpoint:   EndpointReminderSkipped,
		PersonID:   reminder.PersonID,
		ActionType: reminder.SuggestedAction,
		ReminderID: reminder.ID,
		Request:    reminder,
		Response:   decision,
	})
}

// RecordReminderExpired records a reminder that aged out unexecuted
func (r *Recorder) RecordReminderExpired(reminder *core.ReminderCandidate) {
	r.record(Record{
		Endpoint:   EndpointReminderExpired,
		PersonID:   reminder.PersonID,
		ActionType: reminder.SuggestedAction,
		ReminderID: reminder.ID,
		Request:    reminder,
	})
}

// RecordFeedbackApplied records explicit feedback folded into a reminder
func (r *Recorder) RecordFeedbackApplied(reminder *core.ReminderCandidate, eventID core.EventID) {
	r.record(Record{
		Endpoint:   EndpointFeedbackApplied,
		PersonID:   reminder.PersonID,
		ActionType: reminder.SuggestedAction,
		ReminderID: reminder.ID,
		EventID:    eventID,
		Response:   reminder,
	})
}
