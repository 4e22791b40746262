// Package core defines the fundamental types for HabitMind.
// These types are the DNA of the entire system.
package core

import (
	"time"

	"github.com/google/uuid"
)

// -----------------------------------------------------------------------------
// IDENTIFIERS - Opaque, type-safe, minted once
// -----------------------------------------------------------------------------

// PersonID identifies the person whose behavior is being learned.
// It is supplied by the caller and never interpreted.
type PersonID string

// EventID identifies an ingested action event
type EventID string

// TransitionID identifies a learned action transition
type TransitionID string

// ReminderID identifies a reminder candidate
type ReminderID string

// RoutineID identifies an intent-anchored routine
type RoutineID string

// RoutineReminderID identifies a reminder learned within a routine
type RoutineReminderID string

// NewID mints a fresh opaque identifier
func NewID() string {
	return uuid.New().String()
}

// -----------------------------------------------------------------------------
// EVENTS - Immutable observations of what a person did
// -----------------------------------------------------------------------------

// EventType distinguishes plain actions from situational anchors
type EventType string

const (
	EventAction      EventType = "action"       // Person performed an action
	EventStateChange EventType = "state_change" // Situational anchor (intent), e.g. arriving home
)

// ProbabilityAction is explicit feedback direction carried on an event
type ProbabilityAction string

const (
	ProbabilityIncrease ProbabilityAction = "increase"
	ProbabilityDecrease ProbabilityAction = "decrease"
)

// ActionContext captures the situation an event happened in
type ActionContext struct {
	TimeBucket    string            `json:"time_bucket"` // morning, afternoon, evening, night
	DayType       string            `json:"day_type"`    // weekday, weekend
	Location      string            `json:"location,omitempty"`
	PresentPeople []string          `json:"present_people,omitempty"`
	StateSignals  map[string]string `json:"state_signals,omitempty"`
}

// ActionEvent is an immutable observation: person P did action A at time T.
// RelatedReminderID is the only field written after ingest, and exactly once.
type ActionEvent struct {
	ID                EventID            `json:"id"`
	PersonID          PersonID           `json:"person_id"`
	ActionType        string             `json:"action_type"` // Max 100 chars
	TimestampUTC      time.Time          `json:"timestamp_utc"`
	Context           ActionContext      `json:"context"`
	EventType         EventType          `json:"event_type"`
	ProbabilityValue  *float64           `json:"probability_value,omitempty"`
	ProbabilityAction *ProbabilityAction `json:"probability_action,omitempty"`
	CustomData        map[string]string  `json:"custom_data,omitempty"`
	RelatedReminderID ReminderID         `json:"related_reminder_id,omitempty"`
	CreatedAtUTC      time.Time          `json:"created_at_utc"`
}

// -----------------------------------------------------------------------------
// TRANSITIONS - Learned A→B bigrams per context bucket
// -----------------------------------------------------------------------------

// ActionTransition is a learned directed bigram: after FromAction, this
// person tends to do ToAction within AverageDelay, in ContextBucket.
// Unique per (person, from, to, bucket).
type ActionTransition struct {
	ID              TransitionID   `json:"id"`
	PersonID        PersonID       `json:"person_id"`
	FromAction      string         `json:"from_action"`
	ToAction        string         `json:"to_action"`
	ContextBucket   string         `json:"context_bucket"`
	OccurrenceCount int            `json:"occurrence_count"`
	Confidence      float64        `json:"confidence"` // 0.0 to 1.0
	AverageDelay    *time.Duration `json:"average_delay,omitempty"`
	LastObservedUTC time.Time      `json:"last_observed_utc"`
	CreatedAtUTC    time.Time      `json:"created_at_utc"`
	UpdatedAtUTC    time.Time      `json:"updated_at_utc"`
}

// -----------------------------------------------------------------------------
// REMINDERS - Scheduled candidates with evolving confidence and pattern
// -----------------------------------------------------------------------------

// ReminderStyle controls how a candidate is allowed to surface
type ReminderStyle string

const (
	StyleAsk     ReminderStyle = "ask"     // Ask for confirmation
	StyleSuggest ReminderStyle = "suggest" // Propose, no confirmation needed
	StyleSilent  ReminderStyle = "silent"  // Never spoken, learning only
)

// ReminderStatus is the candidate lifecycle state.
// Allowed moves: Scheduled→Executed, Scheduled→Skipped, Scheduled→Expired,
// and Executed→Scheduled when a recurring reminder reschedules.
type ReminderStatus string

const (
	StatusScheduled ReminderStatus = "scheduled"
	StatusExecuted  ReminderStatus = "executed"
	StatusSkipped   ReminderStatus = "skipped"
	StatusExpired   ReminderStatus = "expired"
)

// PatternStatus is the inferred temporal classification of a reminder
type PatternStatus string

const (
	PatternUnknown  PatternStatus = "unknown"
	PatternFlexible PatternStatus = "flexible"
	PatternDaily    PatternStatus = "daily"
	PatternWeekly   PatternStatus = "weekly"
)

// ReminderDecision records why a candidate did or did not speak
type ReminderDecision struct {
	ShouldSpeak           bool    `json:"should_speak"`
	Reason                string  `json:"reason"`
	ConfidenceLevel       float64 `json:"confidence_level"`
	SpeechTemplateKey     string  `json:"speech_template_key,omitempty"`
	NaturalLanguagePhrase string  `json:"natural_language_phrase,omitempty"`
}

// ReminderCandidate is the central entity: a potential future nudge toward
// SuggestedAction, carrying online-learned confidence, an inferred temporal
// pattern, and an environmental signal baseline. The pattern-inference and
// signal-profile fields are mutable attached state that moves with the row.
type ReminderCandidate struct {
	ID              ReminderID        `json:"id"`
	PersonID        PersonID          `json:"person_id"`
	SuggestedAction string            `json:"suggested_action"`
	CheckAtUTC      time.Time         `json:"check_at_utc"`
	TransitionID    TransitionID      `json:"transition_id,omitempty"`
	Style           ReminderStyle     `json:"style"`
	Status          ReminderStatus    `json:"status"`
	Decision        *ReminderDecision `json:"decision,omitempty"`
	Confidence      float64           `json:"confidence"` // 0.0 to 1.0
	Occurrence      string            `json:"occurrence,omitempty"`
	CreatedAtUTC    time.Time         `json:"created_at_utc"`
	UpdatedAtUTC    time.Time         `json:"updated_at_utc"`
	ExecutedAtUTC   *time.Time        `json:"executed_at_utc,omitempty"`
	SourceEventID   EventID           `json:"source_event_id,omitempty"`
	CustomData      map[string]string `json:"custom_data,omitempty"`

	// Pattern inference
	TimeWindowCenter      *float64        `json:"time_window_center,omitempty"` // Minutes since midnight UTC
	TimeWindowSizeMinutes int             `json:"time_window_size_minutes"`
	EvidenceCount         int             `json:"evidence_count"`
	ObservedDays          map[string]bool `json:"observed_days,omitempty"` // "2006-01-02" date keys
	DayOfWeekHistogram    [7]int          `json:"day_of_week_histogram"`   // Sunday=0
	TimeBucketHistogram   map[string]int  `json:"time_bucket_histogram,omitempty"`
	DayTypeHistogram      map[string]int  `json:"day_type_histogram,omitempty"`
	MostCommonTimeBucket  string          `json:"most_common_time_bucket,omitempty"`
	MostCommonDayType     string          `json:"most_common_day_type,omitempty"`
	PatternStatus         PatternStatus   `json:"pattern_status"`
	InferredWeekday       *int            `json:"inferred_weekday,omitempty"` // 0-6, Sunday=0

	// Signal profile baseline
	SignalProfile             SignalProfile `json:"signal_profile,omitempty"`
	SignalProfileUpdatedAtUTC *time.Time    `json:"signal_profile_updated_at_utc,omitempty"`
	SignalProfileSamples      int           `json:"signal_profile_samples"`

	// Safety
	IsSafeToAutoExecute bool `json:"is_safe_to_auto_execute"`
}

// DefaultTimeWindowMinutes is the initial size of the time-of-day window
// around TimeWindowCenter used when matching by time.
const DefaultTimeWindowMinutes = 45

// -----------------------------------------------------------------------------
// ROUTINES - Intent-anchored learning windows
// -----------------------------------------------------------------------------

// Routine anchors learning to a recurring intent (state change), e.g.
// "ArrivalHome". One routine per (person, intent). At most one routine per
// person has an open observation window at any instant.
type Routine struct {
	ID                       RoutineID  `json:"id"`
	PersonID                 PersonID   `json:"person_id"`
	IntentType               string     `json:"intent_type"`
	CreatedAtUTC             time.Time  `json:"created_at_utc"`
	LastIntentOccurredAtUTC  *time.Time `json:"last_intent_occurred_at_utc,omitempty"`
	ObservationWindowStart   *time.Time `json:"observation_window_start_utc,omitempty"`
	ObservationWindowEndsAt  *time.Time `json:"observation_window_ends_at_utc,omitempty"`
	ObservationWindowMinutes int        `json:"observation_window_minutes"` // >= 1
	ActiveTimeContextBucket  string     `json:"active_time_context_bucket,omitempty"`
}

// UserPrompt is a free-text hint attached to a routine reminder
type UserPrompt struct {
	Text         string    `json:"text"`
	TimestampUTC time.Time `json:"timestamp_utc"`
}

// RoutineReminder is an action learned to follow a routine's intent.
// Unique per (routine, suggested action).
type RoutineReminder struct {
	ID                   RoutineReminderID `json:"id"`
	RoutineID            RoutineID         `json:"routine_id"`
	PersonID             PersonID          `json:"person_id"`
	SuggestedAction      string            `json:"suggested_action"`
	Confidence           float64           `json:"confidence"` // 0.0 to 1.0
	CreatedAtUTC         time.Time         `json:"created_at_utc"`
	LastObservedAtUTC    *time.Time        `json:"last_observed_at_utc,omitempty"`
	ObservationCount     int               `json:"observation_count"`
	CustomData           map[string]string `json:"custom_data,omitempty"`
	UserPrompts          []UserPrompt      `json:"user_prompts,omitempty"`
	IsSafeToAutoExecute  bool              `json:"is_safe_to_auto_execute"`
	SignalProfile        SignalProfile     `json:"signal_profile,omitempty"`
	SignalProfileSamples int               `json:"signal_profile_samples"`
}

// -----------------------------------------------------------------------------
// SUPPRESSION & PREFERENCES
// -----------------------------------------------------------------------------

// ReminderCooldown forbids suggestions for (person, action) until a deadline
type ReminderCooldown struct {
	PersonID           PersonID  `json:"person_id"`
	ActionType         string    `json:"action_type"`
	SuppressedUntilUTC time.Time `json:"suppressed_until_utc"`
	Reason             string    `json:"reason,omitempty"`
}

// Active reports whether the cooldown still suppresses at the given instant
func (c *ReminderCooldown) Active(now time.Time) bool {
	return c.SuppressedUntilUTC.After(now)
}

// UserReminderPreferences holds per-person delivery preferences.
// One row per person; missing preferences mean reminders are disabled.
type UserReminderPreferences struct {
	PersonID         PersonID      `json:"person_id"`
	DefaultStyle     ReminderStyle `json:"default_style"`
	DailyLimit       int           `json:"daily_limit"`      // >= 0
	MinimumInterval  time.Duration `json:"minimum_interval"` // >= 0
	Enabled          bool          `json:"enabled"`
	AllowAutoExecute bool          `json:"allow_auto_execute"`
}

// -----------------------------------------------------------------------------
// SIGNAL PROFILES - Environmental similarity baselines
// -----------------------------------------------------------------------------

// SignalComponent is one sensor's contribution to a profile
type SignalComponent struct {
	Weight float64 `json:"weight"` // 0.0 to 1.0, L2-normalized across the profile
	Value  float64 `json:"value"`  // Normalized sensor reading, 0.0 to 1.0
}

// SignalProfile is a top-K, L2-weighted sensor vector keyed by sensor ID
type SignalProfile map[string]SignalComponent

// Clone returns an independent copy of the profile
func (p SignalProfile) Clone() SignalProfile {
	if p == nil {
		return nil
	}
	out := make(SignalProfile, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
