package learning

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/habitmind/habitmind/internal/core"
	"github.com/habitmind/habitmind/internal/logging"
	"github.com/habitmind/habitmind/internal/policy"
	"github.com/habitmind/habitmind/internal/signals"
	"github.com/habitmind/habitmind/internal/storage"
	"github.com/habitmind/habitmind/internal/timectx"
)

// conflictRetries bounds optimistic-concurrency retries on reminder updates
const conflictRetries = 3

// ReminderScheduler creates or reinforces reminder candidates from learned
// transitions when an action event arrives
type ReminderScheduler struct {
	reminders   *storage.ReminderStore
	transitions *storage.TransitionStore
	routines    *storage.RoutineStore
	preferences *storage.PreferenceStore
	policies    *policy.Provider
	selector    *signals.Selector
	keys        *timectx.KeyBuilder
	clock       core.Clock
	log         *logging.Logger
}

// NewReminderScheduler wires the scheduler
func NewReminderScheduler(
	reminders *storage.ReminderStore,
	transitions *storage.TransitionStore,
	routines *storage.RoutineStore,
	preferences *storage.PreferenceStore,
	policies *policy.Provider,
	selector *signals.Selector,
	keys *timectx.KeyBuilder,
	clock core.Clock,
) *ReminderScheduler {
	if clock == nil {
		clock = core.SystemClock{}
	}
	if selector == nil {
		selector = signals.NewSelector()
	}
	return &ReminderScheduler{
		reminders:   reminders,
		transitions: transitions,
		routines:    routines,
		preferences: preferences,
		policies:    policies,
		selector:    selector,
		keys:        keys,
		clock:       clock,
		log:         logging.WithField("component", "reminder_scheduler"),
	}
}

// ScheduleCandidatesForEvent creates or reinforces candidates whose learned
// transitions fire on this event. State-change events and events inside an
// open routine observation window never produce candidates.
func (s *ReminderScheduler) ScheduleCandidatesForEvent(ctx context.Context, event *core.ActionEvent) ([]core.ReminderID, error) {
	if event.EventType == core.EventStateChange {
		return nil, nil
	}

	open, err := s.routines.ListOpenWindows(ctx, event.PersonID, event.TimestampUTC)
	if err != nil {
		return nil, err
	}
	if len(open) > 0 {
		s.log.Debug("event inside routine window, scheduler stands down")
		return nil, nil
	}

	settings, err := s.policies.Load(ctx)
	if err != nil {
		return nil, err
	}

	prefs, err := s.preferences.Get(ctx, event.PersonID)
	if errors.Is(err, core.ErrPreferencesNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !prefs.Enabled {
		return nil, nil
	}

	bucket := s.keys.Build(event.Context.DayType, event.Context.TimeBucket, event.Context.Location)
	candidates, err := s.transitions.ListByFromAction(ctx, event.PersonID, event.ActionType, bucket)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	var touched []core.ReminderID
	for _, tr := range candidates {
		if !transitionQualifies(tr, settings) {
			continue
		}
		suggestedCheck := now.Add(*tr.AverageDelay)

		id, err := s.createOrReinforce(ctx, event, tr, prefs, settings, suggestedCheck, now)
		if err != nil {
			return touched, err
		}
		touched = append(touched, id)
	}
	return touched, nil
}

// transitionQualifies applies the reminder policy: enough observations,
// enough confidence, a learned delay, and a matching context bucket (the
// bucket is already enforced by the store query)
func transitionQualifies(tr *core.ActionTransition, settings policy.Settings) bool {
	return tr.OccurrenceCount >= settings.MinimumOccurrences &&
		tr.Confidence >= settings.MinimumConfidence &&
		tr.AverageDelay != nil
}

func (s *ReminderScheduler) createOrReinforce(
	ctx context.Context,
	event *core.ActionEvent,
	tr *core.ActionTransition,
	prefs *core.UserReminderPreferences,
	settings policy.Settings,
	suggestedCheck time.Time,
	now time.Time,
) (core.ReminderID, error) {
	for attempt := 0; ; attempt++ {
		existing, err := s.findExisting(ctx, event.PersonID, tr.ToAction, suggestedCheck, settings)
		if err != nil {
			return "", err
		}

		if existing == nil {
			id, err := s.create(ctx, event, tr, prefs, settings, now)
			if err == nil || !errors.Is(err, core.ErrDuplicateRecord) {
				return id, err
			}
		} else {
			prev := existing.UpdatedAtUTC
			s.reinforce(existing, event, settings, now)
			err = s.reminders.Update(ctx, existing, prev)
			if err == nil {
				s.log.WithField("reminder", string(existing.ID)).
					Debug("reinforced candidate: confidence=%.2f evidence=%d", existing.Confidence, existing.EvidenceCount)
				return existing.ID, nil
			}
			if !errors.Is(err, core.ErrConflict) {
				return "", err
			}
		}

		if attempt >= conflictRetries {
			return "", core.ErrConflict
		}
		jitterSleep(ctx, attempt)
	}
}

// findExisting prefers a scheduled candidate whose check time lands within
// the match offset of the suggested time, falling back to the most recently
// created one
func (s *ReminderScheduler) findExisting(ctx context.Context, personID core.PersonID, action string, suggestedCheck time.Time, settings policy.Settings) (*core.ReminderCandidate, error) {
	scheduled, err := s.reminders.ListScheduledByAction(ctx, personID, action)
	if err != nil {
		return nil, err
	}
	if len(scheduled) == 0 {
		return nil, nil
	}

	offset := time.Duration(settings.ReminderMatchTimeOffsetMinutes) * time.Minute
	for _, r := range scheduled {
		if absDuration(r.CheckAtUTC.Sub(suggestedCheck)) <= offset {
			return r, nil
		}
	}
	return scheduled[0], nil
}

func (s *ReminderScheduler) reinforce(r *core.ReminderCandidate, event *core.ActionEvent, settings policy.Settings, now time.Time) {
	r.IncreaseConfidence(settings.ConfidenceStepValue)
	r.RecordEvidence(event.TimestampUTC, event.Context.TimeBucket, event.Context.DayType)
	r.UpdateInferredPattern(settings.MinDailyEvidence, settings.MinWeeklyEvidence)
	s.foldSignals(r, event, settings, now)
	r.UpdatedAtUTC = now
}

func (s *ReminderScheduler) create(ctx context.Context, event *core.ActionEvent, tr *core.ActionTransition, prefs *core.UserReminderPreferences, settings policy.Settings, now time.Time) (core.ReminderID, error) {
	r := &core.ReminderCandidate{
		ID:              core.ReminderID(core.NewID()),
		PersonID:        event.PersonID,
		SuggestedAction: tr.ToAction,
		CheckAtUTC:      event.TimestampUTC,
		TransitionID:    tr.ID,
		Style:           prefs.DefaultStyle,
		Status:          core.StatusScheduled,
		Confidence:      settings.DefaultReminderConfidence,
		SourceEventID:   event.ID,
		CreatedAtUTC:    now,
		UpdatedAtUTC:    now,

		TimeWindowSizeMinutes: core.DefaultTimeWindowMinutes,
		PatternStatus:         core.PatternUnknown,
	}
	r.MergeCustomData(event.CustomData)
	r.RecordEvidence(event.TimestampUTC, event.Context.TimeBucket, event.Context.DayType)
	r.UpdateInferredPattern(settings.MinDailyEvidence, settings.MinWeeklyEvidence)
	s.foldSignals(r, event, settings, now)

	if err := s.reminders.Create(ctx, r); err != nil {
		return "", err
	}
	s.log.WithFields(map[string]interface{}{
		"person": string(r.PersonID),
		"action": r.SuggestedAction,
	}).Info("scheduled new reminder candidate")
	return r.ID, nil
}

// foldSignals EMA-updates the reminder's environmental baseline from the
// event's sensor states
func (s *ReminderScheduler) foldSignals(r *core.ReminderCandidate, event *core.ActionEvent, settings policy.Settings, now time.Time) {
	if !settings.SignalSelectionEnabled || len(event.Context.StateSignals) == 0 {
		return
	}
	profile := s.selector.SelectAndNormalize(event.Context.StateSignals)
	if len(profile) == 0 {
		return
	}
	r.SignalProfile = signals.UpdateBaseline(r.SignalProfile, profile, settings.SignalProfileUpdateAlpha)
	r.SignalProfileSamples++
	t := now
	r.SignalProfileUpdatedAtUTC = &t
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// jitterSleep backs off briefly before a conflict retry, honoring
// cancellation
func jitterSleep(ctx context.Context, attempt int) {
	backoff := time.Duration(math.Pow(2, float64(attempt))) * 10 * time.Millisecond
	backoff += time.Duration(rand.Intn(10)) * time.Millisecond
	select {
	case <-ctx.Done():
	case <-time.After(backoff):
	}
}
