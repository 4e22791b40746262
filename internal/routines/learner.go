// Package routines learns intent-anchored routines: actions that reliably
// follow a state-change anchor within a bounded observation window.
package routines

import (
	"context"
	"fmt"
	"time"

	"github.com/habitmind/habitmind/internal/core"
	"github.com/habitmind/habitmind/internal/logging"
	"github.com/habitmind/habitmind/internal/policy"
	"github.com/habitmind/habitmind/internal/signals"
	"github.com/habitmind/habitmind/internal/storage"
	"github.com/habitmind/habitmind/internal/timectx"
)

// Learner opens observation windows on intents and attributes the actions
// observed inside them to routine reminders
type Learner struct {
	routines   *storage.RoutineStore
	policies   *policy.Provider
	classifier *timectx.Classifier
	keys       *timectx.KeyBuilder
	selector   *signals.Selector
	clock      core.Clock
	log        *logging.Logger
}

// NewLearner wires the routine learner
func NewLearner(
	routines *storage.RoutineStore,
	policies *policy.Provider,
	classifier *timectx.Classifier,
	keys *timectx.KeyBuilder,
	selector *signals.Selector,
	clock core.Clock,
) *Learner {
	if clock == nil {
		clock = core.SystemClock{}
	}
	if selector == nil {
		selector = signals.NewSelector()
	}
	return &Learner{
		routines:   routines,
		policies:   policies,
		classifier: classifier,
		keys:       keys,
		selector:   selector,
		clock:      clock,
		log:        logging.WithField("component", "routine_learner"),
	}
}

// HandleIntent reacts to a state-change event: every other open window for
// the person closes, then the routine for this intent opens a fresh one.
// Exactly one window per person is open afterwards.
func (l *Learner) HandleIntent(ctx context.Context, event *core.ActionEvent) (*core.Routine, error) {
	if event.EventType != core.EventStateChange {
		return nil, fmt.Errorf("%w: intent must be a state-change event", core.ErrInvalidInput)
	}

	settings, err := l.policies.Load(ctx)
	if err != nil {
		return nil, err
	}
	now := l.clock.Now()

	if err := l.routines.CloseAllWindows(ctx, event.PersonID, now); err != nil {
		return nil, err
	}

	routine, err := l.routines.FindByIntent(ctx, event.PersonID, event.ActionType)
	if err != nil {
		return nil, err
	}
	if routine == nil {
		routine = &core.Routine{
			ID:                       core.RoutineID(core.NewID()),
			PersonID:                 event.PersonID,
			IntentType:               event.ActionType,
			ObservationWindowMinutes: settings.ObservationWindowMinutes,
			CreatedAtUTC:             now,
		}
		if err := l.routines.Create(ctx, routine, now); err != nil {
			return nil, err
		}
	}

	timeBucket, dayType := l.classifier.Classify(event.TimestampUTC)
	bucket := l.keys.Build(dayType, timeBucket, event.Context.Location)
	routine.OpenObservationWindow(event.TimestampUTC, routine.ObservationWindowMinutes, bucket)

	if err := l.routines.Update(ctx, routine, now); err != nil {
		return nil, err
	}

	l.log.WithFields(map[string]interface{}{
		"person": string(event.PersonID),
		"intent": event.ActionType,
	}).Info("observation window opened until %s", routine.ObservationWindowEndsAt.Format(time.RFC3339))
	return routine, nil
}

// ProcessObservedEvent attributes an action event to every routine whose
// observation window contains it, creating or reinforcing routine reminders.
// userPrompt is an optional free-text hint attached to the reminder.
func (l *Learner) ProcessObservedEvent(ctx context.Context, event *core.ActionEvent, userPrompt string) ([]core.RoutineReminderID, error) {
	if event.EventType == core.EventStateChange {
		return nil, nil
	}

	open, err := l.routines.ListOpenWindows(ctx, event.PersonID, event.TimestampUTC)
	if err != nil {
		return nil, err
	}
	if len(open) == 0 {
		return nil, nil
	}

	settings, err := l.policies.Load(ctx)
	if err != nil {
		return nil, err
	}
	now := l.clock.Now()

	var touched []core.RoutineReminderID
	for _, routine := range open {
		if event.ActionType == routine.IntentType {
			continue
		}
		if !l.withinTimeOffset(routine, event, settings) {
			continue
		}

		existing, err := l.routines.FindReminder(ctx, routine.ID, event.ActionType)
		if err != nil {
			return touched, err
		}

		if settings.Matching.MatchByStateSignals && existing != nil && !stateConditionsHold(existing, event) {
			l.log.Debug("state conditions not met for %s, skipping", event.ActionType)
			continue
		}
		if existing != nil && !l.signalsMatch(existing, event, settings) {
			l.log.Debug("signal similarity below threshold for %s, skipping", event.ActionType)
			continue
		}

		if existing != nil {
			existing.IncreaseConfidence(settings.ConfidenceStepValue)
			existing.RecordObservation(event.TimestampUTC)
			existing.MergeCustomData(event.CustomData)
			existing.AppendPrompt(userPrompt, now)
			l.foldSignals(existing, event, settings)
			if err := l.routines.UpdateReminder(ctx, existing, now); err != nil {
				return touched, err
			}
			touched = append(touched, existing.ID)
			continue
		}

		created, err := l.createReminder(ctx, routine, event, userPrompt, settings, now)
		if err != nil {
			return touched, err
		}
		touched = append(touched, created.ID)
	}
	return touched, nil
}

// HandleFeedback applies explicit confidence feedback to a routine reminder
func (l *Learner) HandleFeedback(ctx context.Context, id core.RoutineReminderID, action core.ProbabilityAction, value float64) (*core.RoutineReminder, error) {
	if value < 0 {
		return nil, fmt.Errorf("%w: feedback value must be non-negative", core.ErrInvalidInput)
	}
	reminder, err := l.routines.GetReminder(ctx, id)
	if err != nil {
		return nil, err
	}
	reminder.ApplyFeedback(action, value)
	if err := l.routines.UpdateReminder(ctx, reminder, l.clock.Now()); err != nil {
		return nil, err
	}
	return reminder, nil
}

// withinTimeOffset enforces how deep into the window an action may still be
// attributed to the routine
func (l *Learner) withinTimeOffset(routine *core.Routine, event *core.ActionEvent, settings policy.Settings) bool {
	if routine.ObservationWindowStart == nil {
		return false
	}
	offset := time.Duration(settings.Matching.TimeOffsetMinutes) * time.Minute
	return event.TimestampUTC.Sub(*routine.ObservationWindowStart) <= offset
}

// stateConditionsHold requires every learned (k,v) condition to be present
// in the event's state signals
func stateConditionsHold(reminder *core.RoutineReminder, event *core.ActionEvent) bool {
	if len(reminder.CustomData) == 0 {
		return true
	}
	for k, v := range reminder.CustomData {
		if event.Context.StateSignals[k] != v {
			return false
		}
	}
	return true
}

// signalsMatch gates reinforcement on environmental similarity to the
// learned baseline
func (l *Learner) signalsMatch(reminder *core.RoutineReminder, event *core.ActionEvent, settings policy.Settings) bool {
	if !settings.SignalSelectionEnabled || len(event.Context.StateSignals) == 0 || len(reminder.SignalProfile) == 0 {
		return true
	}
	profile := l.selector.SelectAndNormalize(event.Context.StateSignals)
	return signals.Similarity(reminder.SignalProfile, profile) >= settings.SignalSimilarityThreshold
}

func (l *Learner) foldSignals(reminder *core.RoutineReminder, event *core.ActionEvent, settings policy.Settings) {
	if !settings.SignalSelectionEnabled || len(event.Context.StateSignals) == 0 {
		return
	}
	profile := l.selector.SelectAndNormalize(event.Context.StateSignals)
	if len(profile) == 0 {
		return
	}
	reminder.SignalProfile = signals.UpdateBaseline(reminder.SignalProfile, profile, settings.SignalProfileUpdateAlpha)
	reminder.SignalProfileSamples++
}

func (l *Learner) createReminder(ctx context.Context, routine *core.Routine, event *core.ActionEvent, userPrompt string, settings policy.Settings, now time.Time) (*core.RoutineReminder, error) {
	reminder := &core.RoutineReminder{
		ID:              core.RoutineReminderID(core.NewID()),
		RoutineID:       routine.ID,
		PersonID:        event.PersonID,
		SuggestedAction: event.ActionType,
		Confidence:      settings.DefaultReminderConfidence,
		CreatedAtUTC:    now,
	}
	reminder.RecordObservation(event.TimestampUTC)
	reminder.MergeCustomData(event.Context.StateSignals)
	reminder.MergeCustomData(event.CustomData)
	reminder.AppendPrompt(userPrompt, now)
	l.foldSignals(reminder, event, settings)

	if err := l.routines.CreateReminder(ctx, reminder, routine.ActiveTimeContextBucket, now); err != nil {
		return nil, err
	}
	l.log.WithFields(map[string]interface{}{
		"person": string(event.PersonID),
		"intent": routine.IntentType,
		"action": event.ActionType,
	}).Info("learned new routine follower")
	return reminder, nil
}
