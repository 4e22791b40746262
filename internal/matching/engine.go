// Package matching finds scheduled reminder candidates that an incoming
// event satisfies.
package matching

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/habitmind/habitmind/internal/core"
	"github.com/habitmind/habitmind/internal/logging"
	"github.com/habitmind/habitmind/internal/policy"
	"github.com/habitmind/habitmind/internal/signals"
	"github.com/habitmind/habitmind/internal/storage"
)

// Engine applies the matching criteria chain to scheduled candidates
type Engine struct {
	events    *storage.EventStore
	reminders *storage.ReminderStore
	policies  *policy.Provider
	selector  *signals.Selector
	log       *logging.Logger
}

// NewEngine wires the matching engine
func NewEngine(events *storage.EventStore, reminders *storage.ReminderStore, policies *policy.Provider, selector *signals.Selector) *Engine {
	if selector == nil {
		selector = signals.NewSelector()
	}
	return &Engine{
		events:    events,
		reminders: reminders,
		policies:  policies,
		selector:  selector,
		log:       logging.WithField("component", "matching_engine"),
	}
}

// FindMatchingReminders returns the scheduled candidates the event satisfies,
// strongest first. State-change events never match. signalStates may carry
// the raw sensor readings at event time; nil disables similarity gating.
func (e *Engine) FindMatchingReminders(ctx context.Context, eventID core.EventID, signalStates map[string]string) ([]*core.ReminderCandidate, error) {
	event, err := e.events.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if event.EventType == core.EventStateChange {
		return nil, nil
	}

	scheduled, err := e.reminders.ListScheduled(ctx, event.PersonID)
	if err != nil {
		return nil, err
	}
	if len(scheduled) == 0 {
		return nil, nil
	}

	settings, err := e.policies.Load(ctx)
	if err != nil {
		return nil, err
	}

	var eventProfile core.SignalProfile
	if settings.SignalSelectionEnabled && len(signalStates) > 0 {
		eventProfile = e.selector.SelectAndNormalize(signalStates)
	}

	var matched []*core.ReminderCandidate
	for _, r := range scheduled {
		ok, err := e.matches(ctx, r, event, eventProfile, settings)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, r)
		}
	}

	// Strongest first. Among equal confidences the most recently
	// scheduled copy wins, so feedback folds into the candidate that is
	// still collecting evidence rather than an older sibling.
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Confidence != matched[j].Confidence {
			return matched[i].Confidence > matched[j].Confidence
		}
		return matched[i].CheckAtUTC.After(matched[j].CheckAtUTC)
	})
	return matched, nil
}

// matches applies the criteria chain in order, short-circuiting on the first
// failure
func (e *Engine) matches(ctx context.Context, r *core.ReminderCandidate, event *core.ActionEvent, eventProfile core.SignalProfile, settings policy.Settings) (bool, error) {
	if settings.Matching.MatchByActionType && r.SuggestedAction != event.ActionType {
		return false, nil
	}
	if !timeMatches(r, event, settings) {
		return false, nil
	}
	if settings.Matching.MatchByStateSignals && !stateSignalsMatch(r, event) {
		return false, nil
	}
	if r.TimeWindowCenter == nil {
		ok, err := e.legacyContextMatches(ctx, r, event, settings)
		if err != nil || !ok {
			return false, err
		}
	}
	if !signalSimilarityMatches(r, eventProfile, settings) {
		return false, nil
	}
	return true, nil
}

// timeMatches compares by circular time-of-day distance when the reminder has
// a learned center, and by absolute check-time distance otherwise
func timeMatches(r *core.ReminderCandidate, event *core.ActionEvent, settings policy.Settings) bool {
	offset := float64(settings.Matching.TimeOffsetMinutes)
	if r.TimeWindowCenter != nil {
		distance := core.CircularMinutesApart(core.TimeOfDayMinutes(event.TimestampUTC), *r.TimeWindowCenter)
		return distance <= offset
	}
	diff := event.TimestampUTC.Sub(r.CheckAtUTC)
	if diff < 0 {
		diff = -diff
	}
	return diff <= time.Duration(offset)*time.Minute
}

// stateSignalsMatch requires every learned (k,v) condition to hold in the
// event's state signals. A reminder with conditions never matches an event
// without signals.
func stateSignalsMatch(r *core.ReminderCandidate, event *core.ActionEvent) bool {
	if len(r.CustomData) == 0 {
		return true
	}
	if len(event.Context.StateSignals) == 0 {
		return false
	}
	for k, v := range r.CustomData {
		if event.Context.StateSignals[k] != v {
			return false
		}
	}
	return true
}

// legacyContextMatches compares context fields against the events previously
// matched to this reminder. Applies only to reminders without a learned time
// window. No related events means context cannot disagree.
func (e *Engine) legacyContextMatches(ctx context.Context, r *core.ReminderCandidate, event *core.ActionEvent, settings policy.Settings) (bool, error) {
	related, err := e.events.ListByRelatedReminder(ctx, r.ID)
	if err != nil {
		return false, err
	}
	if len(related) == 0 && r.SourceEventID != "" {
		source, err := e.events.Get(ctx, r.SourceEventID)
		if err != nil && !errors.Is(err, core.ErrEventNotFound) {
			return false, err
		}
		if source != nil {
			related = append(related, source)
		}
	}
	if len(related) == 0 {
		return true, nil
	}

	for _, prior := range related {
		if contextAgrees(prior, event, settings) {
			return true, nil
		}
	}
	return false, nil
}

func contextAgrees(prior, event *core.ActionEvent, settings policy.Settings) bool {
	if settings.Matching.MatchByDayType && prior.Context.DayType != event.Context.DayType {
		return false
	}
	if settings.Matching.MatchByTimeBucket && prior.Context.TimeBucket != event.Context.TimeBucket {
		return false
	}
	if settings.Matching.MatchByLocation && prior.Context.Location != event.Context.Location {
		return false
	}
	if settings.Matching.MatchByPeoplePresent && !samePeople(prior.Context.PresentPeople, event.Context.PresentPeople) {
		return false
	}
	return true
}

func samePeople(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, p := range a {
		seen[p]++
	}
	for _, p := range b {
		seen[p]--
		if seen[p] < 0 {
			return false
		}
	}
	return true
}

// signalSimilarityMatches gates on cosine similarity between the reminder's
// baseline and the event profile, when both sides carry signals
func signalSimilarityMatches(r *core.ReminderCandidate, eventProfile core.SignalProfile, settings policy.Settings) bool {
	if !settings.SignalSelectionEnabled || len(r.SignalProfile) == 0 || len(eventProfile) == 0 {
		return true
	}
	return signals.Similarity(r.SignalProfile, eventProfile) >= settings.SignalSimilarityThreshold
}
