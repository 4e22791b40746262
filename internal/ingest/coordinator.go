// Package ingest coordinates the full dataflow for an incoming event:
// persist, learn transitions, fold feedback into matched reminders, schedule
// candidates, update routines, and record history.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/habitmind/habitmind/internal/core"
	"github.com/habitmind/habitmind/internal/learning"
	"github.com/habitmind/habitmind/internal/ledger"
	"github.com/habitmind/habitmind/internal/logging"
	"github.com/habitmind/habitmind/internal/matching"
	"github.com/habitmind/habitmind/internal/policy"
	"github.com/habitmind/habitmind/internal/routines"
	"github.com/habitmind/habitmind/internal/storage"
	"github.com/habitmind/habitmind/internal/timectx"
)

const (
	maxActionTypeLength = 100
	conflictRetries     = 3
)

// Request is the ingestion payload at the boundary
type Request struct {
	PersonID          core.PersonID           `json:"personId"`
	ActionType        string                  `json:"actionType"`
	TimestampUTC      time.Time               `json:"timestampUtc"`
	Context           core.ActionContext      `json:"context"`
	EventType         core.EventType          `json:"eventType,omitempty"`
	ProbabilityValue  *float64                `json:"probabilityValue,omitempty"`
	ProbabilityAction *core.ProbabilityAction `json:"probabilityAction,omitempty"`
	CustomData        map[string]string       `json:"customData,omitempty"`
	UserPrompt        string                  `json:"userPrompt,omitempty"`
}

// Response reports what one ingestion produced
type Response struct {
	EventID               core.EventID             `json:"eventId"`
	ScheduledCandidateIDs []core.ReminderID        `json:"scheduledCandidateIds"`
	RelatedReminderID     core.ReminderID          `json:"relatedReminderId,omitempty"`
	RoutineReminderIDs    []core.RoutineReminderID `json:"routineReminderIds,omitempty"`
}

// Coordinator runs the ingestion dataflow in a fixed order
type Coordinator struct {
	events      *storage.EventStore
	reminders   *storage.ReminderStore
	preferences *storage.PreferenceStore
	policies    *policy.Provider
	learner     *learning.TransitionLearner
	scheduler   *learning.ReminderScheduler
	matcher     *matching.Engine
	routines    *routines.Learner
	classifier  *timectx.Classifier
	history     *ledger.Recorder
	clock       core.Clock
	log         *logging.Logger
}

// NewCoordinator wires the ingestion coordinator. history may be nil.
func NewCoordinator(
	events *storage.EventStore,
	reminders *storage.ReminderStore,
	preferences *storage.PreferenceStore,
	policies *policy.Provider,
	learner *learning.TransitionLearner,
	scheduler *learning.ReminderScheduler,
	matcher *matching.Engine,
	routineLearner *routines.Learner,
	classifier *timectx.Classifier,
	history *ledger.Recorder,
	clock core.Clock,
) *Coordinator {
	if clock == nil {
		clock = core.SystemClock{}
	}
	if classifier == nil {
		classifier = timectx.NewClassifier(timectx.DefaultBoundaries(), 0)
	}
	return &Coordinator{
		events:      events,
		reminders:   reminders,
		preferences: preferences,
		policies:    policies,
		learner:     learner,
		scheduler:   scheduler,
		matcher:     matcher,
		routines:    routineLearner,
		classifier:  classifier,
		history:     history,
		clock:       clock,
		log:         logging.WithField("component", "ingest"),
	}
}

// IngestEvent runs the full pipeline for one event. The store mutations run
// in order; the history record is best-effort and never fails the request.
func (c *Coordinator) IngestEvent(ctx context.Context, req Request) (*Response, error) {
	event, err := c.buildEvent(req)
	if err != nil {
		return nil, err
	}

	if err := c.events.Create(ctx, event); err != nil {
		return nil, fmt.Errorf("persist event: %w", err)
	}

	if _, err := c.learner.UpdateTransitions(ctx, event); err != nil {
		return nil, fmt.Errorf("update transitions: %w", err)
	}

	resp := &Response{EventID: event.ID}

	if event.ProbabilityValue != nil && event.ProbabilityAction != nil {
		related, err := c.applyFeedback(ctx, event)
		if err != nil {
			return nil, err
		}
		resp.RelatedReminderID = related
	}

	scheduled, err := c.scheduler.ScheduleCandidatesForEvent(ctx, event)
	if err != nil {
		return nil, fmt.Errorf("schedule candidates: %w", err)
	}
	resp.ScheduledCandidateIDs = scheduled

	if event.EventType == core.EventStateChange {
		if _, err := c.routines.HandleIntent(ctx, event); err != nil {
			return nil, fmt.Errorf("handle intent: %w", err)
		}
	} else {
		routineIDs, err := c.routines.ProcessObservedEvent(ctx, event, req.UserPrompt)
		if err != nil {
			return nil, fmt.Errorf("process observed event: %w", err)
		}
		resp.RoutineReminderIDs = routineIDs
	}

	c.history.RecordEventIngested(event, resp)
	return resp, nil
}

// buildEvent validates the request and fills in derived context fields
func (c *Coordinator) buildEvent(req Request) (*core.ActionEvent, error) {
	if req.PersonID == "" {
		return nil, fmt.Errorf("%w: personId", core.ErrMissingRequired)
	}
	if req.ActionType == "" {
		return nil, fmt.Errorf("%w: actionType", core.ErrMissingRequired)
	}
	if len(req.ActionType) > maxActionTypeLength {
		return nil, fmt.Errorf("%w: actionType exceeds %d characters", core.ErrInvalidInput, maxActionTypeLength)
	}
	if req.ProbabilityValue != nil && *req.ProbabilityValue < 0 {
		return nil, fmt.Errorf("%w: probabilityValue must be non-negative", core.ErrInvalidInput)
	}
	if (req.ProbabilityValue == nil) != (req.ProbabilityAction == nil) {
		return nil, fmt.Errorf("%w: probabilityValue and probabilityAction go together", core.ErrInvalidInput)
	}

	eventType := req.EventType
	if eventType == "" {
		eventType = core.EventAction
	}
	if eventType != core.EventAction && eventType != core.EventStateChange {
		return nil, fmt.Errorf("%w: eventType %q", core.ErrInvalidInput, req.EventType)
	}

	ts := req.TimestampUTC
	if ts.IsZero() {
		ts = c.clock.Now()
	}
	ts = ts.UTC()

	evtContext := req.Context
	if evtContext.TimeBucket == "" || evtContext.DayType == "" {
		bucket, dayType := c.classifier.Classify(ts)
		if evtContext.TimeBucket == "" {
			evtContext.TimeBucket = bucket
		}
		if evtContext.DayType == "" {
			evtContext.DayType = dayType
		}
	}

	return &core.ActionEvent{
		ID:                core.EventID(core.NewID()),
		PersonID:          req.PersonID,
		ActionType:        req.ActionType,
		TimestampUTC:      ts,
		Context:           evtContext,
		EventType:         eventType,
		ProbabilityValue:  req.ProbabilityValue,
		ProbabilityAction: req.ProbabilityAction,
		CustomData:        req.CustomData,
		CreatedAtUTC:      c.clock.Now(),
	}, nil
}

// applyFeedback folds explicit probability feedback into the best matching
// scheduled reminder, or creates a fresh candidate when nothing matches
func (c *Coordinator) applyFeedback(ctx context.Context, event *core.ActionEvent) (core.ReminderID, error) {
	matched, err := c.matcher.FindMatchingReminders(ctx, event.ID, event.Context.StateSignals)
	if err != nil {
		return "", fmt.Errorf("find matching reminders: %w", err)
	}

	if len(matched) == 0 {
		if event.EventType == core.EventStateChange {
			return "", nil
		}
		id, err := c.createFromFeedback(ctx, event)
		if err != nil {
			return "", err
		}
		return id, nil
	}

	// Matches arrive sorted strongest first
	best := matched[0]
	settings, err := c.policies.Load(ctx)
	if err != nil {
		return "", err
	}

	for attempt := 0; ; attempt++ {
		now := c.clock.Now()
		prevUpdated := best.UpdatedAtUTC

		best.UpdateConfidence(*event.ProbabilityValue, *event.ProbabilityAction)
		best.CheckAtUTC = event.TimestampUTC
		best.RecordEvidence(event.TimestampUTC, event.Context.TimeBucket, event.Context.DayType)
		best.UpdateInferredPattern(settings.MinDailyEvidence, settings.MinWeeklyEvidence)
		best.MergeCustomData(event.CustomData)
		best.UpdatedAtUTC = now

		err = c.reminders.Update(ctx, best, prevUpdated)
		if err == nil {
			break
		}
		if !errors.Is(err, core.ErrConflict) || attempt >= conflictRetries {
			return "", fmt.Errorf("update matched reminder: %w", err)
		}
		jitterSleep(ctx, attempt)
		if best, err = c.reminders.Get(ctx, best.ID); err != nil {
			return "", err
		}
	}

	if err := c.events.SetRelatedReminder(ctx, event.ID, best.ID); err != nil {
		return "", fmt.Errorf("link related reminder: %w", err)
	}
	event.RelatedReminderID = best.ID

	c.log.Debug("feedback %s %.2f applied to reminder %s", *event.ProbabilityAction, *event.ProbabilityValue, best.ID)
	return best.ID, nil
}

func (c *Coordinator) createFromFeedback(ctx context.Context, event *core.ActionEvent) (core.ReminderID, error) {
	settings, err := c.policies.Load(ctx)
	if err != nil {
		return "", err
	}

	style := core.StyleAsk
	if prefs, err := c.preferences.Get(ctx, event.PersonID); err == nil {
		style = prefs.DefaultStyle
	}

	now := c.clock.Now()
	r := &core.ReminderCandidate{
		ID:              core.ReminderID(core.NewID()),
		PersonID:        event.PersonID,
		SuggestedAction: event.ActionType,
		CheckAtUTC:      event.TimestampUTC,
		Style:           style,
		Status:          core.StatusScheduled,
		Confidence:      settings.DefaultReminderConfidence,
		SourceEventID:   event.ID,
		CreatedAtUTC:    now,
		UpdatedAtUTC:    now,
		PatternStatus:   core.PatternUnknown,
	}
	r.MergeCustomData(event.CustomData)
	r.RecordEvidence(event.TimestampUTC, event.Context.TimeBucket, event.Context.DayType)
	r.UpdateInferredPattern(settings.MinDailyEvidence, settings.MinWeeklyEvidence)

	if err := c.reminders.Create(ctx, r); err != nil {
		return "", fmt.Errorf("create reminder from feedback: %w", err)
	}

	if err := c.events.SetRelatedReminder(ctx, event.ID, r.ID); err != nil {
		return "", fmt.Errorf("link related reminder: %w", err)
	}
	event.RelatedReminderID = r.ID
	return r.ID, nil
}

// jitterSleep backs off exponentially with a small random component
func jitterSleep(ctx context.Context, attempt int) {
	backoff := time.Duration(1<<uint(attempt)) * 10 * time.Millisecond
	backoff += time.Duration(rand.Intn(10)) * time.Millisecond
	select {
	case <-ctx.Done():
	case <-time.After(backoff):
	}
}
