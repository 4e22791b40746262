// Package learning maintains action transitions and schedules reminder
// candidates from them.
package learning

import (
	"context"
	"errors"
	"time"

	"github.com/habitmind/habitmind/internal/core"
	"github.com/habitmind/habitmind/internal/logging"
	"github.com/habitmind/habitmind/internal/storage"
	"github.com/habitmind/habitmind/internal/timectx"
)

// DefaultSessionWindow bounds how far apart two events may be and still form
// a transition
const DefaultSessionWindow = 30 * time.Minute

// TransitionLearner updates A→B bigrams from consecutive action events
type TransitionLearner struct {
	events      *storage.EventStore
	transitions *storage.TransitionStore
	keys        *timectx.KeyBuilder
	clock       core.Clock
	log         *logging.Logger

	sessionWindow time.Duration
	alpha         float64
	beta          float64
}

// NewTransitionLearner creates a learner with default EMA factors
func NewTransitionLearner(events *storage.EventStore, transitions *storage.TransitionStore, keys *timectx.KeyBuilder, clock core.Clock) *TransitionLearner {
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &TransitionLearner{
		events:        events,
		transitions:   transitions,
		keys:          keys,
		clock:         clock,
		log:           logging.WithField("component", "transition_learner"),
		sessionWindow: DefaultSessionWindow,
		alpha:         core.DefaultConfidenceAlpha,
		beta:          core.DefaultDelayBeta,
	}
}

// WithSessionWindow overrides the session window
func (l *TransitionLearner) WithSessionWindow(w time.Duration) *TransitionLearner {
	if w > 0 {
		l.sessionWindow = w
	}
	return l
}

// UpdateTransitions folds an event into the transition learned from the
// person's most recent prior action. Returns the touched transition, or nil
// when the event opens a fresh session.
func (l *TransitionLearner) UpdateTransitions(ctx context.Context, event *core.ActionEvent) (*core.ActionTransition, error) {
	if event.EventType != core.EventAction {
		return nil, nil
	}

	prior, err := l.events.MostRecentBefore(ctx, event.PersonID, event.TimestampUTC)
	if err != nil {
		return nil, err
	}
	if prior == nil {
		return nil, nil
	}

	delta := event.TimestampUTC.Sub(prior.TimestampUTC)
	if delta > l.sessionWindow {
		return nil, nil
	}

	bucket := l.keys.Build(event.Context.DayType, event.Context.TimeBucket, event.Context.Location)
	now := l.clock.Now()

	tr, err := l.transitions.Find(ctx, event.PersonID, prior.ActionType, event.ActionType, bucket)
	if errors.Is(err, core.ErrTransitionNotFound) {
		tr = &core.ActionTransition{
			ID:            core.TransitionID(core.NewID()),
			PersonID:      event.PersonID,
			FromAction:    prior.ActionType,
			ToAction:      event.ActionType,
			ContextBucket: bucket,
			CreatedAtUTC:  now,
		}
	} else if err != nil {
		return nil, err
	}

	if err := tr.UpdateObservation(delta, l.alpha, l.beta, now); err != nil {
		return nil, err
	}
	tr.UpdatedAtUTC = now

	if err := l.transitions.Upsert(ctx, tr); err != nil {
		return nil, err
	}

	l.log.WithFields(map[string]interface{}{
		"person": string(event.PersonID),
		"from":   tr.FromAction,
		"to":     tr.ToAction,
		"bucket": tr.ContextBucket,
	}).Debug("transition observed: count=%d confidence=%.3f", tr.OccurrenceCount, tr.Confidence)

	return tr, nil
}

// DecayStale applies confidence decay to transitions unobserved since the
// cutoff and prunes those below the floor. Run nightly.
func (l *TransitionLearner) DecayStale(ctx context.Context, maxAge time.Duration, rate, floor float64) (int64, error) {
	now := l.clock.Now()
	return l.transitions.DecayStale(ctx, now.Add(-maxAge), rate, floor, now)
}
