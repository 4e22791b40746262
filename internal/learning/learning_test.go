package learning

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/habitmind/habitmind/internal/core"
	"github.com/habitmind/habitmind/internal/policy"
	"github.com/habitmind/habitmind/internal/storage"
	"github.com/habitmind/habitmind/internal/timectx"
)

type fixture struct {
	db          *storage.DB
	events      *storage.EventStore
	transitions *storage.TransitionStore
	reminders   *storage.ReminderStore
	routines    *storage.RoutineStore
	preferences *storage.PreferenceStore
	policies    *policy.Provider
	keys        *timectx.KeyBuilder
	clock       *core.FixedClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.Open(storage.Config{InMemory: true})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	clock := &core.FixedClock{T: time.Date(2025, 3, 10, 7, 0, 0, 0, time.UTC)}
	return &fixture{
		db:          db,
		events:      storage.NewEventStore(db),
		transitions: storage.NewTransitionStore(db),
		reminders:   storage.NewReminderStore(db),
		routines:    storage.NewRoutineStore(db),
		preferences: storage.NewPreferenceStore(db),
		policies:    policy.NewProvider(storage.NewConfigStore(db), clock),
		keys:        timectx.NewKeyBuilder(""),
		clock:       clock,
	}
}

func (f *fixture) enablePreferences(t *testing.T, person core.PersonID) {
	t.Helper()
	err := f.preferences.Upsert(context.Background(), &core.UserReminderPreferences{
		PersonID:        person,
		DefaultStyle:    core.StyleAsk,
		DailyLimit:      10,
		MinimumInterval: 30 * time.Minute,
		Enabled:         true,
	}, f.clock.T)
	if err != nil {
		t.Fatalf("failed to enable preferences: %v", err)
	}
}

func (f *fixture) ingestEvent(t *testing.T, person core.PersonID, action string, ts time.Time, eventType core.EventType) *core.ActionEvent {
	t.Helper()
	event := &core.ActionEvent{
		ID:           core.EventID(core.NewID()),
		PersonID:     person,
		ActionType:   action,
		TimestampUTC: ts,
		Context: core.ActionContext{
			TimeBucket: "morning",
			DayType:    "weekday",
		},
		EventType:    eventType,
		CreatedAtUTC: ts,
	}
	if err := f.events.Create(context.Background(), event); err != nil {
		t.Fatalf("failed to persist event: %v", err)
	}
	return event
}

func TestTransitionLearner_Bootstrap(t *testing.T) {
	f := newFixture(t)
	learner := NewTransitionLearner(f.events, f.transitions, f.keys, f.clock)
	ctx := context.Background()

	base := time.Date(2025, 3, 10, 7, 0, 0, 0, time.UTC)
	f.ingestEvent(t, "a", "wake", base, core.EventAction)
	e2 := f.ingestEvent(t, "a", "coffee", base.Add(5*time.Minute), core.EventAction)

	tr, err := learner.UpdateTransitions(ctx, e2)
	if err != nil {
		t.Fatalf("failed to update transitions: %v", err)
	}
	if tr == nil {
		t.Fatal("expected a transition")
	}
	if tr.FromAction != "wake" || tr.ToAction != "coffee" {
		t.Errorf("bigram: got %s→%s", tr.FromAction, tr.ToAction)
	}
	if tr.ContextBucket != "weekday*morning*unknown" {
		t.Errorf("context bucket: got %q", tr.ContextBucket)
	}
	if tr.OccurrenceCount != 1 {
		t.Errorf("occurrence count: expected 1, got %d", tr.OccurrenceCount)
	}
	if math.Abs(tr.Confidence-0.1) > 1e-9 {
		t.Errorf("confidence: expected 0.1, got %f", tr.Confidence)
	}
	if tr.AverageDelay == nil || *tr.AverageDelay != 5*time.Minute {
		t.Errorf("average delay: expected 5m, got %v", tr.AverageDelay)
	}
}

func TestTransitionLearner_SessionWindow(t *testing.T) {
	f := newFixture(t)
	learner := NewTransitionLearner(f.events, f.transitions, f.keys, f.clock)
	ctx := context.Background()

	base := time.Date(2025, 3, 10, 7, 0, 0, 0, time.UTC)
	f.ingestEvent(t, "a", "wake", base, core.EventAction)
	late := f.ingestEvent(t, "a", "coffee", base.Add(45*time.Minute), core.EventAction)

	tr, err := learner.UpdateTransitions(ctx, late)
	if err != nil {
		t.Fatalf("failed to update transitions: %v", err)
	}
	if tr != nil {
		t.Error("events outside the session window must not form a transition")
	}
}

func TestTransitionLearner_IgnoresStateChange(t *testing.T) {
	f := newFixture(t)
	learner := NewTransitionLearner(f.events, f.transitions, f.keys, f.clock)
	ctx := context.Background()

	base := time.Date(2025, 3, 10, 7, 0, 0, 0, time.UTC)
	f.ingestEvent(t, "a", "wake", base, core.EventAction)
	intent := f.ingestEvent(t, "a", "arrival_home", base.Add(5*time.Minute), core.EventStateChange)

	tr, err := learner.UpdateTransitions(ctx, intent)
	if err != nil {
		t.Fatalf("failed to update transitions: %v", err)
	}
	if tr != nil {
		t.Error("state-change events must not form transitions")
	}
}

func TestTransitionLearner_ConfidenceConvergesTowardOne(t *testing.T) {
	f := newFixture(t)
	learner := NewTransitionLearner(f.events, f.transitions, f.keys, f.clock)
	ctx := context.Background()

	prev := 0.0
	for day := 0; day < 20; day++ {
		base := time.Date(2025, 3, 10, 7, 0, 0, 0, time.UTC).AddDate(0, 0, day)
		f.ingestEvent(t, "a", "wake", base, core.EventAction)
		e2 := f.ingestEvent(t, "a", "coffee", base.Add(5*time.Minute), core.EventAction)

		tr, err := learner.UpdateTransitions(ctx, e2)
		if err != nil {
			t.Fatalf("failed to update transitions: %v", err)
		}
		if tr.Confidence < prev {
			t.Fatalf("confidence decreased: %f < %f", tr.Confidence, prev)
		}
		prev = tr.Confidence
	}
	if prev < 0.85 {
		t.Errorf("confidence should converge toward 1, got %f after 20 observations", prev)
	}
}

func newScheduler(f *fixture) *ReminderScheduler {
	return NewReminderScheduler(
		f.reminders, f.transitions, f.routines, f.preferences,
		f.policies, nil, f.keys, f.clock,
	)
}

func seedTransition(t *testing.T, f *fixture, person core.PersonID, from, to string, count int, confidence float64, delay time.Duration) *core.ActionTransition {
	t.Helper()
	d := delay
	tr := &core.ActionTransition{
		ID:              core.TransitionID(core.NewID()),
		PersonID:        person,
		FromAction:      from,
		ToAction:        to,
		ContextBucket:   "weekday*morning*unknown",
		OccurrenceCount: count,
		Confidence:      confidence,
		AverageDelay:    &d,
		LastObservedUTC: f.clock.T,
		CreatedAtUTC:    f.clock.T,
		UpdatedAtUTC:    f.clock.T,
	}
	if err := f.transitions.Upsert(context.Background(), tr); err != nil {
		t.Fatalf("failed to seed transition: %v", err)
	}
	return tr
}

func TestScheduler_CreatesCandidateFromQualifyingTransition(t *testing.T) {
	f := newFixture(t)
	f.enablePreferences(t, "a")
	seedTransition(t, f, "a", "wake", "coffee", 3, 0.45, 5*time.Minute)
	s := newScheduler(f)
	ctx := context.Background()

	event := f.ingestEvent(t, "a", "wake", f.clock.T, core.EventAction)
	ids, err := s.ScheduleCandidatesForEvent(ctx, event)
	if err != nil {
		t.Fatalf("failed to schedule: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(ids))
	}

	r, err := f.reminders.Get(ctx, ids[0])
	if err != nil {
		t.Fatalf("failed to load candidate: %v", err)
	}
	if r.SuggestedAction != "coffee" {
		t.Errorf("suggested action: got %q", r.SuggestedAction)
	}
	if !r.CheckAtUTC.Equal(event.TimestampUTC) {
		t.Errorf("check time should equal the event timestamp, got %v", r.CheckAtUTC)
	}
	if r.Confidence != 0.5 {
		t.Errorf("new candidate confidence: expected default 0.5, got %f", r.Confidence)
	}
	if r.EvidenceCount != 1 {
		t.Errorf("evidence count: expected 1, got %d", r.EvidenceCount)
	}
	if r.SourceEventID != event.ID {
		t.Error("source event link missing")
	}
}

func TestScheduler_ReinforcesExistingCandidate(t *testing.T) {
	f := newFixture(t)
	f.enablePreferences(t, "a")
	seedTransition(t, f, "a", "wake", "coffee", 3, 0.45, 5*time.Minute)
	s := newScheduler(f)
	ctx := context.Background()

	first := f.ingestEvent(t, "a", "wake", f.clock.T, core.EventAction)
	ids, err := s.ScheduleCandidatesForEvent(ctx, first)
	if err != nil || len(ids) != 1 {
		t.Fatalf("first scheduling failed: ids=%v err=%v", ids, err)
	}

	// Next day, the same trigger must reinforce rather than duplicate
	f.clock.T = f.clock.T.AddDate(0, 0, 1)
	second := f.ingestEvent(t, "a", "wake", f.clock.T, core.EventAction)
	ids2, err := s.ScheduleCandidatesForEvent(ctx, second)
	if err != nil {
		t.Fatalf("second scheduling failed: %v", err)
	}
	if len(ids2) != 1 || ids2[0] != ids[0] {
		t.Fatalf("expected reinforcement of %v, got %v", ids[0], ids2)
	}

	r, err := f.reminders.Get(ctx, ids[0])
	if err != nil {
		t.Fatalf("failed to load candidate: %v", err)
	}
	if math.Abs(r.Confidence-0.6) > 1e-9 {
		t.Errorf("confidence: expected 0.5+0.1, got %f", r.Confidence)
	}
	if r.EvidenceCount != 2 {
		t.Errorf("evidence count: expected 2, got %d", r.EvidenceCount)
	}

	all, err := f.reminders.ListScheduledByAction(ctx, "a", "coffee")
	if err != nil {
		t.Fatalf("failed to list candidates: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("expected a single candidate row, got %d", len(all))
	}
}

func TestScheduler_IgnoresWeakTransitions(t *testing.T) {
	f := newFixture(t)
	f.enablePreferences(t, "a")
	// Below MinimumOccurrences
	seedTransition(t, f, "a", "wake", "coffee", 2, 0.9, 5*time.Minute)
	// Below MinimumConfidence
	seedTransition(t, f, "a", "wake", "stretch", 5, 0.2, 5*time.Minute)
	s := newScheduler(f)

	event := f.ingestEvent(t, "a", "wake", f.clock.T, core.EventAction)
	ids, err := s.ScheduleCandidatesForEvent(context.Background(), event)
	if err != nil {
		t.Fatalf("failed to schedule: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("weak transitions must not schedule candidates, got %d", len(ids))
	}
}

func TestScheduler_RejectsStateChange(t *testing.T) {
	f := newFixture(t)
	f.enablePreferences(t, "a")
	seedTransition(t, f, "a", "arrival_home", "coffee", 5, 0.9, 5*time.Minute)
	s := newScheduler(f)

	event := f.ingestEvent(t, "a", "arrival_home", f.clock.T, core.EventStateChange)
	ids, err := s.ScheduleCandidatesForEvent(context.Background(), event)
	if err != nil {
		t.Fatalf("failed to schedule: %v", err)
	}
	if len(ids) != 0 {
		t.Error("state-change events must never schedule candidates")
	}
}

func TestScheduler_StandsDownInsideRoutineWindow(t *testing.T) {
	f := newFixture(t)
	f.enablePreferences(t, "a")
	seedTransition(t, f, "a", "wake", "coffee", 5, 0.9, 5*time.Minute)
	ctx := context.Background()

	routine := &core.Routine{
		ID: core.RoutineID(core.NewID()), PersonID: "a",
		IntentType: "arrival_home", ObservationWindowMinutes: 60,
		CreatedAtUTC: f.clock.T,
	}
	if err := f.routines.Create(ctx, routine, f.clock.T); err != nil {
		t.Fatalf("failed to create routine: %v", err)
	}
	routine.OpenObservationWindow(f.clock.T.Add(-10*time.Minute), 60, "weekday*morning*unknown")
	if err := f.routines.Update(ctx, routine, f.clock.T); err != nil {
		t.Fatalf("failed to open window: %v", err)
	}

	s := newScheduler(f)
	event := f.ingestEvent(t, "a", "wake", f.clock.T, core.EventAction)
	ids, err := s.ScheduleCandidatesForEvent(ctx, event)
	if err != nil {
		t.Fatalf("failed to schedule: %v", err)
	}
	if len(ids) != 0 {
		t.Error("events inside an open routine window must not schedule candidates")
	}
}

func TestScheduler_RequiresEnabledPreferences(t *testing.T) {
	f := newFixture(t)
	seedTransition(t, f, "a", "wake", "coffee", 5, 0.9, 5*time.Minute)
	s := newScheduler(f)
	ctx := context.Background()

	// No preferences row at all
	event := f.ingestEvent(t, "a", "wake", f.clock.T, core.EventAction)
	ids, err := s.ScheduleCandidatesForEvent(ctx, event)
	if err != nil {
		t.Fatalf("failed to schedule: %v", err)
	}
	if len(ids) != 0 {
		t.Error("missing preferences must disable scheduling")
	}

	// Explicitly disabled
	err = f.preferences.Upsert(ctx, &core.UserReminderPreferences{
		PersonID: "a", DefaultStyle: core.StyleAsk, DailyLimit: 10, Enabled: false,
	}, f.clock.T)
	if err != nil {
		t.Fatalf("failed to upsert preferences: %v", err)
	}
	ids, err = s.ScheduleCandidatesForEvent(ctx, event)
	if err != nil {
		t.Fatalf("failed to schedule: %v", err)
	}
	if len(ids) != 0 {
		t.Error("disabled preferences must disable scheduling")
	}
}

func TestScheduler_WeeklyInferenceAfterThreeMondays(t *testing.T) {
	f := newFixture(t)
	f.enablePreferences(t, "a")
	seedTransition(t, f, "a", "wake", "coffee", 5, 0.9, 5*time.Minute)
	s := newScheduler(f)
	ctx := context.Background()

	var last core.ReminderID
	for week := 0; week < 3; week++ {
		f.clock.T = time.Date(2025, 3, 10, 7, 0, 0, 0, time.UTC).AddDate(0, 0, 7*week)
		event := f.ingestEvent(t, "a", "wake", f.clock.T, core.EventAction)
		ids, err := s.ScheduleCandidatesForEvent(ctx, event)
		if err != nil || len(ids) != 1 {
			t.Fatalf("week %d scheduling failed: ids=%v err=%v", week, ids, err)
		}
		last = ids[0]
	}

	r, err := f.reminders.Get(ctx, last)
	if err != nil {
		t.Fatalf("failed to load candidate: %v", err)
	}
	if r.PatternStatus != core.PatternWeekly {
		t.Fatalf("pattern: expected weekly, got %q", r.PatternStatus)
	}
	if r.InferredWeekday == nil || *r.InferredWeekday != 1 {
		t.Errorf("inferred weekday: expected Monday (1), got %v", r.InferredWeekday)
	}
	if want := "every Monday at 07:00"; len(r.Occurrence) < len(want) || r.Occurrence[:len(want)] != want {
		t.Errorf("occurrence: got %q", r.Occurrence)
	}
}
