package routines

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

func newLearner(t *testing.T) (*Learner, *storage.RoutineStore, *core.FixedClock) {
	t.Helper()
	db, err := storage.Open(storage.Config{InMemory: true})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	clock := &core.FixedClock{T: time.Date(2025, 3, 10, 18, 0, 0, 0, time.UTC)}
	store := storage.NewRoutineStore(db)
	learner := NewLearner(
		store,
		policy.NewProvider(storage.NewConfigStore(db), clock),
		timectx.NewClassifier(timectx.DefaultBoundaries(), 0),
		timectx.NewKeyBuilder(""),
		nil,
		clock,
	)
	return learner, store, clock
}

func intentEvent(person core.PersonID, intent string, ts time.Time) *core.ActionEvent {
	return &core.ActionEvent{
		ID:           core.EventID(core.NewID()),
		PersonID:     person,
		ActionType:   intent,
		TimestampUTC: ts,
		EventType:    core.EventStateChange,
		Context:      core.ActionContext{TimeBucket: "evening", DayType: "weekday"},
		CreatedAtUTC: ts,
	}
}

func actionEvent(person core.PersonID, action string, ts time.Time, signals map[string]string) *core.ActionEvent {
	return &core.ActionEvent{
		ID:           core.EventID(core.NewID()),
		PersonID:     person,
		ActionType:   action,
		TimestampUTC: ts,
		EventType:    core.EventAction,
		Context: core.ActionContext{
			TimeBucket:   "evening",
			DayType:      "weekday",
			StateSignals: signals,
		},
		CreatedAtUTC: ts,
	}
}

func TestHandleIntent_OpensWindow(t *testing.T) {
	learner, _, clock := newLearner(t)
	ctx := context.Background()

	routine, err := learner.HandleIntent(ctx, intentEvent("a", "arrival_home", clock.T))
	if err != nil {
		t.Fatalf("failed to handle intent: %v", err)
	}
	if !routine.IsObservationWindowOpen(clock.T.Add(30 * time.Minute)) {
		t.Error("window should be open 30 minutes in")
	}
	want := clock.T.Add(60 * time.Minute)
	if routine.ObservationWindowEndsAt == nil || !routine.ObservationWindowEndsAt.Equal(want) {
		t.Errorf("window end: expected %v, got %v", want, routine.ObservationWindowEndsAt)
	}
	if routine.ActiveTimeContextBucket != "weekday*evening*unknown" {
		t.Errorf("active bucket: got %q", routine.ActiveTimeContextBucket)
	}
}

func TestHandleIntent_MutualExclusion(t *testing.T) {
	learner, store, clock := newLearner(t)
	ctx := context.Background()

	if _, err := learner.HandleIntent(ctx, intentEvent("a", "arrival_home", clock.T)); err != nil {
		t.Fatalf("failed to handle first intent: %v", err)
	}
	clock.T = clock.T.Add(10 * time.Minute)
	if _, err := learner.HandleIntent(ctx, intentEvent("a", "bedtime", clock.T)); err != nil {
		t.Fatalf("failed to handle second intent: %v", err)
	}

	open, err := store.ListOpenWindows(ctx, "a", clock.T.Add(time.Minute))
	if err != nil {
		t.Fatalf("failed to list open windows: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("expected exactly one open window, got %d", len(open))
	}
	if open[0].IntentType != "bedtime" {
		t.Errorf("open window should belong to the newest intent, got %q", open[0].IntentType)
	}
}

func TestHandleIntent_RejectsActionEvent(t *testing.T) {
	learner, _, clock := newLearner(t)

	event := actionEvent("a", "coffee", clock.T, nil)
	if _, err := learner.HandleIntent(context.Background(), event); err == nil {
		t.Error("plain action events must be rejected as intents")
	}
}

func TestProcessObservedEvent_CreatesAndReinforces(t *testing.T) {
	learner, store, clock := newLearner(t)
	ctx := context.Background()

	routine, err := learner.HandleIntent(ctx, intentEvent("a", "arrival_home", clock.T))
	if err != nil {
		t.Fatalf("failed to handle intent: %v", err)
	}

	observed := actionEvent("a", "turn_on_lights", clock.T.Add(5*time.Minute), map[string]string{"light.hall": "off"})
	ids, err := learner.ProcessObservedEvent(ctx, observed, "only when dark")
	if err != nil {
		t.Fatalf("failed to process observed event: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected 1 reminder, got %d", len(ids))
	}

	reminder, err := store.FindReminder(ctx, routine.ID, "turn_on_lights")
	if err != nil || reminder == nil {
		t.Fatalf("reminder not persisted: %v", err)
	}
	if reminder.Confidence != 0.5 {
		t.Errorf("initial confidence: expected 0.5, got %f", reminder.Confidence)
	}
	if reminder.ObservationCount != 1 {
		t.Errorf("observation count: expected 1, got %d", reminder.ObservationCount)
	}
	if len(reminder.UserPrompts) != 1 || reminder.UserPrompts[0].Text != "only when dark" {
		t.Error("user prompt not attached")
	}
	if reminder.CustomData["light.hall"] != "off" {
		t.Error("state signals not merged into conditions")
	}

	// Same follower on the next intent reinforces
	clock.T = clock.T.Add(24 * time.Hour)
	if _, err := learner.HandleIntent(ctx, intentEvent("a", "arrival_home", clock.T)); err != nil {
		t.Fatalf("failed to reopen window: %v", err)
	}
	again := actionEvent("a", "turn_on_lights", clock.T.Add(7*time.Minute), map[string]string{"light.hall": "off"})
	ids, err = learner.ProcessObservedEvent(ctx, again, "")
	if err != nil {
		t.Fatalf("failed to process second observation: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected reinforcement, got %d reminders", len(ids))
	}

	reminder, err = store.FindReminder(ctx, routine.ID, "turn_on_lights")
	if err != nil || reminder == nil {
		t.Fatalf("reminder vanished: %v", err)
	}
	if math.Abs(reminder.Confidence-0.6) > 1e-9 {
		t.Errorf("reinforced confidence: expected 0.6, got %f", reminder.Confidence)
	}
	if reminder.ObservationCount != 2 {
		t.Errorf("observation count: expected 2, got %d", reminder.ObservationCount)
	}
}

func TestProcessObservedEvent_SkipsIntentAndStateChange(t *testing.T) {
	learner, _, clock := newLearner(t)
	ctx := context.Background()

	if _, err := learner.HandleIntent(ctx, intentEvent("a", "arrival_home", clock.T)); err != nil {
		t.Fatalf("failed to handle intent: %v", err)
	}

	// The intent's own action type never becomes its follower
	echo := actionEvent("a", "arrival_home", clock.T.Add(time.Minute), nil)
	ids, err := learner.ProcessObservedEvent(ctx, echo, "")
	if err != nil {
		t.Fatalf("failed to process: %v", err)
	}
	if len(ids) != 0 {
		t.Error("intent echo must not become a routine reminder")
	}

	// State changes are handled by HandleIntent, never observed
	other := intentEvent("a", "bedtime", clock.T.Add(2*time.Minute))
	ids, err = learner.ProcessObservedEvent(ctx, other, "")
	if err != nil {
		t.Fatalf("failed to process: %v", err)
	}
	if len(ids) != 0 {
		t.Error("state-change events must not become routine reminders")
	}
}

func TestProcessObservedEvent_TimeOffsetPolicy(t *testing.T) {
	learner, _, clock := newLearner(t)
	ctx := context.Background()

	if _, err := learner.HandleIntent(ctx, intentEvent("a", "arrival_home", clock.T)); err != nil {
		t.Fatalf("failed to handle intent: %v", err)
	}

	// 50 minutes in: window still open (60 min) but beyond the 45-minute
	// attribution offset
	late := actionEvent("a", "watch_tv", clock.T.Add(50*time.Minute), nil)
	ids, err := learner.ProcessObservedEvent(ctx, late, "")
	if err != nil {
		t.Fatalf("failed to process: %v", err)
	}
	if len(ids) != 0 {
		t.Error("actions beyond the time offset must not be attributed")
	}
}

func TestProcessObservedEvent_StateConditionGate(t *testing.T) {
	learner, store, clock := newLearner(t)
	ctx := context.Background()

	routine, err := learner.HandleIntent(ctx, intentEvent("a", "arrival_home", clock.T))
	if err != nil {
		t.Fatalf("failed to handle intent: %v", err)
	}
	first := actionEvent("a", "turn_on_lights", clock.T.Add(5*time.Minute), map[string]string{"light.hall": "off"})
	if _, err := learner.ProcessObservedEvent(ctx, first, ""); err != nil {
		t.Fatalf("failed to process: %v", err)
	}

	// Next window: same action but the learned condition does not hold
	clock.T = clock.T.Add(24 * time.Hour)
	if _, err := learner.HandleIntent(ctx, intentEvent("a", "arrival_home", clock.T)); err != nil {
		t.Fatalf("failed to reopen window: %v", err)
	}
	mismatched := actionEvent("a", "turn_on_lights", clock.T.Add(5*time.Minute), map[string]string{"light.hall": "on"})
	ids, err := learner.ProcessObservedEvent(ctx, mismatched, "")
	if err != nil {
		t.Fatalf("failed to process: %v", err)
	}
	if len(ids) != 0 {
		t.Error("mismatched state conditions must block reinforcement")
	}

	reminder, err := store.FindReminder(ctx, routine.ID, "turn_on_lights")
	if err != nil || reminder == nil {
		t.Fatalf("reminder missing: %v", err)
	}
	if reminder.ObservationCount != 1 {
		t.Errorf("observation count should stay 1, got %d", reminder.ObservationCount)
	}
}

func TestProcessObservedEvent_StateConditionGateFollowsPolicy(t *testing.T) {
	db, err := storage.Open(storage.Config{InMemory: true})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	clock := &core.FixedClock{T: time.Date(2025, 3, 10, 18, 0, 0, 0, time.UTC)}
	ctx := context.Background()
	configs := storage.NewConfigStore(db)
	if err := configs.Set(ctx, policy.KeyMatchByStateSignals, policy.CategoryMatching, "false", clock.T); err != nil {
		t.Fatalf("failed to disable state-signal matching: %v", err)
	}
	if err := configs.Set(ctx, policy.KeySignalSelectionEnabled, policy.CategoryPolicy, "false", clock.T); err != nil {
		t.Fatalf("failed to disable signal selection: %v", err)
	}

	store := storage.NewRoutineStore(db)
	learner := NewLearner(
		store,
		policy.NewProvider(configs, clock),
		timectx.NewClassifier(timectx.DefaultBoundaries(), 0),
		timectx.NewKeyBuilder(""),
		nil,
		clock,
	)

	routine, err := learner.HandleIntent(ctx, intentEvent("a", "arrival_home", clock.T))
	if err != nil {
		t.Fatalf("failed to handle intent: %v", err)
	}
	first := actionEvent("a", "turn_on_lights", clock.T.Add(5*time.Minute), map[string]string{"light.hall": "off"})
	if _, err := learner.ProcessObservedEvent(ctx, first, ""); err != nil {
		t.Fatalf("failed to process: %v", err)
	}

	// With state-signal matching disabled, a condition mismatch must not
	// block reinforcement
	clock.T = clock.T.Add(24 * time.Hour)
	if _, err := learner.HandleIntent(ctx, intentEvent("a", "arrival_home", clock.T)); err != nil {
		t.Fatalf("failed to reopen window: %v", err)
	}
	mismatched := actionEvent("a", "turn_on_lights", clock.T.Add(5*time.Minute), map[string]string{"light.hall": "on"})
	ids, err := learner.ProcessObservedEvent(ctx, mismatched, "")
	if err != nil {
		t.Fatalf("failed to process: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected reinforcement despite condition mismatch, got %d", len(ids))
	}

	reminder, err := store.FindReminder(ctx, routine.ID, "turn_on_lights")
	if err != nil || reminder == nil {
		t.Fatalf("reminder missing: %v", err)
	}
	if reminder.ObservationCount != 2 {
		t.Errorf("observation count: expected 2, got %d", reminder.ObservationCount)
	}
}

func TestHandleFeedback(t *testing.T) {
	learner, store, clock := newLearner(t)
	ctx := context.Background()

	if _, err := learner.HandleIntent(ctx, intentEvent("a", "arrival_home", clock.T)); err != nil {
		t.Fatalf("failed to handle intent: %v", err)
	}
	observed := actionEvent("a", "turn_on_lights", clock.T.Add(5*time.Minute), nil)
	ids, err := learner.ProcessObservedEvent(ctx, observed, "")
	if err != nil || len(ids) != 1 {
		t.Fatalf("failed to create reminder: ids=%v err=%v", ids, err)
	}

	updated, err := learner.HandleFeedback(ctx, ids[0], core.ProbabilityDecrease, 0.3)
	if err != nil {
		t.Fatalf("failed to apply feedback: %v", err)
	}
	if math.Abs(updated.Confidence-0.2) > 1e-9 {
		t.Errorf("confidence after decrease: expected 0.2, got %f", updated.Confidence)
	}

	persisted, err := store.GetReminder(ctx, ids[0])
	if err != nil {
		t.Fatalf("failed to reload reminder: %v", err)
	}
	if math.Abs(persisted.Confidence-0.2) > 1e-9 {
		t.Errorf("feedback not persisted: got %f", persisted.Confidence)
	}
}
