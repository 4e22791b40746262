package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/habitmind/habitmind/internal/core"
	"github.com/habitmind/habitmind/internal/ingest"
	"github.com/habitmind/habitmind/internal/learning"
	"github.com/habitmind/habitmind/internal/ledger"
	"github.com/habitmind/habitmind/internal/matching"
	"github.com/habitmind/habitmind/internal/notify"
	"github.com/habitmind/habitmind/internal/policy"
	"github.com/habitmind/habitmind/internal/reminders"
	"github.com/habitmind/habitmind/internal/routines"
	"github.com/habitmind/habitmind/internal/storage"
	"github.com/habitmind/habitmind/internal/timectx"
)

// testServer wires a server against an in-memory database. The clock pins a
// Monday morning so derived context fields are stable.
func testServer(t *testing.T) (*Server, *storage.DB, *core.FixedClock) {
	t.Helper()

	db, err := storage.Open(storage.Config{InMemory: true})
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate test db: %v", err)
	}

	clock := &core.FixedClock{T: time.Date(2025, 3, 10, 7, 0, 0, 0, time.UTC)}

	eventStore := storage.NewEventStore(db)
	reminderStore := storage.NewReminderStore(db)
	routineStore := storage.NewRoutineStore(db)
	preferenceStore := storage.NewPreferenceStore(db)
	transitionStore := storage.NewTransitionStore(db)
	cooldownStore := storage.NewCooldownStore(db)
	policies := policy.NewProvider(storage.NewConfigStore(db), clock)
	keys := timectx.NewKeyBuilder("")
	classifier := timectx.NewClassifier(timectx.DefaultBoundaries(), 0)

	ledgerStore := ledger.NewStore(db.Conn())
	if err := ledgerStore.InitSchema(); err != nil {
		t.Fatalf("failed to init ledger schema: %v", err)
	}
	recorder := ledger.NewRecorder(ledgerStore, clock)

	learner := learning.NewTransitionLearner(eventStore, transitionStore, keys, clock)
	scheduler := learning.NewReminderScheduler(reminderStore, transitionStore, routineStore, preferenceStore, policies, nil, keys, clock)
	matcher := matching.NewEngine(eventStore, reminderStore, policies, nil)
	routineLearner := routines.NewLearner(routineStore, policies, classifier, keys, nil, clock)
	coordinator := ingest.NewCoordinator(eventStore, reminderStore, preferenceStore, policies, learner, scheduler, matcher, routineLearner, classifier, recorder, clock)

	notifySvc := notify.NewService(db, clock)
	evaluator := reminders.NewEvaluator(reminderStore, transitionStore, cooldownStore, preferenceStore, policies, nil, clock)
	pipeline := reminders.NewPipeline(reminderStore, cooldownStore, policies, evaluator, notifySvc, nil, recorder, clock)

	srv := New(Config{
		Host:           "localhost",
		Port:           0,
		DB:             db,
		Coordinator:    coordinator,
		Pipeline:       pipeline,
		RoutineLearner: routineLearner,
		Notifications:  notifySvc,
		LedgerStore:    ledgerStore,
		Policies:       policies,
		Clock:          clock,
	})
	return srv, db, clock
}

func doJSON(t *testing.T, srv *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	srv.router.ServeHTTP(rr, req)
	return rr
}

// --- Health ---

func TestAPI_Health(t *testing.T) {
	srv, _, _ := testServer(t)

	rr := doJSON(t, srv, "GET", "/api/v1/health", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var resp map[string]interface{}
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %v", resp["status"])
	}
}

// --- Event ingestion ---

func TestAPI_IngestEvent(t *testing.T) {
	srv, _, _ := testServer(t)

	rr := doJSON(t, srv, "POST", "/api/v1/events", map[string]interface{}{
		"personId":   "alice",
		"actionType": "wake_up",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp ingest.Response
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.EventID == "" {
		t.Error("expected a non-empty eventId")
	}
}

func TestAPI_IngestEvent_MissingPerson(t *testing.T) {
	srv, _, _ := testServer(t)

	rr := doJSON(t, srv, "POST", "/api/v1/events", map[string]interface{}{
		"actionType": "wake_up",
	})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", rr.Code)
	}
}

func TestAPI_IngestEvent_InvalidJSON(t *testing.T) {
	srv, _, _ := testServer(t)

	req := httptest.NewRequest("POST", "/api/v1/events", bytes.NewBufferString("not json"))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	srv.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", rr.Code)
	}
}

func TestAPI_IngestEvent_RecordsHistory(t *testing.T) {
	srv, _, _ := testServer(t)

	rr := doJSON(t, srv, "POST", "/api/v1/events", map[string]interface{}{
		"personId":   "alice",
		"actionType": "wake_up",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("ingest failed: %d", rr.Code)
	}

	rr = doJSON(t, srv, "GET", "/api/v1/history?person=alice", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("history query failed: %d", rr.Code)
	}
	var entries []map[string]interface{}
	json.Unmarshal(rr.Body.Bytes(), &entries)
	if len(entries) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(entries))
	}
	if entries[0]["endpoint"] != "event.ingested" {
		t.Errorf("endpoint = %v, want event.ingested", entries[0]["endpoint"])
	}
}

// --- Reminders ---

func TestAPI_GetReminder_NotFound(t *testing.T) {
	srv, _, _ := testServer(t)

	rr := doJSON(t, srv, "GET", "/api/v1/reminders/nonexistent", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rr.Code)
	}
}

func TestAPI_ListReminders_Empty(t *testing.T) {
	srv, _, _ := testServer(t)

	rr := doJSON(t, srv, "GET", "/api/v1/people/alice/reminders", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
}

func TestAPI_EvaluateReminder_Executes(t *testing.T) {
	srv, _, clock := testServer(t)
	ctx := context.Background()

	err := srv.preferenceStore.Upsert(ctx, &core.UserReminderPreferences{
		PersonID:     "alice",
		DefaultStyle: core.StyleAsk,
		DailyLimit:   10,
		Enabled:      true,
	}, clock.T)
	if err != nil {
		t.Fatalf("failed to upsert preferences: %v", err)
	}

	r := &core.ReminderCandidate{
		ID:              "rem-1",
		PersonID:        "alice",
		SuggestedAction: "drink_water",
		CheckAtUTC:      clock.T.Add(-time.Minute),
		Style:           core.StyleAsk,
		Status:          core.StatusScheduled,
		Confidence:      0.8,
		CreatedAtUTC:    clock.T,
		UpdatedAtUTC:    clock.T,
		PatternStatus:   core.PatternUnknown,
	}
	if err := srv.reminderStore.Create(ctx, r); err != nil {
		t.Fatalf("failed to create reminder: %v", err)
	}

	rr := doJSON(t, srv, "POST", "/api/v1/reminders/rem-1/evaluate", map[string]interface{}{})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp struct {
		Processed bool                  `json:"processed"`
		Decision  core.ReminderDecision `json:"decision"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp.Processed {
		t.Fatal("expected the reminder to be processed")
	}
	if !resp.Decision.ShouldSpeak {
		t.Errorf("expected should_speak, got reason %q", resp.Decision.Reason)
	}

	updated, err := srv.reminderStore.Get(ctx, "rem-1")
	if err != nil {
		t.Fatalf("failed to reload reminder: %v", err)
	}
	if updated.Status != core.StatusExecuted {
		t.Errorf("status = %s, want executed", updated.Status)
	}
}

func TestAPI_EvaluateReminder_NotDue(t *testing.T) {
	srv, _, clock := testServer(t)
	ctx := context.Background()

	r := &core.ReminderCandidate{
		ID:              "rem-future",
		PersonID:        "alice",
		SuggestedAction: "stretch",
		CheckAtUTC:      clock.T.Add(2 * time.Hour),
		Style:           core.StyleAsk,
		Status:          core.StatusScheduled,
		Confidence:      0.5,
		CreatedAtUTC:    clock.T,
		UpdatedAtUTC:    clock.T,
		PatternStatus:   core.PatternUnknown,
	}
	if err := srv.reminderStore.Create(ctx, r); err != nil {
		t.Fatalf("failed to create reminder: %v", err)
	}

	rr := doJSON(t, srv, "POST", "/api/v1/reminders/rem-future/evaluate", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var resp map[string]interface{}
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp["processed"] != false {
		t.Errorf("expected processed=false, got %v", resp["processed"])
	}
}

func TestAPI_ReminderFeedback(t *testing.T) {
	srv, _, clock := testServer(t)
	ctx := context.Background()

	r := &core.ReminderCandidate{
		ID:              "rem-fb",
		PersonID:        "alice",
		SuggestedAction: "meditate",
		CheckAtUTC:      clock.T,
		Style:           core.StyleAsk,
		Status:          core.StatusScheduled,
		Confidence:      0.5,
		CreatedAtUTC:    clock.T,
		UpdatedAtUTC:    clock.T,
		PatternStatus:   core.PatternUnknown,
	}
	if err := srv.reminderStore.Create(ctx, r); err != nil {
		t.Fatalf("failed to create reminder: %v", err)
	}

	rr := doJSON(t, srv, "POST", "/api/v1/reminders/rem-fb/feedback", map[string]interface{}{
		"action": "increase",
		"value":  0.2,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var updated core.ReminderCandidate
	if err := json.Unmarshal(rr.Body.Bytes(), &updated); err != nil {
		t.Fatalf("failed to decode reminder: %v", err)
	}
	if math.Abs(updated.Confidence-0.7) > 1e-9 {
		t.Errorf("Confidence = %v, want 0.7", updated.Confidence)
	}

	rr = doJSON(t, srv, "POST", "/api/v1/reminders/rem-fb/feedback", map[string]interface{}{
		"action": "sideways",
		"value":  0.2,
	})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 for bad action, got %d", rr.Code)
	}
}

// --- Preferences ---

func TestAPI_Preferences_PutAndGet(t *testing.T) {
	srv, _, _ := testServer(t)

	rr := doJSON(t, srv, "PUT", "/api/v1/people/alice/preferences", map[string]interface{}{
		"default_style":            "suggest",
		"daily_limit":              5,
		"minimum_interval_minutes": 30,
		"allow_auto_execute":       true,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, srv, "GET", "/api/v1/people/alice/preferences", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var prefs core.UserReminderPreferences
	if err := json.Unmarshal(rr.Body.Bytes(), &prefs); err != nil {
		t.Fatalf("failed to decode preferences: %v", err)
	}
	if prefs.DefaultStyle != core.StyleSuggest {
		t.Errorf("DefaultStyle = %s, want suggest", prefs.DefaultStyle)
	}
	if prefs.MinimumInterval != 30*time.Minute {
		t.Errorf("MinimumInterval = %s, want 30m", prefs.MinimumInterval)
	}
	if !prefs.Enabled {
		t.Error("Enabled should default to true")
	}
	if !prefs.AllowAutoExecute {
		t.Error("AllowAutoExecute should be true")
	}
}

func TestAPI_Preferences_GetMissing(t *testing.T) {
	srv, _, _ := testServer(t)

	rr := doJSON(t, srv, "GET", "/api/v1/people/nobody/preferences", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rr.Code)
	}
}

func TestAPI_Preferences_InvalidStyle(t *testing.T) {
	srv, _, _ := testServer(t)

	rr := doJSON(t, srv, "PUT", "/api/v1/people/alice/preferences", map[string]interface{}{
		"default_style": "shout",
	})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", rr.Code)
	}
}

// --- Routine feedback ---

func TestAPI_RoutineFeedback_BadAction(t *testing.T) {
	srv, _, _ := testServer(t)

	rr := doJSON(t, srv, "POST", "/api/v1/routine-reminders/some-id/feedback", map[string]interface{}{
		"action": "sideways",
		"value":  0.2,
	})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", rr.Code)
	}
}

// --- Notifications ---

func TestAPI_Notifications_ListAndRead(t *testing.T) {
	srv, _, _ := testServer(t)
	ctx := context.Background()

	n, err := srv.notifications.Create(ctx, notify.CreateRequest{
		PersonID: "alice",
		Kind:     notify.KindReminder,
		Title:    "Time to drink water?",
	})
	if err != nil {
		t.Fatalf("failed to create notification: %v", err)
	}

	rr := doJSON(t, srv, "GET", "/api/v1/people/alice/notifications", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var list []notify.Notification
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil {
		t.Fatalf("failed to decode notifications: %v", err)
	}
	if len(list) != 1 || list[0].Title != "Time to drink water?" {
		t.Fatalf("unexpected notification list: %+v", list)
	}

	rr = doJSON(t, srv, "POST", fmt.Sprintf("/api/v1/notifications/%s/read", n.ID), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("mark read failed: %d", rr.Code)
	}

	rr = doJSON(t, srv, "GET", "/api/v1/people/alice/notifications", nil)
	json.Unmarshal(rr.Body.Bytes(), &list)
	if len(list) != 1 || !list[0].Read {
		t.Error("notification should be marked read")
	}
}

// --- History ---

func TestAPI_HistoryVerify_Empty(t *testing.T) {
	srv, _, _ := testServer(t)

	rr := doJSON(t, srv, "GET", "/api/v1/history/verify", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var resp map[string]interface{}
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp["valid"] != true {
		t.Errorf("expected valid=true, got %v", resp["valid"])
	}
}

// --- WebSocket Hub ---

func TestWebSocketHub_RunAndBroadcast(t *testing.T) {
	hub := NewWebSocketHub()
	go hub.Run()
	defer hub.Stop()

	// Should not panic with no clients
	hub.Broadcast(WebSocketMessage{
		Type:      "test",
		Data:      "data",
		Timestamp: time.Now(),
	})
}

func TestWebSocketHub_SubscriberInterface(t *testing.T) {
	hub := NewWebSocketHub()
	go hub.Run()
	defer hub.Stop()

	if hub.ID() != "websocket_hub" {
		t.Errorf("ID() = %q", hub.ID())
	}
	if err := hub.Send(notify.Notification{ID: "n1", Title: "hi"}); err != nil {
		t.Errorf("Send() error = %v", err)
	}
}
