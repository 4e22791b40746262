// Package api exposes the engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/habitmind/habitmind/internal/core"
	"github.com/habitmind/habitmind/internal/ingest"
	"github.com/habitmind/habitmind/internal/ledger"
	"github.com/habitmind/habitmind/internal/logging"
	"github.com/habitmind/habitmind/internal/notify"
	"github.com/habitmind/habitmind/internal/policy"
	"github.com/habitmind/habitmind/internal/reminders"
	"github.com/habitmind/habitmind/internal/routines"
	"github.com/habitmind/habitmind/internal/storage"
)

const defaultListLimit = 50

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server

	// Components
	coordinator    *ingest.Coordinator
	pipeline       *reminders.Pipeline
	routineLearner *routines.Learner
	notifications  *notify.Service
	ledgerStore    *ledger.Store
	policies       *policy.Provider
	wsHub          *WebSocketHub

	// Stores
	eventStore      *storage.EventStore
	reminderStore   *storage.ReminderStore
	routineStore    *storage.RoutineStore
	preferenceStore *storage.PreferenceStore

	clock core.Clock
	log   *logging.Logger
}

// Config for the server
type Config struct {
	Host           string
	Port           int
	DB             *storage.DB
	Coordinator    *ingest.Coordinator
	Pipeline       *reminders.Pipeline
	RoutineLearner *routines.Learner
	Notifications  *notify.Service
	LedgerStore    *ledger.Store
	Policies       *policy.Provider
	Clock          core.Clock
}

// New creates the API server. The websocket hub subscribes to the
// notification service so persisted notifications are pushed live.
func New(cfg Config) *Server {
	clock := cfg.Clock
	if clock == nil {
		clock = core.SystemClock{}
	}

	s := &Server{
		coordinator:     cfg.Coordinator,
		pipeline:        cfg.Pipeline,
		routineLearner:  cfg.RoutineLearner,
		notifications:   cfg.Notifications,
		ledgerStore:     cfg.LedgerStore,
		policies:        cfg.Policies,
		eventStore:      storage.NewEventStore(cfg.DB),
		reminderStore:   storage.NewReminderStore(cfg.DB),
		routineStore:    storage.NewRoutineStore(cfg.DB),
		preferenceStore: storage.NewPreferenceStore(cfg.DB),
		wsHub:           NewWebSocketHub(),
		clock:           clock,
		log:             logging.WithField("component", "api"),
	}

	if s.notifications != nil {
		s.notifications.Subscribe(s.wsHub)
	}

	s.setupRouter()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRouter configures all routes
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Route("/api/v1", func(r chi.Router) {
		// Events
		r.Post("/events", s.handleIngestEvent)
		r.Get("/people/{personID}/events", s.handleListEvents)

		// Reminders
		r.Get("/people/{personID}/reminders", s.handleListReminders)
		r.Get("/reminders/{reminderID}", s.handleGetReminder)
		r.Post("/reminders/{reminderID}/evaluate", s.handleEvaluateReminder)
		r.Post("/reminders/{reminderID}/feedback", s.handleReminderFeedback)

		// Routines
		r.Get("/people/{personID}/routines", s.handleListRoutines)
		r.Get("/routines/{routineID}/reminders", s.handleListRoutineReminders)
		r.Post("/routine-reminders/{reminderID}/feedback", s.handleRoutineFeedback)

		// Preferences
		r.Get("/people/{personID}/preferences", s.handleGetPreferences)
		r.Put("/people/{personID}/preferences", s.handleUpdatePreferences)

		// Notifications (if service configured)
		if s.notifications != nil {
			r.Get("/people/{personID}/notifications", s.handleListNotifications)
			r.Post("/notifications/{notificationID}/read", s.handleMarkNotificationRead)
		}

		// Execution history (read-only, if store configured)
		if s.ledgerStore != nil {
			r.Get("/history", s.handleQueryHistory)
			r.Get("/history/verify", s.handleVerifyHistory)
			r.Get("/reminders/{reminderID}/history", s.handleReminderHistory)
		}

		// Settings
		r.Get("/settings", s.handleGetSettings)

		// Health
		r.Get("/health", s.handleHealth)
	})

	// WebSocket
	r.Get("/ws", s.handleWebSocket)

	s.router = r
}

// Start starts the HTTP server
func (s *Server) Start() error {
	go s.wsHub.Run()
	s.log.Info("API server listening on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.wsHub.Stop()
	return s.httpServer.Shutdown(ctx)
}

// Broadcast sends a message to all WebSocket clients
func (s *Server) Broadcast(msgType string, data interface{}) {
	s.wsHub.Broadcast(WebSocketMessage{
		Type:      msgType,
		Data:      data,
		Timestamp: s.clock.Now(),
	})
}

// --- Response helpers ---

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

// respondStoreError maps domain errors onto HTTP statuses
func (s *Server) respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrMissingRequired),
		errors.Is(err, core.ErrInvalidInput),
		errors.Is(err, core.ErrInvalidOccurrence),
		errors.Is(err, core.ErrConfidenceRange):
		s.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, core.ErrEventNotFound),
		errors.Is(err, core.ErrReminderNotFound),
		errors.Is(err, core.ErrRoutineNotFound),
		errors.Is(err, core.ErrPreferencesNotFound):
		s.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, core.ErrConflict):
		s.respondError(w, http.StatusConflict, err.Error())
	default:
		s.respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func queryLimit(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return defaultListLimit
}

// --- Event handlers ---

func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	var req ingest.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	resp, err := s.coordinator.IngestEvent(r.Context(), req)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}

	s.Broadcast("event.ingested", resp)
	s.respondJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	personID := core.PersonID(chi.URLParam(r, "personID"))
	events, err := s.eventStore.ListByPerson(r.Context(), personID, queryLimit(r))
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, events)
}

// --- Reminder handlers ---

func (s *Server) handleListReminders(w http.ResponseWriter, r *http.Request) {
	personID := core.PersonID(chi.URLParam(r, "personID"))

	var list []*core.ReminderCandidate
	var err error
	if r.URL.Query().Get("status") == string(core.StatusScheduled) {
		list, err = s.reminderStore.ListScheduled(r.Context(), personID)
	} else {
		list, err = s.reminderStore.ListByPerson(r.Context(), personID, queryLimit(r))
	}
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetReminder(w http.ResponseWriter, r *http.Request) {
	id := core.ReminderID(chi.URLParam(r, "reminderID"))
	reminder, err := s.reminderStore.Get(r.Context(), id)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, reminder)
}

// handleEvaluateReminder runs one candidate through the execution pipeline.
// The caller supplies current sensor readings and may bypass the due check.
func (s *Server) handleEvaluateReminder(w http.ResponseWriter, r *http.Request) {
	id := core.ReminderID(chi.URLParam(r, "reminderID"))

	var input struct {
		SignalStates    map[string]string `json:"signalStates"`
		BypassDateCheck bool              `json:"bypassDateCheck"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
			s.respondError(w, http.StatusBadRequest, "Invalid JSON")
			return
		}
	}

	reminder, err := s.reminderStore.Get(r.Context(), id)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}

	decision, err := s.pipeline.Process(r.Context(), reminder, input.SignalStates, input.BypassDateCheck)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	if decision == nil {
		s.respondJSON(w, http.StatusOK, map[string]interface{}{"processed": false})
		return
	}

	s.Broadcast("reminder.processed", map[string]interface{}{
		"reminderId": id,
		"decision":   decision,
	})
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"processed": true,
		"decision":  decision,
	})
}

// handleReminderFeedback applies explicit confidence feedback directly to a
// candidate, outside the event ingestion path
func (s *Server) handleReminderFeedback(w http.ResponseWriter, r *http.Request) {
	id := core.ReminderID(chi.URLParam(r, "reminderID"))

	var input struct {
		Action core.ProbabilityAction `json:"action"`
		Value  float64                `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if input.Action != core.ProbabilityIncrease && input.Action != core.ProbabilityDecrease {
		s.respondError(w, http.StatusBadRequest, "action must be increase or decrease")
		return
	}
	if input.Value < 0 {
		s.respondError(w, http.StatusBadRequest, "value must be non-negative")
		return
	}

	reminder, err := s.reminderStore.Get(r.Context(), id)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}

	prevUpdated := reminder.UpdatedAtUTC
	reminder.UpdateConfidence(input.Value, input.Action)
	reminder.UpdatedAtUTC = s.clock.Now()

	if err := s.reminderStore.Update(r.Context(), reminder, prevUpdated); err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, reminder)
}

// --- Routine handlers ---

func (s *Server) handleListRoutines(w http.ResponseWriter, r *http.Request) {
	personID := core.PersonID(chi.URLParam(r, "personID"))
	list, err := s.routineStore.ListByPerson(r.Context(), personID)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, list)
}

func (s *Server) handleListRoutineReminders(w http.ResponseWriter, r *http.Request) {
	routineID := core.RoutineID(chi.URLParam(r, "routineID"))
	list, err := s.routineStore.ListReminders(r.Context(), routineID)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, list)
}

func (s *Server) handleRoutineFeedback(w http.ResponseWriter, r *http.Request) {
	id := core.RoutineReminderID(chi.URLParam(r, "reminderID"))

	var input struct {
		Action core.ProbabilityAction `json:"action"`
		Value  float64                `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if input.Action != core.ProbabilityIncrease && input.Action != core.ProbabilityDecrease {
		s.respondError(w, http.StatusBadRequest, "action must be increase or decrease")
		return
	}

	reminder, err := s.routineLearner.HandleFeedback(r.Context(), id, input.Action, input.Value)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, reminder)
}

// --- Preference handlers ---

func (s *Server) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	personID := core.PersonID(chi.URLParam(r, "personID"))
	prefs, err := s.preferenceStore.Get(r.Context(), personID)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, prefs)
}

func (s *Server) handleUpdatePreferences(w http.ResponseWriter, r *http.Request) {
	personID := core.PersonID(chi.URLParam(r, "personID"))

	var input struct {
		DefaultStyle           core.ReminderStyle `json:"default_style"`
		DailyLimit             int                `json:"daily_limit"`
		MinimumIntervalMinutes int                `json:"minimum_interval_minutes"`
		Enabled                *bool              `json:"enabled"`
		AllowAutoExecute       bool               `json:"allow_auto_execute"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	switch input.DefaultStyle {
	case "":
		input.DefaultStyle = core.StyleAsk
	case core.StyleAsk, core.StyleSuggest, core.StyleSilent:
	default:
		s.respondError(w, http.StatusBadRequest, "unknown default_style")
		return
	}
	if input.DailyLimit < 0 || input.MinimumIntervalMinutes < 0 {
		s.respondError(w, http.StatusBadRequest, "limits must be non-negative")
		return
	}

	enabled := true
	if input.Enabled != nil {
		enabled = *input.Enabled
	}

	prefs := &core.UserReminderPreferences{
		PersonID:         personID,
		DefaultStyle:     input.DefaultStyle,
		DailyLimit:       input.DailyLimit,
		MinimumInterval:  time.Duration(input.MinimumIntervalMinutes) * time.Minute,
		Enabled:          enabled,
		AllowAutoExecute: input.AllowAutoExecute,
	}

	if err := s.preferenceStore.Upsert(r.Context(), prefs, s.clock.Now()); err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, prefs)
}

// --- Notification handlers ---

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	personID := core.PersonID(chi.URLParam(r, "personID"))
	list, err := s.notifications.ListByPerson(r.Context(), personID, queryLimit(r))
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, list)
}

func (s *Server) handleMarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "notificationID")
	if err := s.notifications.MarkRead(r.Context(), id); err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "read"})
}

// --- History handlers ---

func (s *Server) handleQueryHistory(w http.ResponseWriter, r *http.Request) {
	opts := ledger.QueryOptions{
		Endpoint:   r.URL.Query().Get("endpoint"),
		PersonID:   core.PersonID(r.URL.Query().Get("person")),
		ReminderID: core.ReminderID(r.URL.Query().Get("reminder")),
		EventID:    core.EventID(r.URL.Query().Get("event")),
		Limit:      queryLimit(r),
	}
	entries, err := s.ledgerStore.Query(opts)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, entries)
}

func (s *Server) handleVerifyHistory(w http.ResponseWriter, r *http.Request) {
	if err := s.ledgerStore.VerifyChain(); err != nil {
		s.respondJSON(w, http.StatusConflict, map[string]interface{}{
			"valid": false,
			"error": err.Error(),
		})
		return
	}
	count, _ := s.ledgerStore.Count()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"valid":   true,
		"entries": count,
	})
}

func (s *Server) handleReminderHistory(w http.ResponseWriter, r *http.Request) {
	id := core.ReminderID(chi.URLParam(r, "reminderID"))
	entries, err := s.ledgerStore.ReminderHistory(id)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, entries)
}

// --- Settings / health ---

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.policies.Load(r.Context())
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, settings)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   s.clock.Now().UTC(),
	})
}
