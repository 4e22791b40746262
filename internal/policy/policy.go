// Package policy reads engine tunables from the configuration store and
// caches them with a short TTL so hot paths avoid repeated queries.
package policy

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/habitmind/habitmind/internal/core"
	"github.com/habitmind/habitmind/internal/storage"
)

// Config categories
const (
	CategoryPolicy           = "Policy"
	CategoryMatching         = "MatchingPolicy"
	CategoryInterruptionCost = "InterruptionCost"
)

// Policy keys
const (
	KeyMinimumOccurrences             = "MinimumOccurrences"
	KeyMinimumConfidence              = "MinimumConfidence"
	KeyDefaultReminderConfidence      = "DefaultReminderConfidence"
	KeyConfidenceStepValue            = "ConfidenceStepValue"
	KeyMinimumProbabilityForExecution = "MinimumProbabilityForExecution"
	KeyReminderMatchTimeOffsetMinutes = "ReminderMatchTimeOffsetMinutes"
	KeyMaxInterruptionCost            = "MaxInterruptionCost"
	KeyMinDailyEvidence               = "MinDailyEvidence"
	KeyMinWeeklyEvidence              = "MinWeeklyEvidence"
	KeySignalSelectionLimit           = "SignalSelectionLimit"
	KeySignalSimilarityThreshold      = "SignalSimilarityThreshold"
	KeySignalProfileUpdateAlpha       = "SignalProfileUpdateAlpha"
	KeyObservationWindowMinutes       = "Routine:ObservationWindowMinutes"
	KeyCooldownHours                  = "CooldownHours"
	KeySignalSelectionEnabled         = "SignalSelectionEnabled"
	KeyStoreEventSignalSnapshot       = "StoreEventSignalSnapshot"
	KeySignalMismatchPenalty          = "SignalMismatchPenalty"
)

// Matching keys
const (
	KeyMatchByActionType    = "MatchByActionType"
	KeyMatchByDayType       = "MatchByDayType"
	KeyMatchByPeoplePresent = "MatchByPeoplePresent"
	KeyMatchByStateSignals  = "MatchByStateSignals"
	KeyMatchByTimeBucket    = "MatchByTimeBucket"
	KeyMatchByLocation      = "MatchByLocation"
	KeyTimeOffsetMinutes    = "TimeOffsetMinutes"
)

// MatchingSettings selects which criteria the matching engine enforces
type MatchingSettings struct {
	MatchByActionType    bool
	MatchByDayType       bool
	MatchByPeoplePresent bool
	MatchByStateSignals  bool
	MatchByTimeBucket    bool
	MatchByLocation      bool
	TimeOffsetMinutes    int
}

// Settings is one coherent snapshot of the engine tunables
type Settings struct {
	MinimumOccurrences             int
	MinimumConfidence              float64
	DefaultReminderConfidence      float64
	ConfidenceStepValue            float64
	MinimumProbabilityForExecution float64
	ReminderMatchTimeOffsetMinutes int
	MaxInterruptionCost            float64
	MinDailyEvidence               int
	MinWeeklyEvidence              int
	SignalSelectionLimit           int
	SignalSimilarityThreshold      float64
	SignalProfileUpdateAlpha       float64
	ObservationWindowMinutes       int
	CooldownHours                  int
	SignalSelectionEnabled         bool
	StoreEventSignalSnapshot       bool
	SignalMismatchPenalty          float64

	Matching MatchingSettings

	// InterruptionCosts maps blocking state signals to their cost
	// contribution when valued "true"
	InterruptionCosts map[string]float64
}

// Defaults returns the built-in settings used when no config row overrides
// them
func Defaults() Settings {
	return Settings{
		MinimumOccurrences:             3,
		MinimumConfidence:              0.4,
		DefaultReminderConfidence:      0.5,
		ConfidenceStepValue:            0.1,
		MinimumProbabilityForExecution: 0.7,
		ReminderMatchTimeOffsetMinutes: 30,
		MaxInterruptionCost:            0.7,
		MinDailyEvidence:               3,
		MinWeeklyEvidence:              3,
		SignalSelectionLimit:           10,
		SignalSimilarityThreshold:      0.70,
		SignalProfileUpdateAlpha:       0.10,
		ObservationWindowMinutes:       60,
		CooldownHours:                  6,
		SignalSelectionEnabled:         true,
		StoreEventSignalSnapshot:       true,
		SignalMismatchPenalty:          0.0,
		Matching: MatchingSettings{
			MatchByActionType:    true,
			MatchByDayType:       true,
			MatchByPeoplePresent: true,
			MatchByStateSignals:  true,
			MatchByTimeBucket:    false,
			MatchByLocation:      false,
			TimeOffsetMinutes:    45,
		},
		InterruptionCosts: map[string]float64{
			"in_call":        0.5,
			"calendar_busy":  0.3,
			"sleeping":       0.6,
			"driving":        0.4,
			"do_not_disturb": 0.5,
		},
	}
}

// DefaultTTL bounds how stale a cached snapshot may get
const DefaultTTL = 30 * time.Second

// Provider serves cached settings snapshots backed by the config store
type Provider struct {
	store *storage.ConfigStore
	ttl   time.Duration
	clock core.Clock

	mu        sync.Mutex
	cached    *Settings
	fetchedAt time.Time
}

// NewProvider creates a provider with the default TTL
func NewProvider(store *storage.ConfigStore, clock core.Clock) *Provider {
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &Provider{store: store, ttl: DefaultTTL, clock: clock}
}

// WithTTL overrides the cache TTL
func (p *Provider) WithTTL(ttl time.Duration) *Provider {
	if ttl > 0 {
		p.ttl = ttl
	}
	return p
}

// Load returns the current settings, refreshing the cache when stale
func (p *Provider) Load(ctx context.Context) (Settings, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	if p.cached != nil && now.Sub(p.fetchedAt) < p.ttl {
		return *p.cached, nil
	}

	s, err := p.fetch(ctx)
	if err != nil {
		// Serve the stale snapshot rather than failing the caller
		if p.cached != nil {
			return *p.cached, nil
		}
		return Settings{}, err
	}
	p.cached = &s
	p.fetchedAt = now
	return s, nil
}

// Invalidate forces the next Load to hit the store
func (p *Provider) Invalidate() {
	p.mu.Lock()
	p.cached = nil
	p.mu.Unlock()
}

func (p *Provider) fetch(ctx context.Context) (Settings, error) {
	s := Defaults()

	intKeys := map[string]*int{
		KeyMinimumOccurrences:             &s.MinimumOccurrences,
		KeyReminderMatchTimeOffsetMinutes: &s.ReminderMatchTimeOffsetMinutes,
		KeyMinDailyEvidence:               &s.MinDailyEvidence,
		KeyMinWeeklyEvidence:              &s.MinWeeklyEvidence,
		KeySignalSelectionLimit:           &s.SignalSelectionLimit,
		KeyObservationWindowMinutes:       &s.ObservationWindowMinutes,
		KeyCooldownHours:                  &s.CooldownHours,
	}
	floatKeys := map[string]*float64{
		KeyMinimumConfidence:              &s.MinimumConfidence,
		KeyDefaultReminderConfidence:      &s.DefaultReminderConfidence,
		KeyConfidenceStepValue:            &s.ConfidenceStepValue,
		KeyMinimumProbabilityForExecution: &s.MinimumProbabilityForExecution,
		KeyMaxInterruptionCost:            &s.MaxInterruptionCost,
		KeySignalSimilarityThreshold:      &s.SignalSimilarityThreshold,
		KeySignalProfileUpdateAlpha:       &s.SignalProfileUpdateAlpha,
		KeySignalMismatchPenalty:          &s.SignalMismatchPenalty,
	}
	boolKeys := map[string]*bool{
		KeySignalSelectionEnabled:   &s.SignalSelectionEnabled,
		KeyStoreEventSignalSnapshot: &s.StoreEventSignalSnapshot,
	}

	for key, dst := range intKeys {
		raw, err := p.store.Get(ctx, key, CategoryPolicy)
		if errors.Is(err, core.ErrConfigNotFound) {
			continue
		}
		if err != nil {
			return Settings{}, err
		}
		if v, err := strconv.Atoi(raw); err == nil {
			*dst = v
		}
	}
	for key, dst := range floatKeys {
		raw, err := p.store.Get(ctx, key, CategoryPolicy)
		if errors.Is(err, core.ErrConfigNotFound) {
			continue
		}
		if err != nil {
			return Settings{}, err
		}
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			*dst = v
		}
	}

	for key, dst := range boolKeys {
		raw, err := p.store.Get(ctx, key, CategoryPolicy)
		if errors.Is(err, core.ErrConfigNotFound) {
			continue
		}
		if err != nil {
			return Settings{}, err
		}
		if v, err := strconv.ParseBool(raw); err == nil {
			*dst = v
		}
	}

	matchBoolKeys := map[string]*bool{
		KeyMatchByActionType:    &s.Matching.MatchByActionType,
		KeyMatchByDayType:       &s.Matching.MatchByDayType,
		KeyMatchByPeoplePresent: &s.Matching.MatchByPeoplePresent,
		KeyMatchByStateSignals:  &s.Matching.MatchByStateSignals,
		KeyMatchByTimeBucket:    &s.Matching.MatchByTimeBucket,
		KeyMatchByLocation:      &s.Matching.MatchByLocation,
	}
	for key, dst := range matchBoolKeys {
		raw, err := p.store.Get(ctx, key, CategoryMatching)
		if errors.Is(err, core.ErrConfigNotFound) {
			continue
		}
		if err != nil {
			return Settings{}, err
		}
		if v, err := strconv.ParseBool(raw); err == nil {
			*dst = v
		}
	}
	if raw, err := p.store.Get(ctx, KeyTimeOffsetMinutes, CategoryMatching); err == nil {
		if v, err := strconv.Atoi(raw); err == nil {
			s.Matching.TimeOffsetMinutes = v
		}
	} else if !errors.Is(err, core.ErrConfigNotFound) {
		return Settings{}, err
	}

	entries, err := p.store.ListCategory(ctx, CategoryInterruptionCost)
	if err != nil {
		return Settings{}, err
	}
	for _, e := range entries {
		if v, err := strconv.ParseFloat(e.Value, 64); err == nil {
			s.InterruptionCosts[e.Key] = v
		}
	}

	return s, nil
}

// SeedDefaults writes the built-in defaults into the store without
// clobbering operator overrides. Called once at daemon start.
func SeedDefaults(ctx context.Context, store *storage.ConfigStore, now time.Time) error {
	d := Defaults()
	seeds := map[string]string{
		KeyMinimumOccurrences:             strconv.Itoa(d.MinimumOccurrences),
		KeyMinimumConfidence:              formatFloat(d.MinimumConfidence),
		KeyDefaultReminderConfidence:      formatFloat(d.DefaultReminderConfidence),
		KeyConfidenceStepValue:            formatFloat(d.ConfidenceStepValue),
		KeyMinimumProbabilityForExecution: formatFloat(d.MinimumProbabilityForExecution),
		KeyReminderMatchTimeOffsetMinutes: strconv.Itoa(d.ReminderMatchTimeOffsetMinutes),
		KeyMaxInterruptionCost:            formatFloat(d.MaxInterruptionCost),
		KeyMinDailyEvidence:               strconv.Itoa(d.MinDailyEvidence),
		KeyMinWeeklyEvidence:              strconv.Itoa(d.MinWeeklyEvidence),
		KeySignalSelectionLimit:           strconv.Itoa(d.SignalSelectionLimit),
		KeySignalSimilarityThreshold:      formatFloat(d.SignalSimilarityThreshold),
		KeySignalProfileUpdateAlpha:       formatFloat(d.SignalProfileUpdateAlpha),
		KeyObservationWindowMinutes:       strconv.Itoa(d.ObservationWindowMinutes),
		KeyCooldownHours:                  strconv.Itoa(d.CooldownHours),
		KeySignalSelectionEnabled:         strconv.FormatBool(d.SignalSelectionEnabled),
		KeyStoreEventSignalSnapshot:       strconv.FormatBool(d.StoreEventSignalSnapshot),
		KeySignalMismatchPenalty:          formatFloat(d.SignalMismatchPenalty),
	}
	for key, value := range seeds {
		if err := store.SetDefault(ctx, key, CategoryPolicy, value, now); err != nil {
			return err
		}
	}

	matchSeeds := map[string]string{
		KeyMatchByActionType:    strconv.FormatBool(d.Matching.MatchByActionType),
		KeyMatchByDayType:       strconv.FormatBool(d.Matching.MatchByDayType),
		KeyMatchByPeoplePresent: strconv.FormatBool(d.Matching.MatchByPeoplePresent),
		KeyMatchByStateSignals:  strconv.FormatBool(d.Matching.MatchByStateSignals),
		KeyMatchByTimeBucket:    strconv.FormatBool(d.Matching.MatchByTimeBucket),
		KeyMatchByLocation:      strconv.FormatBool(d.Matching.MatchByLocation),
		KeyTimeOffsetMinutes:    strconv.Itoa(d.Matching.TimeOffsetMinutes),
	}
	for key, value := range matchSeeds {
		if err := store.SetDefault(ctx, key, CategoryMatching, value, now); err != nil {
			return err
		}
	}
	for signal, cost := range d.InterruptionCosts {
		if err := store.SetDefault(ctx, signal, CategoryInterruptionCost, formatFloat(cost), now); err != nil {
			return err
		}
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
