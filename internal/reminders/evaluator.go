package reminders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/habitmind/habitmind/internal/core"
	"github.com/habitmind/habitmind/internal/llm"
	"github.com/habitmind/habitmind/internal/logging"
	"github.com/habitmind/habitmind/internal/policy"
	"github.com/habitmind/habitmind/internal/storage"
)

// Evaluator decides whether a due reminder candidate should speak. Each
// check short-circuits with a recorded reason, so every decision explains
// itself.
type Evaluator struct {
	reminders   *storage.ReminderStore
	transitions *storage.TransitionStore
	cooldowns   *storage.CooldownStore
	preferences *storage.PreferenceStore
	policies    *policy.Provider
	phraser     *llm.Client
	clock       core.Clock
	log         *logging.Logger
}

// NewEvaluator wires the reminder evaluator. A nil phraser falls back to
// template phrases.
func NewEvaluator(
	reminders *storage.ReminderStore,
	transitions *storage.TransitionStore,
	cooldowns *storage.CooldownStore,
	preferences *storage.PreferenceStore,
	policies *policy.Provider,
	phraser *llm.Client,
	clock core.Clock,
) *Evaluator {
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &Evaluator{
		reminders:   reminders,
		transitions: transitions,
		cooldowns:   cooldowns,
		preferences: preferences,
		policies:    policies,
		phraser:     phraser,
		clock:       clock,
		log:         logging.WithField("component", "reminder_evaluator"),
	}
}

// Evaluate runs the suppression checks against a candidate. signalStates
// carries the current sensor readings; blocking signals valued "true"
// contribute their configured interruption cost.
func (e *Evaluator) Evaluate(ctx context.Context, r *core.ReminderCandidate, signalStates map[string]string) (core.ReminderDecision, error) {
	now := e.clock.Now()

	settings, err := e.policies.Load(ctx)
	if err != nil {
		return core.ReminderDecision{}, err
	}

	prefs, err := e.preferences.Get(ctx, r.PersonID)
	if errors.Is(err, core.ErrPreferencesNotFound) {
		return skip("User preferences disabled"), nil
	}
	if err != nil {
		return core.ReminderDecision{}, err
	}
	if !prefs.Enabled {
		return skip("User preferences disabled"), nil
	}

	if r.Style == core.StyleSilent {
		return skip("Silent reminder, learning only"), nil
	}

	cooldown, err := e.cooldowns.ActiveUntil(ctx, r.PersonID, r.SuggestedAction, now)
	if err != nil {
		return core.ReminderDecision{}, err
	}
	if cooldown != nil {
		return skip(fmt.Sprintf("Cooldown active until %s", cooldown.SuppressedUntilUTC.Format(time.RFC3339))), nil
	}

	// A daily limit of zero suppresses unconditionally
	dayStart := now.UTC().Truncate(24 * time.Hour)
	executed, err := e.reminders.CountExecutedBetween(ctx, r.PersonID, dayStart, dayStart.Add(24*time.Hour))
	if err != nil {
		return core.ReminderDecision{}, err
	}
	if executed >= prefs.DailyLimit {
		return skip(fmt.Sprintf("Daily limit of %d reminders reached", prefs.DailyLimit)), nil
	}

	if prefs.MinimumInterval > 0 {
		last, err := e.reminders.LastExecutedAt(ctx, r.PersonID)
		if err != nil {
			return core.ReminderDecision{}, err
		}
		if last != nil && now.Sub(*last) < prefs.MinimumInterval {
			return skip(fmt.Sprintf("Minimum interval of %s since last reminder not elapsed", prefs.MinimumInterval)), nil
		}
	}

	cost := interruptionCost(signalStates, settings.InterruptionCosts)
	if cost > settings.MaxInterruptionCost {
		return skip(fmt.Sprintf("Interruption cost %.2f exceeds maximum %.2f", cost, settings.MaxInterruptionCost)), nil
	}

	decision := core.ReminderDecision{
		ShouldSpeak:     true,
		Reason:          "All checks passed",
		ConfidenceLevel: e.confidenceLevel(ctx, r),
	}
	e.phrase(ctx, r, &decision)
	return decision, nil
}

func skip(reason string) core.ReminderDecision {
	return core.ReminderDecision{ShouldSpeak: false, Reason: reason}
}

// interruptionCost sums the configured costs of blocking signals currently
// valued "true", clamped to [0,1]
func interruptionCost(signalStates map[string]string, costs map[string]float64) float64 {
	total := 0.0
	for signal, cost := range costs {
		if signalStates[signal] == "true" {
			total += cost
		}
	}
	return core.Clamp01(total)
}

// confidenceLevel reports how sure the engine is about the habit behind the
// reminder. Transition-backed reminders use the learned transition
// confidence; anything else gets a moderate default.
func (e *Evaluator) confidenceLevel(ctx context.Context, r *core.ReminderCandidate) float64 {
	if r.TransitionID != "" {
		tr, err := e.transitions.Get(ctx, r.TransitionID)
		if err == nil {
			return tr.Confidence
		}
		if !errors.Is(err, core.ErrTransitionNotFound) {
			e.log.Warn("transition lookup failed for reminder %s: %v", r.ID, err)
		}
	}
	return 0.7
}

// phrase fills in the spoken text, preferring the language model and falling
// back to a fixed template when it is unavailable
func (e *Evaluator) phrase(ctx context.Context, r *core.ReminderCandidate, decision *core.ReminderDecision) {
	prompt := fmt.Sprintf("Write one short, friendly reminder nudging the person toward %q.", r.SuggestedAction)
	if r.Occurrence != "" {
		prompt += fmt.Sprintf(" They usually do this %s.", r.Occurrence)
	}

	if e.phraser != nil && e.phraser.IsConfigured() {
		text, err := e.phraser.Phrase(ctx, prompt)
		if err == nil && text != "" {
			decision.NaturalLanguagePhrase = text
			return
		}
		e.log.Warn("phrasing failed for reminder %s: %v", r.ID, err)
	}

	decision.SpeechTemplateKey = "reminder.default"
	decision.NaturalLanguagePhrase = fmt.Sprintf("Time to %s?", r.SuggestedAction)
}
