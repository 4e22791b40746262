package reminders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/habitmind/habitmind/internal/core"
	"github.com/habitmind/habitmind/internal/ledger"
	"github.com/habitmind/habitmind/internal/logging"
	"github.com/habitmind/habitmind/internal/notify"
	"github.com/habitmind/habitmind/internal/policy"
	"github.com/habitmind/habitmind/internal/storage"
)

// skipsBeforeCooldown is how many skips within a day trigger a cooldown for
// the (person, action) pair
const skipsBeforeCooldown = 2

// Pipeline drives a due reminder candidate through evaluation, execution or
// skipping, rescheduling, notification, and history recording.
type Pipeline struct {
	reminders *storage.ReminderStore
	cooldowns *storage.CooldownStore
	policies  *policy.Provider
	evaluator *Evaluator
	notifier  *notify.Service
	sink      *notify.Sink
	history   *ledger.Recorder
	clock     core.Clock
	log       *logging.Logger
}

// NewPipeline wires the execution pipeline. notifier, sink, and history may
// be nil; the corresponding side effects are then dropped.
func NewPipeline(
	reminders *storage.ReminderStore,
	cooldowns *storage.CooldownStore,
	policies *policy.Provider,
	evaluator *Evaluator,
	notifier *notify.Service,
	sink *notify.Sink,
	history *ledger.Recorder,
	clock core.Clock,
) *Pipeline {
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &Pipeline{
		reminders: reminders,
		cooldowns: cooldowns,
		policies:  policies,
		evaluator: evaluator,
		notifier:  notifier,
		sink:      sink,
		history:   history,
		clock:     clock,
		log:       logging.WithField("component", "reminder_pipeline"),
	}
}

// Process evaluates one candidate and applies the outcome. Returns nil
// without acting when the candidate is not yet due or no longer scheduled,
// unless bypassDateCheck forces evaluation of a future check time.
// signalStates carries the current sensor readings.
func (p *Pipeline) Process(ctx context.Context, r *core.ReminderCandidate, signalStates map[string]string, bypassDateCheck bool) (*core.ReminderDecision, error) {
	if r.Status != core.StatusScheduled {
		return nil, nil
	}

	now := p.clock.Now()
	if !bypassDateCheck && r.CheckAtUTC.After(now) {
		return nil, nil
	}

	settings, err := p.policies.Load(ctx)
	if err != nil {
		return nil, err
	}

	// Transition-born candidates below the execution threshold stay
	// scheduled and wait for more evidence; an explicit bypass still
	// forces them through evaluation.
	autoExec := autoExecutes(r, settings)
	if !autoExec && !bypassDateCheck && !routineSourced(r) {
		return &core.ReminderDecision{
			ShouldSpeak:     false,
			Reason:          fmt.Sprintf("Confidence %.2f below execution threshold %.2f", r.Confidence, settings.MinimumProbabilityForExecution),
			ConfidenceLevel: r.Confidence,
		}, nil
	}

	decision, err := p.evaluator.Evaluate(ctx, r, signalStates)
	if err != nil {
		return nil, err
	}

	execute := decision.ShouldSpeak
	if !execute && autoExec {
		execute = true
		decision.Reason = fmt.Sprintf("Auto-executed silently (%s)", decision.Reason)
	}

	prevUpdated := r.UpdatedAtUTC
	if execute {
		err = p.execute(ctx, r, decision, now, prevUpdated)
	} else {
		err = p.skipAndMaybeCool(ctx, r, decision, now, prevUpdated, settings)
	}
	if err != nil {
		return nil, err
	}
	return &decision, nil
}

// autoExecutes reports whether the candidate may fire without speaking.
// Confidence must reach the execution threshold; the learned safety flag
// binds only candidates born inside a routine.
func autoExecutes(r *core.ReminderCandidate, settings policy.Settings) bool {
	if r.Confidence < settings.MinimumProbabilityForExecution {
		return false
	}
	return !routineSourced(r) || r.IsSafeToAutoExecute
}

// routineSourced reports whether the candidate came out of an
// intent-anchored routine. Scheduler candidates always carry the
// transition they were learned from.
func routineSourced(r *core.ReminderCandidate) bool {
	return r.TransitionID == ""
}

func (p *Pipeline) execute(ctx context.Context, r *core.ReminderCandidate, decision core.ReminderDecision, now time.Time, prevUpdated time.Time) error {
	if err := r.MarkExecuted(decision, now); err != nil {
		return err
	}

	// Recurring reminders go straight back to Scheduled for the next slot
	if occ, perr := ParseOccurrence(r.Occurrence); perr == nil {
		if err := r.RescheduleForNextOccurrence(occ.Next(now)); err != nil {
			return err
		}
	}

	r.UpdatedAtUTC = now
	if err := p.reminders.Update(ctx, r, prevUpdated); err != nil {
		return err
	}

	p.history.RecordReminderExecuted(r, decision)
	p.log.Info("reminder %s executed for %s: %s", r.ID, r.PersonID, decision.Reason)

	if decision.ShouldSpeak {
		p.announce(ctx, r, decision)
	}
	if p.sink != nil {
		p.sink.RecordSummary(ctx, fmt.Sprintf("%s was reminded to %s", r.PersonID, r.SuggestedAction))
	}
	return nil
}

func (p *Pipeline) announce(ctx context.Context, r *core.ReminderCandidate, decision core.ReminderDecision) {
	if p.notifier == nil {
		return
	}
	_, err := p.notifier.Create(ctx, notify.CreateRequest{
		PersonID: r.PersonID,
		Kind:     notify.KindReminder,
		Title:    r.SuggestedAction,
		Body:     decision.NaturalLanguagePhrase,
		Payload: map[string]string{
			"reminder_id": string(r.ID),
			"style":       string(r.Style),
		},
	})
	if err != nil {
		p.log.Warn("notification failed for reminder %s: %v", r.ID, err)
	}
}

func (p *Pipeline) skipAndMaybeCool(ctx context.Context, r *core.ReminderCandidate, decision core.ReminderDecision, now time.Time, prevUpdated time.Time, settings policy.Settings) error {
	if err := r.MarkSkipped(decision); err != nil {
		return err
	}
	r.UpdatedAtUTC = now
	if err := p.reminders.Update(ctx, r, prevUpdated); err != nil {
		return err
	}

	p.history.RecordReminderSkipped(r, decision)
	p.log.Debug("reminder %s skipped for %s: %s", r.ID, r.PersonID, decision.Reason)

	skips, err := p.reminders.CountSkippedSince(ctx, r.PersonID, r.SuggestedAction, now.Add(-24*time.Hour))
	if err != nil {
		return err
	}
	if skips < skipsBeforeCooldown {
		return nil
	}

	cooldown := &core.ReminderCooldown{
		PersonID:           r.PersonID,
		ActionType:         r.SuggestedAction,
		SuppressedUntilUTC: now.Add(time.Duration(settings.CooldownHours) * time.Hour),
		Reason:             fmt.Sprintf("%d skips within 24h", skips),
	}
	if err := p.cooldowns.Set(ctx, cooldown, now); err != nil {
		return err
	}
	p.log.Info("cooldown set for %s/%s until %s", r.PersonID, r.SuggestedAction, cooldown.SuppressedUntilUTC.Format(time.RFC3339))
	return nil
}

// ProcessDue evaluates every candidate whose check time has passed
func (p *Pipeline) ProcessDue(ctx context.Context, limit int) (int, error) {
	due, err := p.reminders.ListDue(ctx, p.clock.Now(), limit)
	if err != nil {
		return 0, err
	}
	processed := 0
	for _, r := range due {
		if _, err := p.Process(ctx, r, nil, false); err != nil {
			if errors.Is(err, core.ErrConflict) {
				continue // Another writer got there first; next sweep retries
			}
			return processed, err
		}
		processed++
	}
	return processed, nil
}

// ExpireOlderThan moves stale scheduled candidates to Expired
func (p *Pipeline) ExpireOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	stale, err := p.reminders.ListScheduledBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	now := p.clock.Now()
	expired := 0
	for _, r := range stale {
		prevUpdated := r.UpdatedAtUTC
		if err := r.MarkExpired(); err != nil {
			continue
		}
		r.UpdatedAtUTC = now
		if err := p.reminders.Update(ctx, r, prevUpdated); err != nil {
			if errors.Is(err, core.ErrConflict) {
				continue
			}
			return expired, err
		}
		p.history.RecordReminderExpired(r)
		expired++
	}
	return expired, nil
}
