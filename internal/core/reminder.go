package core

import "time"

// IncreaseConfidence raises confidence by step, clamped to [0,1]
func (r *ReminderCandidate) IncreaseConfidence(step float64) {
	r.Confidence = Clamp01(r.Confidence + step)
}

// UpdateConfidence applies explicit feedback carried on an event
func (r *ReminderCandidate) UpdateConfidence(value float64, action ProbabilityAction) {
	switch action {
	case ProbabilityIncrease:
		r.Confidence = Clamp01(r.Confidence + value)
	case ProbabilityDecrease:
		r.Confidence = Clamp01(r.Confidence - value)
	}
}

// MergeCustomData copies state pairs into the reminder's conditions
func (r *ReminderCandidate) MergeCustomData(data map[string]string) {
	if len(data) == 0 {
		return
	}
	if r.CustomData == nil {
		r.CustomData = make(map[string]string, len(data))
	}
	for k, v := range data {
		r.CustomData[k] = v
	}
}

// MarkExecuted moves Scheduled→Executed and attaches the decision
func (r *ReminderCandidate) MarkExecuted(decision ReminderDecision, now time.Time) error {
	if r.Status != StatusScheduled {
		return ErrInvalidTransition
	}
	r.Status = StatusExecuted
	d := decision
	r.Decision = &d
	t := now
	r.ExecutedAtUTC = &t
	return nil
}

// MarkSkipped moves Scheduled→Skipped and attaches the decision
func (r *ReminderCandidate) MarkSkipped(decision ReminderDecision) error {
	if r.Status != StatusScheduled {
		return ErrInvalidTransition
	}
	r.Status = StatusSkipped
	d := decision
	r.Decision = &d
	return nil
}

// MarkExpired moves Scheduled→Expired
func (r *ReminderCandidate) MarkExpired() error {
	if r.Status != StatusScheduled {
		return ErrInvalidTransition
	}
	r.Status = StatusExpired
	return nil
}

// RescheduleForNextOccurrence moves an Executed recurring reminder back to
// Scheduled with the next check time
func (r *ReminderCandidate) RescheduleForNextOccurrence(next time.Time) error {
	if r.Status != StatusExecuted {
		return ErrInvalidTransition
	}
	r.Status = StatusScheduled
	r.CheckAtUTC = next
	return nil
}
