package core

import "time"

// IsObservationWindowOpen reports whether the routine is currently watching
// for follower actions at the given instant. The window is half-open:
// [start, end).
func (r *Routine) IsObservationWindowOpen(now time.Time) bool {
	if r.ObservationWindowStart == nil || r.ObservationWindowEndsAt == nil {
		return false
	}
	return !now.Before(*r.ObservationWindowStart) && now.Before(*r.ObservationWindowEndsAt)
}

// OpenObservationWindow starts a new observation window at ts. The caller is
// responsible for closing every other open window of the same person first.
func (r *Routine) OpenObservationWindow(ts time.Time, minutes int, timeContextBucket string) {
	start := ts
	end := ts.Add(time.Duration(minutes) * time.Minute)
	r.ObservationWindowStart = &start
	r.ObservationWindowEndsAt = &end
	r.ActiveTimeContextBucket = timeContextBucket
	r.LastIntentOccurredAtUTC = &start
}

// CloseObservationWindow clears the window and its context bucket
func (r *Routine) CloseObservationWindow() {
	r.ObservationWindowStart = nil
	r.ObservationWindowEndsAt = nil
	r.ActiveTimeContextBucket = ""
}

// IncreaseConfidence raises the routine reminder's confidence by step,
// clamped to [0,1]
func (rr *RoutineReminder) IncreaseConfidence(step float64) {
	rr.Confidence = Clamp01(rr.Confidence + step)
}

// ApplyFeedback moves confidence by value in the given direction, clamped
func (rr *RoutineReminder) ApplyFeedback(action ProbabilityAction, value float64) {
	switch action {
	case ProbabilityIncrease:
		rr.Confidence = Clamp01(rr.Confidence + value)
	case ProbabilityDecrease:
		rr.Confidence = Clamp01(rr.Confidence - value)
	}
}

// RecordObservation notes that the suggested action was seen inside a window
func (rr *RoutineReminder) RecordObservation(ts time.Time) {
	rr.ObservationCount++
	t := ts
	rr.LastObservedAtUTC = &t
}

// MergeCustomData copies the given state pairs into the reminder's
// conditions, overwriting existing keys
func (rr *RoutineReminder) MergeCustomData(data map[string]string) {
	if len(data) == 0 {
		return
	}
	if rr.CustomData == nil {
		rr.CustomData = make(map[string]string, len(data))
	}
	for k, v := range data {
		rr.CustomData[k] = v
	}
}

// AppendPrompt attaches a user-supplied hint to the reminder
func (rr *RoutineReminder) AppendPrompt(text string, ts time.Time) {
	if text == "" {
		return
	}
	rr.UserPrompts = append(rr.UserPrompts, UserPrompt{Text: text, TimestampUTC: ts})
}
