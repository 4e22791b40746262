package core

import "time"

// Default smoothing factors for transition learning
const (
	DefaultConfidenceAlpha = 0.1 // EMA pull toward 1 on each observation
	DefaultDelayBeta       = 0.2 // EMA weight of the newest delay sample
)

// Clamp01 clamps v to [0,1]
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// UpdateObservation folds one observed A→B occurrence into the transition.
// Confidence moves toward 1 by alpha; delay is an EMA with weight beta on
// the new sample. A negative delta is a caller bug and is rejected.
func (t *ActionTransition) UpdateObservation(delta time.Duration, alpha, beta float64, now time.Time) error {
	if delta < 0 {
		return ErrNegativeDelay
	}

	t.OccurrenceCount++
	t.Confidence = Clamp01(alpha*1.0 + (1.0-alpha)*t.Confidence)

	if t.AverageDelay == nil {
		d := delta
		t.AverageDelay = &d
	} else {
		d := time.Duration((1.0-beta)*float64(*t.AverageDelay) + beta*float64(delta))
		t.AverageDelay = &d
	}

	t.LastObservedUTC = now
	t.UpdatedAtUTC = now
	return nil
}

// ApplyDecay multiplies confidence by (1-rate). Used by the nightly sweep
// for transitions that have not been observed recently.
func (t *ActionTransition) ApplyDecay(rate float64) {
	t.Confidence = Clamp01(t.Confidence * (1.0 - rate))
}

// ReduceConfidence applies negative feedback: confidence shrinks by factor f
func (t *ActionTransition) ReduceConfidence(f float64) {
	t.Confidence = Clamp01(t.Confidence * (1.0 - f))
}
