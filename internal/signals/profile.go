package signals

import "github.com/habitmind/habitmind/internal/core"

// DefaultProfileAlpha is the EMA weight of a new event profile folded into
// a reminder's baseline
const DefaultProfileAlpha = 0.10

// dropWeight removes sensors whose weight has decayed to noise
const dropWeight = 0.01

// UpdateBaseline folds an event profile into a baseline by per-component
// EMA. New sensors are seeded at alpha·event; sensors absent from the event
// decay by (1-alpha) and are dropped once their weight falls below 0.01.
// The input baseline is not mutated.
func UpdateBaseline(baseline, event core.SignalProfile, alpha float64) core.SignalProfile {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultProfileAlpha
	}
	if len(baseline) == 0 {
		return event.Clone()
	}

	next := make(core.SignalProfile, len(baseline)+len(event))

	for k, b := range baseline {
		if e, ok := event[k]; ok {
			next[k] = core.SignalComponent{
				Weight: (1-alpha)*b.Weight + alpha*e.Weight,
				Value:  (1-alpha)*b.Value + alpha*e.Value,
			}
		} else {
			decayed := core.SignalComponent{
				Weight: (1 - alpha) * b.Weight,
				Value:  b.Value,
			}
			if decayed.Weight >= dropWeight {
				next[k] = decayed
			}
		}
	}

	for k, e := range event {
		if _, ok := baseline[k]; !ok {
			seeded := core.SignalComponent{
				Weight: alpha * e.Weight,
				Value:  e.Value,
			}
			if seeded.Weight >= dropWeight {
				next[k] = seeded
			}
		}
	}

	return next
}
