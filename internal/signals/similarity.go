package signals

import (
	"math"

	"github.com/habitmind/habitmind/internal/core"
)

// DefaultSimilarityThreshold rejects matches below this cosine similarity
const DefaultSimilarityThreshold = 0.70

const normEpsilon = 1e-10

// Similarity is the weighted cosine similarity between two profiles over
// the union of their sensors. Each component is weight·value; a sensor
// missing from one side contributes 0 there. The result is clamped to
// [0,1]; an empty baseline or a near-zero norm yields 0.
func Similarity(baseline, event core.SignalProfile) float64 {
	if len(baseline) == 0 || len(event) == 0 {
		return 0
	}

	union := make(map[string]struct{}, len(baseline)+len(event))
	for k := range baseline {
		union[k] = struct{}{}
	}
	for k := range event {
		union[k] = struct{}{}
	}

	var dot, normB, normE float64
	for k := range union {
		var b, e float64
		if c, ok := baseline[k]; ok {
			b = c.Weight * c.Value
		}
		if c, ok := event[k]; ok {
			e = c.Weight * c.Value
		}
		dot += b * e
		normB += b * b
		normE += e * e
	}

	normB = math.Sqrt(normB)
	normE = math.Sqrt(normE)
	if normB < normEpsilon || normE < normEpsilon {
		return 0
	}
	return core.Clamp01(dot / (normB * normE))
}

func sqrt(v float64) float64 {
	return math.Sqrt(v)
}
