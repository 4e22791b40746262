// Package signals normalizes raw sensor readings into weighted profiles and
// compares them by cosine similarity.
package signals

import (
	"sort"
	"strconv"
	"strings"

	"github.com/habitmind/habitmind/internal/core"
)

// DefaultSelectionLimit caps how many sensors survive into a profile
const DefaultSelectionLimit = 10

// defaultTypeImportance weights sensor types by how much they say about
// what the person is doing right now
var defaultTypeImportance = map[string]float64{
	"presence":    1.0,
	"motion":      0.8,
	"door":        0.7,
	"audio":       0.6,
	"window":      0.5,
	"light":       0.3,
	"temperature": 0.2,
	"humidity":    0.1,
}

const unknownTypeImportance = 0.5

// defaultNumericRanges are (min, max) clip ranges per sensor type
var defaultNumericRanges = map[string][2]float64{
	"temperature": {-10, 40},
	"humidity":    {0, 100},
	"light":       {0, 100},
	"audio":       {0, 100},
}

// defaultEnumValues maps well-known string readings to normalized values
var defaultEnumValues = map[string]float64{
	"home":    1.0,
	"away":    0.0,
	"open":    1.0,
	"closed":  0.0,
	"playing": 1.0,
	"paused":  0.5,
	"stopped": 0.0,
	"bright":  1.0,
	"dim":     0.5,
	"dark":    0.0,
}

const fallbackValue = 0.5

// Selector turns raw sensor state maps into top-K, L2-weighted profiles
type Selector struct {
	limit          int
	importance     map[string]float64    // Per-type overrides
	numericRanges  map[string][2]float64 // Per-type overrides
	enumValues     map[string]float64    // Reading overrides
}

// SelectorOption customizes a Selector
type SelectorOption func(*Selector)

// WithLimit overrides the top-K selection limit
func WithLimit(limit int) SelectorOption {
	return func(s *Selector) {
		if limit > 0 {
			s.limit = limit
		}
	}
}

// WithTypeImportance overrides the importance of a sensor type
func WithTypeImportance(sensorType string, importance float64) SelectorOption {
	return func(s *Selector) {
		s.importance[sensorType] = core.Clamp01(importance)
	}
}

// WithNumericRange overrides the clip range for a sensor type
func WithNumericRange(sensorType string, min, max float64) SelectorOption {
	return func(s *Selector) {
		if max > min {
			s.numericRanges[sensorType] = [2]float64{min, max}
		}
	}
}

// NewSelector creates a selector with built-in defaults
func NewSelector(opts ...SelectorOption) *Selector {
	s := &Selector{
		limit:         DefaultSelectionLimit,
		importance:    make(map[string]float64),
		numericRanges: make(map[string][2]float64),
		enumValues:    make(map[string]float64),
	}
	for k, v := range defaultTypeImportance {
		s.importance[k] = v
	}
	for k, v := range defaultNumericRanges {
		s.numericRanges[k] = v
	}
	for k, v := range defaultEnumValues {
		s.enumValues[k] = v
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SensorType extracts the type from a dotted sensor ID:
// "presence.kitchen" → "presence". IDs without a dot are their own type.
func SensorType(sensorID string) string {
	if i := strings.IndexByte(sensorID, '.'); i > 0 {
		return sensorID[:i]
	}
	return sensorID
}

// SelectAndNormalize normalizes each reading by its type rule, weights it by
// type importance, keeps the top-K by importance, and L2-normalizes the
// surviving importances into profile weights.
func (s *Selector) SelectAndNormalize(states map[string]string) core.SignalProfile {
	if len(states) == 0 {
		return nil
	}

	type scored struct {
		sensorID   string
		value      float64
		importance float64
	}

	candidates := make([]scored, 0, len(states))
	for sensorID, raw := range states {
		sensorType := SensorType(sensorID)
		candidates = append(candidates, scored{
			sensorID:   sensorID,
			value:      s.normalize(sensorType, raw),
			importance: s.typeImportance(sensorType),
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].importance != candidates[j].importance {
			return candidates[i].importance > candidates[j].importance
		}
		return candidates[i].sensorID < candidates[j].sensorID
	})
	if len(candidates) > s.limit {
		candidates = candidates[:s.limit]
	}

	// L2-normalize importance across survivors
	var sumSquares float64
	for _, c := range candidates {
		sumSquares += c.importance * c.importance
	}
	if sumSquares < 1e-10 {
		return nil
	}
	norm := sqrt(sumSquares)

	profile := make(core.SignalProfile, len(candidates))
	for _, c := range candidates {
		profile[c.sensorID] = core.SignalComponent{
			Weight: c.importance / norm,
			Value:  c.value,
		}
	}
	return profile
}

// typeImportance is clip(rawImportance,0,1) for the type, with the unknown
// default when the type was never seen
func (s *Selector) typeImportance(sensorType string) float64 {
	if imp, ok := s.importance[sensorType]; ok {
		return core.Clamp01(imp)
	}
	return unknownTypeImportance
}

// normalize maps a raw reading into [0,1] by type rule:
// boolean → {0,1}; numeric → clipped min-max; enum string → table; else 0.5
func (s *Selector) normalize(sensorType, raw string) float64 {
	lowered := strings.ToLower(strings.TrimSpace(raw))

	switch lowered {
	case "true", "on", "yes", "1":
		return 1.0
	case "false", "off", "no", "0":
		return 0.0
	}

	if v, err := strconv.ParseFloat(lowered, 64); err == nil {
		r, ok := s.numericRanges[sensorType]
		if !ok {
			r = [2]float64{0, 1}
		}
		return core.Clamp01((v - r[0]) / (r[1] - r[0]))
	}

	if v, ok := s.enumValues[lowered]; ok {
		return v
	}
	return fallbackValue
}
