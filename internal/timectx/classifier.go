// Package timectx derives time-of-day and day-type context from UTC instants.
package timectx

import (
	"strings"
	"time"
)

// Bucket names produced by the classifier
const (
	BucketMorning   = "morning"
	BucketAfternoon = "afternoon"
	BucketEvening   = "evening"
	BucketNight     = "night"

	DayTypeWeekday = "weekday"
	DayTypeWeekend = "weekend"
)

// Boundaries are the local-time hour boundaries of each bucket.
// Night wraps around midnight: [NightStart, MorningStart).
type Boundaries struct {
	MorningStart   int // Default 5
	AfternoonStart int // Default 12
	EveningStart   int // Default 17
	NightStart     int // Default 22
}

// DefaultBoundaries returns the standard bucket boundaries
func DefaultBoundaries() Boundaries {
	return Boundaries{
		MorningStart:   5,
		AfternoonStart: 12,
		EveningStart:   17,
		NightStart:     22,
	}
}

// Classifier maps UTC instants to (timeBucket, dayType) in the person's
// local time, shifted by a configurable offset from UTC.
type Classifier struct {
	boundaries         Boundaries
	localOffsetMinutes int
}

// NewClassifier creates a classifier with the given bucket boundaries and
// local offset in minutes east of UTC
func NewClassifier(b Boundaries, localOffsetMinutes int) *Classifier {
	return &Classifier{boundaries: b, localOffsetMinutes: localOffsetMinutes}
}

// Classify returns the time bucket and day type of ts in local time
func (c *Classifier) Classify(ts time.Time) (timeBucket, dayType string) {
	local := ts.UTC().Add(time.Duration(c.localOffsetMinutes) * time.Minute)

	hour := local.Hour()
	b := c.boundaries
	switch {
	case hour >= b.MorningStart && hour < b.AfternoonStart:
		timeBucket = BucketMorning
	case hour >= b.AfternoonStart && hour < b.EveningStart:
		timeBucket = BucketAfternoon
	case hour >= b.EveningStart && hour < b.NightStart:
		timeBucket = BucketEvening
	default:
		timeBucket = BucketNight
	}

	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		dayType = DayTypeWeekend
	default:
		dayType = DayTypeWeekday
	}
	return timeBucket, dayType
}

// DefaultKeyFormat is the context bucket key template. Placeholders are
// substituted literally, so the same inputs always produce the same key.
const DefaultKeyFormat = "{dayType}*{timeBucket}*{location}"

// UnknownLocation substitutes for an empty location in bucket keys
const UnknownLocation = "unknown"

// KeyBuilder renders deterministic context bucket keys
type KeyBuilder struct {
	format string
}

// NewKeyBuilder creates a builder for the given template; empty means default
func NewKeyBuilder(format string) *KeyBuilder {
	if format == "" {
		format = DefaultKeyFormat
	}
	return &KeyBuilder{format: format}
}

// Build substitutes dayType, timeBucket, and location into the template
func (kb *KeyBuilder) Build(dayType, timeBucket, location string) string {
	if location == "" {
		location = UnknownLocation
	}
	key := kb.format
	key = strings.ReplaceAll(key, "{dayType}", dayType)
	key = strings.ReplaceAll(key, "{timeBucket}", timeBucket)
	key = strings.ReplaceAll(key, "{location}", location)
	return key
}
