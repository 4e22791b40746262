// Package reminders evaluates due reminder candidates and drives them
// through execution, skipping, and rescheduling.
package reminders

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/habitmind/habitmind/internal/core"
)

// OccurrenceKind classifies a parsed recurrence
type OccurrenceKind string

const (
	OccurrenceDaily    OccurrenceKind = "daily"
	OccurrenceWeekly   OccurrenceKind = "weekly"
	OccurrenceFlexible OccurrenceKind = "flexible"
)

// Occurrence is a parsed recurrence description. The text forms it accepts
// are the ones pattern inference generates:
//
//	every day at HH:MM
//	every <Weekday> at HH:MM
//	most days around HH:MM
//
// Trailing hints in parentheses and "when k=v" condition suffixes are
// ignored for scheduling purposes.
type Occurrence struct {
	Kind    OccurrenceKind
	Weekday time.Weekday // Meaningful only for OccurrenceWeekly
	Hour    int
	Minute  int
}

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// ParseOccurrence parses a recurrence description. Unrecognized text yields
// core.ErrInvalidOccurrence; "Still learning" placeholders are unrecognized.
func ParseOccurrence(s string) (*Occurrence, error) {
	base := s
	if i := strings.Index(base, " ("); i >= 0 {
		base = base[:i]
	}
	if i := strings.Index(base, " when "); i >= 0 {
		base = base[:i]
	}
	base = strings.TrimSpace(base)
	lower := strings.ToLower(base)

	switch {
	case strings.HasPrefix(lower, "every day at "):
		hour, minute, err := parseHHMM(base[len("every day at "):])
		if err != nil {
			return nil, err
		}
		return &Occurrence{Kind: OccurrenceDaily, Hour: hour, Minute: minute}, nil

	case strings.HasPrefix(lower, "most days around "):
		hour, minute, err := parseHHMM(base[len("most days around "):])
		if err != nil {
			return nil, err
		}
		return &Occurrence{Kind: OccurrenceFlexible, Hour: hour, Minute: minute}, nil

	case strings.HasPrefix(lower, "every "):
		rest := base[len("every "):]
		parts := strings.SplitN(rest, " at ", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("%w: %q", core.ErrInvalidOccurrence, s)
		}
		weekday, ok := weekdayNames[strings.ToLower(strings.TrimSpace(parts[0]))]
		if !ok {
			return nil, fmt.Errorf("%w: unknown weekday in %q", core.ErrInvalidOccurrence, s)
		}
		hour, minute, err := parseHHMM(parts[1])
		if err != nil {
			return nil, err
		}
		return &Occurrence{Kind: OccurrenceWeekly, Weekday: weekday, Hour: hour, Minute: minute}, nil
	}

	return nil, fmt.Errorf("%w: %q", core.ErrInvalidOccurrence, s)
}

func parseHHMM(s string) (int, int, error) {
	s = strings.TrimSpace(s)
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%w: bad time %q", core.ErrInvalidOccurrence, s)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("%w: bad hour %q", core.ErrInvalidOccurrence, s)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("%w: bad minute %q", core.ErrInvalidOccurrence, s)
	}
	return hour, minute, nil
}

// Next returns the first instant matching the occurrence strictly after the
// given time, in UTC.
func (o *Occurrence) Next(after time.Time) time.Time {
	after = after.UTC()
	candidate := time.Date(after.Year(), after.Month(), after.Day(), o.Hour, o.Minute, 0, 0, time.UTC)

	switch o.Kind {
	case OccurrenceWeekly:
		for int(candidate.Weekday()) != int(o.Weekday) || !candidate.After(after) {
			candidate = candidate.AddDate(0, 0, 1)
		}
	default:
		if !candidate.After(after) {
			candidate = candidate.AddDate(0, 0, 1)
		}
	}
	return candidate
}
