package core

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Pattern inference defaults
const (
	// TimeCenterAlpha is the circular EMA factor for the time-of-day center
	TimeCenterAlpha = 0.1

	// DefaultMinDailyEvidence / DefaultMinWeeklyEvidence gate classification
	DefaultMinDailyEvidence  = 3
	DefaultMinWeeklyEvidence = 3

	minutesPerDay     = 24 * 60
	minutesPerHalfDay = 12 * 60
)

// TimeOfDayMinutes returns the minutes since midnight (UTC) of ts
func TimeOfDayMinutes(ts time.Time) float64 {
	ts = ts.UTC()
	return float64(ts.Hour()*60+ts.Minute()) + float64(ts.Second())/60.0
}

// CircularMinutesApart is the circular distance between two times of day in
// minutes, wrapping at 12 hours. Always in [0, 720].
func CircularMinutesApart(a, b float64) float64 {
	d := a - b
	for d > minutesPerHalfDay {
		d -= minutesPerDay
	}
	for d < -minutesPerHalfDay {
		d += minutesPerDay
	}
	if d < 0 {
		return -d
	}
	return d
}

// RecordEvidence folds one matching observation into the reminder's pattern
// state: circular time-of-day EMA, day histograms, and the set of distinct
// observed dates.
func (r *ReminderCandidate) RecordEvidence(ts time.Time, timeBucket, dayType string) {
	ts = ts.UTC()
	tod := TimeOfDayMinutes(ts)

	if r.TimeWindowCenter == nil {
		center := tod
		r.TimeWindowCenter = &center
		if r.TimeWindowSizeMinutes == 0 {
			r.TimeWindowSizeMinutes = DefaultTimeWindowMinutes
		}
	} else {
		// Circular EMA: shortest signed distance, wrapped at ±12h
		delta := tod - *r.TimeWindowCenter
		if delta > minutesPerHalfDay {
			delta -= minutesPerDay
		} else if delta < -minutesPerHalfDay {
			delta += minutesPerDay
		}
		center := *r.TimeWindowCenter + TimeCenterAlpha*delta
		for center < 0 {
			center += minutesPerDay
		}
		for center >= minutesPerDay {
			center -= minutesPerDay
		}
		r.TimeWindowCenter = &center
	}

	r.EvidenceCount++

	if r.ObservedDays == nil {
		r.ObservedDays = make(map[string]bool)
	}
	r.ObservedDays[ts.Format("2006-01-02")] = true

	r.DayOfWeekHistogram[int(ts.Weekday())]++

	if timeBucket != "" {
		if r.TimeBucketHistogram == nil {
			r.TimeBucketHistogram = make(map[string]int)
		}
		r.TimeBucketHistogram[timeBucket]++
		r.MostCommonTimeBucket = histogramMode(r.TimeBucketHistogram)
	}
	if dayType != "" {
		if r.DayTypeHistogram == nil {
			r.DayTypeHistogram = make(map[string]int)
		}
		r.DayTypeHistogram[dayType]++
		r.MostCommonDayType = histogramMode(r.DayTypeHistogram)
	}
}

// UpdateInferredPattern reclassifies the reminder from its accumulated
// evidence. Idempotent: calling it twice without new evidence yields the
// same fields. Weekly beats daily; daily beats flexible.
func (r *ReminderCandidate) UpdateInferredPattern(minDaily, minWeekly int) {
	if minDaily <= 0 {
		minDaily = DefaultMinDailyEvidence
	}
	if minWeekly <= 0 {
		minWeekly = DefaultMinWeeklyEvidence
	}

	r.InferredWeekday = nil

	if r.EvidenceCount < minDaily {
		r.PatternStatus = PatternUnknown
		if r.EvidenceCount > 0 {
			r.Occurrence = fmt.Sprintf("Still learning (%d observations)", r.EvidenceCount)
		}
		return
	}

	if wd, ok := r.weeklyWeekday(minWeekly); ok {
		r.PatternStatus = PatternWeekly
		r.InferredWeekday = &wd
		r.Occurrence = r.buildOccurrence()
		return
	}

	if r.hasDailyRun(minDaily) {
		r.PatternStatus = PatternDaily
		r.Occurrence = r.buildOccurrence()
		return
	}

	r.PatternStatus = PatternFlexible
	r.Occurrence = r.buildOccurrence()
}

// weeklyWeekday reports the single dominating weekday, if the histogram has
// exactly one weekday at or above the threshold and the observations on that
// weekday span at least a full week.
func (r *ReminderCandidate) weeklyWeekday(minWeekly int) (int, bool) {
	weekday := -1
	for d, count := range r.DayOfWeekHistogram {
		if count < minWeekly {
			continue
		}
		if weekday >= 0 {
			return 0, false // More than one strong weekday
		}
		weekday = d
	}
	if weekday < 0 {
		return 0, false
	}

	var earliest, latest time.Time
	for day := range r.ObservedDays {
		d, err := time.Parse("2006-01-02", day)
		if err != nil || int(d.Weekday()) != weekday {
			continue
		}
		if earliest.IsZero() || d.Before(earliest) {
			earliest = d
		}
		if latest.IsZero() || d.After(latest) {
			latest = d
		}
	}
	if earliest.IsZero() || latest.Sub(earliest) < 7*24*time.Hour {
		return 0, false
	}
	return weekday, true
}

// hasDailyRun reports whether the sorted observed dates contain a run of at
// least minDaily days with gaps of at most 2 days between neighbors.
func (r *ReminderCandidate) hasDailyRun(minDaily int) bool {
	if len(r.ObservedDays) < minDaily {
		return false
	}

	days := make([]time.Time, 0, len(r.ObservedDays))
	for day := range r.ObservedDays {
		if d, err := time.Parse("2006-01-02", day); err == nil {
			days = append(days, d)
		}
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })

	run := 1
	for i := 1; i < len(days); i++ {
		if days[i].Sub(days[i-1]) <= 48*time.Hour {
			run++
			if run >= minDaily {
				return true
			}
		} else {
			run = 1
		}
	}
	return run >= minDaily
}

// buildOccurrence renders the human-readable recurrence description:
// weekday name, HH:MM center, most-common bucket, day-type exclusivity, and
// state conditions.
func (r *ReminderCandidate) buildOccurrence() string {
	var b strings.Builder

	switch r.PatternStatus {
	case PatternWeekly:
		name := "day"
		if r.InferredWeekday != nil {
			name = time.Weekday(*r.InferredWeekday).String()
		}
		fmt.Fprintf(&b, "every %s at %s", name, r.centerHHMM())
	case PatternDaily:
		fmt.Fprintf(&b, "every day at %s", r.centerHHMM())
	default:
		fmt.Fprintf(&b, "most days around %s", r.centerHHMM())
	}

	var hints []string
	if r.MostCommonTimeBucket != "" {
		hints = append(hints, r.MostCommonTimeBucket)
	}
	if h := r.dayTypeHint(); h != "" {
		hints = append(hints, h)
	}
	if len(hints) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(hints, ", "))
	}

	if len(r.CustomData) > 0 {
		keys := make([]string, 0, len(r.CustomData))
		for k := range r.CustomData {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, fmt.Sprintf("%s=%s", k, r.CustomData[k]))
		}
		fmt.Fprintf(&b, " when %s", strings.Join(pairs, ", "))
	}

	return b.String()
}

// centerHHMM formats the time window center as HH:MM
func (r *ReminderCandidate) centerHHMM() string {
	if r.TimeWindowCenter == nil {
		return "00:00"
	}
	total := int(*r.TimeWindowCenter + 0.5)
	total = ((total % minutesPerDay) + minutesPerDay) % minutesPerDay
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}

// dayTypeHint reports day-type exclusivity when all evidence falls on one side
func (r *ReminderCandidate) dayTypeHint() string {
	if len(r.DayTypeHistogram) != 1 {
		return ""
	}
	for dayType := range r.DayTypeHistogram {
		switch dayType {
		case "weekday":
			return "weekdays only"
		case "weekend":
			return "weekends only"
		}
	}
	return ""
}

// histogramMode returns the key with the highest count; ties break
// alphabetically so the result is deterministic
func histogramMode(h map[string]int) string {
	best := ""
	bestCount := -1
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if h[k] > bestCount {
			best = k
			bestCount = h[k]
		}
	}
	return best
}
