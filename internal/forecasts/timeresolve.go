// Package forecasts resolves loosely specified run and valid times against a
// dataset store, subsets the grid spatially and aggregates the result.
package forecasts

import (
	"fmt"
	"math"
	"strings"
	"time"

	"firerisk/internal/types"
)

const (
	// EvolutionDays is the length of a forecast evolution window: the
	// verification day plus the nine days before it.
	EvolutionDays = 10

	maxRunHints     = 3
	maxValidSamples = 5

	isoUTC  = "2006-01-02T15:04:05Z"
	isoDate = "2006-01-02"
)

// Accepted input layouts, tried in order. Fractional seconds are accepted
// by time.Parse after the seconds field even when absent from the layout.
var timeLayouts = []string{
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
	"2006-01-02",
}

// TimeAxes is the view of a store the resolver needs.
type TimeAxes interface {
	RunTimes() []time.Time
	ValidTimes(runIdx int) []time.Time
}

// FormatUTC renders t as second-precision ISO-8601 with a trailing Z.
func FormatUTC(t time.Time) string {
	return t.UTC().Format(isoUTC)
}

// FormatDate renders the calendar date of t.
func FormatDate(t time.Time) string {
	return t.UTC().Format(isoDate)
}

func parseLoose(s string) (time.Time, error) {
	v := strings.TrimSpace(s)
	if len(v) > len(isoDate) && v[len(isoDate)] == ' ' {
		v = v[:len(isoDate)] + "T" + v[len(isoDate)+1:]
	}
	if strings.HasSuffix(v, "z") {
		v = v[:len(v)-1] + "Z"
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, types.NewAppErrorWithDetails(
		types.ErrCodeValidationInvalidTime,
		fmt.Sprintf("cannot parse %q as an ISO-8601 date or datetime", s),
		nil,
		map[string]any{"value": s},
	)
}

// Canonicalize parses an ISO-8601 date or datetime and returns the same
// instant as UTC wall-clock at second precision. A string with a trailing Z
// and the same string without it yield the same value; a numeric offset is
// converted to UTC first.
func Canonicalize(s string) (time.Time, error) {
	t, err := parseLoose(s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC().Truncate(time.Second), nil
}

// DropZone parses s and keeps its wall-clock reading, discarding any zone
// without converting. Used for inclusive run filters.
func DropZone(s string) (time.Time, error) {
	t, err := parseLoose(s)
	if err != nil {
		return time.Time{}, err
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, t.Hour(), t.Minute(), t.Second(), 0, time.UTC), nil
}

// Day truncates t to midnight UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func sameDate(a, b time.Time) bool {
	return Day(a).Equal(Day(b))
}

// alternateHalfDay returns the other half-day cycle label on the same date:
// 00 maps to 12 and every other hour maps to 00.
func alternateHalfDay(t time.Time) time.Time {
	h := 0
	if t.Hour() == 0 {
		h = 12
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, h, t.Minute(), t.Second(), 0, time.UTC)
}

// MatchRun resolves requested against the stored run labels and returns the
// matched index. An exact match wins; otherwise, when the profile allows it,
// the alternate half-day label of the same date is tried. Failure carries up
// to three runs available on the requested date.
func MatchRun(runs []time.Time, requested time.Time, profile types.DatasetProfile) (int, error) {
	if i := indexOf(runs, requested); i >= 0 {
		return i, nil
	}

	details := map[string]any{"requested": FormatUTC(requested)}
	if profile.HalfDayFallback {
		alt := alternateHalfDay(requested)
		details["tried_alternate"] = FormatUTC(alt)
		if i := indexOf(runs, alt); i >= 0 {
			return i, nil
		}
	}

	hints := make([]string, 0, maxRunHints)
	for _, r := range runs {
		if len(hints) == maxRunHints {
			break
		}
		if sameDate(r, requested) {
			hints = append(hints, FormatUTC(r))
		}
	}
	details["available_that_date"] = hints

	msg := fmt.Sprintf("base_time %s not found", FormatUTC(requested))
	if alt, ok := details["tried_alternate"]; ok {
		msg += fmt.Sprintf(" (also tried %s)", alt)
	}
	return -1, types.NewAppErrorWithDetails(types.ErrCodeNotFoundRun, msg, nil, details)
}

// MatchValid is the strict lead match: requested must equal one of the
// run's valid times at second precision.
func MatchValid(valid []time.Time, requested time.Time) (int, error) {
	if !requested.IsZero() {
		if i := indexOf(valid, requested); i >= 0 {
			return i, nil
		}
	}

	var (
		samples []string
		lo, hi  time.Time
		count   int
	)
	for _, v := range valid {
		if v.IsZero() {
			continue
		}
		if len(samples) < maxValidSamples {
			samples = append(samples, FormatUTC(v))
		}
		if count == 0 || v.Before(lo) {
			lo = v
		}
		if count == 0 || v.After(hi) {
			hi = v
		}
		count++
	}
	details := map[string]any{
		"requested": FormatUTC(requested),
		"samples":   samples,
		"count":     count,
	}
	if count > 0 {
		details["min"] = FormatUTC(lo)
		details["max"] = FormatUTC(hi)
	}
	return -1, types.NewAppErrorWithDetails(types.ErrCodeNotFoundValidTime,
		fmt.Sprintf("forecast_time %s not found for this run", FormatUTC(requested)), nil, details)
}

// MatchValidByDate picks among the valid times on the calendar date of day,
// preferring a label in the 00 hour and otherwise the earliest one.
func MatchValidByDate(valid []time.Time, day time.Time) (int, bool) {
	return pickByDate(valid, day)
}

// MatchRunByDate applies the date-only rule to run labels.
func MatchRunByDate(runs []time.Time, day time.Time) (int, bool) {
	return pickByDate(runs, day)
}

// pickByDate prefers labels in the 00 hour of the date, earliest first, and
// otherwise the earliest label on the date.
func pickByDate(ts []time.Time, day time.Time) (int, bool) {
	best, bestMidnight := -1, -1
	for i, t := range ts {
		if t.IsZero() || !sameDate(t, day) {
			continue
		}
		if t.Hour() == 0 && (bestMidnight < 0 || t.Before(ts[bestMidnight])) {
			bestMidnight = i
		}
		if best < 0 || t.Before(ts[best]) {
			best = i
		}
	}
	if bestMidnight >= 0 {
		return bestMidnight, true
	}
	return best, best >= 0
}

// EvolutionStep pairs one run with the lead that verifies on the window's
// verification date.
type EvolutionStep struct {
	RunIndex  int
	RunTime   time.Time
	LeadIndex int
	ValidTime time.Time
}

// EvolutionWindow builds one step per calendar day from verification-9 days
// to verification inclusive. For each day the run is chosen by date and the
// lead by the verification date. Days without such a pair are omitted.
func EvolutionWindow(axes TimeAxes, verification time.Time) []EvolutionStep {
	runs := axes.RunTimes()
	target := Day(verification)
	start := target.AddDate(0, 0, -(EvolutionDays - 1))

	var steps []EvolutionStep
	for d := start; !d.After(target); d = d.AddDate(0, 0, 1) {
		ri, ok := MatchRunByDate(runs, d)
		if !ok {
			continue
		}
		valid := axes.ValidTimes(ri)
		li, ok := MatchValidByDate(valid, target)
		if !ok {
			continue
		}
		steps = append(steps, EvolutionStep{
			RunIndex:  ri,
			RunTime:   runs[ri],
			LeadIndex: li,
			ValidTime: valid[li],
		})
	}
	return steps
}

// CollapseSteps turns a run's valid times into the step list served to
// clients. Daily datasets, or any dataset when daily is set, collapse to the
// first occurrence per calendar day capped at the horizon. Sub-daily steps
// are de-duplicated in their original order. Neither path re-sorts.
func CollapseSteps(valid []time.Time, profile types.DatasetProfile, daily bool) []time.Time {
	out := make([]time.Time, 0, len(valid))
	if daily || profile.Cadence == types.CadenceDaily {
		seen := make(map[int64]bool)
		for _, v := range valid {
			if v.IsZero() {
				continue
			}
			d := Day(v)
			if seen[d.Unix()] {
				continue
			}
			if profile.HorizonDays > 0 && len(out) == profile.HorizonDays {
				break
			}
			seen[d.Unix()] = true
			out = append(out, d)
		}
		return out
	}

	seen := make(map[int64]bool)
	for _, v := range valid {
		if v.IsZero() || seen[v.Unix()] {
			continue
		}
		seen[v.Unix()] = true
		out = append(out, v)
	}
	return out
}

// ResolveLead picks the valid time nearest to run+leadHours. Ties go to the
// lower lead index.
func ResolveLead(valid []time.Time, run time.Time, leadHours float64) (int, error) {
	if math.IsNaN(leadHours) || math.IsInf(leadHours, 0) || leadHours < 0 {
		return -1, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidLeadHours,
			"lead_hours must be a non-negative number", nil, map[string]any{"lead_hours": leadHours})
	}
	target := run.Add(time.Duration(leadHours * float64(time.Hour)))

	best := -1
	var bestDiff time.Duration
	for i, v := range valid {
		if v.IsZero() {
			continue
		}
		diff := v.Sub(target)
		if diff < 0 {
			diff = -diff
		}
		if best < 0 || diff < bestDiff {
			best, bestDiff = i, diff
		}
	}
	if best < 0 {
		return -1, types.NewAppErrorWithDetails(types.ErrCodeNotFoundValidTime,
			"run has no valid times", nil, map[string]any{"base_time": FormatUTC(run)})
	}
	return best, nil
}

func indexOf(ts []time.Time, t time.Time) int {
	for i, v := range ts {
		if !v.IsZero() && v.Equal(t) {
			return i
		}
	}
	return -1
}
