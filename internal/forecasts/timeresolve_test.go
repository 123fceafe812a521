package forecasts

import (
	"errors"
	"testing"
	"time"

	"firerisk/internal/types"
)

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t.UTC()
}

func errCode(t *testing.T, err error) types.ErrorCode {
	t.Helper()
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %T (%v)", err, err)
	}
	return appErr.Code
}

func TestCanonicalize_ZoneForms(t *testing.T) {
	want := ts("2025-07-10T12:00:00Z")
	inputs := []string{
		"2025-07-10T12:00:00Z",
		"2025-07-10T12:00:00",
		"2025-07-10T12:00:00z",
		"2025-07-10 12:00:00",
		"2025-07-10T12:00:00.750Z",
		"2025-07-10T14:00:00+02:00",
		"2025-07-10T12:00Z",
		"2025-07-10T12:00",
	}
	for _, in := range inputs {
		got, err := Canonicalize(in)
		if err != nil {
			t.Errorf("Canonicalize(%q) error: %v", in, err)
			continue
		}
		if !got.Equal(want) || got.Location() != time.UTC {
			t.Errorf("Canonicalize(%q) = %v, want %v", in, got, want)
		}
	}

	d, err := Canonicalize("2025-07-10")
	if err != nil {
		t.Fatalf("date-only: %v", err)
	}
	if !d.Equal(ts("2025-07-10T00:00:00Z")) {
		t.Errorf("date-only = %v", d)
	}
}

func TestCanonicalize_Invalid(t *testing.T) {
	for _, in := range []string{"", "yesterday", "2025-13-01", "10/07/2025"} {
		_, err := Canonicalize(in)
		if code := errCode(t, err); code != types.ErrCodeValidationInvalidTime {
			t.Errorf("Canonicalize(%q) code = %s", in, code)
		}
	}
}

func TestDropZone_KeepsWallClock(t *testing.T) {
	got, err := DropZone("2025-07-10T14:00:00+02:00")
	if err != nil {
		t.Fatal(err)
	}
	if want := ts("2025-07-10T14:00:00Z"); !got.Equal(want) {
		t.Errorf("DropZone = %v, want %v", got, want)
	}
}

func TestMatchRun(t *testing.T) {
	runs := []time.Time{
		ts("2025-07-09T00:00:00Z"),
		ts("2025-07-10T12:00:00Z"),
		ts("2025-07-11T00:00:00Z"),
	}

	tests := []struct {
		name      string
		requested string
		profile   types.DatasetProfile
		want      int
		code      types.ErrorCode
	}{
		{"exact", "2025-07-11T00:00:00Z", types.FOPI, 2, ""},
		{"00 falls back to 12", "2025-07-10T00:00:00Z", types.FOPI, 1, ""},
		{"12 falls back to 00", "2025-07-09T12:00:00Z", types.POF, 0, ""},
		{"06 tries 00", "2025-07-11T06:00:00Z", types.FOPI, 2, ""},
		{"fallback disabled", "2025-07-10T00:00:00Z", noFallback(types.FOPI), -1, types.ErrCodeNotFoundRun},
		{"no run that day", "2025-07-12T00:00:00Z", types.FOPI, -1, types.ErrCodeNotFoundRun},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MatchRun(runs, ts(tt.requested), tt.profile)
			if tt.code != "" {
				if code := errCode(t, err); code != tt.code {
					t.Errorf("code = %s, want %s", code, tt.code)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("index = %d, want %d", got, tt.want)
			}
		})
	}
}

func noFallback(p types.DatasetProfile) types.DatasetProfile {
	p.HalfDayFallback = false
	return p
}

func TestMatchRun_NotFoundDetails(t *testing.T) {
	runs := []time.Time{
		ts("2025-07-10T03:00:00Z"),
		ts("2025-07-10T06:00:00Z"),
		ts("2025-07-10T09:00:00Z"),
		ts("2025-07-10T15:00:00Z"),
	}
	_, err := MatchRun(runs, ts("2025-07-10T00:00:00Z"), types.FOPI)
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected AppError, got %v", err)
	}
	hints := appErr.Details["available_that_date"].([]string)
	if len(hints) != 3 || hints[0] != "2025-07-10T03:00:00Z" {
		t.Errorf("hints = %v", hints)
	}
	if appErr.Details["tried_alternate"] != "2025-07-10T12:00:00Z" {
		t.Errorf("tried_alternate = %v", appErr.Details["tried_alternate"])
	}

	_, err = MatchRun(runs, ts("2025-08-01T00:00:00Z"), types.FOPI)
	if !errors.As(err, &appErr) {
		t.Fatalf("expected AppError, got %v", err)
	}
	if hints := appErr.Details["available_that_date"].([]string); len(hints) != 0 {
		t.Errorf("expected zero hints, got %v", hints)
	}
}

func TestMatchValid_Strict(t *testing.T) {
	valid := []time.Time{
		ts("2025-07-10T00:00:00Z"),
		ts("2025-07-10T03:00:00Z"),
		{},
	}
	for i, v := range valid[:2] {
		got, err := MatchValid(valid, v)
		if err != nil || got != i {
			t.Errorf("MatchValid(%v) = %d, %v", v, got, err)
		}
	}

	_, err := MatchValid(valid, valid[1].Add(time.Second))
	if code := errCode(t, err); code != types.ErrCodeNotFoundValidTime {
		t.Errorf("code = %s", code)
	}
	var appErr *types.AppError
	errors.As(err, &appErr)
	if appErr.Details["count"] != 2 || appErr.Details["max"] != "2025-07-10T03:00:00Z" {
		t.Errorf("details = %v", appErr.Details)
	}

	// The padding label never matches.
	if _, err := MatchValid(valid, time.Time{}); err == nil {
		t.Error("zero time should not match padded lead")
	}
}

func TestMatchValidByDate(t *testing.T) {
	valid := []time.Time{
		ts("2025-07-11T06:00:00Z"),
		ts("2025-07-11T03:00:00Z"),
		ts("2025-07-12T00:00:00Z"),
		ts("2025-07-12T03:00:00Z"),
	}
	if i, ok := MatchValidByDate(valid, ts("2025-07-11T21:00:00Z")); !ok || i != 1 {
		t.Errorf("earliest on date: got %d, %v", i, ok)
	}
	if i, ok := MatchValidByDate(valid, ts("2025-07-12T12:00:00Z")); !ok || i != 2 {
		t.Errorf("midnight preferred: got %d, %v", i, ok)
	}
	if _, ok := MatchValidByDate(valid, ts("2025-07-13T00:00:00Z")); ok {
		t.Error("expected no match")
	}
}

func TestMatchRunByDate_PrefersZeroHour(t *testing.T) {
	runs := []time.Time{
		ts("2025-07-11T12:00:00Z"),
		ts("2025-07-11T00:30:00Z"),
		ts("2025-07-11T00:15:00Z"),
		ts("2025-07-12T12:00:00Z"),
		ts("2025-07-12T00:30:00Z"),
	}
	if i, ok := MatchRunByDate(runs, ts("2025-07-11T00:00:00Z")); !ok || i != 2 {
		t.Errorf("earliest 00-hour label: got %d, %v", i, ok)
	}
	if i, ok := MatchRunByDate(runs, ts("2025-07-12T00:00:00Z")); !ok || i != 4 {
		t.Errorf("00:30 should win over an earlier listed 12:00: got %d, %v", i, ok)
	}
}

type fakeAxes struct {
	runs  []time.Time
	valid [][]time.Time
}

func (f fakeAxes) RunTimes() []time.Time        { return f.runs }
func (f fakeAxes) ValidTimes(i int) []time.Time { return f.valid[i] }

func dailyValid(run time.Time, days int) []time.Time {
	out := make([]time.Time, days)
	for i := range out {
		out[i] = run.AddDate(0, 0, i)
	}
	return out
}

func TestEvolutionWindow(t *testing.T) {
	v := ts("2025-07-15T00:00:00Z")
	axes := fakeAxes{}
	// Runs from 07-03 to 07-15, each covering 5 days; 07-08 missing.
	for d := ts("2025-07-03T00:00:00Z"); !d.After(v); d = d.AddDate(0, 0, 1) {
		if d.Day() == 8 {
			continue
		}
		axes.runs = append(axes.runs, d)
		axes.valid = append(axes.valid, dailyValid(d, 5))
	}

	steps := EvolutionWindow(axes, v)
	// Runs 07-11..07-15 reach 07-15; 07-06..07-10 do not; 07-08 is absent.
	if len(steps) != 5 {
		t.Fatalf("len(steps) = %d, want 5: %+v", len(steps), steps)
	}
	for i, st := range steps {
		wantRun := ts("2025-07-11T00:00:00Z").AddDate(0, 0, i)
		if !st.RunTime.Equal(wantRun) {
			t.Errorf("step %d run = %v, want %v", i, st.RunTime, wantRun)
		}
		if !st.ValidTime.Equal(v) {
			t.Errorf("step %d valid = %v", i, st.ValidTime)
		}
	}

	if got := EvolutionWindow(axes, ts("2026-01-01T00:00:00Z")); len(got) != 0 {
		t.Errorf("expected empty window, got %d", len(got))
	}
}

func TestCollapseSteps(t *testing.T) {
	run := ts("2025-07-10T00:00:00Z")

	t.Run("daily caps at horizon", func(t *testing.T) {
		var valid []time.Time
		for h := 0; h < 15*24; h += 12 {
			valid = append(valid, run.Add(time.Duration(h)*time.Hour))
		}
		got := CollapseSteps(valid, types.POF, false)
		if len(got) != 10 {
			t.Fatalf("len = %d, want 10", len(got))
		}
		for i, d := range got {
			if !d.Equal(run.AddDate(0, 0, i)) {
				t.Errorf("step %d = %v", i, d)
			}
		}
		again := CollapseSteps(got, types.POF, false)
		if len(again) != len(got) {
			t.Fatalf("collapse not idempotent: %d vs %d", len(again), len(got))
		}
		for i := range got {
			if !again[i].Equal(got[i]) {
				t.Errorf("collapse not idempotent at %d", i)
			}
		}
	})

	t.Run("sub-daily keeps order and drops duplicates", func(t *testing.T) {
		valid := []time.Time{
			run.Add(6 * time.Hour),
			run,
			run.Add(6 * time.Hour),
			run.Add(3 * time.Hour),
			{},
		}
		got := CollapseSteps(valid, types.FOPI, false)
		want := []time.Time{run.Add(6 * time.Hour), run, run.Add(3 * time.Hour)}
		if len(got) != len(want) {
			t.Fatalf("got %v", got)
		}
		for i := range want {
			if !got[i].Equal(want[i]) {
				t.Errorf("step %d = %v, want %v", i, got[i], want[i])
			}
		}
	})

	t.Run("daily view of sub-daily data", func(t *testing.T) {
		valid := []time.Time{run, run.Add(3 * time.Hour), run.Add(27 * time.Hour)}
		got := CollapseSteps(valid, types.FOPI, true)
		if len(got) != 2 || !got[1].Equal(run.AddDate(0, 0, 1)) {
			t.Errorf("got %v", got)
		}
	})
}

func TestResolveLead(t *testing.T) {
	run := ts("2025-07-10T00:00:00Z")
	valid := []time.Time{run, run.Add(3 * time.Hour), run.Add(6 * time.Hour), {}}

	cases := []struct {
		hours float64
		want  int
	}{
		{0, 0},
		{2, 1},
		{4.5, 1}, // tie goes to the lower index
		{100, 2},
	}
	for _, c := range cases {
		got, err := ResolveLead(valid, run, c.hours)
		if err != nil || got != c.want {
			t.Errorf("ResolveLead(%v) = %d, %v; want %d", c.hours, got, err, c.want)
		}
	}

	_, err := ResolveLead(valid, run, -1)
	if code := errCode(t, err); code != types.ErrCodeValidationInvalidLeadHours {
		t.Errorf("code = %s", code)
	}
	_, err = ResolveLead([]time.Time{{}}, run, 1)
	if code := errCode(t, err); code != types.ErrCodeNotFoundValidTime {
		t.Errorf("code = %s", code)
	}
}
