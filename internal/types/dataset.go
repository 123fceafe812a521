package types

import (
	"fmt"
	"sort"
	"strings"
)

// Cadence describes the native spacing of a dataset's valid times.
type Cadence string

const (
	CadenceDaily    Cadence = "daily"
	CadenceSubDaily Cadence = "sub_daily"
)

// LeadEncoding describes how a raw file stores its time axis.
type LeadEncoding string

const (
	// LeadHoursSinceRun stores lead as numeric hours relative to the run.
	LeadHoursSinceRun LeadEncoding = "hours_since_run"
	// LeadAbsolute stores lead as absolute datetimes.
	LeadAbsolute LeadEncoding = "absolute"
)

// DatasetProfile carries everything that differs between datasets. It is
// looked up once per request and passed to the resolver, aggregator and
// renderer.
type DatasetProfile struct {
	Name            string       `yaml:"name" validate:"required"`
	Variable        string       `yaml:"variable" validate:"required"`
	Cadence         Cadence      `yaml:"cadence" validate:"oneof=daily sub_daily"`
	LeadEncoding    LeadEncoding `yaml:"lead_encoding" validate:"oneof=hours_since_run absolute"`
	FloorValidToDay bool         `yaml:"floor_valid_to_day"`
	WrapLongitude   bool         `yaml:"wrap_longitude"`
	HorizonDays     int          `yaml:"horizon_days" validate:"min=1"`
	HalfDayFallback bool         `yaml:"half_day_fallback"`

	// ScaleMin/ScaleMax fix the renderer range. When FixedScale is false the
	// renderer uses the 2nd to 98th percentile of the data.
	FixedScale bool    `yaml:"fixed_scale"`
	ScaleMin   float64 `yaml:"scale_min"`
	ScaleMax   float64 `yaml:"scale_max"`

	// ValueMin/ValueMax bound valid cell values; anything outside is missing.
	ValueMin float64 `yaml:"value_min"`
	ValueMax float64 `yaml:"value_max"`
}

// FOPI is the Fire Occurrence Probability Index profile.
var FOPI = DatasetProfile{
	Name:            "fopi",
	Variable:        "param100.128.192",
	Cadence:         CadenceSubDaily,
	LeadEncoding:    LeadHoursSinceRun,
	WrapLongitude:   true,
	HorizonDays:     10,
	HalfDayFallback: true,
	FixedScale:      true,
	ScaleMin:        0,
	ScaleMax:        1,
	ValueMin:        0,
	ValueMax:        1,
}

// POF is the Probability of Fire profile.
var POF = DatasetProfile{
	Name:            "pof",
	Variable:        "MODEL_FIRE",
	Cadence:         CadenceDaily,
	LeadEncoding:    LeadAbsolute,
	FloorValidToDay: true,
	HorizonDays:     10,
	HalfDayFallback: true,
	FixedScale:      true,
	ScaleMin:        0,
	ScaleMax:        0.05,
	ValueMin:        0,
	ValueMax:        1,
}

// DatasetRegistry is the closed set of datasets a process serves.
type DatasetRegistry struct {
	profiles map[string]DatasetProfile
}

// NewDatasetRegistry builds a registry from the given profiles. Later
// profiles replace earlier ones with the same name.
func NewDatasetRegistry(profiles ...DatasetProfile) *DatasetRegistry {
	r := &DatasetRegistry{profiles: make(map[string]DatasetProfile, len(profiles))}
	for _, p := range profiles {
		r.profiles[strings.ToLower(p.Name)] = p
	}
	return r
}

// DefaultDatasets returns a registry holding the built-in fopi and pof profiles.
func DefaultDatasets() *DatasetRegistry {
	return NewDatasetRegistry(FOPI, POF)
}

// Lookup resolves a dataset tag case-insensitively.
func (r *DatasetRegistry) Lookup(name string) (DatasetProfile, error) {
	p, ok := r.profiles[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return DatasetProfile{}, NewAppErrorWithDetails(
			ErrCodeValidationUnknownDataset,
			fmt.Sprintf("unknown dataset %q", name),
			nil,
			map[string]any{"dataset": name, "available": r.Names()},
		)
	}
	return p, nil
}

// Names returns the registered dataset names in sorted order.
func (r *DatasetRegistry) Names() []string {
	names := make([]string, 0, len(r.profiles))
	for n := range r.profiles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Profiles returns all registered profiles sorted by name.
func (r *DatasetRegistry) Profiles() []DatasetProfile {
	out := make([]DatasetProfile, 0, len(r.profiles))
	for _, n := range r.Names() {
		out = append(out, r.profiles[n])
	}
	return out
}

// ValidValue reports whether v lies within the profile's value range.
// NaN fails every comparison and is therefore invalid.
func (p DatasetProfile) ValidValue(v float64) bool {
	return v >= p.ValueMin && v <= p.ValueMax
}
