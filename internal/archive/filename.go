// Package archive discovers raw per-run forecast files and maps them to
// (dataset, run time, path) entries from their file names alone.
package archive

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// RawExtension is the only file extension the scanner considers.
const RawExtension = ".nc"

// ErrUnrecognizedFilename is wrapped by every FormatError.
var ErrUnrecognizedFilename = errors.New("unrecognized filename format")

// FormatError reports a file name that matches none of the known naming
// conventions.
type FormatError struct {
	Name string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%v: %q", ErrUnrecognizedFilename, e.Name)
}

func (e *FormatError) Unwrap() error {
	return ErrUnrecognizedFilename
}

// Entry is one raw file in the archive.
type Entry struct {
	Dataset string
	RunTime time.Time
	Path    string
}

type namingRule struct {
	dataset string
	pattern *regexp.Regexp
	parse   func(m []string) (time.Time, error)
}

var namingRules = []namingRule{
	{
		// fopi_2025071000.nc
		dataset: "fopi",
		pattern: regexp.MustCompile(`(?i)fopi_(\d{10})\.nc$`),
		parse: func(m []string) (time.Time, error) {
			return time.ParseInLocation("2006010215", m[1], time.UTC)
		},
	},
	{
		// POF_V2_2025_07_10_FC.nc
		dataset: "pof",
		pattern: regexp.MustCompile(`(?i)POF_V2_(\d{4})_(\d{2})_(\d{2})_FC\.nc$`),
		parse: func(m []string) (time.Time, error) {
			return time.ParseInLocation("2006-01-02", m[1]+"-"+m[2]+"-"+m[3], time.UTC)
		},
	},
}

// ParseFilename extracts the dataset tag and run time from a raw file name
// without opening the file. It returns a *FormatError when the name matches
// no known convention or carries an impossible date.
func ParseFilename(name string) (Entry, error) {
	for _, rule := range namingRules {
		m := rule.pattern.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		run, err := rule.parse(m)
		if err != nil {
			return Entry{}, &FormatError{Name: name}
		}
		return Entry{Dataset: rule.dataset, RunTime: run}, nil
	}
	return Entry{}, &FormatError{Name: name}
}
