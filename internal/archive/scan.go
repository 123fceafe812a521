package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"firerisk/internal/types"
)

// ScanDirectory lists the raw files in dir that parse to an archive entry.
// Files with another extension are ignored. Files whose names do not parse
// are logged and skipped; a single bad name never fails the scan. When two
// files map to the same (dataset, run) the first in name order wins.
//
// Only a failure to read the directory itself is returned as an error.
func ScanDirectory(dir string, logger *slog.Logger) ([]Entry, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading archive directory %s: %w", dir, err)
	}

	type runKey struct {
		dataset string
		run     int64
	}
	seen := make(map[runKey]string)
	var out []Entry

	// os.ReadDir returns entries sorted by name.
	for _, de := range dirEntries {
		if de.IsDir() || !strings.EqualFold(filepath.Ext(de.Name()), RawExtension) {
			continue
		}

		entry, err := ParseFilename(de.Name())
		if err != nil {
			logger.Warn("skipping raw file with unrecognized name",
				"dir", dir,
				"file", de.Name(),
				"error", err,
			)
			continue
		}

		key := runKey{dataset: entry.Dataset, run: entry.RunTime.Unix()}
		if prev, dup := seen[key]; dup {
			logger.Warn("skipping duplicate raw file for run",
				"file", de.Name(),
				"kept", prev,
				"run_time", entry.RunTime.Format(time.RFC3339),
			)
			continue
		}
		seen[key] = de.Name()

		entry.Path = filepath.Join(dir, de.Name())
		out = append(out, entry)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].RunTime.Before(out[j].RunTime)
	})
	return out, nil
}

// Inventory resolves raw files for a dataset. Implementations include the
// directory scanner below and the database-backed repository.
type Inventory interface {
	// FindByDate returns the raw file for the calendar day of selector. An
	// entry whose run time equals selector exactly is preferred; otherwise
	// the earliest run of that day is returned.
	FindByDate(ctx context.Context, dataset string, selector time.Time) (Entry, error)

	// List returns every known raw file for the dataset in run order.
	List(ctx context.Context, dataset string) ([]Entry, error)
}

// DirectoryInventory serves inventory lookups by scanning
// <root>/<dataset>/ on every call.
type DirectoryInventory struct {
	root   string
	logger *slog.Logger
}

// NewDirectoryInventory creates a DirectoryInventory rooted at root.
func NewDirectoryInventory(root string, logger *slog.Logger) *DirectoryInventory {
	if logger == nil {
		logger = slog.Default()
	}
	return &DirectoryInventory{root: root, logger: logger}
}

// List scans the dataset directory. A missing directory yields no entries.
func (d *DirectoryInventory) List(ctx context.Context, dataset string) ([]Entry, error) {
	dir := filepath.Join(d.root, dataset)
	entries, err := ScanDirectory(dir, d.logger)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			d.logger.WarnContext(ctx, "raw directory missing", "dir", dir)
			return nil, nil
		}
		return nil, err
	}

	// Files of another dataset that happen to sit in this directory are ignored.
	out := entries[:0]
	for _, e := range entries {
		if e.Dataset == dataset {
			out = append(out, e)
		}
	}
	return out, nil
}

// FindByDate implements Inventory.
func (d *DirectoryInventory) FindByDate(ctx context.Context, dataset string, selector time.Time) (Entry, error) {
	entries, err := d.List(ctx, dataset)
	if err != nil {
		return Entry{}, err
	}
	return PickByDate(entries, dataset, selector)
}

// PickByDate applies the FindByDate preference rule to an already listed
// set of entries.
func PickByDate(entries []Entry, dataset string, selector time.Time) (Entry, error) {
	y, m, day := selector.Date()
	var (
		best  Entry
		found bool
	)
	for _, e := range entries {
		ey, em, ed := e.RunTime.Date()
		if ey != y || em != m || ed != day {
			continue
		}
		if e.RunTime.Equal(selector) {
			return e, nil
		}
		if !found || e.RunTime.Before(best.RunTime) {
			best, found = e, true
		}
	}
	if !found {
		return Entry{}, types.NewAppErrorWithDetails(
			types.ErrCodeNotFoundSourceFile,
			fmt.Sprintf("no raw %s file for %s", dataset, selector.Format("2006-01-02")),
			nil,
			map[string]any{"dataset": dataset, "date": selector.Format("2006-01-02")},
		)
	}
	return best, nil
}
