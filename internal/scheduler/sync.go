// Package scheduler implements the archive sync job: it discovers raw files,
// records them in the inventory and ingests runs missing from the stores.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"firerisk/internal/archive"
	"firerisk/internal/store"
	"firerisk/internal/types"
)

// DefaultConcurrency bounds parallel run ingestion when none is configured.
const DefaultConcurrency = 2

// RunIngester writes one archive entry into its dataset store.
type RunIngester interface {
	Ingest(ctx context.Context, profile types.DatasetProfile, entry archive.Entry, force bool) (store.Handle, error)
}

// StoreIndex reports the runs already present in a dataset store. A store
// that does not exist yet yields no runs.
type StoreIndex interface {
	RunTimes(ctx context.Context, dataset string) ([]time.Time, error)
}

// InventoryRecorder persists scan results. It is optional; without it the
// sync works from the directories alone.
type InventoryRecorder interface {
	Upsert(ctx context.Context, e archive.Entry) error
	MarkIngested(ctx context.Context, dataset string, runTime, at time.Time) error
	LatestRunTime(ctx context.Context, dataset string) (time.Time, bool, error)
}

// SyncMetrics publishes per-dataset sync counters.
type SyncMetrics interface {
	RecordSync(ctx context.Context, dataset string, ingested, skipped, failed int, elapsed time.Duration)
}

// SyncInput controls one sync pass. It doubles as the Lambda event payload.
type SyncInput struct {
	// Datasets restricts the pass; empty means every registered dataset.
	Datasets []string `json:"datasets"`
	// Force re-ingests runs already in the store.
	Force bool `json:"force"`
	// Limit caps ingestion attempts per dataset, oldest pending first, so
	// large backfills spread over several passes. 0 means unlimited.
	Limit int `json:"limit"`
}

// DatasetResult is the outcome for one dataset.
type DatasetResult struct {
	Dataset  string     `json:"dataset"`
	Scanned  int        `json:"scanned"`
	Skipped  int        `json:"skipped"`
	Ingested int        `json:"ingested"`
	Failed   int        `json:"failed"`
	Deferred int        `json:"deferred"`
	Latest   *time.Time `json:"latest_run_time,omitempty"`
	Error    string     `json:"error,omitempty"`
}

// SyncResult summarizes a pass over all requested datasets.
type SyncResult struct {
	SyncID   string          `json:"sync_id"`
	Scanned  int             `json:"scanned"`
	Skipped  int             `json:"skipped"`
	Ingested int             `json:"ingested"`
	Failed   int             `json:"failed"`
	Datasets []DatasetResult `json:"datasets"`
}

// ArchiveSyncConfig holds the dependencies of an ArchiveSync.
type ArchiveSyncConfig struct {
	RawRoot     string
	Datasets    *types.DatasetRegistry
	Ingester    RunIngester
	Stores      StoreIndex
	Recorder    InventoryRecorder
	Metrics     SyncMetrics
	Concurrency int
	Clock       clockwork.Clock
	Logger      *slog.Logger
}

// ArchiveSync keeps the dataset stores in step with the raw archive.
type ArchiveSync struct {
	rawRoot     string
	datasets    *types.DatasetRegistry
	ingester    RunIngester
	stores      StoreIndex
	recorder    InventoryRecorder
	metrics     SyncMetrics
	concurrency int
	clock       clockwork.Clock
	logger      *slog.Logger
}

// NewArchiveSync creates an ArchiveSync.
func NewArchiveSync(cfg ArchiveSyncConfig) *ArchiveSync {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Datasets == nil {
		cfg.Datasets = types.DefaultDatasets()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	return &ArchiveSync{
		rawRoot:     cfg.RawRoot,
		datasets:    cfg.Datasets,
		ingester:    cfg.Ingester,
		stores:      cfg.Stores,
		recorder:    cfg.Recorder,
		metrics:     cfg.Metrics,
		concurrency: cfg.Concurrency,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
	}
}

// Sync runs one pass. Failures of single runs or datasets are logged and
// counted; only an unknown dataset name or a cancelled context fails the
// whole pass.
func (s *ArchiveSync) Sync(ctx context.Context, in SyncInput) (*SyncResult, error) {
	names := in.Datasets
	if len(names) == 0 {
		names = s.datasets.Names()
	}
	profiles := make([]types.DatasetProfile, 0, len(names))
	for _, n := range names {
		p, err := s.datasets.Lookup(n)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}

	res := &SyncResult{SyncID: uuid.NewString()}
	logger := s.logger.With("sync_id", res.SyncID)
	logger.InfoContext(ctx, "archive sync started",
		"datasets", names,
		"force", in.Force,
		"limit", in.Limit,
	)

	for _, p := range profiles {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		dr := s.syncDataset(ctx, logger, p, in)
		res.Scanned += dr.Scanned
		res.Skipped += dr.Skipped
		res.Ingested += dr.Ingested
		res.Failed += dr.Failed
		res.Datasets = append(res.Datasets, dr)
	}

	logger.InfoContext(ctx, "archive sync complete",
		"scanned", res.Scanned,
		"skipped", res.Skipped,
		"ingested", res.Ingested,
		"failed", res.Failed,
	)
	return res, ctx.Err()
}

func (s *ArchiveSync) syncDataset(ctx context.Context, logger *slog.Logger, profile types.DatasetProfile, in SyncInput) DatasetResult {
	started := s.clock.Now()
	dr := DatasetResult{Dataset: profile.Name}
	logger = logger.With("dataset", profile.Name)

	defer func() {
		if s.metrics != nil {
			s.metrics.RecordSync(ctx, profile.Name, dr.Ingested, dr.Skipped, dr.Failed, s.clock.Since(started))
		}
	}()

	dir := filepath.Join(s.rawRoot, profile.Name)
	entries, err := archive.ScanDirectory(dir, logger)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.WarnContext(ctx, "raw directory missing", "dir", dir)
		} else {
			logger.ErrorContext(ctx, "raw directory scan failed", "dir", dir, "error", err)
			dr.Error = err.Error()
		}
		return dr
	}
	own := entries[:0]
	for _, e := range entries {
		if e.Dataset == profile.Name {
			own = append(own, e)
		}
	}
	entries = own
	dr.Scanned = len(entries)

	if s.recorder != nil {
		for _, e := range entries {
			if err := s.recorder.Upsert(ctx, e); err != nil {
				logger.ErrorContext(ctx, "inventory upsert failed",
					"run_time", e.RunTime.Format(time.RFC3339),
					"error", err,
				)
			}
		}
	}

	pending, err := s.pending(ctx, profile.Name, entries, in.Force)
	if err != nil {
		logger.ErrorContext(ctx, "store index unavailable", "error", err)
		dr.Error = err.Error()
		return dr
	}
	dr.Skipped = len(entries) - len(pending)
	if in.Limit > 0 && len(pending) > in.Limit {
		dr.Deferred = len(pending) - in.Limit
		pending = pending[:in.Limit]
		logger.InfoContext(ctx, "sync limit reached", "limit", in.Limit, "deferred", dr.Deferred)
	}

	s.ingestAll(ctx, logger, profile, pending, in.Force, &dr)

	if s.recorder != nil {
		latest, ok, err := s.recorder.LatestRunTime(ctx, profile.Name)
		switch {
		case err != nil:
			logger.WarnContext(ctx, "latest run lookup failed", "error", err)
		case ok:
			dr.Latest = &latest
		}
	} else if len(entries) > 0 {
		latest := entries[len(entries)-1].RunTime
		dr.Latest = &latest
	}
	return dr
}

// pending returns the entries that still need ingestion, in run order.
func (s *ArchiveSync) pending(ctx context.Context, dataset string, entries []archive.Entry, force bool) ([]archive.Entry, error) {
	if force || s.stores == nil {
		return entries, nil
	}
	present, err := s.stores.RunTimes(ctx, dataset)
	if err != nil {
		return nil, err
	}
	have := make(map[int64]struct{}, len(present))
	for _, t := range present {
		have[t.Unix()] = struct{}{}
	}
	var out []archive.Entry
	for _, e := range entries {
		if _, ok := have[e.RunTime.Unix()]; !ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *ArchiveSync) ingestAll(ctx context.Context, logger *slog.Logger, profile types.DatasetProfile, entries []archive.Entry, force bool, dr *DatasetResult) {
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.concurrency)

	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			h, err := s.ingester.Ingest(ctx, profile, e, force)
			if err != nil {
				logger.ErrorContext(ctx, "run ingestion failed",
					"run_time", e.RunTime.Format(time.RFC3339),
					"file", filepath.Base(e.Path),
					"error", err,
				)
				mu.Lock()
				dr.Failed++
				mu.Unlock()
				return nil
			}
			if s.recorder != nil {
				if err := s.recorder.MarkIngested(ctx, profile.Name, e.RunTime, s.clock.Now()); err != nil {
					logger.WarnContext(ctx, "failed to mark run ingested",
						"run_time", e.RunTime.Format(time.RFC3339),
						"error", err,
					)
				}
			}
			mu.Lock()
			if h.Written {
				dr.Ingested++
			} else {
				dr.Skipped++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
}

// ReaderIndex adapts a store.Reader to StoreIndex.
func ReaderIndex(r *store.Reader) StoreIndex {
	return readerIndex{r: r}
}

type readerIndex struct {
	r *store.Reader
}

func (ri readerIndex) RunTimes(ctx context.Context, dataset string) ([]time.Time, error) {
	st, err := ri.r.Open(ctx, dataset)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeNotFoundStore {
			return nil, nil
		}
		return nil, err
	}
	return st.RunTimes(), nil
}
