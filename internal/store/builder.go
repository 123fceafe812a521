package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"firerisk/internal/archive"
	"firerisk/internal/rawfile"
	"firerisk/internal/types"
)

// coordTolerance is the largest coordinate drift accepted between a new run
// and the established grid.
const coordTolerance = 1e-6

// Handle identifies a run inside a dataset store.
type Handle struct {
	Dataset  string    `json:"dataset"`
	RunTime  time.Time `json:"run_time"`
	RunIndex int       `json:"run_index"`
	Path     string    `json:"path"`
	// Written is false when the run was already present and nothing was written.
	Written bool `json:"written"`
}

// BuilderConfig configures a Builder.
type BuilderConfig struct {
	Root      string
	Datasets  *types.DatasetRegistry
	Inventory archive.Inventory
	Opener    rawfile.Opener
	Retry     RetryPolicy
	Clock     clockwork.Clock
	Logger    *slog.Logger
}

// Builder ingests raw runs into the per-dataset stores.
//
// A run-scoped lock is held for the whole ingestion of a run, so distinct
// runs decode and compress in parallel. The store-wide commit lock covers
// only run index allocation, renaming the staged chunks into place and the
// metadata swap.
type Builder struct {
	layout    Layout
	datasets  *types.DatasetRegistry
	inventory archive.Inventory
	opener    rawfile.Opener
	retry     RetryPolicy
	clock     clockwork.Clock
	logger    *slog.Logger
	codec     *codec
}

// NewBuilder creates a Builder.
func NewBuilder(cfg BuilderConfig) *Builder {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Opener == nil {
		cfg.Opener = rawfile.NetCDFOpener{}
	}
	if cfg.Datasets == nil {
		cfg.Datasets = types.DefaultDatasets()
	}
	return &Builder{
		layout:    Layout{Root: cfg.Root},
		datasets:  cfg.Datasets,
		inventory: cfg.Inventory,
		opener:    cfg.Opener,
		retry:     cfg.Retry,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		codec:     newCodec(),
	}
}

// EnsureRun guarantees that the run selected by selector is in the store.
// The raw file is resolved through the inventory by calendar date. When the
// run is already present and force is false no file is read or written.
func (b *Builder) EnsureRun(ctx context.Context, dataset string, selector time.Time, force bool) (Handle, error) {
	profile, err := b.datasets.Lookup(dataset)
	if err != nil {
		return Handle{}, err
	}
	if b.inventory == nil {
		return Handle{}, types.NewAppError(types.ErrCodeInternalUnexpected, "builder has no inventory", nil)
	}
	entry, err := b.inventory.FindByDate(ctx, profile.Name, selector)
	if err != nil {
		return Handle{}, err
	}
	return b.Ingest(ctx, profile, entry, force)
}

// Ingest writes one archive entry into its dataset store.
func (b *Builder) Ingest(ctx context.Context, profile types.DatasetProfile, entry archive.Entry, force bool) (Handle, error) {
	if err := os.MkdirAll(b.layout.DatasetDir(profile.Name), 0o755); err != nil {
		return Handle{Dataset: profile.Name, RunTime: entry.RunTime, RunIndex: -1},
			types.NewAppError(types.ErrCodeInternalStoreUnavailable, "cannot create store directory", err)
	}
	return b.ingest(ctx, profile, entry, b.layout.StoreDir(profile.Name), force)
}

// ingest writes entry into the store at dir. The raw file is decoded and its
// chunks are staged under the run lock; the commit lock only covers index
// allocation, the chunk renames and the metadata swap.
func (b *Builder) ingest(ctx context.Context, profile types.DatasetProfile, entry archive.Entry, dir string, force bool) (Handle, error) {
	dataset := profile.Name
	handle := Handle{Dataset: dataset, RunTime: entry.RunTime, RunIndex: -1, Path: dir}

	runLock, err := acquireLock(ctx, runLockPath(dir, entry.RunTime), b.retry, b.clock)
	if err != nil {
		return handle, err
	}
	defer b.release(ctx, runLock)

	existing, err := b.current(ctx, dir)
	if err != nil {
		return handle, err
	}
	if existing != nil && !force {
		if idx, ok := existing.RunIndex(entry.RunTime); ok {
			handle.RunIndex = idx
			b.logger.DebugContext(ctx, "run already ingested", "dataset", dataset, "run_time", entry.RunTime)
			return handle, nil
		}
	}

	run, err := rawfile.Load(b.opener, entry.Path, profile, entry.RunTime)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) {
			return handle, appErr.WithDetails(map[string]any{"file": filepath.Base(entry.Path)})
		}
		return handle, types.NewAppErrorWithDetails(types.ErrCodeNotFoundSourceFile,
			"raw file could not be opened", err, map[string]any{"file": filepath.Base(entry.Path)})
	}
	if existing != nil {
		if err := checkSchema(existing, run); err != nil {
			return handle, err
		}
	}

	st, err := b.stage(dir, run)
	if err != nil {
		return handle, err
	}
	defer st.discard(ctx, b.logger)

	commitLock, err := acquireLock(ctx, commitLockPath(dir), b.retry, b.clock)
	if err != nil {
		return handle, err
	}
	defer b.release(ctx, commitLock)

	// Re-read under the commit lock: another writer may have appended.
	latest, err := b.current(ctx, dir)
	if err != nil {
		return handle, err
	}
	if latest != nil {
		if err := checkSchema(latest, run); err != nil {
			return handle, err
		}
	}

	idx, err := b.commit(dir, latest, run, st, force)
	if err != nil {
		return handle, err
	}
	handle.RunIndex = idx
	handle.Written = idx >= 0
	if !handle.Written {
		handle.RunIndex, _ = latest.RunIndex(entry.RunTime)
		return handle, nil
	}

	b.logger.InfoContext(ctx, "run ingested",
		"dataset", dataset,
		"run_time", entry.RunTime.Format(time.RFC3339),
		"run_index", idx,
		"leads", run.Leads(),
		"forced", force,
	)
	return handle, nil
}

// Rebuild re-ingests every inventory entry, in inventory order, into a new
// store beside the live one and swaps it in under the commit lock. Any
// failure discards the new store and leaves the live one untouched. An empty
// inventory leaves the live store as it is.
func (b *Builder) Rebuild(ctx context.Context, dataset string) (int, error) {
	profile, err := b.datasets.Lookup(dataset)
	if err != nil {
		return 0, err
	}
	if b.inventory == nil {
		return 0, types.NewAppError(types.ErrCodeInternalUnexpected, "builder has no inventory", nil)
	}
	entries, err := b.inventory.List(ctx, profile.Name)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		b.logger.WarnContext(ctx, "rebuild skipped: inventory is empty", "dataset", profile.Name)
		return 0, nil
	}

	if err := os.MkdirAll(b.layout.DatasetDir(profile.Name), 0o755); err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalStoreUnavailable, "cannot create store directory", err)
	}
	live := b.layout.StoreDir(profile.Name)
	next := live + ".rebuild-" + uuid.NewString()
	defer removeWithPrefix(ctx, b.logger, next)

	n := 0
	for _, e := range entries {
		h, err := b.ingest(ctx, profile, e, next, false)
		if err != nil {
			b.logger.WarnContext(ctx, "rebuild abandoned, live store unchanged",
				"dataset", profile.Name,
				"run_time", e.RunTime.Format(time.RFC3339),
				"error", err,
			)
			return 0, err
		}
		if h.Written {
			n++
		}
	}

	lock, err := acquireLock(ctx, commitLockPath(live), b.retry, b.clock)
	if err != nil {
		return 0, err
	}
	defer b.release(ctx, lock)

	if old, err := b.current(ctx, live); err == nil && old != nil {
		rebuilt, err := b.current(ctx, next)
		if err == nil && rebuilt != nil {
			if dropped := missingRuns(old.RunTimes(), rebuilt.RunTimes()); len(dropped) > 0 {
				b.logger.WarnContext(ctx, "rebuild drops runs absent from the inventory",
					"dataset", profile.Name, "runs", dropped)
			}
		}
	}

	if err := swapDirs(next, live); err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalStoreUnavailable, "cannot swap rebuilt store into place", err)
	}
	b.logger.InfoContext(ctx, "store rebuilt", "dataset", profile.Name, "runs", n)
	return n, nil
}

// missingRuns lists the runs of old that are not in rebuilt.
func missingRuns(old, rebuilt []time.Time) []string {
	var out []string
	for _, o := range old {
		found := false
		for _, r := range rebuilt {
			if r.Equal(o) {
				found = true
				break
			}
		}
		if !found {
			out = append(out, o.Format(time.RFC3339))
		}
	}
	return out
}

// removeWithPrefix deletes every sibling of path whose name starts with
// path's base name: the directory itself, its lock files and staging dirs.
func removeWithPrefix(ctx context.Context, logger *slog.Logger, path string) {
	dir, base := filepath.Split(path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		logger.WarnContext(ctx, "cannot list store directory for cleanup", "dir", dir, "error", err)
		return
	}
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), base) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			logger.WarnContext(ctx, "cleanup failed", "path", e.Name(), "error", err)
		}
	}
}

func (b *Builder) release(ctx context.Context, l *fileLock) {
	if err := l.unlock(); err != nil {
		b.logger.WarnContext(ctx, "failed to release store lock", "error", err)
	}
}

// current loads the store at dir, returning nil when it does not exist.
func (b *Builder) current(ctx context.Context, dir string) (*Store, error) {
	s, err := withRetry(ctx, b.retry, b.clock, isTransient, func() (*Store, error) {
		return loadStore(ctx, dir, b.codec)
	})
	switch {
	case err == nil:
		return s, nil
	case errors.Is(err, os.ErrNotExist):
		return nil, nil
	case isTransient(err):
		return nil, types.NewAppError(types.ErrCodeInternalStoreUnavailable, "store temporarily unavailable", err)
	default:
		var appErr *types.AppError
		if errors.As(err, &appErr) {
			return nil, appErr
		}
		return nil, types.NewAppError(types.ErrCodeInternalStoreCorrupt, "store metadata unreadable", err)
	}
}

// checkSchema rejects runs whose variable, dims, grid, or lead count differ
// from the established store. It runs before any write.
func checkSchema(s *Store, run *rawfile.Run) error {
	mismatch := func(field string, want, got any) error {
		return types.NewAppErrorWithDetails(types.ErrCodeInternalSchemaMismatch,
			fmt.Sprintf("run %s does not match store schema: %s", run.RunTime.Format(time.RFC3339), field),
			nil,
			map[string]any{"field": field, "store": want, "run": got},
		)
	}
	if s.Variable() != run.Variable {
		return mismatch("variable", s.Variable(), run.Variable)
	}
	if !equalStrings(s.Dims(), CanonicalDims) {
		return mismatch("dims", s.Dims(), CanonicalDims)
	}
	g := s.Grid()
	if !closeFloats(g.Lats, run.Lats) {
		return mismatch("lat", len(g.Lats), len(run.Lats))
	}
	if !closeFloats(g.Lons, run.Lons) {
		return mismatch("lon", len(g.Lons), len(run.Lons))
	}
	if run.Leads() > s.Leads() {
		return mismatch("lead_index", s.Leads(), run.Leads())
	}
	return nil
}

// commit moves the staged chunks into place and swaps the consolidated
// metadata. It returns the run index written, or -1 when the run was
// already present and force is false.
func (b *Builder) commit(dir string, s *Store, run *rawfile.Run, st *stagedRun, force bool) (int, error) {
	var (
		runs  []time.Time
		leads = run.Leads()
		attrs = GroupAttrs{
			Dataset:       run.Dataset,
			Variable:      run.Variable,
			Dims:          CanonicalDims,
			SchemaVersion: schemaVersion,
		}
	)
	if s != nil {
		runs = s.RunTimes()
		leads = s.Leads()
	}

	idx, exists := -1, false
	for i, r := range runs {
		if r.Equal(run.RunTime) {
			idx, exists = i, true
			break
		}
	}
	if exists && !force {
		return -1, nil
	}
	if !exists {
		idx = len(runs)
		runs = append(runs, run.RunTime)
	}

	fail := func(err error) (int, error) {
		return -1, types.NewAppError(types.ErrCodeInternalStoreUnavailable, "failed writing store chunks", err)
	}

	if s == nil {
		if err := b.writeChunk(filepath.Join(dir, ArrLat, "0"), encodeFloat64s(run.Lats)); err != nil {
			return fail(err)
		}
		if err := b.writeChunk(filepath.Join(dir, ArrLon, "0"), encodeFloat64s(run.Lons)); err != nil {
			return fail(err)
		}
	}

	// Data chunks, padded with missing leads up to the store's lead count.
	if err := os.MkdirAll(filepath.Join(dir, run.Variable), 0o755); err != nil {
		return fail(err)
	}
	valid := make([]time.Time, leads)
	for l := 0; l < leads; l++ {
		path := filepath.Join(dir, run.Variable, chunkKey(idx, l, 0, 0))
		if l >= run.Leads() {
			if err := writeFileAtomic(path, st.missing); err != nil {
				return fail(err)
			}
			continue
		}
		valid[l] = run.ValidTimes[l]
		if err := os.Rename(st.chunkPath(l), path); err != nil {
			return fail(err)
		}
	}
	if err := b.writeChunk(filepath.Join(dir, ArrValid, chunkKey(idx, 0)), encodeTimes(valid)); err != nil {
		return fail(err)
	}
	if !exists {
		if err := b.writeChunk(filepath.Join(dir, ArrRun, "0"), encodeTimes(runs)); err != nil {
			return fail(err)
		}
	}

	nR, nY, nX := len(runs), len(run.Lats), len(run.Lons)
	arrays := map[string]struct {
		meta ArrayMeta
		dims []string
	}{
		ArrRun:       {newArrayMeta([]int{nR}, []int{max(nR, 1)}, "<i8", nil), []string{DimRun}},
		ArrValid:     {newArrayMeta([]int{nR, leads}, []int{1, leads}, "<i8", nil), []string{DimRun, DimLead}},
		ArrLat:       {newArrayMeta([]int{nY}, []int{nY}, "<f8", nil), []string{DimLat}},
		ArrLon:       {newArrayMeta([]int{nX}, []int{nX}, "<f8", nil), []string{DimLon}},
		run.Variable: {newArrayMeta([]int{nR, leads, nY, nX}, []int{1, 1, nY, nX}, "<f4", "NaN"), CanonicalDims},
	}

	cm := consolidated{Format: 1, Metadata: make(map[string]json.RawMessage)}
	put := func(key string, v any) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		cm.Metadata[key] = raw
		return writeFileAtomic(filepath.Join(dir, key), raw)
	}
	if err := put(".zgroup", map[string]int{"zarr_format": 2}); err != nil {
		return fail(err)
	}
	if err := put(".zattrs", attrs); err != nil {
		return fail(err)
	}
	for name, a := range arrays {
		if err := put(name+"/.zarray", a.meta); err != nil {
			return fail(err)
		}
		if err := put(name+"/.zattrs", arrayAttrs{ArrayDimensions: a.dims}); err != nil {
			return fail(err)
		}
	}

	raw, err := json.Marshal(cm)
	if err != nil {
		return fail(err)
	}
	if err := writeFileAtomic(filepath.Join(dir, metaFile), raw); err != nil {
		return fail(err)
	}
	return idx, nil
}

func (b *Builder) writeChunk(path string, raw []byte) error {
	return writeFileAtomic(path, b.codec.compress(raw))
}

// stagedRun holds a run's compressed lead chunks, written beside the store
// so that a commit only has to rename them.
type stagedRun struct {
	dir string
	// missing is the compressed all-NaN slice used to pad short runs.
	missing []byte
}

func (s *stagedRun) chunkPath(lead int) string {
	return filepath.Join(s.dir, strconv.Itoa(lead))
}

func (s *stagedRun) discard(ctx context.Context, logger *slog.Logger) {
	if err := os.RemoveAll(s.dir); err != nil {
		logger.WarnContext(ctx, "failed to remove staging directory", "dir", s.dir, "error", err)
	}
}

// stage compresses and writes every lead of run to a private directory next
// to the store at storeDir, on the same filesystem so commit can rename.
func (b *Builder) stage(storeDir string, run *rawfile.Run) (*stagedRun, error) {
	dir := storeDir + ".stage-" + run.RunTime.UTC().Format("2006010215") + "-" + uuid.NewString()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalStoreUnavailable, "cannot create staging directory", err)
	}
	st := &stagedRun{dir: dir}
	for l := 0; l < run.Leads(); l++ {
		if err := os.WriteFile(st.chunkPath(l), b.codec.compress(encodeFloat32s(run.Slice(l))), 0o644); err != nil {
			_ = os.RemoveAll(dir)
			return nil, types.NewAppError(types.ErrCodeInternalStoreUnavailable, "failed staging store chunks", err)
		}
	}
	missing := make([]float32, run.CellCount())
	for i := range missing {
		missing[i] = float32(math.NaN())
	}
	st.missing = b.codec.compress(encodeFloat32s(missing))
	return st, nil
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func closeFloats(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if math.Abs(a[i]-b[i]) > coordTolerance {
			return false
		}
	}
	return true
}
