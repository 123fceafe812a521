package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"firerisk/internal/types"
)

const (
	metaFile      = ".zmetadata"
	validReadPool = 8
)

// Layout resolves on-disk paths under a store root.
type Layout struct {
	Root string
}

// DatasetDir is <root>/<dataset>.
func (l Layout) DatasetDir(dataset string) string {
	return filepath.Join(l.Root, dataset)
}

// StoreDir is <root>/<dataset>/<dataset>.zarr.
func (l Layout) StoreDir(dataset string) string {
	return filepath.Join(l.DatasetDir(dataset), dataset+".zarr")
}

// RunLockPath is the sidecar lock scoped to one (dataset, run).
func (l Layout) RunLockPath(dataset string, run time.Time) string {
	return runLockPath(l.StoreDir(dataset), run)
}

// CommitLockPath is the store-wide lock serializing appends and rebuilds.
func (l Layout) CommitLockPath(dataset string) string {
	return commitLockPath(l.StoreDir(dataset))
}

func runLockPath(storeDir string, run time.Time) string {
	return storeDir + "." + run.UTC().Format("2006010215") + ".lock"
}

func commitLockPath(storeDir string) string {
	return storeDir + ".lock"
}

// Grid is the spatial axes of a store.
type Grid struct {
	Lats []float64
	Lons []float64
}

// Store is a read-only snapshot of one dataset store. It reflects the
// consolidated metadata at open time; appends made afterwards are not
// visible until the store is reopened.
type Store struct {
	dir      string
	attrs    GroupAttrs
	dataMeta ArrayMeta
	grid     Grid
	runs     []time.Time
	valid    [][]time.Time
	codec    *codec
}

// Dataset returns the dataset name.
func (s *Store) Dataset() string { return s.attrs.Dataset }

// Variable returns the data variable name.
func (s *Store) Variable() string { return s.attrs.Variable }

// Dims returns the data variable's dimension order.
func (s *Store) Dims() []string { return s.attrs.Dims }

// Grid returns the lat/lon axes.
func (s *Store) Grid() Grid { return s.grid }

// Leads returns the length of the lead axis.
func (s *Store) Leads() int {
	if len(s.dataMeta.Shape) < 2 {
		return 0
	}
	return s.dataMeta.Shape[1]
}

// RunTimes returns the run labels in store order.
func (s *Store) RunTimes() []time.Time {
	out := make([]time.Time, len(s.runs))
	copy(out, s.runs)
	return out
}

// RunIndex finds the store index of run.
func (s *Store) RunIndex(run time.Time) (int, bool) {
	for i, r := range s.runs {
		if r.Equal(run) {
			return i, true
		}
	}
	return -1, false
}

// ValidTimes returns the valid time of every lead of a run. Padded leads
// carry the zero time.
func (s *Store) ValidTimes(runIdx int) []time.Time {
	if runIdx < 0 || runIdx >= len(s.valid) {
		return nil
	}
	out := make([]time.Time, len(s.valid[runIdx]))
	copy(out, s.valid[runIdx])
	return out
}

// ReadSlab reads one (run, lead) slice restricted to the given lat and lon
// indices, row-major [lat][lon]. Nil index slices select the full axis.
// Missing cells are NaN.
func (s *Store) ReadSlab(_ context.Context, runIdx, leadIdx int, latIdx, lonIdx []int) ([]float64, error) {
	if runIdx < 0 || runIdx >= len(s.runs) || leadIdx < 0 || leadIdx >= s.Leads() {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected,
			fmt.Sprintf("slab (%d, %d) out of range", runIdx, leadIdx), nil)
	}
	vals, err := s.readDataChunk(runIdx, leadIdx)
	if err != nil {
		return nil, err
	}

	nX := len(s.grid.Lons)
	if latIdx == nil {
		latIdx = seq(len(s.grid.Lats))
	}
	if lonIdx == nil {
		lonIdx = seq(nX)
	}
	out := make([]float64, 0, len(latIdx)*len(lonIdx))
	for _, y := range latIdx {
		row := vals[y*nX : (y+1)*nX]
		for _, x := range lonIdx {
			out = append(out, float64(row[x]))
		}
	}
	return out, nil
}

func (s *Store) readDataChunk(runIdx, leadIdx int) ([]float32, error) {
	path := filepath.Join(s.dir, s.attrs.Variable, chunkKey(runIdx, leadIdx, 0, 0))
	raw, err := s.readChunk(path)
	if err != nil {
		return nil, err
	}
	vals, err := decodeFloat32s(raw)
	if err != nil || len(vals) != len(s.grid.Lats)*len(s.grid.Lons) {
		return nil, corrupt(path, err)
	}
	return vals, nil
}

func (s *Store) readChunk(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, corrupt(path, err)
	}
	raw, err := s.codec.decompress(data)
	if err != nil {
		return nil, corrupt(path, err)
	}
	return raw, nil
}

func corrupt(path string, err error) *types.AppError {
	return types.NewAppErrorWithDetails(types.ErrCodeInternalStoreCorrupt,
		"store chunk unreadable", err, map[string]any{"chunk": filepath.Base(filepath.Dir(path)) + "/" + filepath.Base(path)})
}

func seq(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// loadStore reads the consolidated metadata and coordinate arrays of dir.
// A missing store yields os.ErrNotExist.
func loadStore(ctx context.Context, dir string, c *codec) (*Store, error) {
	data, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		return nil, err
	}
	var cm consolidated
	if err := json.Unmarshal(data, &cm); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", metaFile, err)
	}

	s := &Store{dir: dir, codec: c}
	if err := unmarshalEntry(cm, ".zattrs", &s.attrs); err != nil {
		return nil, err
	}
	var runMeta, latMeta, lonMeta ArrayMeta
	for key, dst := range map[string]*ArrayMeta{
		ArrRun + "/.zarray":           &runMeta,
		ArrLat + "/.zarray":           &latMeta,
		ArrLon + "/.zarray":           &lonMeta,
		s.attrs.Variable + "/.zarray": &s.dataMeta,
	} {
		if err := unmarshalEntry(cm, key, dst); err != nil {
			return nil, err
		}
	}
	if len(s.dataMeta.Shape) != 4 || len(runMeta.Shape) != 1 {
		return nil, fmt.Errorf("unexpected shapes data=%v run=%v", s.dataMeta.Shape, runMeta.Shape)
	}

	if s.grid.Lats, err = readFloat64Array(s, ArrLat, latMeta.Shape[0]); err != nil {
		return nil, err
	}
	if s.grid.Lons, err = readFloat64Array(s, ArrLon, lonMeta.Shape[0]); err != nil {
		return nil, err
	}

	nRuns := runMeta.Shape[0]
	if nRuns > 0 {
		raw, err := s.readChunk(filepath.Join(dir, ArrRun, "0"))
		if err != nil {
			return nil, err
		}
		runs, err := decodeTimes(raw)
		if err != nil || len(runs) < nRuns {
			return nil, corrupt(filepath.Join(dir, ArrRun, "0"), err)
		}
		// The chunk may already hold a run appended after this metadata.
		s.runs = runs[:nRuns]
	}

	s.valid = make([][]time.Time, nRuns)
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(validReadPool)
	for i := 0; i < nRuns; i++ {
		g.Go(func() error {
			path := filepath.Join(dir, ArrValid, chunkKey(i, 0))
			raw, err := s.readChunk(path)
			if err != nil {
				return err
			}
			vt, err := decodeTimes(raw)
			if err != nil {
				return corrupt(path, err)
			}
			s.valid[i] = vt
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return s, nil
}

func unmarshalEntry(cm consolidated, key string, dst any) error {
	raw, ok := cm.Metadata[key]
	if !ok {
		return fmt.Errorf("consolidated metadata missing %q", key)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("parsing %q: %w", key, err)
	}
	return nil
}

func readFloat64Array(s *Store, name string, n int) ([]float64, error) {
	path := filepath.Join(s.dir, name, "0")
	raw, err := s.readChunk(path)
	if err != nil {
		return nil, err
	}
	vals, err := decodeFloat64s(raw)
	if err != nil || len(vals) != n {
		return nil, corrupt(path, err)
	}
	return vals, nil
}

// writeFileAtomic writes data next to path and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp-" + uuid.NewString()
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// ReaderConfig configures a Reader.
type ReaderConfig struct {
	Root   string
	Retry  RetryPolicy
	Clock  clockwork.Clock
	Logger *slog.Logger
}

// Reader opens dataset stores for querying. Opened stores are cached until
// the consolidated metadata on disk changes.
type Reader struct {
	layout Layout
	retry  RetryPolicy
	clock  clockwork.Clock
	logger *slog.Logger
	codec  *codec

	mu    sync.Mutex
	cache map[string]cachedStore
}

type cachedStore struct {
	info  os.FileInfo
	store *Store
}

// NewReader creates a Reader.
func NewReader(cfg ReaderConfig) *Reader {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Reader{
		layout: Layout{Root: cfg.Root},
		retry:  cfg.Retry,
		clock:  cfg.Clock,
		logger: cfg.Logger,
		codec:  newCodec(),
		cache:  make(map[string]cachedStore),
	}
}

// Open returns the current snapshot of a dataset's store. Transient open
// failures are retried; a store that does not exist yet fails with
// not_found_store.
func (r *Reader) Open(ctx context.Context, dataset string) (*Store, error) {
	dir := r.layout.StoreDir(dataset)

	st, err := withRetry(ctx, r.retry, r.clock, isTransient, func() (*Store, error) {
		fi, err := os.Stat(filepath.Join(dir, metaFile))
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		c, ok := r.cache[dataset]
		r.mu.Unlock()
		// Every commit renames a new metadata file into place.
		if ok && os.SameFile(c.info, fi) && c.info.ModTime().Equal(fi.ModTime()) {
			return c.store, nil
		}

		s, err := loadStore(ctx, dir, r.codec)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.cache[dataset] = cachedStore{info: fi, store: s}
		r.mu.Unlock()
		return s, nil
	})
	if err == nil {
		return st, nil
	}

	var appErr *types.AppError
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil, types.NewAppErrorWithDetails(types.ErrCodeNotFoundStore,
			fmt.Sprintf("no store for dataset %q", dataset), err, map[string]any{"dataset": dataset})
	case errors.As(err, &appErr):
		return nil, appErr
	case isTransient(err):
		r.logger.WarnContext(ctx, "store open retries exhausted", "dataset", dataset, "error", err)
		return nil, types.NewAppError(types.ErrCodeInternalStoreUnavailable, "store temporarily unavailable", err)
	default:
		return nil, types.NewAppError(types.ErrCodeInternalStoreCorrupt, "store metadata unreadable", err)
	}
}

// swapByRename replaces live with next using two renames and moves the
// previous store to next. On failure the previous store is put back.
func swapByRename(next, live string) error {
	old := next + ".old"
	if err := os.Rename(live, old); err != nil {
		return err
	}
	if err := os.Rename(next, live); err != nil {
		_ = os.Rename(old, live)
		return err
	}
	return os.Rename(old, next)
}
