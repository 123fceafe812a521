// Package main is the entry point of the archive sync job.
//
// Inside AWS Lambda (AWS_LAMBDA_FUNCTION_NAME set) it handles scheduler.Payload
// events, typically from an EventBridge schedule. Elsewhere it is a CLI that
// performs one pass, or repeats passes every -interval until interrupted.
//
//	archive-sync -dataset pof,fopi -limit 20
//	archive-sync -rebuild -dataset fopi
//	archive-sync -interval 1h
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/jonboulle/clockwork"

	"firerisk/internal/archive"
	"firerisk/internal/config"
	"firerisk/internal/db"
	"firerisk/internal/rawfile"
	"firerisk/internal/scheduler"
	"firerisk/internal/store"
	"firerisk/internal/telemetry"
	"firerisk/internal/types"
)

// Syncer runs one sync pass.
type Syncer interface {
	Sync(ctx context.Context, in scheduler.SyncInput) (*scheduler.SyncResult, error)
}

// Rebuilder recreates a dataset store from the inventory.
type Rebuilder interface {
	Rebuild(ctx context.Context, dataset string) (int, error)
}

// Response is returned to the Lambda runtime and printed by the CLI.
type Response struct {
	Task    scheduler.TaskType    `json:"task"`
	Sync    *scheduler.SyncResult `json:"sync,omitempty"`
	Rebuilt map[string]int        `json:"rebuilt,omitempty"`
}

// Handler dispatches payloads to the sync or rebuild path.
type Handler struct {
	Syncer    Syncer
	Rebuilder Rebuilder
	Datasets  *types.DatasetRegistry
	Logger    *slog.Logger
}

// Handle validates the payload and runs the requested task.
func (h *Handler) Handle(ctx context.Context, payload scheduler.Payload) (*Response, error) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if err := payload.Validate(); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}

	logger.InfoContext(ctx, "archive sync invoked",
		"task", string(payload.Task),
		"datasets", payload.Datasets,
		"force", payload.Force,
		"limit", payload.Limit,
	)

	switch payload.Task {
	case scheduler.TaskRebuild:
		rebuilt, err := h.rebuild(ctx, payload.Datasets, logger)
		if err != nil {
			return nil, err
		}
		return &Response{Task: payload.Task, Rebuilt: rebuilt}, nil
	default:
		res, err := h.Syncer.Sync(ctx, payload.SyncInput)
		if err != nil {
			return nil, fmt.Errorf("sync failed: %w", err)
		}
		logger.InfoContext(ctx, "archive sync complete",
			"sync_id", res.SyncID,
			"scanned", res.Scanned,
			"ingested", res.Ingested,
			"skipped", res.Skipped,
			"failed", res.Failed,
		)
		return &Response{Task: payload.Task, Sync: res}, nil
	}
}

// rebuild processes datasets one at a time; the first failure stops the task.
func (h *Handler) rebuild(ctx context.Context, names []string, logger *slog.Logger) (map[string]int, error) {
	if len(names) == 0 {
		names = h.Datasets.Names()
	}
	out := make(map[string]int, len(names))
	for _, name := range names {
		n, err := h.Rebuilder.Rebuild(ctx, name)
		if err != nil {
			return out, fmt.Errorf("rebuilding %s: %w", name, err)
		}
		logger.InfoContext(ctx, "dataset rebuilt", "dataset", name, "runs", n)
		out[name] = n
	}
	return out, nil
}

// cliOptions are the command line flags.
type cliOptions struct {
	Datasets []string
	Force    bool
	Limit    int
	Rebuild  bool
	Interval time.Duration
}

func (o cliOptions) payload() scheduler.Payload {
	p := scheduler.Payload{
		Task: scheduler.TaskSync,
		SyncInput: scheduler.SyncInput{
			Datasets: o.Datasets,
			Force:    o.Force,
			Limit:    o.Limit,
		},
	}
	if o.Rebuild {
		p.Task = scheduler.TaskRebuild
	}
	return p
}

func parseFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("archive-sync", flag.ContinueOnError)
	var (
		opts     cliOptions
		datasets string
	)
	fs.StringVar(&datasets, "dataset", "", "comma separated datasets (default: all)")
	fs.BoolVar(&opts.Force, "force", false, "re-ingest runs already in the store")
	fs.IntVar(&opts.Limit, "limit", 0, "max runs ingested per dataset per pass (0: unlimited)")
	fs.BoolVar(&opts.Rebuild, "rebuild", false, "delete and rebuild the stores from the inventory")
	fs.DurationVar(&opts.Interval, "interval", 0, "repeat the pass at this interval (0: run once)")
	if err := fs.Parse(args); err != nil {
		return cliOptions{}, err
	}

	for _, d := range strings.Split(datasets, ",") {
		if d = strings.TrimSpace(d); d != "" {
			opts.Datasets = append(opts.Datasets, d)
		}
	}
	if opts.Limit < 0 {
		return cliOptions{}, fmt.Errorf("-limit must not be negative")
	}
	if opts.Interval < 0 {
		return cliOptions{}, fmt.Errorf("-interval must not be negative")
	}
	if opts.Rebuild && opts.Interval > 0 {
		return cliOptions{}, fmt.Errorf("-rebuild cannot be combined with -interval")
	}
	return opts, nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	logger := newLogger(cfg.LogLevel)

	datasets, err := config.LoadDatasets(cfg.Storage.DatasetsFile)
	if err != nil {
		return fmt.Errorf("loading datasets: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := clockwork.NewRealClock()
	h, cleanup, err := buildHandler(ctx, cfg, datasets, clock, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	if _, ok := os.LookupEnv("AWS_LAMBDA_FUNCTION_NAME"); ok {
		logger.Info("archive sync starting in lambda mode", "version", cfg.Build.Version)
		lambda.Start(h.Handle)
		return nil
	}

	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		return err
	}
	return runCLI(ctx, h, opts, clock, logger)
}

// runCLI performs one pass, or repeats it on a ticker until ctx is done.
// Failed passes inside the loop are logged and retried on the next tick.
func runCLI(ctx context.Context, h *Handler, opts cliOptions, clock clockwork.Clock, logger *slog.Logger) error {
	payload := opts.payload()
	if opts.Interval <= 0 {
		_, err := h.Handle(ctx, payload)
		return err
	}

	ticker := clock.NewTicker(opts.Interval)
	defer ticker.Stop()
	for {
		if _, err := h.Handle(ctx, payload); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			logger.ErrorContext(ctx, "sync pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			logger.Info("archive sync stopped")
			return nil
		case <-ticker.Chan():
		}
	}
}

// buildHandler wires the store builder, the optional database inventory and
// CloudWatch metrics. cleanup releases the database pool.
func buildHandler(ctx context.Context, cfg *config.Config, datasets *types.DatasetRegistry, clock clockwork.Clock, logger *slog.Logger) (*Handler, func(), error) {
	cleanup := func() {}

	var (
		inventory archive.Inventory = archive.NewDirectoryInventory(cfg.Storage.RawRoot, logger)
		recorder  scheduler.InventoryRecorder
	)
	if cfg.Database.Enabled() {
		pool, err := db.Connect(ctx, cfg.Database.URL.Unmask(), cfg.Database.MaxConns)
		if err != nil {
			return nil, cleanup, fmt.Errorf("connecting to database: %w", err)
		}
		cleanup = pool.Close
		repo := db.NewRawFileRepository(pool)
		recorder = repo
		inventory = db.NewBreakingInventory(repo, db.BreakerConfig{
			Name:        "raw-file-inventory",
			MaxFailures: cfg.Database.BreakerMaxFailures,
			Timeout:     cfg.Database.BreakerTimeout,
		})
	}

	var metrics scheduler.SyncMetrics
	if ns := cfg.Observability.MetricsNamespace; ns != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Observability.AWSRegion))
		if err != nil {
			cleanup()
			return nil, func() {}, fmt.Errorf("loading AWS config: %w", err)
		}
		metrics = telemetry.NewSyncMetrics(cloudwatch.NewFromConfig(awsCfg), ns, logger)
	}

	retry := store.RetryPolicy{
		Attempts: cfg.Storage.LockRetryAttempts,
		Delay:    cfg.Storage.LockRetryDelay,
	}
	builder := store.NewBuilder(store.BuilderConfig{
		Root:      cfg.Storage.StoreRoot,
		Datasets:  datasets,
		Inventory: inventory,
		Opener:    rawfile.NetCDFOpener{},
		Retry:     retry,
		Clock:     clock,
		Logger:    logger,
	})
	reader := store.NewReader(store.ReaderConfig{
		Root:   cfg.Storage.StoreRoot,
		Retry:  retry,
		Clock:  clock,
		Logger: logger,
	})

	syncer := scheduler.NewArchiveSync(scheduler.ArchiveSyncConfig{
		RawRoot:     cfg.Storage.RawRoot,
		Datasets:    datasets,
		Ingester:    builder,
		Stores:      scheduler.ReaderIndex(reader),
		Recorder:    recorder,
		Metrics:     metrics,
		Concurrency: cfg.Sync.Concurrency,
		Clock:       clock,
		Logger:      logger,
	})

	return &Handler{
		Syncer:    syncer,
		Rebuilder: builder,
		Datasets:  datasets,
		Logger:    logger,
	}, cleanup, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
