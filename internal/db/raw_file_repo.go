package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"firerisk/internal/archive"
	"firerisk/internal/types"
)

// RawFileRepository stores the raw file inventory in the raw_files table:
//
//	CREATE TABLE raw_files (
//	    dataset     TEXT        NOT NULL,
//	    run_time    TIMESTAMPTZ NOT NULL,
//	    path        TEXT        NOT NULL,
//	    ingested_at TIMESTAMPTZ,
//	    PRIMARY KEY (dataset, run_time)
//	);
//
// It implements archive.Inventory, so the builder can resolve runs from the
// database instead of scanning directories.
type RawFileRepository struct {
	db DBTX
}

// NewRawFileRepository creates a RawFileRepository backed by the given
// database connection (pool or transaction).
func NewRawFileRepository(db DBTX) *RawFileRepository {
	return &RawFileRepository{db: db}
}

// Upsert records a raw file. A run already known keeps its ingested_at
// unless the path changed, in which case it must be ingested again.
func (r *RawFileRepository) Upsert(ctx context.Context, e archive.Entry) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO raw_files (dataset, run_time, path)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (dataset, run_time) DO UPDATE
		   SET path = EXCLUDED.path,
		       ingested_at = CASE WHEN raw_files.path = EXCLUDED.path
		                          THEN raw_files.ingested_at END`,
		e.Dataset,
		e.RunTime.UTC(),
		e.Path,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to upsert raw file", err)
	}
	return nil
}

// FindByDate returns the file for selector's calendar day, preferring an
// exact run time match and otherwise the earliest run of that day.
func (r *RawFileRepository) FindByDate(ctx context.Context, dataset string, selector time.Time) (archive.Entry, error) {
	day := selector.UTC().Truncate(24 * time.Hour)

	e := archive.Entry{Dataset: dataset}
	err := r.db.QueryRow(ctx,
		`SELECT run_time, path
		 FROM raw_files
		 WHERE dataset = $1 AND run_time >= $2 AND run_time < $3
		 ORDER BY (run_time = $4) DESC, run_time ASC
		 LIMIT 1`,
		dataset,
		day,
		day.Add(24*time.Hour),
		selector.UTC(),
	).Scan(&e.RunTime, &e.Path)
	if errors.Is(err, pgx.ErrNoRows) {
		return archive.Entry{}, types.NewAppErrorWithDetails(
			types.ErrCodeNotFoundSourceFile,
			fmt.Sprintf("no raw %s file for %s", dataset, day.Format("2006-01-02")),
			nil,
			map[string]any{"dataset": dataset, "date": day.Format("2006-01-02")},
		)
	}
	if err != nil {
		return archive.Entry{}, types.NewAppError(types.ErrCodeInternalDB, "failed to find raw file", err)
	}
	e.RunTime = e.RunTime.UTC()
	return e, nil
}

// List returns every raw file of the dataset in run order.
func (r *RawFileRepository) List(ctx context.Context, dataset string) ([]archive.Entry, error) {
	rows, err := r.db.Query(ctx,
		`SELECT run_time, path
		 FROM raw_files
		 WHERE dataset = $1
		 ORDER BY run_time ASC`,
		dataset,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list raw files", err)
	}
	defer rows.Close()

	var out []archive.Entry
	for rows.Next() {
		e := archive.Entry{Dataset: dataset}
		if err := rows.Scan(&e.RunTime, &e.Path); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan raw file row", err)
		}
		e.RunTime = e.RunTime.UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating raw file rows", err)
	}
	return out, nil
}

// LatestRunTime returns the newest run recorded for the dataset. ok is false
// when the dataset has no rows.
func (r *RawFileRepository) LatestRunTime(ctx context.Context, dataset string) (latest time.Time, ok bool, err error) {
	var t *time.Time
	err = r.db.QueryRow(ctx,
		`SELECT MAX(run_time) FROM raw_files WHERE dataset = $1`,
		dataset,
	).Scan(&t)
	if err != nil {
		return time.Time{}, false, types.NewAppError(types.ErrCodeInternalDB, "failed to query latest run", err)
	}
	if t == nil {
		return time.Time{}, false, nil
	}
	return t.UTC(), true, nil
}

// MarkIngested stamps ingested_at for one run.
func (r *RawFileRepository) MarkIngested(ctx context.Context, dataset string, runTime, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE raw_files SET ingested_at = $3
		 WHERE dataset = $1 AND run_time = $2`,
		dataset,
		runTime.UTC(),
		at.UTC(),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark raw file ingested", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppErrorWithDetails(types.ErrCodeNotFoundSourceFile,
			"raw file is not in the inventory", nil,
			map[string]any{"dataset": dataset, "run_time": runTime.UTC().Format(time.RFC3339)})
	}
	return nil
}
