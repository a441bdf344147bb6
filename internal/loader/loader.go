// Package loader moves collected JSONL batches into the warehouse,
// tracking each run in the load log so batches load at most once.
package loader

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/precodata/preco-cli/internal/model"
	"github.com/precodata/preco-cli/internal/sink"
	"github.com/precodata/preco-cli/internal/store"
)

// Summary reports what a load pass did.
type Summary struct {
	BatchesLoaded  int   `json:"batches_loaded"`
	BatchesSkipped int   `json:"batches_skipped"`
	BatchesFailed  int   `json:"batches_failed"`
	RowsLoaded     int64 `json:"rows_loaded"`
}

// Loader walks an output root and loads every batch with a manifest.
type Loader struct {
	store   store.Store
	workers int
}

// New creates a Loader. workers bounds batch-level parallelism;
// values below 1 mean sequential.
func New(st store.Store, workers int) *Loader {
	if workers < 1 {
		workers = 1
	}
	return &Loader{store: st, workers: workers}
}

// LoadAll discovers batches under baseDir and loads each one. A
// failing batch is logged, marked failed in the load log, and does
// not stop the others.
func (l *Loader) LoadAll(ctx context.Context, baseDir string) (Summary, error) {
	batches, err := sink.Discover(baseDir)
	if err != nil {
		return Summary{}, eris.Wrap(err, "loader: discover batches")
	}

	var mu sync.Mutex
	var sum Summary

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(l.workers)
	for _, batch := range batches {
		batch := batch
		g.Go(func() error {
			rows, status, err := l.loadBatch(ctx, batch)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil && ctx.Err() != nil:
				return err
			case err != nil:
				sum.BatchesFailed++
				zap.L().Error("loader: batch failed",
					zap.String("manifest", batch.ManifestFile),
					zap.Error(err),
				)
			case status == statusSkipped:
				sum.BatchesSkipped++
			default:
				sum.BatchesLoaded++
				sum.RowsLoaded += rows
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return sum, eris.Wrap(err, "loader: cancelled")
	}

	zap.L().Info("loader: pass complete",
		zap.Int("loaded", sum.BatchesLoaded),
		zap.Int("skipped", sum.BatchesSkipped),
		zap.Int("failed", sum.BatchesFailed),
		zap.Int64("rows", sum.RowsLoaded),
	)
	return sum, nil
}

type loadStatus int

const (
	statusLoaded loadStatus = iota
	statusSkipped
)

func (l *Loader) loadBatch(ctx context.Context, batch sink.Batch) (int64, loadStatus, error) {
	manifest, err := sink.ReadManifest(batch.ManifestFile)
	if err != nil {
		return 0, statusLoaded, err
	}

	loaded, err := l.store.IsLoaded(ctx, manifest.RunID)
	if err != nil {
		return 0, statusLoaded, err
	}
	if loaded {
		zap.L().Debug("loader: batch already loaded",
			zap.String("run_id", manifest.RunID),
			zap.String("anp", manifest.ANP),
		)
		return 0, statusSkipped, nil
	}

	loadID, err := l.store.StartLoad(ctx, manifest.RunID, manifest.ANP)
	if err != nil {
		return 0, statusLoaded, err
	}

	var recs []model.PriceRecord
	err = sink.EachRow(batch.DataFile, func(row model.CollectedRow) error {
		rec, err := model.RecordFromRow(row)
		if err != nil {
			return err
		}
		recs = append(recs, rec)
		return nil
	})
	if err != nil {
		if ferr := l.store.FailLoad(ctx, loadID, err.Error()); ferr != nil {
			zap.L().Warn("loader: fail-mark failed", zap.Error(ferr))
		}
		return 0, statusLoaded, eris.Wrapf(err, "loader: read batch %s", manifest.RunID)
	}

	n, err := l.store.InsertPrices(ctx, recs)
	if err != nil {
		if ferr := l.store.FailLoad(ctx, loadID, err.Error()); ferr != nil {
			zap.L().Warn("loader: fail-mark failed", zap.Error(ferr))
		}
		return 0, statusLoaded, eris.Wrapf(err, "loader: insert batch %s", manifest.RunID)
	}

	if err := l.store.CompleteLoad(ctx, loadID, n); err != nil {
		return 0, statusLoaded, err
	}

	zap.L().Info("loader: batch loaded",
		zap.String("run_id", manifest.RunID),
		zap.String("anp", manifest.ANP),
		zap.Int64("rows", n),
	)
	return n, statusLoaded, nil
}
