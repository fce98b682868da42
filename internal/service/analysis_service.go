// Package service provides the analysis workflow: load the dataset, run the
// neighborhood pipeline, write the labelled dataset and its exports, and
// record the run.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/atlasmap-sc/neighborhood/internal/cache"
	"github.com/atlasmap-sc/neighborhood/internal/cluster"
	"github.com/atlasmap-sc/neighborhood/internal/config"
	"github.com/atlasmap-sc/neighborhood/internal/data/anndata"
	"github.com/atlasmap-sc/neighborhood/internal/data/zarr"
	"github.com/atlasmap-sc/neighborhood/internal/export"
	"github.com/atlasmap-sc/neighborhood/internal/neighborhood"
	"github.com/atlasmap-sc/neighborhood/internal/pipeline"
	"github.com/atlasmap-sc/neighborhood/internal/runstore"
	"github.com/atlasmap-sc/neighborhood/internal/spatial"
)

// LabelColumn is the obs column that receives the neighborhood label.
const LabelColumn = "neighborhood"

// AnalysisServiceConfig contains configuration for AnalysisService.
type AnalysisServiceConfig struct {
	Config *config.Config
	// Cache is shared by every reader of the input store; may be nil.
	Cache *cache.Manager
	// Runs records each invocation; may be nil.
	Runs   *runstore.Store
	Logger *slog.Logger
}

// AnalysisService runs the neighborhood analysis end to end.
type AnalysisService struct {
	cfg    *config.Config
	cache  *cache.Manager
	runs   *runstore.Store
	logger *slog.Logger
}

// NewAnalysisService creates a new analysis service.
func NewAnalysisService(cfg AnalysisServiceConfig) *AnalysisService {
	return &AnalysisService{
		cfg:    cfg.Config,
		cache:  cfg.Cache,
		runs:   cfg.Runs,
		logger: cfg.Logger,
	}
}

// Outcome describes a completed run.
type Outcome struct {
	RunID string
	// Output is the path of the labelled dataset.
	Output string
	// Exports lists the exported table files.
	Exports []string
	Result  *pipeline.Result
}

// Run executes the analysis. Nothing is written to the output directory
// unless every stage succeeds.
func (s *AnalysisService) Run(ctx context.Context) (*Outcome, error) {
	input, err := anndata.ResolveStorePath(s.cfg.Input)
	if err != nil {
		return nil, &neighborhood.IOError{Op: "read", Path: s.cfg.Input, Err: err}
	}
	output := filepath.Join(s.cfg.Output.Dir, s.cfg.Output.Name+".zarr")

	run := &runstore.Run{
		ID:     runstore.NewRunID(),
		Input:  input,
		Output: output,
		Params: runstore.RunParams{
			NNeighbors:     s.cfg.Params.NNeighbors,
			NNeighborhoods: s.cfg.Params.NNeighborhoods,
			Seed:           s.cfg.Params.Seed,
			Backend:        s.cfg.Index.Backend,
			CellType:       s.cfg.Fields.CellType,
			Region:         s.cfg.Fields.Region,
			Spatial:        s.cfg.Fields.Spatial,
		},
	}
	logger := s.logger.With("run_id", run.ID)
	if s.runs != nil {
		if err := s.runs.CreateRun(run); err != nil {
			return nil, &neighborhood.IOError{Op: "record run", Path: s.cfg.Runs.SQLitePath, Err: err}
		}
	}

	outcome, err := s.run(ctx, logger, run.ID, input, output)
	if err != nil {
		if s.runs != nil {
			if ferr := s.runs.FailRun(run.ID, err.Error()); ferr != nil {
				logger.Warn("Failed to record run failure", "error", ferr)
			}
		}
		return nil, err
	}

	if s.runs != nil {
		res := outcome.Result
		if err := s.runs.CompleteRun(run.ID, len(res.Labels), len(res.Regions), res.Inertia, res.Sizes); err != nil {
			logger.Warn("Failed to record run completion", "error", err)
		}
	}
	return outcome, nil
}

func (s *AnalysisService) run(ctx context.Context, logger *slog.Logger, runID, input, output string) (*Outcome, error) {
	start := time.Now()
	logger.Info("Reading dataset", "path", input)

	d, err := anndata.Open(input, s.cache)
	if err != nil {
		return nil, &neighborhood.IOError{Op: "read", Path: input, Err: err}
	}
	defer d.Close()

	cells, err := d.LoadCells(anndata.Fields{
		Spatial:  s.cfg.Fields.Spatial,
		CellType: s.cfg.Fields.CellType,
		Region:   s.cfg.Fields.Region,
	})
	if err != nil {
		return nil, asIOError("read", input, err)
	}
	logger.Info("Loaded cells", "cells", len(cells))

	backend, err := spatial.ParseBackend(s.cfg.Index.Backend)
	if err != nil {
		return nil, err
	}
	res, err := pipeline.Run(ctx, logger, cells, pipeline.Params{
		NNeighbors:     s.cfg.Params.NNeighbors,
		NNeighborhoods: s.cfg.Params.NNeighborhoods,
		Seed:           s.cfg.Params.Seed,
		Backend:        backend,
		Clustering: cluster.Config{
			BatchSize:        s.cfg.Clustering.BatchSize,
			MaxIter:          s.cfg.Clustering.MaxIter,
			MaxNoImprovement: s.cfg.Clustering.MaxNoImprovement,
			NInit:            s.cfg.Clustering.NInit,
			InitSize:         s.cfg.Clustering.InitSize,
			Tol:              s.cfg.Clustering.Tol,
		},
		Workers: s.cfg.EffectiveWorkers(),
	})
	if err != nil {
		return nil, err
	}
	s.logSummary(logger, res)

	if err := os.MkdirAll(s.cfg.Output.Dir, 0755); err != nil {
		return nil, &neighborhood.IOError{Op: "write", Path: s.cfg.Output.Dir, Err: err}
	}
	stage, err := os.MkdirTemp(s.cfg.Output.Dir, "."+s.cfg.Output.Name+"-staging-")
	if err != nil {
		return nil, &neighborhood.IOError{Op: "write", Path: s.cfg.Output.Dir, Err: err}
	}
	defer os.RemoveAll(stage)

	staged := filepath.Join(stage, filepath.Base(output))
	logger.Info("Writing labelled dataset", "path", output)
	if err := anndata.CopyStore(input, staged); err != nil {
		return nil, &neighborhood.IOError{Op: "write", Path: output, Err: err}
	}
	if err := anndata.AddObsColumn(staged, LabelColumn, res.Labels, s.writerOptions()); err != nil {
		return nil, &neighborhood.IOError{Op: "write", Path: output, Err: err}
	}

	var exports []string
	if s.cfg.Export.IsEnabled() {
		exporter := export.New(logger, export.Options{
			Name:        s.cfg.Output.Name,
			Tables:      s.cfg.Export.Tables,
			SpatialKey:  s.cfg.Fields.Spatial,
			LabelColumn: LabelColumn,
			GzipLevel:   s.cfg.Export.GzipLevel,
			Zarr:        s.writerOptions(),
		})
		paths, err := exporter.Export(ctx, stage, d, res.Labels)
		if err != nil {
			return nil, asIOError("write", s.cfg.Output.Dir, err)
		}
		exports = paths
	}

	committed, err := commit(stage, s.cfg.Output.Dir)
	if err != nil {
		return nil, &neighborhood.IOError{Op: "write", Path: s.cfg.Output.Dir, Err: err}
	}
	exportPaths := committed[:0]
	for _, p := range committed {
		if p != output {
			exportPaths = append(exportPaths, p)
		}
	}
	if len(exportPaths) != len(exports) {
		logger.Warn("Unexpected number of committed exports", "expected", len(exports), "committed", len(exportPaths))
	}

	logger.Info("Done", "output", output, "exports", len(exportPaths), "elapsed", time.Since(start))
	return &Outcome{RunID: runID, Output: output, Exports: exportPaths, Result: res}, nil
}

func (s *AnalysisService) logSummary(logger *slog.Logger, res *pipeline.Result) {
	for label, n := range res.Sizes {
		logger.Info("Neighborhood", "label", label, "cells", n)
	}
	if logger.Enabled(context.Background(), slog.LevelDebug) {
		types := res.Vocabulary.Types()
		for label, c := range res.Model.Centroids {
			attrs := make([]any, 0, 2*len(types)+2)
			attrs = append(attrs, "label", label)
			for j, t := range types {
				attrs = append(attrs, t, c[j])
			}
			logger.Debug("Neighborhood centroid", attrs...)
		}
	}
}

func (s *AnalysisService) writerOptions() zarr.WriterOptions {
	codec := s.cfg.Zarr.Codec
	if codec == "none" {
		codec = ""
	}
	return zarr.WriterOptions{Codec: codec, Level: s.cfg.Zarr.Level, ChunkRows: s.cfg.Zarr.ChunkRows}
}

// commit moves every entry of stage into dir, replacing existing entries,
// and returns the final paths.
func commit(stage, dir string) ([]string, error) {
	entries, err := os.ReadDir(stage)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		dst := filepath.Join(dir, e.Name())
		if err := os.RemoveAll(dst); err != nil {
			return nil, fmt.Errorf("failed to replace %s: %w", dst, err)
		}
		if err := os.Rename(filepath.Join(stage, e.Name()), dst); err != nil {
			return nil, fmt.Errorf("failed to move %s into place: %w", e.Name(), err)
		}
		out = append(out, dst)
	}
	return out, nil
}

// asIOError keeps taxonomy errors and context cancellation as they are and
// wraps anything else as an IOError.
func asIOError(op, path string, err error) error {
	var mfe *neighborhood.MissingFieldError
	var pe *neighborhood.ParameterError
	var ioe *neighborhood.IOError
	switch {
	case errors.As(err, &mfe), errors.As(err, &pe), errors.As(err, &ioe):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return &neighborhood.IOError{Op: op, Path: path, Err: err}
}
