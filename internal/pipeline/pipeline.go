// Package pipeline runs the neighborhood analysis over a loaded cell set:
// region partitioning, per-region neighbor search and composition counting,
// then clustering of all composition vectors and label attachment.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/atlasmap-sc/neighborhood/internal/cluster"
	"github.com/atlasmap-sc/neighborhood/internal/neighborhood"
	"github.com/atlasmap-sc/neighborhood/internal/spatial"
)

// Params configures one run.
type Params struct {
	NNeighbors     int
	NNeighborhoods int
	Seed           int64
	Backend        spatial.Backend
	// Clustering tunes mini-batch k-means; K and Seed are taken from
	// NNeighborhoods and Seed.
	Clustering cluster.Config
	// Workers bounds the regions processed concurrently. Values below one
	// process regions sequentially.
	Workers int
}

// Result is the outcome of a run.
type Result struct {
	Regions     []neighborhood.Region
	Vocabulary  *neighborhood.Vocabulary
	Composition *neighborhood.Matrix
	Model       *cluster.Model
	// Labels holds the neighborhood of every input cell, indexed like the
	// input cell slice.
	Labels  []int32
	Inertia float64
	// Sizes holds the number of cells per neighborhood label.
	Sizes []int
}

// Run executes the pipeline. It stops at the first failing stage.
func Run(ctx context.Context, logger *slog.Logger, cells []neighborhood.Cell, p Params) (*Result, error) {
	if err := neighborhood.CheckPositive("n_neighbors", p.NNeighbors); err != nil {
		return nil, err
	}
	if err := neighborhood.CheckPositive("n_neighborhoods", p.NNeighborhoods); err != nil {
		return nil, err
	}
	if len(cells) == 0 {
		return nil, &neighborhood.ParameterError{
			Param: "n_neighborhoods", Requested: p.NNeighborhoods, Available: 0, Reason: "no cells",
		}
	}

	dim := len(cells[0].Coord)
	for i := range cells {
		if err := cells[i].Validate(dim); err != nil {
			return nil, err
		}
	}

	regions, err := neighborhood.PartitionByRegion(cells)
	if err != nil {
		return nil, err
	}
	logger.Info("Partitioned cells by region", "cells", len(cells), "regions", len(regions))

	// All bounds are checked before any neighbor search starts.
	for i := range regions {
		if regions[i].Len() < p.NNeighbors {
			return nil, &neighborhood.ParameterError{
				Param:     "n_neighbors",
				Region:    regions[i].Name,
				Requested: p.NNeighbors,
				Available: regions[i].Len(),
				Reason:    "exceeds region size",
			}
		}
	}
	if p.NNeighborhoods > len(cells) {
		return nil, &neighborhood.ParameterError{
			Param:     "n_neighborhoods",
			Requested: p.NNeighborhoods,
			Available: len(cells),
			Reason:    "exceeds number of cells",
		}
	}

	vocab, err := neighborhood.NewVocabulary(cells)
	if err != nil {
		return nil, err
	}
	logger.Info("Built cell type vocabulary", "types", vocab.Len())

	parts, err := composeRegions(ctx, logger, cells, regions, vocab, p)
	if err != nil {
		return nil, err
	}
	comp, err := neighborhood.Concat(parts)
	if err != nil {
		return nil, err
	}
	logger.Info("Computed neighborhood composition", "rows", comp.Len(), "columns", comp.Dim())

	res, err := clusterComposition(ctx, logger, comp, p)
	if err != nil {
		return nil, err
	}

	labels := make([]int32, len(cells))
	sizes := make([]int, res.Model.K())
	for i, l := range res.Labels {
		labels[comp.Cell(i)] = int32(l)
		sizes[l]++
	}

	return &Result{
		Regions:     regions,
		Vocabulary:  vocab,
		Composition: comp,
		Model:       res.Model,
		Labels:      labels,
		Inertia:     res.Inertia,
		Sizes:       sizes,
	}, nil
}

// composeRegions runs neighbor search and composition counting for every
// region. Each worker writes only its own slot of the result.
func composeRegions(ctx context.Context, logger *slog.Logger, cells []neighborhood.Cell, regions []neighborhood.Region, vocab *neighborhood.Vocabulary, p Params) ([]*neighborhood.Matrix, error) {
	parts := make([]*neighborhood.Matrix, len(regions))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(p.Workers, 1))
	for i := range regions {
		region := &regions[i]
		g.Go(func() error {
			start := time.Now()
			idx, err := spatial.New(region.Coords(cells), p.Backend)
			if err != nil {
				return err
			}
			neighbors, err := idx.AllKNearest(gctx, p.NNeighbors)
			if err != nil {
				return err
			}
			m, err := neighborhood.CountComposition(region, cells, neighbors, vocab)
			if err != nil {
				return err
			}
			parts[i] = m
			logger.Debug("Processed region",
				"region", region.Name,
				"cells", region.Len(),
				"backend", idx.Backend(),
				"elapsed", time.Since(start),
			)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return parts, nil
}

func clusterComposition(ctx context.Context, logger *slog.Logger, comp *neighborhood.Matrix, p Params) (*cluster.Result, error) {
	cfg := p.Clustering
	cfg.K = p.NNeighborhoods
	cfg.Seed = p.Seed

	logger.Info("Clustering neighborhoods", "k", cfg.K, "batch_size", cfg.BatchSize, "seed", cfg.Seed)
	res, err := cluster.FitPredict(ctx, comp, cfg)
	switch {
	case errors.Is(err, cluster.ErrTooFewDistinct):
		return nil, &neighborhood.ParameterError{
			Param:     "n_neighborhoods",
			Requested: p.NNeighborhoods,
			Available: cluster.CountDistinct(comp, 0),
			Reason:    "exceeds number of distinct composition vectors",
		}
	case errors.Is(err, cluster.ErrInvalidK):
		return nil, &neighborhood.ParameterError{
			Param:     "n_neighborhoods",
			Requested: p.NNeighborhoods,
			Available: comp.Len(),
			Reason:    "exceeds number of composition vectors",
		}
	case err != nil:
		return nil, err
	}

	logger.Info("Clustered neighborhoods",
		"steps", res.Model.Steps,
		"converged", res.Model.Converged,
		"inertia", res.Inertia,
	)
	return res, nil
}
