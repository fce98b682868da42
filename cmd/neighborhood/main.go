// Package main is the entry point for the neighborhood analysis.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"

	"github.com/atlasmap-sc/neighborhood/internal/cache"
	"github.com/atlasmap-sc/neighborhood/internal/config"
	"github.com/atlasmap-sc/neighborhood/internal/logging"
	"github.com/atlasmap-sc/neighborhood/internal/neighborhood"
	"github.com/atlasmap-sc/neighborhood/internal/runstore"
	"github.com/atlasmap-sc/neighborhood/internal/service"
)

// Process exit codes.
const (
	exitOK           = 0
	exitFailure      = 1
	exitParameter    = 2
	exitMissingField = 3
	exitIO           = 4
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stderr)
	stop()
	os.Exit(code)
}

// options holds the command line flags. Flags left unset do not override
// the configuration file.
type options struct {
	configPath     string
	input          string
	output         string
	name           string
	nNeighbors     int
	nNeighborhoods int
	seed           int64
}

func parseFlags(args []string, stderr io.Writer) (*options, map[string]bool, error) {
	fs := flag.NewFlagSet("neighborhood", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var o options
	fs.StringVar(&o.configPath, "config", "config/neighborhood.yaml", "Path to configuration file")
	fs.StringVar(&o.input, "input", "", "Input AnnData Zarr store (overrides input)")
	fs.StringVar(&o.output, "output", "", "Output directory (overrides output.dir)")
	fs.StringVar(&o.name, "name", "", "Output base name (overrides output.name)")
	fs.IntVar(&o.nNeighbors, "n-neighbors", 0, "Neighbors per cell, the cell itself included (overrides params.n_neighbors)")
	fs.IntVar(&o.nNeighborhoods, "n-neighborhoods", 0, "Number of neighborhoods (overrides params.n_neighborhoods)")
	fs.Int64Var(&o.seed, "seed", 0, "Clustering seed (overrides params.seed)")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	if fs.NArg() > 0 {
		return nil, nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return &o, set, nil
}

// apply copies the flags that were given onto cfg.
func (o *options) apply(cfg *config.Config, set map[string]bool) {
	if set["input"] {
		cfg.Input = o.input
	}
	if set["output"] {
		cfg.Output.Dir = o.output
	}
	if set["name"] {
		cfg.Output.Name = o.name
	}
	if set["n-neighbors"] {
		cfg.Params.NNeighbors = o.nNeighbors
	}
	if set["n-neighborhoods"] {
		cfg.Params.NNeighborhoods = o.nNeighborhoods
	}
	if set["seed"] {
		cfg.Params.Seed = o.seed
	}
}

func run(ctx context.Context, args []string, stderr io.Writer) int {
	opts, set, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintf(stderr, "neighborhood: %v\n", err)
		return exitFailure
	}

	// Load configuration
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "neighborhood: failed to load configuration: %v\n", err)
		return exitFailure
	}
	opts.apply(cfg, set)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "neighborhood: invalid configuration: %v\n", err)
		return exitFailure
	}

	logger, closer, err := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		fmt.Fprintf(stderr, "neighborhood: failed to initialize logging: %v\n", err)
		return exitFailure
	}
	defer closer.Close()

	// Initialize cache manager (shared by every reader of the input store)
	cacheManager, err := cache.NewManager(cache.Config{
		ChunkCacheSizeMB:   cfg.Cache.ChunkCacheMB,
		StringChunkEntries: cfg.Cache.StringChunkEntries,
	})
	if err != nil {
		logger.Error("Failed to initialize cache", "error", err)
		return exitFailure
	}
	defer cacheManager.Close()

	var runs *runstore.Store
	if cfg.Runs.SQLitePath != "" {
		runs, err = runstore.NewStore(cfg.Runs.SQLitePath)
		if err != nil {
			logger.Error("Failed to open run ledger", "path", cfg.Runs.SQLitePath, "error", err)
			return exitIO
		}
		defer runs.Close()

		if n, err := runs.MarkRunningAsFailed("interrupted"); err != nil {
			logger.Warn("Failed to recover interrupted runs", "error", err)
		} else if n > 0 {
			logger.Warn("Marked interrupted runs as failed", "runs", n)
		}
	}

	logger.Info("Starting neighborhood analysis",
		"input", cfg.Input,
		"n_neighbors", cfg.Params.NNeighbors,
		"n_neighborhoods", cfg.Params.NNeighborhoods,
		"seed", cfg.Params.Seed,
		"workers", cfg.EffectiveWorkers(),
		"chunk_cache", humanize.IBytes(uint64(cfg.Cache.ChunkCacheMB)<<20))

	svc := service.NewAnalysisService(service.AnalysisServiceConfig{
		Config: cfg,
		Cache:  cacheManager,
		Runs:   runs,
		Logger: logger,
	})
	outcome, err := svc.Run(ctx)
	if err != nil {
		logger.Error("Analysis failed", "error", err)
		return exitCode(err)
	}

	logger.Debug("Cache statistics", "stats", cacheManager.Stats())
	logger.Info("Analysis complete", "run_id", outcome.RunID, "output", outcome.Output, "exports", len(outcome.Exports))
	return exitOK
}

// exitCode maps an analysis error onto the process exit status.
func exitCode(err error) int {
	var pe *neighborhood.ParameterError
	var mfe *neighborhood.MissingFieldError
	var ioe *neighborhood.IOError
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &pe):
		return exitParameter
	case errors.As(err, &mfe):
		return exitMissingField
	case errors.As(err, &ioe):
		return exitIO
	}
	return exitFailure
}
