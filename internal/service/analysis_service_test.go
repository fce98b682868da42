package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasmap-sc/neighborhood/internal/cache"
	"github.com/atlasmap-sc/neighborhood/internal/config"
	"github.com/atlasmap-sc/neighborhood/internal/data/anndata"
	"github.com/atlasmap-sc/neighborhood/internal/data/zarr"
	"github.com/atlasmap-sc/neighborhood/internal/logging"
	"github.com/atlasmap-sc/neighborhood/internal/neighborhood"
	"github.com/atlasmap-sc/neighborhood/internal/runstore"
)

// writeInput writes a two-region dataset: region A with 4 T1 and 2 T2 cells,
// region B with 3 T2 and 3 T3 cells.
func writeInput(t *testing.T, dropRegion bool) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.zarr")
	w, err := anndata.Create(path, zarr.WriterOptions{Codec: zarr.CodecGzip, Level: 1, ChunkRows: 5})
	require.NoError(t, err)
	defer w.Close()

	types := []string{"T1", "T1", "T2", "T1", "T2", "T1", "T2", "T3", "T3", "T2", "T3", "T2"}
	var names, regions []string
	var coords, pca []float64
	for i := range types {
		names = append(names, fmt.Sprintf("cell-%02d", i))
		region, x := "A", float64(i)
		if i >= 6 {
			region, x = "B", float64(i-6)
		}
		regions = append(regions, region)
		coords = append(coords, x, x*x/4)
		pca = append(pca, float64(i), -float64(i))
	}

	cols := []*anndata.Column{anndata.Categorical("cluster", types)}
	if !dropRegion {
		cols = append(cols, anndata.Categorical("region", regions))
	}
	require.NoError(t, w.WriteDataframe("obs", names, cols))
	require.NoError(t, w.WriteObsm("spatial", &anndata.Matrix{Rows: 12, Cols: 2, Data: coords}))
	require.NoError(t, w.WriteObsm("X_pca", &anndata.Matrix{Rows: 12, Cols: 2, Data: pca}))
	return path
}

func testConfig(t *testing.T, input string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Input = input
	cfg.Output.Dir = filepath.Join(t.TempDir(), "out")
	cfg.Params.NNeighbors = 3
	cfg.Params.NNeighborhoods = 2
	cfg.Workers = 2
	cfg.Runs.SQLitePath = filepath.Join(t.TempDir(), "runs.db")
	require.NoError(t, cfg.Validate())
	return cfg
}

func newService(t *testing.T, cfg *config.Config) (*AnalysisService, *runstore.Store) {
	t.Helper()
	runs, err := runstore.NewStore(cfg.Runs.SQLitePath)
	require.NoError(t, err)
	t.Cleanup(func() { runs.Close() })

	cm, err := cache.NewManager(cache.Config{ChunkCacheSizeMB: 8, StringChunkEntries: 16})
	require.NoError(t, err)
	t.Cleanup(func() { cm.Close() })

	return NewAnalysisService(AnalysisServiceConfig{
		Config: cfg,
		Cache:  cm,
		Runs:   runs,
		Logger: logging.Discard(),
	}), runs
}

func TestRunWritesLabelledDatasetAndExports(t *testing.T) {
	cfg := testConfig(t, writeInput(t, false))
	svc, runs := newService(t, cfg)

	out, err := svc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cfg.Output.Dir, "spatialdata.zarr"), out.Output)

	d, err := anndata.Open(out.Output, nil)
	require.NoError(t, err)
	defer d.Close()
	assert.Equal(t, []string{"cluster", "region", "neighborhood"}, d.ObsColumns())

	col, err := d.Obs("neighborhood")
	require.NoError(t, err)
	require.Len(t, col.Values, 12)
	for i, v := range col.Values {
		assert.Equal(t, float64(out.Result.Labels[i]), v)
		assert.True(t, v == 0 || v == 1, "cell %d label %v", i, v)
	}

	// measurements and umap are skipped: the input has neither X nor X_umap.
	assert.ElementsMatch(t, []string{
		filepath.Join(cfg.Output.Dir, "spatialdata.annotations.csv.gz"),
		filepath.Join(cfg.Output.Dir, "spatialdata.annotations.zarr"),
		filepath.Join(cfg.Output.Dir, "spatialdata.coordinates.csv.gz"),
		filepath.Join(cfg.Output.Dir, "spatialdata.coordinates.zarr"),
		filepath.Join(cfg.Output.Dir, "spatialdata.pca.csv.gz"),
		filepath.Join(cfg.Output.Dir, "spatialdata.pca.zarr"),
	}, out.Exports)

	// No staging directory is left behind.
	entries, err := os.ReadDir(cfg.Output.Dir)
	require.NoError(t, err)
	assert.Len(t, entries, 7)

	run, err := runs.GetRun(out.RunID)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, runstore.RunStatusCompleted, run.Status)
	assert.Equal(t, 12, run.Cells)
	assert.Equal(t, 2, run.Regions)
	assert.Equal(t, out.Result.Sizes, run.Sizes)
}

func TestRunIsDeterministic(t *testing.T) {
	input := writeInput(t, false)

	svcA, _ := newService(t, testConfig(t, input))
	a, err := svcA.Run(context.Background())
	require.NoError(t, err)

	svcB, _ := newService(t, testConfig(t, input))
	b, err := svcB.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, a.Result.Labels, b.Result.Labels)
}

func TestRunParameterErrorCommitsNothing(t *testing.T) {
	cfg := testConfig(t, writeInput(t, false))
	cfg.Params.NNeighbors = 7
	svc, runs := newService(t, cfg)

	_, err := svc.Run(context.Background())
	var pe *neighborhood.ParameterError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "A", pe.Region)
	assert.Equal(t, 6, pe.Available)

	_, statErr := os.Stat(filepath.Join(cfg.Output.Dir, "spatialdata.zarr"))
	assert.True(t, os.IsNotExist(statErr))

	failed, err := runs.ListRunsByInput(cfg.Input)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, runstore.RunStatusFailed, failed[0].Status)
	assert.Contains(t, failed[0].Error, "n_neighbors")
}

func TestRunMissingRegionField(t *testing.T) {
	cfg := testConfig(t, writeInput(t, true))
	svc, _ := newService(t, cfg)

	_, err := svc.Run(context.Background())
	var mfe *neighborhood.MissingFieldError
	require.ErrorAs(t, err, &mfe)
	assert.Equal(t, "obs/region", mfe.Field)
}

func TestRunMissingInput(t *testing.T) {
	cfg := testConfig(t, filepath.Join(t.TempDir(), "absent.zarr"))
	svc, _ := newService(t, cfg)

	_, err := svc.Run(context.Background())
	var ioe *neighborhood.IOError
	require.ErrorAs(t, err, &ioe)
	assert.Equal(t, "read", ioe.Op)
}

func TestAsIOError(t *testing.T) {
	pe := &neighborhood.ParameterError{Param: "n_neighbors"}
	assert.Same(t, pe, asIOError("read", "x", pe))
	assert.ErrorIs(t, asIOError("read", "x", context.Canceled), context.Canceled)

	var ioe *neighborhood.IOError
	err := asIOError("write", "/out", errors.New("disk full"))
	require.ErrorAs(t, err, &ioe)
	assert.Equal(t, "/out", ioe.Path)
}
