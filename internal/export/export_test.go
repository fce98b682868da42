package export

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasmap-sc/neighborhood/internal/data/anndata"
	"github.com/atlasmap-sc/neighborhood/internal/data/zarr"
	"github.com/atlasmap-sc/neighborhood/internal/logging"
)

func writeDataset(t *testing.T) *anndata.Dataset {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in.zarr")
	w, err := anndata.Create(path, zarr.DefaultWriterOptions())
	require.NoError(t, err)
	defer w.Close()

	names := []string{"c0", "c1", "c2"}
	require.NoError(t, w.WriteDataframe("obs", names, []*anndata.Column{
		anndata.Categorical("cluster", []string{"T1", "T2", "T1"}),
		anndata.Strings("region", []string{"A", "A", "B"}),
		anndata.Numeric("area", []float64{1.5, math.NaN(), 1e-7}),
	}))
	require.NoError(t, w.WriteDataframe("var", []string{"CD3", "CD8"}, nil))
	require.NoError(t, w.WriteXCSR(&anndata.Matrix{Rows: 3, Cols: 2, Data: []float64{0, 1.25, 2, 0, 0, 0}}))
	require.NoError(t, w.WriteObsm("spatial", &anndata.Matrix{Rows: 3, Cols: 2, Data: []float64{0, 0, 1, 1, 2, 0.1}}))
	require.NoError(t, w.WriteObsm("X_pca", &anndata.Matrix{Rows: 3, Cols: 3, Data: []float64{1, 2, 3, 4, 5, 6, 7, 8, 9}}))

	d, err := anndata.Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(d.Close)
	return d
}

func newExporter() *Exporter {
	return New(logging.Discard(), Options{
		Name:       "spatialdata",
		Tables:     []string{TableMeasurements, TableAnnotations, TablePCA, TableUMAP, TableCoordinates},
		SpatialKey: "spatial",
		GzipLevel:  6,
		Zarr:       zarr.DefaultWriterOptions(),
	})
}

func TestExportWritesTables(t *testing.T) {
	d := writeDataset(t)
	dir := t.TempDir()

	written, err := newExporter().Export(context.Background(), dir, d, []int32{1, 0, 1})
	require.NoError(t, err)

	// The umap table is skipped: the dataset has no X_umap.
	assert.Len(t, written, 8)
	for _, table := range []string{"measurements", "annotations", "pca", "coordinates"} {
		for _, ext := range []string{".csv.gz", ".zarr"} {
			_, err := os.Stat(filepath.Join(dir, "spatialdata."+table+ext))
			assert.NoError(t, err, table+ext)
		}
	}
	_, err = os.Stat(filepath.Join(dir, "spatialdata.umap.csv.gz"))
	assert.True(t, os.IsNotExist(err))
}

func TestExportAnnotationsCSV(t *testing.T) {
	d := writeDataset(t)
	dir := t.TempDir()
	_, err := newExporter().Export(context.Background(), dir, d, []int32{1, 0, 1})
	require.NoError(t, err)

	header, rows, err := ReadCSV(filepath.Join(dir, "spatialdata.annotations.csv.gz"))
	require.NoError(t, err)
	assert.Equal(t, []string{"", "cluster", "region", "area", "neighborhood"}, header)
	assert.Equal(t, [][]string{
		{"c0", "T1", "A", "1.5", "1"},
		{"c1", "T2", "A", "", "0"},
		{"c2", "T1", "B", "1e-07", "1"},
	}, rows)
}

func TestExportMatrixTablesCSV(t *testing.T) {
	d := writeDataset(t)
	dir := t.TempDir()
	_, err := newExporter().Export(context.Background(), dir, d, []int32{0, 0, 0})
	require.NoError(t, err)

	header, rows, err := ReadCSV(filepath.Join(dir, "spatialdata.measurements.csv.gz"))
	require.NoError(t, err)
	assert.Equal(t, []string{"", "CD3", "CD8"}, header)
	assert.Equal(t, []string{"c0", "0", "1.25"}, rows[0])
	assert.Equal(t, []string{"c1", "2", "0"}, rows[1])

	header, _, err = ReadCSV(filepath.Join(dir, "spatialdata.pca.csv.gz"))
	require.NoError(t, err)
	assert.Equal(t, []string{"", "PC 1", "PC 2", "PC 3"}, header)

	header, rows, err = ReadCSV(filepath.Join(dir, "spatialdata.coordinates.csv.gz"))
	require.NoError(t, err)
	assert.Equal(t, []string{"", "0", "1"}, header)
	assert.Equal(t, []string{"c2", "2", "0.1"}, rows[2])
}

func TestExportAnnotationsZarrRoundTrip(t *testing.T) {
	d := writeDataset(t)
	dir := t.TempDir()
	_, err := newExporter().Export(context.Background(), dir, d, []int32{1, 0, 1})
	require.NoError(t, err)

	table, err := ReadZarr(filepath.Join(dir, "spatialdata.annotations.zarr"))
	require.NoError(t, err)
	assert.Equal(t, []string{"c0", "c1", "c2"}, table.Index)
	require.Len(t, table.Columns, 4)

	cluster := table.Columns[0]
	assert.Equal(t, anndata.KindCategorical, cluster.Kind)
	assert.Equal(t, []string{"T1", "T2"}, cluster.Categories)
	assert.Equal(t, []int64{0, 1, 0}, cluster.Codes)

	area := table.Columns[2]
	assert.Equal(t, 1.5, area.Values[0])
	assert.True(t, math.IsNaN(area.Values[1]))
	assert.Equal(t, 1e-7, area.Values[2])

	nbh := table.Columns[3]
	assert.Equal(t, "neighborhood", nbh.Name)
	assert.True(t, nbh.Integer)
	assert.Equal(t, []float64{1, 0, 1}, nbh.Values)
}

func TestExportRejectsMismatchedLabels(t *testing.T) {
	d := writeDataset(t)
	_, err := newExporter().Export(context.Background(), t.TempDir(), d, []int32{1})
	assert.Error(t, err)
}

func TestExportUnknownTable(t *testing.T) {
	d := writeDataset(t)
	e := New(logging.Discard(), Options{Name: "x", Tables: []string{"feather"}, GzipLevel: 6})
	_, err := e.Export(context.Background(), t.TempDir(), d, []int32{0, 0, 0})
	assert.Error(t, err)
}
