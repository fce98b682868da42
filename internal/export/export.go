package export

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"

	"github.com/dustin/go-humanize"

	"github.com/atlasmap-sc/neighborhood/internal/data/anndata"
	"github.com/atlasmap-sc/neighborhood/internal/data/zarr"
)

// Table names.
const (
	TableMeasurements = "measurements"
	TableAnnotations  = "annotations"
	TablePCA          = "pca"
	TableUMAP         = "umap"
	TableCoordinates  = "coordinates"
)

// Options configures an Exporter.
type Options struct {
	// Name prefixes every file: <Name>.<table>.csv.gz and <Name>.<table>.zarr.
	Name   string
	Tables []string
	// SpatialKey is the obsm key of the coordinates.
	SpatialKey string
	// LabelColumn names the neighborhood column added to the annotations.
	LabelColumn string
	GzipLevel   int
	Zarr        zarr.WriterOptions
}

// Exporter writes the derived tables of a dataset.
type Exporter struct {
	logger *slog.Logger
	opts   Options
}

// New creates an Exporter.
func New(logger *slog.Logger, opts Options) *Exporter {
	if opts.LabelColumn == "" {
		opts.LabelColumn = "neighborhood"
	}
	return &Exporter{logger: logger, opts: opts}
}

// Export writes the configured tables for d into dir. labels holds one
// neighborhood per obs row. Tables whose source is absent from the dataset
// are skipped with a warning. It returns the paths written.
func (e *Exporter) Export(ctx context.Context, dir string, d *anndata.Dataset, labels []int32) ([]string, error) {
	if len(labels) != d.NObs() {
		return nil, fmt.Errorf("%d labels for %d cells", len(labels), d.NObs())
	}

	var written []string
	for _, name := range e.opts.Tables {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t, err := e.build(name, d, labels)
		if err != nil {
			return nil, err
		}
		if t == nil {
			continue
		}
		paths, err := e.write(dir, t)
		if err != nil {
			return nil, err
		}
		written = append(written, paths...)
	}
	return written, nil
}

func (e *Exporter) build(name string, d *anndata.Dataset, labels []int32) (*Table, error) {
	switch name {
	case TableMeasurements:
		if !d.HasX() {
			e.logger.Warn("Skipping table without measurements", "table", name)
			return nil, nil
		}
		x, err := d.X()
		if err != nil {
			return nil, err
		}
		genes, err := d.VarNames()
		if err != nil {
			return nil, err
		}
		return MatrixTable(name, d.ObsNames(), x, genes)

	case TableAnnotations:
		cols := make([]*anndata.Column, 0, len(d.ObsColumns())+1)
		for _, c := range d.ObsColumns() {
			if c == e.opts.LabelColumn {
				continue
			}
			col, err := d.Obs(c)
			if err != nil {
				return nil, err
			}
			cols = append(cols, col)
		}
		cols = append(cols, anndata.Integers(e.opts.LabelColumn, labels))
		return &Table{Name: name, Index: d.ObsNames(), Columns: cols}, nil

	case TablePCA:
		return e.obsmTable(name, d, "X_pca", func(j int) string { return "PC " + strconv.Itoa(j+1) })
	case TableUMAP:
		return e.obsmTable(name, d, "X_umap", func(j int) string { return "UMAP " + strconv.Itoa(j+1) })
	case TableCoordinates:
		return e.obsmTable(name, d, e.opts.SpatialKey, strconv.Itoa)
	default:
		return nil, fmt.Errorf("unknown table %q", name)
	}
}

func (e *Exporter) obsmTable(name string, d *anndata.Dataset, key string, colName func(int) string) (*Table, error) {
	if !d.HasObsm(key) {
		e.logger.Warn("Skipping table without embedding", "table", name, "obsm", key)
		return nil, nil
	}
	m, err := d.Obsm(key)
	if err != nil {
		return nil, err
	}
	names := make([]string, m.Cols)
	for j := range names {
		names[j] = colName(j)
	}
	return MatrixTable(name, d.ObsNames(), m, names)
}

func (e *Exporter) write(dir string, t *Table) ([]string, error) {
	base := filepath.Join(dir, e.opts.Name+"."+t.Name)
	e.logger.Info(fmt.Sprintf("Writing %s - %s rows and %s columns",
		t.Name, humanize.Comma(int64(t.Rows())), humanize.Comma(int64(len(t.Columns)))))

	csvPath := base + ".csv.gz"
	if err := WriteCSV(csvPath, t, e.opts.GzipLevel); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", csvPath, err)
	}
	zarrPath := base + ".zarr"
	if err := WriteZarr(zarrPath, t, e.opts.Zarr); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", zarrPath, err)
	}
	return []string{csvPath, zarrPath}, nil
}
