// Package export writes flat tables derived from an analysed dataset, each as
// a gzip-compressed CSV file and as a columnar Zarr dataframe.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"

	"github.com/klauspost/compress/gzip"

	"github.com/atlasmap-sc/neighborhood/internal/data/anndata"
	"github.com/atlasmap-sc/neighborhood/internal/data/zarr"
)

// Table is a dataframe: a row index and named columns.
type Table struct {
	Name    string
	Index   []string
	Columns []*anndata.Column
}

// Rows returns the number of rows.
func (t *Table) Rows() int { return len(t.Index) }

// MatrixTable builds a table from a dense matrix, naming columns with names.
func MatrixTable(name string, index []string, m *anndata.Matrix, names []string) (*Table, error) {
	if m.Rows != len(index) {
		return nil, fmt.Errorf("table %s: %d rows for %d index entries", name, m.Rows, len(index))
	}
	if len(names) != m.Cols {
		return nil, fmt.Errorf("table %s: %d column names for %d columns", name, len(names), m.Cols)
	}
	cols := make([]*anndata.Column, m.Cols)
	for j := range cols {
		values := make([]float64, m.Rows)
		for i := range values {
			values[i] = m.Data[i*m.Cols+j]
		}
		cols[j] = anndata.Numeric(names[j], values)
	}
	return &Table{Name: name, Index: index, Columns: cols}, nil
}

// formatCell renders row i of c for CSV. Missing values are empty.
func formatCell(c *anndata.Column, i int) string {
	switch c.Kind {
	case anndata.KindString:
		return c.Strings[i]
	case anndata.KindCategorical:
		label, _ := c.Label(i)
		return label
	default:
		v := c.Values[i]
		if math.IsNaN(v) {
			return ""
		}
		if c.Integer {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'g', -1, 64)
	}
}

// WriteCSV writes t to path as gzip-compressed CSV. The header starts with an
// empty cell for the index column.
func WriteCSV(path string, t *Table, level int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	zw, err := gzip.NewWriterLevel(f, level)
	if err != nil {
		f.Close()
		return err
	}
	if err := writeCSV(zw, t); err != nil {
		zw.Close()
		f.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeCSV(w io.Writer, t *Table) error {
	cw := csv.NewWriter(w)
	record := make([]string, len(t.Columns)+1)
	record[0] = ""
	for j, c := range t.Columns {
		record[j+1] = c.Name
	}
	if err := cw.Write(record); err != nil {
		return err
	}
	for i, id := range t.Index {
		record[0] = id
		for j, c := range t.Columns {
			record[j+1] = formatCell(c, i)
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSV reads a gzip-compressed CSV table written by WriteCSV, returning
// the header and the records.
func ReadCSV(path string) ([]string, [][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, nil, err
	}
	defer zr.Close()

	records, err := csv.NewReader(zr).ReadAll()
	if err != nil {
		return nil, nil, err
	}
	if len(records) == 0 {
		return nil, nil, fmt.Errorf("%s: empty table", path)
	}
	return records[0], records[1:], nil
}

// WriteZarr writes t as a Zarr store whose root group is a dataframe.
func WriteZarr(path string, t *Table, opts zarr.WriterOptions) error {
	w, err := anndata.Create(path, opts)
	if err != nil {
		return err
	}
	defer w.Close()
	return w.WriteDataframe("", t.Index, t.Columns)
}

// ReadZarr reads a table written by WriteZarr.
func ReadZarr(path string) (*Table, error) {
	index, cols, err := anndata.ReadDataframe(path)
	if err != nil {
		return nil, err
	}
	return &Table{Index: index, Columns: cols}, nil
}
