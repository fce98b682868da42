// Package anndata provides access to AnnData datasets stored as Zarr v3.
//
// Only what the neighborhood analysis needs is supported:
//   - obs dataframe columns (numeric, string and categorical)
//   - obsm matrices (spatial coordinates, embeddings)
//   - X as a dense array or a csr_matrix group, plus var names
package anndata

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/atlasmap-sc/neighborhood/internal/cache"
	"github.com/atlasmap-sc/neighborhood/internal/data/zarr"
)

// ErrNotFound is returned when a requested obs column or obsm key is absent.
var ErrNotFound = errors.New("not found in dataset")

// Encoding types written by anndata.
const (
	EncodingDataframe   = "dataframe"
	EncodingCategorical = "categorical"
	EncodingCSR         = "csr_matrix"
	EncodingArray       = "array"
	EncodingStringArray = "string-array"
)

// ResolveStorePath accepts either a path to a ".zarr" store or the same path
// without the suffix, expands environment variables and cleans it.
func ResolveStorePath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", errors.New("empty dataset path")
	}
	p = filepath.Clean(os.ExpandEnv(p))
	if strings.HasSuffix(p, ".zarr") {
		return p, nil
	}
	if _, err := os.Stat(filepath.Join(p, "zarr.json")); err == nil {
		return p, nil
	}
	return p + ".zarr", nil
}

// Dataset is an open AnnData store.
type Dataset struct {
	path        string
	reader      *zarr.Reader
	obsNames    []string
	columnOrder []string
}

// Open opens the AnnData store at path. chunkCache may be nil.
func Open(path string, chunkCache *cache.Manager) (*Dataset, error) {
	r, err := zarr.NewReader(path, chunkCache)
	if err != nil {
		return nil, err
	}
	d := &Dataset{path: path, reader: r}

	names, order, err := readIndex(r, "obs")
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("failed to read obs: %w", err)
	}
	d.obsNames = names
	d.columnOrder = order

	return d, nil
}

// Path returns the store path.
func (d *Dataset) Path() string { return d.path }

// NObs returns the number of observations (cells).
func (d *Dataset) NObs() int { return len(d.obsNames) }

// ObsNames returns the obs index.
func (d *Dataset) ObsNames() []string { return d.obsNames }

// ObsColumns returns the obs column names in dataframe order.
func (d *Dataset) ObsColumns() []string { return d.columnOrder }

// Close releases resources.
func (d *Dataset) Close() {
	d.reader.Close()
}

// ColumnKind classifies an obs column.
type ColumnKind int

const (
	KindNumeric ColumnKind = iota
	KindString
	KindCategorical
)

// Column is one obs column. Exactly one of Values, Strings or
// Codes/Categories is populated, according to Kind.
type Column struct {
	Name string
	Kind ColumnKind
	// Integer is set for numeric columns stored with an integer data type.
	Integer    bool
	Values     []float64
	Strings    []string
	Codes      []int64
	Categories []string
}

// Len returns the number of rows.
func (c *Column) Len() int {
	switch c.Kind {
	case KindString:
		return len(c.Strings)
	case KindCategorical:
		return len(c.Codes)
	default:
		return len(c.Values)
	}
}

// Label returns row i as text. ok is false for missing values: a categorical
// code of -1, an empty string or NaN.
func (c *Column) Label(i int) (string, bool) {
	switch c.Kind {
	case KindString:
		return c.Strings[i], c.Strings[i] != ""
	case KindCategorical:
		code := c.Codes[i]
		if code < 0 || int(code) >= len(c.Categories) {
			return "", false
		}
		return c.Categories[code], true
	default:
		v := c.Values[i]
		if math.IsNaN(v) {
			return "", false
		}
		return strconv.FormatFloat(v, 'g', -1, 64), true
	}
}

// Obs reads obs column name.
func (d *Dataset) Obs(name string) (*Column, error) {
	col, err := readColumn(d.reader, "obs", name)
	if err != nil {
		return nil, err
	}
	if col.Len() != d.NObs() {
		return nil, fmt.Errorf("obs column %q has %d rows, expected %d", name, col.Len(), d.NObs())
	}
	return col, nil
}

func joinPath(group, name string) string {
	if group == "" {
		return name
	}
	return group + "/" + name
}

// readColumn reads dataframe column name of group.
func readColumn(r *zarr.Reader, group, name string) (*Column, error) {
	p := joinPath(group, name)
	if !r.Exists(p) {
		return nil, fmt.Errorf("column %q: %w", p, ErrNotFound)
	}
	nodeType, err := r.NodeType(p)
	if err != nil {
		return nil, err
	}

	col := &Column{Name: name}
	if nodeType == zarr.NodeGroup {
		attrs, err := r.GroupAttributes(p)
		if err != nil {
			return nil, err
		}
		if enc := zarr.Attr(attrs, "encoding-type"); enc != EncodingCategorical {
			return nil, fmt.Errorf("column %q: unsupported encoding %q", p, enc)
		}
		col.Kind = KindCategorical
		if col.Codes, _, err = r.ReadInt64(p + "/codes"); err != nil {
			return nil, fmt.Errorf("column %q: %w", p, err)
		}
		if col.Categories, err = readLabels(r, p+"/categories"); err != nil {
			return nil, fmt.Errorf("column %q: %w", p, err)
		}
		return col, nil
	}

	meta, err := r.ArrayMeta(p)
	if err != nil {
		return nil, err
	}
	if meta.DataType == zarr.DTypeString {
		col.Kind = KindString
		col.Strings, _, err = r.ReadStrings(p)
	} else {
		col.Kind = KindNumeric
		col.Integer = zarr.IsInteger(meta.DataType)
		col.Values, _, err = r.ReadFloat64(p)
	}
	if err != nil {
		return nil, fmt.Errorf("column %q: %w", p, err)
	}
	return col, nil
}

// readLabels reads a 1-D array of category labels, formatting numeric
// categories as text.
func readLabels(r *zarr.Reader, name string) ([]string, error) {
	meta, err := r.ArrayMeta(name)
	if err != nil {
		return nil, err
	}
	if meta.DataType == zarr.DTypeString {
		out, _, err := r.ReadStrings(name)
		return out, err
	}
	values, _, err := r.ReadFloat64(name)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return out, nil
}

// readIndex reads the index array named by a dataframe group's "_index"
// attribute, together with its column order.
func readIndex(r *zarr.Reader, group string) ([]string, []string, error) {
	attrs, err := r.GroupAttributes(group)
	if err != nil {
		return nil, nil, err
	}
	indexName := zarr.Attr(attrs, "_index")
	if indexName == "" {
		indexName = "_index"
	}
	names, _, err := r.ReadStrings(joinPath(group, indexName))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read index: %w", err)
	}
	return names, zarr.AttrStrings(attrs, "column-order"), nil
}

// ReadDataframe reads a store whose root group is a dataframe.
func ReadDataframe(path string) ([]string, []*Column, error) {
	r, err := zarr.NewReader(path, nil)
	if err != nil {
		return nil, nil, err
	}
	defer r.Close()

	index, order, err := readIndex(r, "")
	if err != nil {
		return nil, nil, err
	}
	cols := make([]*Column, 0, len(order))
	for _, name := range order {
		col, err := readColumn(r, "", name)
		if err != nil {
			return nil, nil, err
		}
		if col.Len() != len(index) {
			return nil, nil, fmt.Errorf("column %q has %d rows, expected %d", name, col.Len(), len(index))
		}
		cols = append(cols, col)
	}
	return index, cols, nil
}

// Matrix is a dense row-major matrix.
type Matrix struct {
	Rows int
	Cols int
	Data []float64
}

// Row returns row i. The slice aliases the matrix.
func (m *Matrix) Row(i int) []float64 {
	return m.Data[i*m.Cols : (i+1)*m.Cols]
}

// HasObsm reports whether obsm key exists.
func (d *Dataset) HasObsm(key string) bool {
	return d.reader.Exists("obsm/" + key)
}

// Obsm reads obsm key as an [n_obs, d] matrix.
func (d *Dataset) Obsm(key string) (*Matrix, error) {
	p := "obsm/" + key
	if !d.reader.Exists(p) {
		return nil, fmt.Errorf("obsm %q: %w", key, ErrNotFound)
	}
	data, shape, err := d.reader.ReadFloat64(p)
	if err != nil {
		return nil, fmt.Errorf("obsm %q: %w", key, err)
	}
	m, err := toMatrix(data, shape)
	if err != nil {
		return nil, fmt.Errorf("obsm %q: %w", key, err)
	}
	if m.Rows != d.NObs() {
		return nil, fmt.Errorf("obsm %q has %d rows, expected %d", key, m.Rows, d.NObs())
	}
	return m, nil
}

func toMatrix(data []float64, shape []int) (*Matrix, error) {
	switch len(shape) {
	case 1:
		return &Matrix{Rows: shape[0], Cols: 1, Data: data}, nil
	case 2:
		return &Matrix{Rows: shape[0], Cols: shape[1], Data: data}, nil
	default:
		return nil, fmt.Errorf("expected a 2-D array, got shape %v", shape)
	}
}

// VarNames returns the var (gene) index.
func (d *Dataset) VarNames() ([]string, error) {
	names, _, err := readIndex(d.reader, "var")
	if err != nil {
		return nil, fmt.Errorf("failed to read var: %w", err)
	}
	return names, nil
}

// HasX reports whether the dataset carries a measurement matrix.
func (d *Dataset) HasX() bool {
	return d.reader.Exists("X")
}

// X reads the measurement matrix densely.
func (d *Dataset) X() (*Matrix, error) {
	if !d.HasX() {
		return nil, fmt.Errorf("X: %w", ErrNotFound)
	}
	nodeType, err := d.reader.NodeType("X")
	if err != nil {
		return nil, err
	}
	if nodeType == zarr.NodeArray {
		data, shape, err := d.reader.ReadFloat64("X")
		if err != nil {
			return nil, fmt.Errorf("X: %w", err)
		}
		return toMatrix(data, shape)
	}

	attrs, err := d.reader.GroupAttributes("X")
	if err != nil {
		return nil, err
	}
	if enc := zarr.Attr(attrs, "encoding-type"); enc != EncodingCSR {
		return nil, fmt.Errorf("X: unsupported sparse encoding %q", enc)
	}
	shape := zarr.AttrInts(attrs, "shape")
	if len(shape) != 2 {
		return nil, fmt.Errorf("X: invalid shape attribute %v", attrs["shape"])
	}
	values, _, err := d.reader.ReadFloat64("X/data")
	if err != nil {
		return nil, fmt.Errorf("X: %w", err)
	}
	indices, _, err := d.reader.ReadInt64("X/indices")
	if err != nil {
		return nil, fmt.Errorf("X: %w", err)
	}
	indptr, _, err := d.reader.ReadInt64("X/indptr")
	if err != nil {
		return nil, fmt.Errorf("X: %w", err)
	}
	return denseFromCSR(shape[0], shape[1], values, indices, indptr)
}

func denseFromCSR(rows, cols int, values []float64, indices, indptr []int64) (*Matrix, error) {
	if len(indptr) != rows+1 {
		return nil, fmt.Errorf("X: indptr has %d entries, expected %d", len(indptr), rows+1)
	}
	if len(indices) != len(values) {
		return nil, fmt.Errorf("X: %d indices for %d values", len(indices), len(values))
	}
	m := &Matrix{Rows: rows, Cols: cols, Data: make([]float64, rows*cols)}
	for r := 0; r < rows; r++ {
		start, end := indptr[r], indptr[r+1]
		if start < 0 || end < start || int(end) > len(values) {
			return nil, fmt.Errorf("X: invalid indptr at row %d", r)
		}
		for j := start; j < end; j++ {
			c := indices[j]
			if c < 0 || int(c) >= cols {
				return nil, fmt.Errorf("X: column index %d out of range at row %d", c, r)
			}
			m.Data[r*cols+int(c)] = values[j]
		}
	}
	return m, nil
}
