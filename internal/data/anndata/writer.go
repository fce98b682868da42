package anndata

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"github.com/atlasmap-sc/neighborhood/internal/data/zarr"
)

// Writer writes AnnData elements into a Zarr v3 store.
type Writer struct {
	zw *zarr.Writer
}

// Create creates an AnnData store at path.
func Create(path string, opts zarr.WriterOptions) (*Writer, error) {
	zw, err := zarr.NewWriter(path, opts)
	if err != nil {
		return nil, err
	}
	if err := zw.CreateGroup("", map[string]any{
		"encoding-type":    "anndata",
		"encoding-version": "0.1.0",
	}); err != nil {
		zw.Close()
		return nil, err
	}
	return &Writer{zw: zw}, nil
}

// Close releases resources.
func (w *Writer) Close() { w.zw.Close() }

// WriteDataframe writes a dataframe group with an "_index" array and columns
// in the given order.
func (w *Writer) WriteDataframe(group string, index []string, columns []*Column) error {
	order := make([]string, len(columns))
	for i, c := range columns {
		order[i] = c.Name
	}
	if err := w.zw.CreateGroup(group, map[string]any{
		"encoding-type":    EncodingDataframe,
		"encoding-version": "0.2.0",
		"_index":           "_index",
		"column-order":     order,
	}); err != nil {
		return err
	}
	if err := w.zw.WriteStrings(joinPath(group, "_index"), index, stringArrayAttrs()); err != nil {
		return err
	}
	for _, c := range columns {
		if c.Len() != len(index) {
			return fmt.Errorf("column %q has %d rows, expected %d", c.Name, c.Len(), len(index))
		}
		if err := w.writeColumn(joinPath(group, c.Name), c); err != nil {
			return fmt.Errorf("failed to write column %q: %w", c.Name, err)
		}
	}
	return nil
}

func (w *Writer) writeColumn(p string, c *Column) error {
	switch c.Kind {
	case KindString:
		return w.zw.WriteStrings(p, c.Strings, stringArrayAttrs())
	case KindCategorical:
		if err := w.zw.CreateGroup(p, map[string]any{
			"encoding-type":    EncodingCategorical,
			"encoding-version": "0.2.0",
			"ordered":          false,
		}); err != nil {
			return err
		}
		codes := make([]int32, len(c.Codes))
		for i, v := range c.Codes {
			codes[i] = int32(v)
		}
		if err := w.zw.WriteArray(p+"/codes", codes, []int{len(codes)}, arrayAttrs()); err != nil {
			return err
		}
		return w.zw.WriteStrings(p+"/categories", c.Categories, stringArrayAttrs())
	default:
		if c.Integer {
			ints := make([]int64, len(c.Values))
			for i, v := range c.Values {
				ints[i] = int64(v)
			}
			return w.zw.WriteArray(p, ints, []int{len(ints)}, arrayAttrs())
		}
		return w.zw.WriteArray(p, c.Values, []int{len(c.Values)}, arrayAttrs())
	}
}

// WriteObsm writes obsm key.
func (w *Writer) WriteObsm(key string, m *Matrix) error {
	if err := w.ensureGroup("obsm"); err != nil {
		return err
	}
	return w.zw.WriteArray("obsm/"+key, m.Data, []int{m.Rows, m.Cols}, arrayAttrs())
}

// WriteX writes a dense measurement matrix.
func (w *Writer) WriteX(m *Matrix) error {
	return w.zw.WriteArray("X", m.Data, []int{m.Rows, m.Cols}, arrayAttrs())
}

// WriteXCSR writes the measurement matrix as a csr_matrix group.
func (w *Writer) WriteXCSR(m *Matrix) error {
	if err := w.zw.CreateGroup("X", map[string]any{
		"encoding-type":    EncodingCSR,
		"encoding-version": "0.1.0",
		"shape":            []int{m.Rows, m.Cols},
	}); err != nil {
		return err
	}
	var data []float64
	var indices []int32
	indptr := make([]int64, 0, m.Rows+1)
	indptr = append(indptr, 0)
	for r := 0; r < m.Rows; r++ {
		for c, v := range m.Row(r) {
			if v != 0 {
				data = append(data, v)
				indices = append(indices, int32(c))
			}
		}
		indptr = append(indptr, int64(len(data)))
	}
	if err := w.zw.WriteArray("X/data", data, []int{len(data)}, nil); err != nil {
		return err
	}
	if err := w.zw.WriteArray("X/indices", indices, []int{len(indices)}, nil); err != nil {
		return err
	}
	return w.zw.WriteArray("X/indptr", indptr, []int{len(indptr)}, nil)
}

func (w *Writer) ensureGroup(name string) error {
	if _, err := os.Stat(filepath.Join(w.zw.Path(), name, "zarr.json")); err == nil {
		return nil
	}
	return w.zw.CreateGroup(name, map[string]any{"encoding-type": "dict", "encoding-version": "0.1.0"})
}

func arrayAttrs() map[string]any {
	return map[string]any{"encoding-type": EncodingArray, "encoding-version": "0.2.0"}
}

func stringArrayAttrs() map[string]any {
	return map[string]any{"encoding-type": EncodingStringArray, "encoding-version": "0.2.0"}
}

// AddObsColumn writes an int32 obs column into the store at path and appends
// it to the dataframe's column-order. An existing column of the same name is
// replaced.
func AddObsColumn(path, name string, values []int32, opts zarr.WriterOptions) error {
	r, err := zarr.NewReader(path, nil)
	if err != nil {
		return err
	}
	attrs, err := r.GroupAttributes("obs")
	r.Close()
	if err != nil {
		return err
	}

	zw, err := zarr.NewWriter(path, opts)
	if err != nil {
		return err
	}
	defer zw.Close()

	if err := zw.WriteArray("obs/"+name, values, []int{len(values)}, arrayAttrs()); err != nil {
		return err
	}

	order := zarr.AttrStrings(attrs, "column-order")
	if !slices.Contains(order, name) {
		order = append(order, name)
	}
	attrs["column-order"] = order
	return zw.SetAttributes("obs", attrs)
}

// CopyStore copies the store tree at src to dst, which must not exist.
func CopyStore(src, dst string) error {
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("destination %s already exists", dst)
	}
	return filepath.WalkDir(src, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if entry.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		return copyFile(p, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
