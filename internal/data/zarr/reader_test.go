package zarr

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/atlasmap-sc/neighborhood/internal/cache"
)

func newTestWriter(t *testing.T, opts WriterOptions) *Writer {
	t.Helper()
	w, err := NewWriter(filepath.Join(t.TempDir(), "store.zarr"), opts)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	t.Cleanup(w.Close)
	return w
}

func newTestReader(t *testing.T, path string, m *cache.Manager) *Reader {
	t.Helper()
	r, err := NewReader(path, m)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	t.Cleanup(r.Close)
	return r
}

func TestWriteReadRoundTrip(t *testing.T) {
	for _, codec := range []string{"", CodecZstd, CodecGzip} {
		t.Run("codec="+codec, func(t *testing.T) {
			w := newTestWriter(t, WriterOptions{Codec: codec, Level: 1, ChunkRows: 2})

			coords := []float64{0, 0, 1, 0.5, 2, 1, 3, 1.5, 4, 2}
			if err := w.WriteArray("obsm/spatial", coords, []int{5, 2}, nil); err != nil {
				t.Fatalf("WriteArray: %v", err)
			}
			codes := []int32{0, 1, -1, 2, 0}
			if err := w.WriteArray("obs/type/codes", codes, []int{5}, nil); err != nil {
				t.Fatalf("WriteArray: %v", err)
			}
			names := []string{"c1", "c2", "", "cell-ü", "c5"}
			if err := w.WriteStrings("obs/_index", names, nil); err != nil {
				t.Fatalf("WriteStrings: %v", err)
			}

			r := newTestReader(t, w.Path(), nil)

			gotCoords, shape, err := r.ReadFloat64("obsm/spatial")
			if err != nil {
				t.Fatalf("ReadFloat64: %v", err)
			}
			if !reflect.DeepEqual(shape, []int{5, 2}) || !reflect.DeepEqual(gotCoords, coords) {
				t.Fatalf("unexpected coords %v shape %v", gotCoords, shape)
			}

			gotCodes, _, err := r.ReadInt64("obs/type/codes")
			if err != nil {
				t.Fatalf("ReadInt64: %v", err)
			}
			if !reflect.DeepEqual(gotCodes, []int64{0, 1, -1, 2, 0}) {
				t.Fatalf("unexpected codes %v", gotCodes)
			}

			gotNames, _, err := r.ReadStrings("obs/_index")
			if err != nil {
				t.Fatalf("ReadStrings: %v", err)
			}
			if !reflect.DeepEqual(gotNames, names) {
				t.Fatalf("unexpected names %v", gotNames)
			}
		})
	}
}

func TestGroupsAndAttributes(t *testing.T) {
	w := newTestWriter(t, DefaultWriterOptions())
	attrs := map[string]any{
		"encoding-type": "dataframe",
		"column-order":  []string{"cluster", "region"},
	}
	if err := w.CreateGroup("obs", attrs); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if err := w.WriteArray("obs/region", []int32{1, 2}, []int{2}, nil); err != nil {
		t.Fatalf("WriteArray: %v", err)
	}
	if err := w.CreateGroup("obs/cluster", map[string]any{"encoding-type": "categorical"}); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	r := newTestReader(t, w.Path(), nil)
	if !r.Exists("obs") || !r.Exists("obs/region") || r.Exists("obs/missing") {
		t.Fatal("unexpected Exists results")
	}
	if nt, _ := r.NodeType("obs/region"); nt != NodeArray {
		t.Fatalf("expected array node, got %q", nt)
	}

	got, err := r.GroupAttributes("obs")
	if err != nil {
		t.Fatalf("GroupAttributes: %v", err)
	}
	if Attr(got, "encoding-type") != "dataframe" {
		t.Fatalf("unexpected encoding-type %v", got["encoding-type"])
	}
	if order := AttrStrings(got, "column-order"); !reflect.DeepEqual(order, []string{"cluster", "region"}) {
		t.Fatalf("unexpected column-order %v", order)
	}

	children, err := r.Children("obs")
	if err != nil {
		t.Fatalf("Children: %v", err)
	}
	if !reflect.DeepEqual(children, []string{"cluster", "region"}) {
		t.Fatalf("unexpected children %v", children)
	}

	if err := w.SetAttributes("obs", map[string]any{"column-order": []string{"region"}}); err != nil {
		t.Fatalf("SetAttributes: %v", err)
	}
	got, _ = r.GroupAttributes("obs")
	if order := AttrStrings(got, "column-order"); !reflect.DeepEqual(order, []string{"region"}) {
		t.Fatalf("unexpected column-order after update %v", order)
	}
}

// writeRawArray writes metadata and raw (uncompressed) chunk files by hand.
func writeRawArray(t *testing.T, root, name string, meta ArrayMeta, chunks map[string][]byte) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(root, metadataFile), []byte(`{"zarr_format":3,"node_type":"group"}`), 0644); err != nil {
		t.Fatal(err)
	}
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	meta.ZarrFormat = 3
	meta.NodeType = NodeArray
	if err := writeJSON(filepath.Join(dir, metadataFile), meta); err != nil {
		t.Fatal(err)
	}
	for key, data := range chunks {
		p := filepath.Join(dir, filepath.FromSlash(key))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, data, 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func float64Bytes(order binary.ByteOrder, vs ...float64) []byte {
	out := make([]byte, 8*len(vs))
	for i, v := range vs {
		order.PutUint64(out[8*i:], math.Float64bits(v))
	}
	return out
}

func TestReaderChunkLayouts(t *testing.T) {
	meta := ArrayMeta{Shape: []int{3, 2}, DataType: DTypeFloat64, FillValue: "NaN"}
	meta.ChunkGrid.Name = "regular"
	meta.ChunkGrid.Configuration.ChunkShape = []int{2, 2}
	meta.ChunkKeyEncoding.Name = "default"

	t.Run("truncated edge chunk", func(t *testing.T) {
		root := t.TempDir()
		writeRawArray(t, root, "a", meta, map[string][]byte{
			"c/0/0": float64Bytes(binary.LittleEndian, 1, 2, 3, 4),
			"c/1/0": float64Bytes(binary.LittleEndian, 5, 6),
		})
		got, _, err := newTestReader(t, root, nil).ReadFloat64("a")
		if err != nil {
			t.Fatalf("ReadFloat64: %v", err)
		}
		if !reflect.DeepEqual(got, []float64{1, 2, 3, 4, 5, 6}) {
			t.Fatalf("unexpected values %v", got)
		}
	})

	t.Run("missing chunk reads as fill", func(t *testing.T) {
		root := t.TempDir()
		writeRawArray(t, root, "a", meta, map[string][]byte{
			"c/0/0": float64Bytes(binary.LittleEndian, 1, 2, 3, 4),
		})
		got, _, err := newTestReader(t, root, nil).ReadFloat64("a")
		if err != nil {
			t.Fatalf("ReadFloat64: %v", err)
		}
		if got[3] != 4 || !math.IsNaN(got[4]) || !math.IsNaN(got[5]) {
			t.Fatalf("unexpected values %v", got)
		}
	})

	t.Run("trailing singleton key fallback", func(t *testing.T) {
		root := t.TempDir()
		writeRawArray(t, root, "a", meta, map[string][]byte{
			"c/0": float64Bytes(binary.LittleEndian, 1, 2, 3, 4),
			"c/1": float64Bytes(binary.LittleEndian, 5, 6, 0, 0),
		})
		got, _, err := newTestReader(t, root, nil).ReadFloat64("a")
		if err != nil {
			t.Fatalf("ReadFloat64: %v", err)
		}
		if !reflect.DeepEqual(got, []float64{1, 2, 3, 4, 5, 6}) {
			t.Fatalf("unexpected values %v", got)
		}
	})

	t.Run("big endian v2 keys", func(t *testing.T) {
		m := meta
		m.ChunkKeyEncoding.Name = "v2"
		m.Codecs = []Codec{{Name: CodecBytes, Configuration: map[string]interface{}{"endian": "big"}}}
		root := t.TempDir()
		writeRawArray(t, root, "a", m, map[string][]byte{
			"0.0": float64Bytes(binary.BigEndian, 1, 2, 3, 4),
			"1.0": float64Bytes(binary.BigEndian, 5, 6, 7, 8),
		})
		got, _, err := newTestReader(t, root, nil).ReadFloat64("a")
		if err != nil {
			t.Fatalf("ReadFloat64: %v", err)
		}
		if !reflect.DeepEqual(got, []float64{1, 2, 3, 4, 5, 6}) {
			t.Fatalf("unexpected values %v", got)
		}
	})

	t.Run("column chunks", func(t *testing.T) {
		m := meta
		m.ChunkGrid.Configuration.ChunkShape = []int{3, 1}
		root := t.TempDir()
		writeRawArray(t, root, "a", m, map[string][]byte{
			"c/0/0": float64Bytes(binary.LittleEndian, 1, 3, 5),
			"c/0/1": float64Bytes(binary.LittleEndian, 2, 4, 6),
		})
		got, _, err := newTestReader(t, root, nil).ReadFloat64("a")
		if err != nil {
			t.Fatalf("ReadFloat64: %v", err)
		}
		if !reflect.DeepEqual(got, []float64{1, 2, 3, 4, 5, 6}) {
			t.Fatalf("unexpected values %v", got)
		}
	})
}

func TestReaderUsesChunkCache(t *testing.T) {
	m, err := cache.NewManager(cache.Config{ChunkCacheSizeMB: 8, StringChunkEntries: 8})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	w := newTestWriter(t, DefaultWriterOptions())
	if err := w.WriteArray("x", []float64{1, 2, 3}, []int{3}, nil); err != nil {
		t.Fatalf("WriteArray: %v", err)
	}
	if err := w.WriteStrings("s", []string{"a", "b"}, nil); err != nil {
		t.Fatalf("WriteStrings: %v", err)
	}

	r := newTestReader(t, w.Path(), m)
	if _, _, err := r.ReadFloat64("x"); err != nil {
		t.Fatalf("ReadFloat64: %v", err)
	}
	if _, _, err := r.ReadStrings("s"); err != nil {
		t.Fatalf("ReadStrings: %v", err)
	}

	// Remove the chunk files; reads must now be served from the cache.
	if err := os.RemoveAll(filepath.Join(w.Path(), "x", "c")); err != nil {
		t.Fatal(err)
	}
	if err := os.RemoveAll(filepath.Join(w.Path(), "s", "c")); err != nil {
		t.Fatal(err)
	}
	got, _, err := r.ReadFloat64("x")
	if err != nil || !reflect.DeepEqual(got, []float64{1, 2, 3}) {
		t.Fatalf("expected cached values, got %v (%v)", got, err)
	}
	gotS, _, err := r.ReadStrings("s")
	if err != nil || !reflect.DeepEqual(gotS, []string{"a", "b"}) {
		t.Fatalf("expected cached strings, got %v (%v)", gotS, err)
	}
}

func TestReaderErrors(t *testing.T) {
	if _, err := NewReader(t.TempDir(), nil); err == nil {
		t.Fatal("expected error opening a directory without zarr.json")
	}

	w := newTestWriter(t, DefaultWriterOptions())
	if err := w.WriteStrings("s", []string{"a"}, nil); err != nil {
		t.Fatalf("WriteStrings: %v", err)
	}
	if err := w.WriteArray("bad", []float64{1, 2, 3}, []int{2}, nil); err == nil {
		t.Fatal("expected shape mismatch error")
	}

	r := newTestReader(t, w.Path(), nil)
	if _, _, err := r.ReadFloat64("s"); err == nil {
		t.Fatal("expected error reading strings as float64")
	}
	if _, _, err := r.ReadStrings("missing"); err == nil {
		t.Fatal("expected error reading a missing array")
	}
}
