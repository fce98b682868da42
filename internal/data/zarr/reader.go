// Package zarr provides a reader and writer for Zarr v3 stores on the local
// filesystem.
//
// Supported: regular chunk grids, "default" and "v2" chunk key encodings, the
// bytes, vlen-utf8, zstd and gzip codecs, and every fixed-width numeric data
// type plus variable-length strings. Missing chunks read as the fill value.
package zarr

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/atlasmap-sc/neighborhood/internal/cache"
)

// Reader provides read access to a Zarr v3 store.
type Reader struct {
	basePath string
	cache    *cache.Manager
	codecs   *codecs
}

// NewReader creates a new Zarr reader. chunkCache may be nil.
func NewReader(basePath string, chunkCache *cache.Manager) (*Reader, error) {
	if _, err := readNodeHeader(basePath); err != nil {
		return nil, fmt.Errorf("failed to open zarr store %s: %w", basePath, err)
	}

	c, err := newCodecs(3)
	if err != nil {
		return nil, err
	}

	return &Reader{
		basePath: basePath,
		cache:    chunkCache,
		codecs:   c,
	}, nil
}

// Path returns the store root.
func (r *Reader) Path() string { return r.basePath }

func (r *Reader) nodePath(name string) string {
	return filepath.Join(r.basePath, filepath.FromSlash(path.Clean("/" + name))[1:])
}

// Exists reports whether a group or array named name exists.
func (r *Reader) Exists(name string) bool {
	_, err := os.Stat(filepath.Join(r.nodePath(name), metadataFile))
	return err == nil
}

// NodeType returns NodeGroup or NodeArray for name.
func (r *Reader) NodeType(name string) (string, error) {
	h, err := readNodeHeader(r.nodePath(name))
	if err != nil {
		return "", err
	}
	return h.NodeType, nil
}

// GroupAttributes returns the attributes of group name.
func (r *Reader) GroupAttributes(name string) (map[string]any, error) {
	meta, err := loadGroupMeta(r.nodePath(name))
	if err != nil {
		return nil, fmt.Errorf("failed to load group %q: %w", name, err)
	}
	if meta.Attributes == nil {
		meta.Attributes = map[string]any{}
	}
	return meta.Attributes, nil
}

// ArrayMeta returns the metadata of array name.
func (r *Reader) ArrayMeta(name string) (*ArrayMeta, error) {
	meta, err := loadArrayMeta(r.nodePath(name))
	if err != nil {
		return nil, fmt.Errorf("failed to load array %q metadata: %w", name, err)
	}
	return meta, nil
}

// Children lists the direct child nodes of group name, sorted.
func (r *Reader) Children(name string) ([]string, error) {
	entries, err := os.ReadDir(r.nodePath(name))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(r.nodePath(name), e.Name(), metadataFile)); err == nil {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// ReadFloat64 reads a numeric array in C order, converting to float64.
func (r *Reader) ReadFloat64(name string) ([]float64, []int, error) {
	meta, raw, err := r.readFixed(name)
	if err != nil {
		return nil, nil, err
	}
	out, err := decodeFloat64(raw, meta.DataType)
	if err != nil {
		return nil, nil, fmt.Errorf("array %q: %w", name, err)
	}
	return out, meta.Shape, nil
}

// ReadInt64 reads an integer array in C order.
func (r *Reader) ReadInt64(name string) ([]int64, []int, error) {
	meta, raw, err := r.readFixed(name)
	if err != nil {
		return nil, nil, err
	}
	out, err := decodeInt64(raw, meta.DataType)
	if err != nil {
		return nil, nil, fmt.Errorf("array %q: %w", name, err)
	}
	return out, meta.Shape, nil
}

// ReadStrings reads a string array in C order.
func (r *Reader) ReadStrings(name string) ([]string, []int, error) {
	meta, err := r.ArrayMeta(name)
	if err != nil {
		return nil, nil, err
	}
	if meta.DataType != DTypeString {
		return nil, nil, fmt.Errorf("array %q has data_type %s, expected %s", name, meta.DataType, DTypeString)
	}

	out := make([]string, product(meta.Shape))
	err = r.forEachChunk(meta, func(idx []int) error {
		actual, err := meta.chunkShapeAt(idx)
		if err != nil {
			return err
		}
		values, err := r.stringChunk(name, meta, idx, actual)
		if err != nil {
			return err
		}
		stored, err := storedShape(meta, actual, len(values))
		if err != nil {
			return fmt.Errorf("array %q chunk %v: %w", name, idx, err)
		}
		placeChunk(meta, idx, stored, actual, func(dst, src, n int) {
			copy(out[dst:dst+n], values[src:src+n])
		})
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return out, meta.Shape, nil
}

// readFixed assembles a fixed-width array as little-endian bytes in C order.
func (r *Reader) readFixed(name string) (*ArrayMeta, []byte, error) {
	meta, err := r.ArrayMeta(name)
	if err != nil {
		return nil, nil, err
	}
	elem, err := zarrDTypeSize(meta.DataType)
	if err != nil {
		return nil, nil, fmt.Errorf("array %q: %w", name, err)
	}

	out := make([]byte, product(meta.Shape)*elem)
	err = r.forEachChunk(meta, func(idx []int) error {
		actual, err := meta.chunkShapeAt(idx)
		if err != nil {
			return err
		}
		data, err := r.fixedChunk(name, meta, idx, actual)
		if err != nil {
			return err
		}
		if len(data)%elem != 0 {
			return fmt.Errorf("array %q chunk %v: %d bytes is not a multiple of %d", name, idx, len(data), elem)
		}
		stored, err := storedShape(meta, actual, len(data)/elem)
		if err != nil {
			return fmt.Errorf("array %q chunk %v: %w", name, idx, err)
		}
		placeChunk(meta, idx, stored, actual, func(dst, src, n int) {
			copy(out[dst*elem:(dst+n)*elem], data[src*elem:(src+n)*elem])
		})
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return meta, out, nil
}

// forEachChunk visits every chunk index of the grid in C order.
func (r *Reader) forEachChunk(meta *ArrayMeta, fn func(idx []int) error) error {
	grid := meta.chunkGrid()
	if product(grid) == 0 {
		return nil
	}
	idx := make([]int, len(grid))
	for {
		if err := fn(idx); err != nil {
			return err
		}
		d := len(idx) - 1
		for d >= 0 {
			idx[d]++
			if idx[d] < grid[d] {
				break
			}
			idx[d] = 0
			d--
		}
		if d < 0 {
			return nil
		}
	}
}

// storedShape decides whether a decoded chunk holds the full chunk shape
// (standard, edge chunks padded) or only its in-bounds extent (legacy writers).
func storedShape(meta *ArrayMeta, actual []int, elements int) ([]int, error) {
	full := meta.ChunkGrid.Configuration.ChunkShape
	switch elements {
	case product(full):
		return full, nil
	case product(actual):
		return actual, nil
	default:
		return nil, fmt.Errorf("chunk holds %d elements, expected %d or %d", elements, product(full), product(actual))
	}
}

// placeChunk copies the in-bounds part of a chunk into the C-order output.
// cp receives element offsets in the output and the chunk and a run length.
func placeChunk(meta *ArrayMeta, idx, stored, actual []int, cp func(dst, src, n int)) {
	nd := len(meta.Shape)
	chunk := meta.ChunkGrid.Configuration.ChunkShape

	// Strides in elements.
	outStride := make([]int, nd)
	srcStride := make([]int, nd)
	outStride[nd-1], srcStride[nd-1] = 1, 1
	for d := nd - 2; d >= 0; d-- {
		outStride[d] = outStride[d+1] * meta.Shape[d+1]
		srcStride[d] = srcStride[d+1] * stored[d+1]
	}

	base := 0
	for d := 0; d < nd; d++ {
		base += idx[d] * chunk[d] * outStride[d]
	}

	// Odometer over all but the last dimension; the last is a contiguous run.
	pos := make([]int, nd-1)
	run := actual[nd-1]
	for {
		dst, src := base, 0
		for d := 0; d < nd-1; d++ {
			dst += pos[d] * outStride[d]
			src += pos[d] * srcStride[d]
		}
		cp(dst, src, run)

		d := nd - 2
		for d >= 0 {
			pos[d]++
			if pos[d] < actual[d] {
				break
			}
			pos[d] = 0
			d--
		}
		if d < 0 {
			return
		}
	}
}

// readChunk reads the raw bytes of a chunk from storage.
func (r *Reader) readChunk(arrayPath string, chunkKey string) ([]byte, error) {
	return os.ReadFile(filepath.Join(arrayPath, filepath.FromSlash(chunkKey)))
}

// readChunkAt reads a chunk's encoded bytes. found is false when the chunk is
// absent and should be treated as all fill value.
func (r *Reader) readChunkAt(arrayPath string, meta *ArrayMeta, chunkIndices []int) (data []byte, found bool, err error) {
	key := meta.encodeChunkKey(chunkIndices)
	data, err = r.readChunk(arrayPath, key)
	if err == nil {
		return data, true, nil
	}

	// Backwards-compatible fallback: some writers may drop trailing singleton chunk dims
	// (e.g. store [N,2] chunks as c/<rowChunk> instead of c/<rowChunk>/0).
	var altErr error
	if len(chunkIndices) > 1 {
		trailingAllZero := true
		for _, v := range chunkIndices[1:] {
			if v != 0 {
				trailingAllZero = false
				break
			}
		}
		if trailingAllZero {
			altKey := meta.encodeChunkKey(chunkIndices[:1])
			altData, altReadErr := r.readChunk(arrayPath, altKey)
			if altReadErr == nil {
				return altData, true, nil
			}
			altErr = altReadErr
		}
	}

	if os.IsNotExist(err) && (altErr == nil || os.IsNotExist(altErr)) {
		return nil, false, nil
	}
	return nil, false, err
}

func (r *Reader) fixedChunk(name string, meta *ArrayMeta, idx, actual []int) ([]byte, error) {
	key := cache.ChunkKey(r.basePath, name, meta.encodeChunkKey(idx))
	if data, ok := r.cache.GetChunk(key); ok {
		return data, nil
	}

	arrayCodec, chain, err := splitCodecs(meta)
	if err != nil {
		return nil, fmt.Errorf("array %q: %w", name, err)
	}
	if arrayCodec.Name != CodecBytes {
		return nil, fmt.Errorf("array %q: codec %s cannot encode %s", name, arrayCodec.Name, meta.DataType)
	}

	raw, found, err := r.readChunkAt(r.nodePath(name), meta, idx)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s chunk %v: %w", name, idx, err)
	}
	if !found {
		fill, err := zarrFillValueBytes(meta)
		if err != nil {
			return nil, err
		}
		return repeatFillBytes(fill, product(actual)), nil
	}

	data, err := r.codecs.decodeBytes(raw, chain)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s chunk %v: %w", name, idx, err)
	}
	if isBigEndian(arrayCodec) {
		size, _ := zarrDTypeSize(meta.DataType)
		swapEndian(data, size)
	}

	r.cache.SetChunk(key, data)
	return data, nil
}

func (r *Reader) stringChunk(name string, meta *ArrayMeta, idx, actual []int) ([]string, error) {
	key := cache.ChunkKey(r.basePath, name, meta.encodeChunkKey(idx))
	if values, ok := r.cache.GetStrings(key); ok {
		return values, nil
	}

	arrayCodec, chain, err := splitCodecs(meta)
	if err != nil {
		return nil, fmt.Errorf("array %q: %w", name, err)
	}
	if arrayCodec.Name != CodecVLenUTF8 {
		return nil, fmt.Errorf("array %q: codec %s cannot encode strings", name, arrayCodec.Name)
	}

	raw, found, err := r.readChunkAt(r.nodePath(name), meta, idx)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s chunk %v: %w", name, idx, err)
	}
	if !found {
		fill, _ := meta.FillValue.(string)
		values := make([]string, product(actual))
		for i := range values {
			values[i] = fill
		}
		return values, nil
	}

	data, err := r.codecs.decodeBytes(raw, chain)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s chunk %v: %w", name, idx, err)
	}
	values, err := decodeVLenUTF8(data)
	if err != nil {
		return nil, fmt.Errorf("array %q chunk %v: %w", name, idx, err)
	}

	r.cache.SetStrings(key, values)
	return values, nil
}

// Close releases resources.
func (r *Reader) Close() {
	if r.codecs != nil {
		r.codecs.close()
	}
}
