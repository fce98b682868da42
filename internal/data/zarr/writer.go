package zarr

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
)

// WriterOptions controls how arrays are encoded.
type WriterOptions struct {
	// Codec is the bytes->bytes compressor: "zstd", "gzip" or "" for none.
	Codec string
	// Level is the compression level passed to the compressor.
	Level int
	// ChunkRows is the chunk length along the first dimension.
	ChunkRows int
}

// DefaultWriterOptions returns zstd level 3 with 65536-row chunks.
func DefaultWriterOptions() WriterOptions {
	return WriterOptions{Codec: CodecZstd, Level: 3, ChunkRows: 65536}
}

// Writer creates groups and arrays in a Zarr v3 store.
type Writer struct {
	basePath string
	opts     WriterOptions
	codecs   *codecs
}

// NewWriter opens basePath for writing, creating the root group if needed.
func NewWriter(basePath string, opts WriterOptions) (*Writer, error) {
	defaults := DefaultWriterOptions()
	if opts.ChunkRows <= 0 {
		opts.ChunkRows = defaults.ChunkRows
	}
	switch opts.Codec {
	case "", CodecZstd, CodecGzip:
	default:
		return nil, fmt.Errorf("unsupported compressor: %s", opts.Codec)
	}
	if opts.Codec == CodecZstd && opts.Level <= 0 {
		opts.Level = defaults.Level
	}

	c, err := newCodecs(opts.Level)
	if err != nil {
		return nil, err
	}
	w := &Writer{basePath: basePath, opts: opts, codecs: c}

	if _, err := os.Stat(filepath.Join(basePath, metadataFile)); os.IsNotExist(err) {
		if err := w.CreateGroup("", nil); err != nil {
			c.close()
			return nil, err
		}
	}
	return w, nil
}

// Path returns the store root.
func (w *Writer) Path() string { return w.basePath }

func (w *Writer) nodePath(name string) string {
	return filepath.Join(w.basePath, filepath.FromSlash(path.Clean("/" + name))[1:])
}

// CreateGroup creates group name with attrs. Existing metadata is replaced.
func (w *Writer) CreateGroup(name string, attrs map[string]any) error {
	p := w.nodePath(name)
	if err := os.MkdirAll(p, 0755); err != nil {
		return fmt.Errorf("failed to create group %q: %w", name, err)
	}
	return writeJSON(filepath.Join(p, metadataFile), GroupMeta{
		ZarrFormat: 3,
		NodeType:   NodeGroup,
		Attributes: attrs,
	})
}

// SetAttributes replaces the attributes of group name.
func (w *Writer) SetAttributes(name string, attrs map[string]any) error {
	p := w.nodePath(name)
	meta, err := loadGroupMeta(p)
	if err != nil {
		return fmt.Errorf("failed to load group %q: %w", name, err)
	}
	meta.Attributes = attrs
	return writeJSON(filepath.Join(p, metadataFile), meta)
}

// WriteArray writes a fixed-width array. data is a typed slice in C order
// ([]int32, []float64, ...) whose length matches shape. Chunks split the first
// dimension only and edge chunks are padded with the fill value.
func (w *Writer) WriteArray(name string, data any, shape []int, attrs map[string]any) error {
	raw, dtype, err := encodeElements(data)
	if err != nil {
		return fmt.Errorf("array %q: %w", name, err)
	}
	elem, _ := zarrDTypeSize(dtype)
	if len(shape) == 0 {
		return fmt.Errorf("array %q: empty shape", name)
	}
	if len(raw) != product(shape)*elem {
		return fmt.Errorf("array %q: %d elements do not match shape %v", name, len(raw)/elem, shape)
	}

	meta := w.newMeta(shape, dtype, CodecBytes, attrs)
	meta.FillValue = 0
	if dtype == DTypeBool {
		meta.FillValue = false
	}
	if err := w.writeMeta(name, meta); err != nil {
		return err
	}

	rowBytes := product(shape[1:]) * elem
	chunkRows := meta.ChunkGrid.Configuration.ChunkShape[0]
	for c := 0; c < ceilDiv(shape[0], chunkRows); c++ {
		start := c * chunkRows
		end := min(start+chunkRows, shape[0])
		chunk := make([]byte, chunkRows*rowBytes)
		copy(chunk, raw[start*rowBytes:end*rowBytes])
		if err := w.writeChunk(name, meta, c, chunk); err != nil {
			return err
		}
	}
	return nil
}

// WriteStrings writes a one-dimensional string array.
func (w *Writer) WriteStrings(name string, values []string, attrs map[string]any) error {
	shape := []int{len(values)}
	meta := w.newMeta(shape, DTypeString, CodecVLenUTF8, attrs)
	meta.FillValue = ""
	if err := w.writeMeta(name, meta); err != nil {
		return err
	}

	chunkRows := meta.ChunkGrid.Configuration.ChunkShape[0]
	for c := 0; c < ceilDiv(len(values), chunkRows); c++ {
		start := c * chunkRows
		end := min(start+chunkRows, len(values))
		chunk := make([]string, chunkRows)
		copy(chunk, values[start:end])
		if err := w.writeChunk(name, meta, c, encodeVLenUTF8(chunk)); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) newMeta(shape []int, dtype, arrayCodec string, attrs map[string]any) *ArrayMeta {
	meta := &ArrayMeta{
		ZarrFormat: 3,
		NodeType:   NodeArray,
		Shape:      append([]int(nil), shape...),
		DataType:   dtype,
		Attributes: attrs,
	}
	chunk := append([]int(nil), shape...)
	chunk[0] = max(1, min(w.opts.ChunkRows, shape[0]))
	for d := 1; d < len(chunk); d++ {
		chunk[d] = max(1, chunk[d])
	}
	meta.ChunkGrid.Name = "regular"
	meta.ChunkGrid.Configuration.ChunkShape = chunk
	meta.ChunkKeyEncoding.Name = "default"
	meta.ChunkKeyEncoding.Configuration.Separator = "/"

	first := Codec{Name: arrayCodec}
	if arrayCodec == CodecBytes {
		first.Configuration = map[string]interface{}{"endian": "little"}
	}
	meta.Codecs = []Codec{first}
	switch w.opts.Codec {
	case CodecZstd:
		meta.Codecs = append(meta.Codecs, Codec{
			Name:          CodecZstd,
			Configuration: map[string]interface{}{"level": w.opts.Level, "checksum": false},
		})
	case CodecGzip:
		meta.Codecs = append(meta.Codecs, Codec{
			Name:          CodecGzip,
			Configuration: map[string]interface{}{"level": w.opts.Level},
		})
	}
	return meta
}

func (w *Writer) writeMeta(name string, meta *ArrayMeta) error {
	p := w.nodePath(name)
	if err := os.RemoveAll(p); err != nil {
		return fmt.Errorf("failed to replace array %q: %w", name, err)
	}
	if err := os.MkdirAll(p, 0755); err != nil {
		return fmt.Errorf("failed to create array %q: %w", name, err)
	}
	return writeJSON(filepath.Join(p, metadataFile), meta)
}

func (w *Writer) writeChunk(name string, meta *ArrayMeta, row int, data []byte) error {
	_, chain, err := splitCodecs(meta)
	if err != nil {
		return err
	}
	encoded, err := w.codecs.encodeBytes(data, chain)
	if err != nil {
		return fmt.Errorf("failed to encode %s chunk %d: %w", name, row, err)
	}

	idx := make([]int, len(meta.Shape))
	idx[0] = row
	p := filepath.Join(w.nodePath(name), filepath.FromSlash(meta.encodeChunkKey(idx)))
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(p, encoded, 0644); err != nil {
		return fmt.Errorf("failed to write %s chunk %d: %w", name, row, err)
	}
	return nil
}

// Close releases resources.
func (w *Writer) Close() {
	if w.codecs != nil {
		w.codecs.close()
	}
}
