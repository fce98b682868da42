package zarr

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Node types.
const (
	NodeGroup = "group"
	NodeArray = "array"
)

// metadataFile is the per-node metadata document of a Zarr v3 store.
const metadataFile = "zarr.json"

// ArrayMeta represents Zarr v3 array metadata (zarr.json).
type ArrayMeta struct {
	ZarrFormat       int              `json:"zarr_format"`
	NodeType         string           `json:"node_type"`
	Shape            []int            `json:"shape"`
	DataType         string           `json:"data_type"`
	ChunkGrid        ChunkGrid        `json:"chunk_grid"`
	ChunkKeyEncoding ChunkKeyEncoding `json:"chunk_key_encoding"`
	FillValue        interface{}      `json:"fill_value"`
	Codecs           []Codec          `json:"codecs"`
	Attributes       map[string]any   `json:"attributes,omitempty"`
}

// ChunkGrid describes a regular chunk grid.
type ChunkGrid struct {
	Name          string `json:"name"`
	Configuration struct {
		ChunkShape []int `json:"chunk_shape"`
	} `json:"configuration"`
}

// ChunkKeyEncoding describes how chunk coordinates map to storage keys.
type ChunkKeyEncoding struct {
	Name          string `json:"name"`
	Configuration struct {
		Separator string `json:"separator,omitempty"`
	} `json:"configuration"`
}

// Codec is one entry of an array's codec pipeline.
type Codec struct {
	Name          string                 `json:"name"`
	Configuration map[string]interface{} `json:"configuration,omitempty"`
}

// GroupMeta represents Zarr v3 group metadata.
type GroupMeta struct {
	ZarrFormat int            `json:"zarr_format"`
	NodeType   string         `json:"node_type"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// nodeHeader is the common prefix of group and array metadata.
type nodeHeader struct {
	ZarrFormat int    `json:"zarr_format"`
	NodeType   string `json:"node_type"`
}

func readNodeHeader(nodePath string) (*nodeHeader, error) {
	data, err := os.ReadFile(filepath.Join(nodePath, metadataFile))
	if err != nil {
		return nil, err
	}
	var h nodeHeader
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", metadataFile, err)
	}
	if h.ZarrFormat != 3 {
		return nil, fmt.Errorf("unsupported zarr_format %d", h.ZarrFormat)
	}
	return &h, nil
}

// loadArrayMeta loads Zarr v3 array metadata.
func loadArrayMeta(arrayPath string) (*ArrayMeta, error) {
	data, err := os.ReadFile(filepath.Join(arrayPath, metadataFile))
	if err != nil {
		return nil, err
	}

	var meta ArrayMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", metadataFile, err)
	}
	if meta.NodeType != NodeArray {
		return nil, fmt.Errorf("node is a %s, not an array", meta.NodeType)
	}
	if err := meta.validate(); err != nil {
		return nil, err
	}
	return &meta, nil
}

func loadGroupMeta(groupPath string) (*GroupMeta, error) {
	data, err := os.ReadFile(filepath.Join(groupPath, metadataFile))
	if err != nil {
		return nil, err
	}
	var meta GroupMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", metadataFile, err)
	}
	if meta.NodeType != NodeGroup {
		return nil, fmt.Errorf("node is a %s, not a group", meta.NodeType)
	}
	return &meta, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func (m *ArrayMeta) validate() error {
	if len(m.Shape) == 0 {
		return fmt.Errorf("invalid zarr metadata: zero-dimensional arrays are not supported")
	}
	chunk := m.ChunkGrid.Configuration.ChunkShape
	if len(chunk) != len(m.Shape) {
		return fmt.Errorf("invalid zarr metadata: shape dims (%d) != chunk dims (%d)", len(m.Shape), len(chunk))
	}
	for d, c := range chunk {
		if c <= 0 {
			return fmt.Errorf("invalid chunk shape at dim %d: %d", d, c)
		}
	}
	if m.DataType != DTypeString {
		if _, err := zarrDTypeSize(m.DataType); err != nil {
			return err
		}
	}
	return nil
}

// chunkGrid returns the number of chunks along each dimension.
func (m *ArrayMeta) chunkGrid() []int {
	grid := make([]int, len(m.Shape))
	for d := range m.Shape {
		grid[d] = ceilDiv(m.Shape[d], m.ChunkGrid.Configuration.ChunkShape[d])
	}
	return grid
}

// encodeChunkKey maps chunk coordinates to a store key using the array's
// chunk key encoding ("default": c/0/1, "v2": 0.1).
func (m *ArrayMeta) encodeChunkKey(chunkIndices []int) string {
	sep := m.ChunkKeyEncoding.Configuration.Separator
	v2 := m.ChunkKeyEncoding.Name == "v2"
	if sep == "" {
		sep = "/"
		if v2 {
			sep = "."
		}
	}
	parts := make([]string, len(chunkIndices))
	for i, idx := range chunkIndices {
		parts[i] = strconv.Itoa(idx)
	}
	if v2 {
		return strings.Join(parts, sep)
	}
	return "c" + sep + strings.Join(parts, sep)
}

// chunkShapeAt returns the in-bounds extent of the chunk at chunkIndices.
func (m *ArrayMeta) chunkShapeAt(chunkIndices []int) ([]int, error) {
	if len(chunkIndices) != len(m.Shape) {
		return nil, fmt.Errorf("invalid chunk indices: got %d dims, expected %d", len(chunkIndices), len(m.Shape))
	}

	actual := make([]int, len(m.Shape))
	for d := range m.Shape {
		chunkLen := m.ChunkGrid.Configuration.ChunkShape[d]
		start := chunkIndices[d] * chunkLen
		if start < 0 || start >= m.Shape[d] {
			return nil, fmt.Errorf("chunk index out of range at dim %d: start=%d shape=%d", d, start, m.Shape[d])
		}
		remaining := m.Shape[d] - start
		if remaining < chunkLen {
			chunkLen = remaining
		}
		actual[d] = chunkLen
	}

	return actual, nil
}

// Attr returns a string attribute, or "" when absent or not a string.
func Attr(attrs map[string]any, key string) string {
	s, _ := attrs[key].(string)
	return s
}

// AttrStrings returns a string-list attribute.
func AttrStrings(attrs map[string]any, key string) []string {
	raw, ok := attrs[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// AttrInts returns an integer-list attribute.
func AttrInts(attrs map[string]any, key string) []int {
	raw, ok := attrs[key].([]any)
	if !ok {
		return nil
	}
	out := make([]int, 0, len(raw))
	for _, v := range raw {
		if f, ok := v.(float64); ok {
			out = append(out, int(f))
		}
	}
	return out
}

func product(ints []int) int {
	p := 1
	for _, v := range ints {
		p *= v
	}
	return p
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
