// Package config handles configuration loading for the neighborhood analysis.
package config

import (
	"fmt"
	"os"
	"runtime"
	"slices"

	"gopkg.in/yaml.v3"
)

// Config represents the analysis configuration.
type Config struct {
	Input      string           `yaml:"input"`
	Output     OutputConfig     `yaml:"output"`
	Fields     FieldsConfig     `yaml:"fields"`
	Params     ParamsConfig     `yaml:"params"`
	Index      IndexConfig      `yaml:"index"`
	Clustering ClusteringConfig `yaml:"clustering"`
	// Workers bounds the regions processed concurrently; 0 means GOMAXPROCS.
	Workers int          `yaml:"workers"`
	Export  ExportConfig `yaml:"export"`
	Zarr    ZarrConfig   `yaml:"zarr"`
	Cache   CacheConfig  `yaml:"cache"`
	Log     LogConfig    `yaml:"log"`
	Runs    RunsConfig   `yaml:"runs"`
}

// OutputConfig controls where results are written.
type OutputConfig struct {
	Dir  string `yaml:"dir"`
	Name string `yaml:"name"`
}

// FieldsConfig names the dataset fields read for each cell.
type FieldsConfig struct {
	Spatial  string `yaml:"spatial"`
	CellType string `yaml:"cell_type"`
	Region   string `yaml:"region"`
}

// ParamsConfig holds the analysis parameters.
type ParamsConfig struct {
	NNeighbors     int   `yaml:"n_neighbors"`
	NNeighborhoods int   `yaml:"n_neighborhoods"`
	Seed           int64 `yaml:"seed"`
}

// IndexConfig selects the spatial index backend.
type IndexConfig struct {
	Backend string `yaml:"backend"`
}

// ClusteringConfig tunes mini-batch k-means.
type ClusteringConfig struct {
	BatchSize        int     `yaml:"batch_size"`
	MaxIter          int     `yaml:"max_iter"`
	MaxNoImprovement int     `yaml:"max_no_improvement"`
	NInit            int     `yaml:"n_init"`
	InitSize         int     `yaml:"init_size"`
	Tol              float64 `yaml:"tol"`
}

// ExportConfig controls the flat-table exports.
type ExportConfig struct {
	Enabled   *bool    `yaml:"enabled"`
	Tables    []string `yaml:"tables"`
	GzipLevel int      `yaml:"gzip_level"`
}

// IsEnabled reports whether exports are written. Unset means enabled.
func (e ExportConfig) IsEnabled() bool {
	return e.Enabled == nil || *e.Enabled
}

// ZarrConfig controls how Zarr arrays are encoded on write.
type ZarrConfig struct {
	Codec     string `yaml:"codec"`
	Level     int    `yaml:"level"`
	ChunkRows int    `yaml:"chunk_rows"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	ChunkCacheMB       int `yaml:"chunk_cache_mb"`
	StringChunkEntries int `yaml:"string_chunk_entries"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// RunsConfig configures the run ledger. An empty path disables it.
type RunsConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

// Table names accepted in export.tables.
var AllTables = []string{"measurements", "annotations", "pca", "umap", "coordinates"}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Output: OutputConfig{
			Dir:  ".",
			Name: "spatialdata",
		},
		Fields: FieldsConfig{
			Spatial:  "spatial",
			CellType: "cluster",
			Region:   "region",
		},
		Params: ParamsConfig{
			NNeighbors:     10,
			NNeighborhoods: 10,
			Seed:           0,
		},
		Index: IndexConfig{Backend: "auto"},
		Clustering: ClusteringConfig{
			BatchSize:        1024,
			MaxIter:          100,
			MaxNoImprovement: 10,
			NInit:            3,
		},
		Export: ExportConfig{
			Tables:    slices.Clone(AllTables),
			GzipLevel: 6,
		},
		Zarr: ZarrConfig{
			Codec:     "zstd",
			Level:     3,
			ChunkRows: 65536,
		},
		Cache: CacheConfig{
			ChunkCacheMB:       256,
			StringChunkEntries: 1024,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Output.Dir == "" {
		cfg.Output.Dir = defaults.Output.Dir
	}
	if cfg.Output.Name == "" {
		cfg.Output.Name = defaults.Output.Name
	}
	if cfg.Fields.Spatial == "" {
		cfg.Fields.Spatial = defaults.Fields.Spatial
	}
	if cfg.Fields.CellType == "" {
		cfg.Fields.CellType = defaults.Fields.CellType
	}
	if cfg.Fields.Region == "" {
		cfg.Fields.Region = defaults.Fields.Region
	}
	if cfg.Params.NNeighbors == 0 {
		cfg.Params.NNeighbors = defaults.Params.NNeighbors
	}
	if cfg.Params.NNeighborhoods == 0 {
		cfg.Params.NNeighborhoods = defaults.Params.NNeighborhoods
	}
	if cfg.Index.Backend == "" {
		cfg.Index.Backend = defaults.Index.Backend
	}
	if cfg.Clustering.BatchSize == 0 {
		cfg.Clustering.BatchSize = defaults.Clustering.BatchSize
	}
	if cfg.Clustering.MaxIter == 0 {
		cfg.Clustering.MaxIter = defaults.Clustering.MaxIter
	}
	if cfg.Clustering.MaxNoImprovement == 0 {
		cfg.Clustering.MaxNoImprovement = defaults.Clustering.MaxNoImprovement
	}
	if cfg.Clustering.NInit == 0 {
		cfg.Clustering.NInit = defaults.Clustering.NInit
	}
	if len(cfg.Export.Tables) == 0 {
		cfg.Export.Tables = defaults.Export.Tables
	}
	if cfg.Export.GzipLevel == 0 {
		cfg.Export.GzipLevel = defaults.Export.GzipLevel
	}
	if cfg.Zarr.Codec == "" {
		cfg.Zarr.Codec = defaults.Zarr.Codec
	}
	if cfg.Zarr.Level == 0 {
		cfg.Zarr.Level = defaults.Zarr.Level
	}
	if cfg.Zarr.ChunkRows == 0 {
		cfg.Zarr.ChunkRows = defaults.Zarr.ChunkRows
	}
	if cfg.Cache.ChunkCacheMB == 0 {
		cfg.Cache.ChunkCacheMB = defaults.Cache.ChunkCacheMB
	}
	if cfg.Cache.StringChunkEntries == 0 {
		cfg.Cache.StringChunkEntries = defaults.Cache.StringChunkEntries
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = defaults.Log.Format
	}
}

// EffectiveWorkers returns the worker bound, resolving 0 to GOMAXPROCS.
func (c *Config) EffectiveWorkers() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return runtime.GOMAXPROCS(0)
}

// Validate checks settings that do not depend on the data. Parameter bounds
// against region sizes are checked by the pipeline before any computation.
func (c *Config) Validate() error {
	if c.Input == "" {
		return fmt.Errorf("input is required")
	}
	switch c.Index.Backend {
	case "auto", "quadtree", "kdtree", "brute":
	default:
		return fmt.Errorf("unknown index.backend %q", c.Index.Backend)
	}
	if c.Clustering.BatchSize < 0 || c.Clustering.MaxIter < 0 || c.Clustering.MaxNoImprovement < 0 ||
		c.Clustering.NInit < 0 || c.Clustering.InitSize < 0 {
		return fmt.Errorf("clustering settings must not be negative")
	}
	if c.Clustering.Tol < 0 {
		return fmt.Errorf("clustering.tol must not be negative, got %g", c.Clustering.Tol)
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative, got %d", c.Workers)
	}
	for _, t := range c.Export.Tables {
		if !slices.Contains(AllTables, t) {
			return fmt.Errorf("unknown export table %q", t)
		}
	}
	if c.Export.GzipLevel < -2 || c.Export.GzipLevel > 9 {
		return fmt.Errorf("export.gzip_level must be in [-2, 9], got %d", c.Export.GzipLevel)
	}
	switch c.Zarr.Codec {
	case "zstd", "gzip", "none":
	default:
		return fmt.Errorf("unknown zarr.codec %q", c.Zarr.Codec)
	}
	if c.Zarr.ChunkRows < 0 {
		return fmt.Errorf("zarr.chunk_rows must not be negative, got %d", c.Zarr.ChunkRows)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log.level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log.format %q", c.Log.Format)
	}
	return nil
}
