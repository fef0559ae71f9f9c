// Package config holds the process-wide tunables for the standalone engine:
// where partitions live on disk, how big a federation message can be before it
// is split, the catalog's shard count, and the worker pool's size.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// DefaultMessageMaxSize is the inline federation payload threshold in bytes;
// anything larger is materialized as a split-object table.
const DefaultMessageMaxSize = 1048576

// DefaultCatalogPartitions is the fixed shard count of the table-meta catalog.
const DefaultCatalogPartitions = 11

// Config is the set of knobs an embedding application may tune. Zero values are
// replaced by DefaultConfig's values at load time.
type Config struct {
	// DataRoot is the filesystem root under which `<namespace>/<name>/`
	// directories, each holding one `<partition>.db` file per partition, are
	// created. Overridden by STANDALONE_DATA_PATH when set.
	DataRoot string `yaml:"dataRoot"`

	// MaxMessageSize is the federation inline-payload threshold in bytes.
	MaxMessageSize int `yaml:"maxMessageSize"`

	// CatalogPartitions is the table-meta catalog's fixed shard count.
	CatalogPartitions int `yaml:"catalogPartitions"`

	// WorkerCount is the number of OS worker processes in the pool.
	WorkerCount int `yaml:"workerCount"`

	// WorkerBinary overrides the executable the pool re-execs for workers.
	// Empty means "re-exec os.Executable()".
	WorkerBinary string `yaml:"workerBinary"`
}

// DefaultConfig returns the configuration used when nothing else is specified.
func DefaultConfig() Config {
	dataRoot := os.Getenv("STANDALONE_DATA_PATH")
	if dataRoot == "" {
		wd, err := os.Getwd()
		if err != nil {
			wd = "."
		}
		dataRoot = filepath.Join(wd, "__standalone_data__")
	}

	return Config{
		DataRoot:          dataRoot,
		MaxMessageSize:    DefaultMessageMaxSize,
		CatalogPartitions: DefaultCatalogPartitions,
		WorkerCount:       runtime.NumCPU(),
	}
}

// Load reads a YAML config file and merges it over DefaultConfig: fields absent
// from the file keep their default value.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	var override Config
	if err := yaml.Unmarshal(data, &override); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	if override.DataRoot != "" {
		cfg.DataRoot = override.DataRoot
	}
	if override.MaxMessageSize != 0 {
		cfg.MaxMessageSize = override.MaxMessageSize
	}
	if override.CatalogPartitions != 0 {
		cfg.CatalogPartitions = override.CatalogPartitions
	}
	if override.WorkerCount != 0 {
		cfg.WorkerCount = override.WorkerCount
	}
	if override.WorkerBinary != "" {
		cfg.WorkerBinary = override.WorkerBinary
	}

	// STANDALONE_DATA_PATH always wins, even over a config file.
	if envRoot := os.Getenv("STANDALONE_DATA_PATH"); envRoot != "" {
		cfg.DataRoot = envRoot
	}

	return cfg, nil
}
