// Package config loads qikv's tuning constants (spec §6.4) and data
// directory from a YAML file, following dd0wney-graphdb's
// yaml.Unmarshal-into-a-tagged-struct convention for its own cluster and
// upgrade configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the "configurability" open item of spec §9 made concrete: the
// five tuning constants of spec §6.4, plus the store's data directory.
type Config struct {
	DataDir string `yaml:"data_dir"`

	SparseIndexInterval     int   `yaml:"sparse_index_interval"`
	SSTableFileSize         int64 `yaml:"sstable_file_size"`
	MemtableFlushSize       int64 `yaml:"memtable_flush_size"`
	Level0CompactionTrigger int   `yaml:"level0_compaction_trigger"`
	LevelByteTriggerBase    int64 `yaml:"level_byte_trigger_base"`
}

// Default returns the constants spec §6.4 names, rooted at dataDir.
func Default(dataDir string) Config {
	return Config{
		DataDir:                 dataDir,
		SparseIndexInterval:     16,
		SSTableFileSize:         2 << 20,
		MemtableFlushSize:       1 << 20,
		Level0CompactionTrigger: 4,
		LevelByteTriggerBase:    1 << 20,
	}
}

// WithDefaults fills in spec §6.4 defaults for any field left zero-valued,
// rooting the defaults at c's own DataDir. Store.NewWithConfig and
// Store.RecoverWithConfig apply this so a caller can hand in a partially
// filled-out Config (e.g. one built by hand, not parsed from YAML) and still
// get every constant it didn't set.
func (c Config) WithDefaults() Config {
	d := Default(c.DataDir)
	if c.SparseIndexInterval == 0 {
		c.SparseIndexInterval = d.SparseIndexInterval
	}
	if c.SSTableFileSize == 0 {
		c.SSTableFileSize = d.SSTableFileSize
	}
	if c.MemtableFlushSize == 0 {
		c.MemtableFlushSize = d.MemtableFlushSize
	}
	if c.Level0CompactionTrigger == 0 {
		c.Level0CompactionTrigger = d.Level0CompactionTrigger
	}
	if c.LevelByteTriggerBase == 0 {
		c.LevelByteTriggerBase = d.LevelByteTriggerBase
	}
	return c
}

// Load reads and parses a YAML config file, filling in spec §6.4 defaults
// for any field left zero-valued in the file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.DataDir == "" {
		return Config{}, fmt.Errorf("config: %s: data_dir is required", path)
	}
	return cfg.WithDefaults(), nil
}
