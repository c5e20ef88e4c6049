// Package config loads the storage engine's tunables. Loading configuration
// from environment/HTTP-facing sources is explicitly out of the core's scope
// (spec.md §1), but the engine still needs a typed options struct — this is
// the ambient piece that builds one, mirroring the original implementation's
// env-first config.rs.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// StorageConfig mirrors the original Rust StorageConfig plus the retention
// bootstrap defaults from the original's retention_manager.rs.
type StorageConfig struct {
	DataDir                    string  `yaml:"data_dir"`
	MemtableThresholdMB        int     `yaml:"memtable_threshold_mb"`
	CompactionThreshold        int     `yaml:"compaction_threshold"`
	FlushIntervalSeconds       int     `yaml:"flush_interval_seconds"`
	WalSegmentBytes            int64   `yaml:"wal_segment_bytes"`
	BloomFalsePositiveRate     float64 `yaml:"bloom_false_positive_rate"`
	GlobalRetentionDays        *uint32 `yaml:"global_retention_days"`
	RetentionCheckIntervalHrs  uint64  `yaml:"retention_check_interval_hours"`
	QueryResultCap             int     `yaml:"query_result_cap"`
	LogLevel                   string  `yaml:"log_level"`
}

// Default returns the built-in defaults: a 4 MiB memtable flush threshold,
// compaction once more than 4 SSTables exist, a 64 MiB WAL segment size
// (the rollover point the WAL enforces), flush checked every 30s, retention
// checked every 24h.
func Default() StorageConfig {
	return StorageConfig{
		DataDir:                   "./data",
		MemtableThresholdMB:       4,
		CompactionThreshold:       4,
		FlushIntervalSeconds:      30,
		WalSegmentBytes:           64 << 20,
		BloomFalsePositiveRate:    0.01,
		GlobalRetentionDays:       nil,
		RetentionCheckIntervalHrs: 24,
		QueryResultCap:            10_000,
		LogLevel:                  "info",
	}
}

// Load reads a YAML config file if path is non-empty and it exists, then
// applies LORADB_* environment overrides on top, matching the original's
// "file plus env override" load order for everything except retention
// policies (which have their own, stricter, file-wins rule — see
// internal/retention).
func Load(path string) (StorageConfig, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("config: parse %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *StorageConfig) {
	if v := os.Getenv("LORADB_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("LORADB_MEMTABLE_THRESHOLD_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MemtableThresholdMB = n
		}
	}
	if v := os.Getenv("LORADB_COMPACTION_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CompactionThreshold = n
		}
	}
	if v := os.Getenv("LORADB_FLUSH_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.FlushIntervalSeconds = n
		}
	}
	if v := os.Getenv("LORADB_GLOBAL_RETENTION_DAYS"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			d := uint32(n)
			cfg.GlobalRetentionDays = &d
		}
	}
	if v := os.Getenv("LORADB_RETENTION_CHECK_INTERVAL_HOURS"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.RetentionCheckIntervalHrs = n
		}
	}
	if v := os.Getenv("LORADB_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}
