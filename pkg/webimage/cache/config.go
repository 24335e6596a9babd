package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	defaultNamespace      = "default"
	defaultMaxCacheAgeSec = 60 * 60 * 24 * 7
	maintenanceInterval   = 30 * time.Minute
)

// ValidationError aggregates config validation issues.
type ValidationError struct {
	Issues []string
}

func (v ValidationError) Error() string {
	if len(v.Issues) == 0 {
		return "cache config validation failed"
	}
	if len(v.Issues) == 1 {
		return v.Issues[0]
	}
	return fmt.Sprintf("cache config validation failed: %s", v.Issues)
}

// Config describes tiered cache behaviour. The zero value is usable after
// applyDefaults; New applies defaults and validates.
type Config struct {
	// Namespace isolates one cache's files under Directory.
	Namespace string `yaml:"namespace"`
	// Directory is the disk cache root. Defaults to the user cache dir.
	Directory string `yaml:"directory"`

	// MaxMemoryCost bounds the aggregate cost (decoded pixel count, or byte
	// length when no decoded image is kept) of the memory tier. 0 = unbounded.
	MaxMemoryCost int64 `yaml:"max_memory_cost"`
	// MaxMemoryCount bounds the number of memory tier entries. 0 = unbounded.
	MaxMemoryCount int `yaml:"max_memory_count"`

	// MaxCacheAgeSec removes disk files older than this during a sweep.
	// 0 selects the one-week default; negative disables age-based eviction.
	MaxCacheAgeSec int64 `yaml:"max_cache_age_sec"`
	// MaxCacheSizeBytes triggers a sweep that deletes oldest files until
	// usage falls to half this bound. 0 disables size-based eviction.
	MaxCacheSizeBytes int64 `yaml:"max_cache_size_bytes"`

	// MemoryCacheEnabled toggles the memory tier entirely.
	MemoryCacheEnabled *bool `yaml:"memory_cache_enabled"`
	// PromoteOnDiskHit controls whether a disk hit is promoted into memory.
	PromoteOnDiskHit *bool `yaml:"promote_on_disk_hit"`
	// ShouldDecompress keeps decoded pixels in promoted memory entries.
	// When false the memory tier holds raw bytes only.
	ShouldDecompress *bool `yaml:"should_decompress"`
	// DisableCloudBackup asks the host hook to exclude cache files from
	// cloud backup after each write.
	DisableCloudBackup bool `yaml:"disable_cloud_backup"`
}

func (c *Config) applyDefaults() {
	if c.Namespace == "" {
		c.Namespace = defaultNamespace
	}
	if c.Directory == "" {
		if dir, err := os.UserCacheDir(); err == nil {
			c.Directory = filepath.Join(dir, "webimage")
		} else {
			c.Directory = filepath.Join(os.TempDir(), "webimage")
		}
	}
	if c.MaxCacheAgeSec == 0 {
		c.MaxCacheAgeSec = defaultMaxCacheAgeSec
	}
	if c.MemoryCacheEnabled == nil {
		c.MemoryCacheEnabled = boolPtr(true)
	}
	if c.PromoteOnDiskHit == nil {
		c.PromoteOnDiskHit = boolPtr(true)
	}
	if c.ShouldDecompress == nil {
		c.ShouldDecompress = boolPtr(true)
	}
}

func (c Config) validate() ValidationError {
	issues := make([]string, 0)

	if c.MaxMemoryCost < 0 {
		issues = append(issues, "max_memory_cost must be >= 0")
	}
	if c.MaxMemoryCount < 0 {
		issues = append(issues, "max_memory_count must be >= 0")
	}
	if c.MaxCacheSizeBytes < 0 {
		issues = append(issues, "max_cache_size_bytes must be >= 0")
	}
	if filepath.IsAbs(c.Namespace) || c.Namespace != filepath.Base(c.Namespace) {
		issues = append(issues, "namespace must be a single path element")
	}

	return ValidationError{Issues: issues}
}

func (c Config) memoryEnabled() bool   { return c.MemoryCacheEnabled == nil || *c.MemoryCacheEnabled }
func (c Config) promoteOnHit() bool    { return c.PromoteOnDiskHit == nil || *c.PromoteOnDiskHit }
func (c Config) decompressed() bool    { return c.ShouldDecompress == nil || *c.ShouldDecompress }
func (c Config) maxAge() time.Duration {
	if c.MaxCacheAgeSec < 0 {
		return 0
	}
	return time.Duration(c.MaxCacheAgeSec) * time.Second
}

func boolPtr(v bool) *bool { return &v }
