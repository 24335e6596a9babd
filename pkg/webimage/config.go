package webimage

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/Terence-eng/SDWebImage/log"
	"github.com/Terence-eng/SDWebImage/pkg/webimage/cache"
	"github.com/Terence-eng/SDWebImage/pkg/webimage/downloader"
)

// ErrConfigMissing is returned when the config file did not exist; a
// commented template has been written in its place for the user to edit.
var ErrConfigMissing = errors.New("webimage config missing")

// Config aggregates the engine configuration.
type Config struct {
	Log        log.LogConfig     `yaml:"log"`
	Cache      cache.Config      `yaml:"cache"`
	Downloader downloader.Config `yaml:"downloader"`
}

// DefaultConfig returns a usable zero configuration; component constructors
// apply their own defaults on top.
func DefaultConfig() *Config {
	return &Config{
		Log: log.LogConfig{Level: "info", Format: "console"},
	}
}

// LoadConfig reads config from the provided path. When the file does not
// exist it writes a template and returns ErrConfigMissing to prompt the
// user to edit the newly created file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if writeErr := writeTemplate(path); writeErr != nil {
				return nil, writeErr
			}
			return nil, ErrConfigMissing
		}
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse webimage config: %w", err)
	}

	return cfg, nil
}

func writeTemplate(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	tpl := bytes.NewBufferString("# webimage configuration\n")
	tpl.WriteString("log:\n")
	tpl.WriteString("  level: info\n")
	tpl.WriteString("  format: console\n")
	tpl.WriteString("cache:\n")
	tpl.WriteString("  namespace: default\n")
	tpl.WriteString("  # directory: \n")
	tpl.WriteString("  max_memory_cost: 0\n")
	tpl.WriteString("  max_memory_count: 0\n")
	tpl.WriteString("  max_cache_age_sec: 604800\n")
	tpl.WriteString("  max_cache_size_bytes: 0\n")
	tpl.WriteString("downloader:\n")
	tpl.WriteString("  max_concurrent_downloads: 6\n")
	tpl.WriteString("  download_timeout_sec: 15\n")
	tpl.WriteString("  execution_order: fifo\n")

	if err := os.WriteFile(path, tpl.Bytes(), 0o600); err != nil {
		return fmt.Errorf("write config template: %w", err)
	}
	return nil
}
