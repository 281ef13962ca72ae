package capture

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/captrace/capqueue"
	"github.com/hazyhaar/captrace/capture/internal/session"
)

// Config is the service configuration, loaded from YAML.
type Config struct {
	// Workers is the number of concurrent capture workers. Each worker
	// drives one browser page at a time.
	Workers int `yaml:"workers"`

	// JobTimeout is the hard wall-clock limit for one capture attempt,
	// teardown included.
	JobTimeout time.Duration `yaml:"job_timeout"`

	Queue     capqueue.Config `yaml:"queue"`
	Session   session.Config  `yaml:"session"`
	Retention RetentionConfig `yaml:"retention"`
}

// RetentionConfig drives the periodic eviction sweep.
type RetentionConfig struct {
	// TTL removes unpinned captures older than this. Zero disables.
	TTL time.Duration `yaml:"ttl"`
	// MaxRecords caps the stored capture count. Zero disables.
	MaxRecords int `yaml:"max_records"`
	// SweepInterval is how often the eviction pass runs.
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// BlobsOnly keeps trees and traces, dropping only screenshots,
	// HTML, and bodies of expired captures.
	BlobsOnly bool `yaml:"blobs_only"`
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 90 * time.Second
	}
	if c.Retention.SweepInterval <= 0 {
		c.Retention.SweepInterval = time.Hour
	}
	if c.Retention.TTL <= 0 {
		c.Retention.TTL = 30 * 24 * time.Hour
	}
}

// LoadConfig reads a YAML config file and applies defaults. A missing
// path yields the default configuration.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("capture: read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("capture: parse config: %w", err)
		}
	}
	cfg.applyDefaults()
	return &cfg, nil
}
