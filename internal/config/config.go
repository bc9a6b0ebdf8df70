package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"voxelview.ai/internal/voxel/batch"
)

type Config struct {
	WorldID string `yaml:"world_id"`

	// Initial snapshot source: snapshot_file wins when both are set.
	SnapshotURL  string `yaml:"snapshot_url"`
	SnapshotFile string `yaml:"snapshot_file"`

	FeedURL          string `yaml:"feed_url"`
	ReconnectDelayMs int    `yaml:"reconnect_delay_ms"`

	BatchCapacity int  `yaml:"batch_capacity"`
	FrameRateHz   int  `yaml:"frame_rate_hz"`
	StrictPick    bool `yaml:"strict_pick"`

	MetricsAddr string `yaml:"metrics_addr"`

	// FrameLogDir records every applied frame when set.
	FrameLogDir string `yaml:"frame_log_dir"`
}

func Defaults() Config {
	return Config{
		WorldID:          "OVERWORLD",
		SnapshotURL:      "http://127.0.0.1:8080/v1/viewer/snapshot",
		FeedURL:          "ws://127.0.0.1:8080/v1/viewer/ws",
		ReconnectDelayMs: 2000,
		BatchCapacity:    batch.DefaultCapacity,
		FrameRateHz:      30,
	}
}

// Load reads path over the defaults. An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("viewer.yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("viewer.yaml: %w", err)
	}
	return cfg, nil
}

func (c *Config) Normalize() {
	c.WorldID = strings.TrimSpace(c.WorldID)
	c.SnapshotURL = strings.TrimSpace(c.SnapshotURL)
	c.SnapshotFile = strings.TrimSpace(c.SnapshotFile)
	c.FeedURL = strings.TrimSpace(c.FeedURL)
	c.MetricsAddr = strings.TrimSpace(c.MetricsAddr)
	c.FrameLogDir = strings.TrimSpace(c.FrameLogDir)
	if c.BatchCapacity <= 0 {
		c.BatchCapacity = batch.DefaultCapacity
	}
	if c.FrameRateHz <= 0 {
		c.FrameRateHz = 30
	}
	if c.FrameRateHz > 240 {
		c.FrameRateHz = 240
	}
	if c.ReconnectDelayMs <= 0 {
		c.ReconnectDelayMs = 2000
	}
}

func (c Config) Validate() error {
	if c.BatchCapacity > batch.DefaultCapacity {
		return fmt.Errorf("batch_capacity %d exceeds %d", c.BatchCapacity, batch.DefaultCapacity)
	}
	if c.SnapshotURL == "" && c.SnapshotFile == "" {
		return fmt.Errorf("one of snapshot_url or snapshot_file is required")
	}
	if c.SnapshotURL != "" {
		if err := checkURL(c.SnapshotURL, "http", "https"); err != nil {
			return fmt.Errorf("snapshot_url: %w", err)
		}
	}
	if c.FeedURL != "" {
		if err := checkURL(c.FeedURL, "ws", "wss"); err != nil {
			return fmt.Errorf("feed_url: %w", err)
		}
	}
	return nil
}

func (c Config) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelayMs) * time.Millisecond
}

func (c Config) FrameInterval() time.Duration {
	return time.Second / time.Duration(c.FrameRateHz)
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				return fmt.Errorf("missing host in %q", raw)
			}
			return nil
		}
	}
	return fmt.Errorf("scheme %q not one of %v", u.Scheme, schemes)
}
