package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/banshee-data/presence/internal/beacon"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// SiteConfig describes one monitored site in the config file.
type SiteConfig struct {
	ID    string  `json:"id" yaml:"id"`
	UUID  string  `json:"uuid" yaml:"uuid"`
	Major *uint16 `json:"major,omitempty" yaml:"major,omitempty"`
}

// TuningConfig represents the root configuration for the presence pipeline.
// Every scalar is a pointer so that partial files only override what they set.
type TuningConfig struct {
	// Ranging and presence params
	RangingDuration     *string  `json:"ranging_duration,omitempty" yaml:"ranging_duration,omitempty"` // duration string like "8s"
	RangingDebounce     *string  `json:"ranging_debounce,omitempty" yaml:"ranging_debounce,omitempty"`
	GracePeriod         *string  `json:"grace_period,omitempty" yaml:"grace_period,omitempty"`
	WeakSignalThreshold *float64 `json:"weak_signal_threshold,omitempty" yaml:"weak_signal_threshold,omitempty"` // dBm

	// Smoother params
	SmoothingAlpha   *float64 `json:"smoothing_alpha,omitempty" yaml:"smoothing_alpha,omitempty"`
	OutlierThreshold *float64 `json:"outlier_threshold,omitempty" yaml:"outlier_threshold,omitempty"`
	WindowCapacity   *int     `json:"window_capacity,omitempty" yaml:"window_capacity,omitempty"`
	StableVariance   *float64 `json:"stable_variance,omitempty" yaml:"stable_variance,omitempty"`
	NoSignalFloor    *float64 `json:"no_signal_floor,omitempty" yaml:"no_signal_floor,omitempty"`

	// Monitored sites
	Sites []SiteConfig `json:"sites,omitempty" yaml:"sites,omitempty"`

	// Attendance publishing (optional)
	KafkaBrokers []string `json:"kafka_brokers,omitempty" yaml:"kafka_brokers,omitempty"`
	KafkaTopic   *string  `json:"kafka_topic,omitempty" yaml:"kafka_topic,omitempty"`
}

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON or YAML file, chosen by
// extension. Fields omitted from the file retain their default values, so
// partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if ext == ".json" {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	for name, v := range map[string]*string{
		"ranging_duration": c.RangingDuration,
		"ranging_debounce": c.RangingDebounce,
		"grace_period":     c.GracePeriod,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, *v)
		}
	}

	if c.WeakSignalThreshold != nil && *c.WeakSignalThreshold >= 0 {
		return fmt.Errorf("weak_signal_threshold must be negative dBm, got %f", *c.WeakSignalThreshold)
	}
	if c.SmoothingAlpha != nil && (*c.SmoothingAlpha <= 0 || *c.SmoothingAlpha > 1) {
		return fmt.Errorf("smoothing_alpha must be in (0, 1], got %f", *c.SmoothingAlpha)
	}
	if c.OutlierThreshold != nil && *c.OutlierThreshold <= 0 {
		return fmt.Errorf("outlier_threshold must be positive, got %f", *c.OutlierThreshold)
	}
	if c.WindowCapacity != nil && (*c.WindowCapacity < 3 || *c.WindowCapacity > 5) {
		return fmt.Errorf("window_capacity must be between 3 and 5, got %d", *c.WindowCapacity)
	}
	if c.StableVariance != nil && *c.StableVariance < 0 {
		return fmt.Errorf("stable_variance must be non-negative, got %f", *c.StableVariance)
	}
	if c.NoSignalFloor != nil && *c.NoSignalFloor >= 0 {
		return fmt.Errorf("no_signal_floor must be negative dBm, got %f", *c.NoSignalFloor)
	}

	if _, err := c.SiteSet(); err != nil {
		return err
	}
	return nil
}

// SiteSet converts the configured sites into a beacon.SiteSet.
func (c *TuningConfig) SiteSet() (*beacon.SiteSet, error) {
	sites := make([]beacon.Site, 0, len(c.Sites))
	for i, sc := range c.Sites {
		id, err := uuid.Parse(sc.UUID)
		if err != nil {
			return nil, fmt.Errorf("sites[%d] (%q): invalid uuid %q: %w", i, sc.ID, sc.UUID, err)
		}
		sites = append(sites, beacon.Site{ID: sc.ID, UUID: id, Major: sc.Major})
	}
	return beacon.NewSiteSet(sites...)
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def // default on parse error
	}
	return d
}

// GetRangingDuration returns the requested burst length.
// The ranging session still clamps it into its own bounds.
func (c *TuningConfig) GetRangingDuration() time.Duration {
	return durationOr(c.RangingDuration, 8*time.Second)
}

// GetRangingDebounce returns the minimum gap between two ranging bursts.
func (c *TuningConfig) GetRangingDebounce() time.Duration {
	return durationOr(c.RangingDebounce, 20*time.Second)
}

// GetGracePeriod returns how long a soft exit waits before committing.
func (c *TuningConfig) GetGracePeriod() time.Duration {
	return durationOr(c.GracePeriod, 30*time.Second)
}

// GetWeakSignalThreshold returns the weak_signal_threshold value or the default.
func (c *TuningConfig) GetWeakSignalThreshold() float64 {
	if c.WeakSignalThreshold == nil {
		return -75
	}
	return *c.WeakSignalThreshold
}

// GetSmoothingAlpha returns the smoothing_alpha value or the default.
func (c *TuningConfig) GetSmoothingAlpha() float64 {
	if c.SmoothingAlpha == nil {
		return 0.4
	}
	return *c.SmoothingAlpha
}

// GetOutlierThreshold returns the outlier_threshold value or the default.
func (c *TuningConfig) GetOutlierThreshold() float64 {
	if c.OutlierThreshold == nil {
		return 20
	}
	return *c.OutlierThreshold
}

// GetWindowCapacity returns the window_capacity value or the default.
func (c *TuningConfig) GetWindowCapacity() int {
	if c.WindowCapacity == nil {
		return 5
	}
	return *c.WindowCapacity
}

// GetStableVariance returns the stable_variance value or the default.
func (c *TuningConfig) GetStableVariance() float64 {
	if c.StableVariance == nil {
		return 5.0
	}
	return *c.StableVariance
}

// GetNoSignalFloor returns the no_signal_floor value or the default.
func (c *TuningConfig) GetNoSignalFloor() float64 {
	if c.NoSignalFloor == nil {
		return -100
	}
	return *c.NoSignalFloor
}

// GetKafkaTopic returns the kafka_topic value or the default.
func (c *TuningConfig) GetKafkaTopic() string {
	if c.KafkaTopic == nil || *c.KafkaTopic == "" {
		return "attendance.events"
	}
	return *c.KafkaTopic
}
