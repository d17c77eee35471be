// Package config loads the YAML configuration of the autodetect tool.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/nvr-ai/go-autodetect/common"
	"github.com/nvr-ai/go-autodetect/images"
	"github.com/nvr-ai/go-autodetect/logger"
	"github.com/nvr-ai/go-autodetect/tracker"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration file.
type Config struct {
	Detector images.DetectorConfig `yaml:"detector"`
	Tracker  tracker.Config        `yaml:"tracker"`
	Run      RunConfig             `yaml:"run"`
	Log      logger.Config         `yaml:"log"`
	Profile  ProfileConfig         `yaml:"profile"`
	Store    StoreConfig           `yaml:"store"`
}

// RunConfig tunes the run driver.
type RunConfig struct {
	// ProgressBuffer is the number of progress events queued before dropping.
	ProgressBuffer int `yaml:"progress_buffer"`
}

// ProfileConfig controls the runtime profiler.
type ProfileConfig struct {
	Enabled        bool          `yaml:"enabled"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

// StoreConfig locates the review database. An empty path disables it.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Detector: images.DefaultDetectorConfig(),
		Tracker:  tracker.DefaultConfig(),
		Run:      RunConfig{ProgressBuffer: 64},
		Log:      logger.DefaultConfig(),
		Profile:  ProfileConfig{ReportInterval: 2 * time.Second},
	}
}

// Load reads a configuration file. Keys missing from the file keep their
// default values.
//
// Arguments:
//   - path: The path of the YAML file.
//
// Returns:
//   - *Config: The parsed and validated configuration.
//   - error: An error if the file cannot be read or parsed, or
//     ErrInvalidConfiguration when a value is out of range.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read configuration file")
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	var problems []string

	if err := c.Detector.Validate(); err != nil {
		problems = append(problems, reason(err))
	}
	if err := c.Tracker.Validate(); err != nil {
		problems = append(problems, reason(err))
	}
	if c.Run.ProgressBuffer <= 0 {
		problems = append(problems, "run.progress_buffer must be > 0")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, "invalid log.level: "+c.Log.Level+" (must be: debug, info, warn, error)")
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		problems = append(problems, "invalid log.format: "+c.Log.Format+" (must be: json or console)")
	}
	if c.Profile.Enabled && c.Profile.ReportInterval <= 0 {
		problems = append(problems, "profile.report_interval must be > 0")
	}

	if len(problems) > 0 {
		return common.InvalidConfigf("%s", strings.Join(problems, "; "))
	}
	return nil
}

// reason strips the sentinel suffix from a component validation error.
func reason(err error) string {
	return strings.TrimSuffix(err.Error(), ": "+common.ErrInvalidConfiguration.Error())
}
