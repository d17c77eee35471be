package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nvr-ai/go-autodetect/common"
	"github.com/nvr-ai/go-autodetect/images"
	"github.com/nvr-ai/go-autodetect/tracker"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "autodetect.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, images.DefaultDetectorConfig(), cfg.Detector)
	assert.Equal(t, tracker.DefaultConfig(), cfg.Tracker)
	assert.Empty(t, cfg.Store.Path)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
detector:
  min_area: 250
  processing_width: 640
tracker:
  max_misses: 5
log:
  level: debug
  format: json
profile:
  enabled: true
  report_interval: 500ms
store:
  path: /var/lib/autodetect/review.db
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 250.0, cfg.Detector.MinArea)
	assert.Equal(t, 640, cfg.Detector.ProcessingWidth)
	assert.Equal(t, 500, cfg.Detector.History, "unset keys keep defaults")
	assert.True(t, cfg.Detector.DetectShadows)
	assert.Equal(t, 5, cfg.Tracker.MaxMisses)
	assert.Equal(t, 100.0, cfg.Tracker.MaxJumpDistance)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.True(t, cfg.Profile.Enabled)
	assert.Equal(t, 500*time.Millisecond, cfg.Profile.ReportInterval)
	assert.Equal(t, "/var/lib/autodetect/review.db", cfg.Store.Path)
	assert.Equal(t, 64, cfg.Run.ProgressBuffer)
}

func TestLoadReportsEveryProblem(t *testing.T) {
	path := writeConfig(t, `
detector:
  blur_kernel_size: 4
tracker:
  smooth_alpha: 1.5
log:
  level: verbose
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrInvalidConfiguration))
	assert.Contains(t, err.Error(), "detector.blur_kernel_size")
	assert.Contains(t, err.Error(), "tracker.smooth_alpha")
	assert.Contains(t, err.Error(), "invalid log.level: verbose")
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read configuration file")

	_, err = Load(writeConfig(t, "detector: [unterminated"))
	assert.ErrorContains(t, err, "failed to parse configuration")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"progress buffer", func(c *Config) { c.Run.ProgressBuffer = 0 }, "run.progress_buffer"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "invalid log.format"},
		{"report interval", func(c *Config) { c.Profile = ProfileConfig{Enabled: true} }, "profile.report_interval"},
		{"min area", func(c *Config) { c.Detector.MinArea = 0 }, "detector.min_area"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
