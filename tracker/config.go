package tracker

import "github.com/nvr-ai/go-autodetect/common"

// Config holds the motion-consistency parameters.
type Config struct {
	// MaxJumpDistance is the largest centroid displacement, in pixels, between
	// consecutive frames for a candidate to count as the same object.
	MaxJumpDistance float64 `json:"max_jump_distance" yaml:"max_jump_distance"`
	// MaxMisses is the number of consecutive non-accepted frames tolerated
	// before the target is declared lost.
	MaxMisses int `json:"max_misses" yaml:"max_misses"`
	// SmoothAlpha is the exponential smoothing factor for the velocity estimate.
	SmoothAlpha float64 `json:"smooth_alpha" yaml:"smooth_alpha"`
}

// DefaultConfig returns the default tracker configuration.
func DefaultConfig() Config {
	return Config{
		MaxJumpDistance: 100,
		MaxMisses:       15,
		SmoothAlpha:     0.5,
	}
}

// Validate rejects parameters the tracker cannot run with.
func (c Config) Validate() error {
	if c.MaxJumpDistance <= 0 {
		return common.InvalidConfigf("tracker.max_jump_distance must be > 0, got %v", c.MaxJumpDistance)
	}
	if c.MaxMisses < 0 {
		return common.InvalidConfigf("tracker.max_misses must be >= 0, got %d", c.MaxMisses)
	}
	if c.SmoothAlpha < 0 || c.SmoothAlpha > 1 {
		return common.InvalidConfigf("tracker.smooth_alpha must be between 0 and 1, got %v", c.SmoothAlpha)
	}
	return nil
}
