package common

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrInvalidConfiguration is returned when parameters are rejected before a run starts.
	ErrInvalidConfiguration = errors.New("invalid configuration")
	// ErrFrameUnavailable is returned when a frame source cannot supply a requested frame.
	// It is fatal to the run: skipping a frame would desynchronize the background model.
	ErrFrameUnavailable = errors.New("frame extraction failed")
)

// InvalidConfigf wraps ErrInvalidConfiguration with a formatted reason.
func InvalidConfigf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidConfiguration, format, args...)
}

// FrameError reports which frame a source failed to supply. It matches
// ErrFrameUnavailable under errors.Is and unwraps to the source's error.
type FrameError struct {
	Frame int
	Err   error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("%s at frame %d: %v", ErrFrameUnavailable, e.Frame, e.Err)
}

// Unwrap returns the source's error.
func (e *FrameError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrFrameUnavailable.
func (e *FrameError) Is(target error) bool {
	return target == ErrFrameUnavailable
}
