// Package tracker - Single-target motion-consistency filter.
//
// The tracker consumes at most one raw motion candidate per frame and turns the
// sequence into a temporally coherent trajectory:
//
//	candidate ──► jump gate ──► accept ──► Detected (velocity smoothed)
//	                  │
//	                  └──► reject / absent ──► predict (position += velocity) ──► Predicted
//	                                                │
//	                                                └──► missCount > MaxMisses ──► reset, no output
//
// A Tracker is not safe for concurrent use. Step must be called once per frame
// in strictly increasing frame order.
package tracker

import (
	"fmt"

	"github.com/nvr-ai/go-autodetect/common"
	"github.com/pkg/errors"
)

// State tags a tracker output.
type State int

const (
	// Detected means the output is a raw candidate the tracker accepted.
	Detected State = iota
	// Predicted means the output was extrapolated from the smoothed velocity.
	Predicted
)

func (s State) String() string {
	switch s {
	case Detected:
		return "detected"
	case Predicted:
		return "predicted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText encodes the state as its name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "detected":
		*s = Detected
	case "predicted":
		*s = Predicted
	default:
		return errors.Errorf("unknown tracker state %q", text)
	}
	return nil
}

// Confidence returns the fixed heuristic confidence for a state.
func (s State) Confidence() float64 {
	if s == Detected {
		return DetectedConfidence
	}
	return PredictedConfidence
}

const (
	// DetectedConfidence is reported for accepted candidates.
	DetectedConfidence = 0.9
	// PredictedConfidence is reported for extrapolated positions.
	PredictedConfidence = 0.5
)

// Phase is the tracker's coarse lifecycle state.
type Phase int

const (
	// Uninitialized means no candidate has been accepted yet.
	Uninitialized Phase = iota
	// Tracking means a position is established.
	Tracking
	// Lost means the miss limit fired; the next candidate re-acquires.
	Lost
)

func (p Phase) String() string {
	switch p {
	case Uninitialized:
		return "uninitialized"
	case Tracking:
		return "tracking"
	case Lost:
		return "lost"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Output is what the tracker emits for a frame.
type Output struct {
	Box        common.Rect
	Center     common.Point
	Confidence float64
	State      State
}

// Tracker is the motion-consistency state machine.
type Tracker struct {
	config Config

	lastPosition    common.Point
	lastBoundingBox common.Rect
	velocity        common.Point
	missCount       int
	hasPosition     bool
	phase           Phase
}

// New creates a tracker in the Uninitialized phase.
//
// Arguments:
//   - config: Motion-consistency parameters. Callers validate it beforehand.
//
// Returns:
//   - *Tracker: A tracker with zero velocity and no position.
//
// @example
// trk := tracker.New(tracker.DefaultConfig())
//
//	for _, c := range candidates {
//	    if out, ok := trk.Step(c); ok {
//	        fmt.Println(out.State, out.Box)
//	    }
//	}
func New(config Config) *Tracker {
	return &Tracker{config: config}
}

// Step advances the tracker by one frame.
//
// Arguments:
//   - candidate: The frame's raw candidate, or nil when the detector found nothing.
//
// Returns:
//   - Output: The box, confidence and state for this frame.
//   - bool: false when nothing is emitted (no position yet, or the target was
//     lost on this frame).
func (t *Tracker) Step(candidate *common.Candidate) (Output, bool) {
	if candidate != nil {
		if !t.hasPosition {
			t.acquire(*candidate)
			return t.output(Detected), true
		}
		if candidate.Center.DistanceTo(t.lastPosition) < t.config.MaxJumpDistance {
			t.accept(*candidate)
			return t.output(Detected), true
		}
		// Too far from the track: treated the same as a missing candidate.
	}

	if !t.hasPosition {
		return Output{}, false
	}

	t.predict()
	if t.missCount > t.config.MaxMisses {
		t.Reset()
		t.phase = Lost
		return Output{}, false
	}
	return t.output(Predicted), true
}

// acquire establishes a position from scratch.
func (t *Tracker) acquire(c common.Candidate) {
	t.lastPosition = c.Center
	t.lastBoundingBox = c.Box
	t.missCount = 0
	t.hasPosition = true
	t.phase = Tracking
}

// accept folds a gated candidate into the track and updates the velocity.
func (t *Tracker) accept(c common.Candidate) {
	alpha := t.config.SmoothAlpha
	displacement := c.Center.Sub(t.lastPosition)
	t.velocity = t.velocity.Scale(1 - alpha).Add(displacement.Scale(alpha))
	t.lastPosition = c.Center
	t.lastBoundingBox = c.Box
	t.missCount = 0
}

// predict advances the position by the velocity and counts a miss.
func (t *Tracker) predict() {
	t.lastPosition = t.lastPosition.Add(t.velocity)
	t.lastBoundingBox = t.lastBoundingBox.CenteredAt(t.lastPosition)
	t.missCount++
}

func (t *Tracker) output(state State) Output {
	return Output{
		Box:        t.lastBoundingBox,
		Center:     t.lastPosition,
		Confidence: state.Confidence(),
		State:      state,
	}
}

// Reset clears all tracker state. The caller's background model is untouched.
func (t *Tracker) Reset() {
	t.lastPosition = common.Point{}
	t.lastBoundingBox = common.Rect{}
	t.velocity = common.Point{}
	t.missCount = 0
	t.hasPosition = false
	t.phase = Uninitialized
}

// Phase returns the current lifecycle phase.
func (t *Tracker) Phase() Phase { return t.phase }

// MissCount returns the consecutive non-accepted frames since the last acceptance.
func (t *Tracker) MissCount() int { return t.missCount }

// Velocity returns the smoothed per-frame displacement.
func (t *Tracker) Velocity() common.Point { return t.velocity }

// Position returns the last accepted or predicted centroid, and whether one exists.
func (t *Tracker) Position() (common.Point, bool) { return t.lastPosition, t.hasPosition }

// Config returns the tracker configuration.
func (t *Tracker) Config() Config { return t.config }
