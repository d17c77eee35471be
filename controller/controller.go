// Package controller - Drives one motion auto-detection run over a frame range.
//
// For each frame the controller reads the image from the FrameSource, passes
// it through the run's Detector, feeds the candidate into the run's tracker and
// records the tracker output. Frames are processed one at a time in strictly
// monotonic order because both the background model and the tracker carry
// frame-to-frame state.
package controller

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/nvr-ai/go-autodetect/common"
	"github.com/nvr-ai/go-autodetect/images"
	"github.com/nvr-ai/go-autodetect/logger"
	"github.com/nvr-ai/go-autodetect/profiler"
	"github.com/nvr-ai/go-autodetect/tracker"
	"github.com/pkg/errors"
)

// FrameSource supplies decoded frames by frame number. It must support random
// access; within one run frames are requested in monotonic order.
type FrameSource interface {
	Frame(index int) (image.Image, error)
	Size() common.Size
}

// Detector produces at most one motion candidate per frame.
type Detector interface {
	Detect(frame image.Image) *common.Candidate
	Close() error
}

// DetectorFactory creates the detector owned by a single run.
type DetectorFactory func() (Detector, error)

// MotionDetectorFactory returns a factory building background-subtraction detectors.
func MotionDetectorFactory(config images.DetectorConfig) DetectorFactory {
	return func() (Detector, error) {
		det, err := images.NewMotionDetector(config)
		if err != nil {
			return nil, err
		}
		return det, nil
	}
}

// Outcome is how a run terminated without a fatal error.
type Outcome int

const (
	// OutcomeDetected means the run produced a detection record.
	OutcomeDetected Outcome = iota
	// OutcomeNoObjects means every frame was processed but nothing was tracked.
	OutcomeNoObjects
	// OutcomeCancelled means the run was stopped at a frame boundary.
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDetected:
		return "detected"
	case OutcomeNoObjects:
		return "no objects detected"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// MarshalText encodes the outcome by name.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Request is a closed frame range. Start > End runs backward.
type Request struct {
	Start int     `json:"start"`
	End   int     `json:"end"`
	FPS   float64 `json:"fps"`
}

// Validate rejects ranges that cannot be processed.
func (r Request) Validate() error {
	if r.Start < 0 || r.End < 0 {
		return common.InvalidConfigf("frame range must be non-negative, got [%d, %d]", r.Start, r.End)
	}
	if r.FPS <= 0 {
		return common.InvalidConfigf("fps must be > 0, got %v", r.FPS)
	}
	return nil
}

// Frames returns the frame numbers of the range in processing order.
func (r Request) Frames() []int {
	step := 1
	n := r.End - r.Start
	if n < 0 {
		step, n = -1, -n
	}
	frames := make([]int, 0, n+1)
	for f := r.Start; len(frames) <= n; f += step {
		frames = append(frames, f)
	}
	return frames
}

// Result is the non-fatal end state of a run.
type Result struct {
	Outcome Outcome `json:"outcome"`
	// Record is set only for OutcomeDetected. Partial results of a cancelled
	// run are discarded.
	Record *DetectionRecord `json:"record,omitempty"`
	// FramesProcessed counts frames that went through detection and tracking.
	FramesProcessed int `json:"frames_processed"`
}

// Config wires a Controller to its collaborators.
type Config struct {
	Source      FrameSource
	NewDetector DetectorFactory
	Tracker     tracker.Config
	// OnProgress, when set, receives an event after every frame.
	OnProgress ProgressFunc
	// ProgressBuffer bounds queued progress events (default 64).
	ProgressBuffer int
	Logger         *logger.Logger
	Profiler       *profiler.RuntimeProfiler
}

// Controller runs detection over frame ranges of one source. Runs on the same
// controller are serialized.
type Controller struct {
	source      FrameSource
	newDetector DetectorFactory
	tracker     tracker.Config
	onProgress  ProgressFunc
	buffer      int
	log         *logger.Logger
	prof        *profiler.RuntimeProfiler

	runMu    sync.Mutex
	progress progressState
}

// New validates the configuration and creates a controller.
//
// Arguments:
//   - cfg: Collaborators and tracker parameters.
//
// Returns:
//   - *Controller: The controller. It registers itself as a metrics collector
//     on cfg.Profiler when one is given.
//   - error: ErrInvalidConfiguration when a collaborator is missing or the
//     tracker parameters are rejected.
func New(cfg Config) (*Controller, error) {
	if cfg.Source == nil {
		return nil, common.InvalidConfigf("frame source is required")
	}
	if cfg.NewDetector == nil {
		return nil, common.InvalidConfigf("detector factory is required")
	}
	if err := cfg.Tracker.Validate(); err != nil {
		return nil, err
	}
	if cfg.ProgressBuffer <= 0 {
		cfg.ProgressBuffer = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNopLogger()
	}

	c := &Controller{
		source:      cfg.Source,
		newDetector: cfg.NewDetector,
		tracker:     cfg.Tracker,
		onProgress:  cfg.OnProgress,
		buffer:      cfg.ProgressBuffer,
		log:         cfg.Logger.Named("controller"),
		prof:        cfg.Profiler,
	}
	if c.prof != nil {
		c.prof.AddMetricsCollector(c)
	}
	return c, nil
}

// Run processes every frame of the request and packages the tracked boxes.
//
// Arguments:
//   - ctx: Cancellation is checked once per frame boundary, never mid-frame.
//   - req: The frame range and frame rate.
//
// Returns:
//   - *Result: Detected, NoObjects or Cancelled.
//   - error: ErrInvalidConfiguration before any frame is read, a *FrameError
//     (matching ErrFrameUnavailable) when the source fails, or the detector
//     factory's error. No result is returned alongside an error.
//
// @example
// ctrl, _ := controller.New(controller.Config{
//     Source:      src,
//     NewDetector: controller.MotionDetectorFactory(images.DefaultDetectorConfig()),
//     Tracker:     tracker.DefaultConfig(),
// })
// res, err := ctrl.Run(ctx, controller.Request{Start: 0, End: 299, FPS: 30})
func (c *Controller) Run(ctx context.Context, req Request) (*Result, error) {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	if err := req.Validate(); err != nil {
		return nil, err
	}
	size := c.source.Size()
	if size.Degenerate() {
		return nil, common.InvalidConfigf("video size must be positive, got %dx%d", size.Width, size.Height)
	}

	det, err := c.newDetector()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create detector")
	}
	defer det.Close()
	trk := tracker.New(c.tracker)

	frames := req.Frames()
	total := len(frames)
	record := newRecord(req, size)
	log := c.log.With("run", record.ID.String())

	c.progress.reset(total)
	pump := newProgressPump(c.onProgress, c.buffer)
	defer func() {
		if dropped := pump.close(); dropped > 0 {
			log.Debug("progress events dropped", "count", dropped)
		}
	}()

	log.Info("run started", "start", req.Start, "end", req.End, "frames", total, "fps", req.FPS)
	started := time.Now()

	for i, frame := range frames {
		if ctx.Err() != nil {
			log.Info("run cancelled", "frame", frame, "processed", i)
			return &Result{Outcome: OutcomeCancelled, FramesProcessed: i}, nil
		}

		img, err := c.source.Frame(frame)
		if err != nil {
			log.Error("frame extraction failed", "frame", frame, "error", err)
			return nil, &common.FrameError{Frame: frame, Err: err}
		}

		done := c.time("detect")
		candidate := det.Detect(img)
		done()

		before := trk.Phase()
		done = c.time("track")
		out, ok := trk.Step(candidate)
		done()
		c.logTransition(log, frame, before, trk.Phase())

		if ok {
			record.add(frame, out)
			c.progress.outputs.Add(1)
		}

		c.progress.frame.Store(int64(frame))
		c.progress.processed.Store(int64(i + 1))
		pump.send(Progress{Index: i, Total: total, Frame: frame})
	}

	elapsed := time.Since(started)
	if len(record.Frames) == 0 {
		log.Info("run completed", "outcome", OutcomeNoObjects.String(), "elapsed", elapsed)
		return &Result{Outcome: OutcomeNoObjects, FramesProcessed: total}, nil
	}

	record.sortFrames()
	detected, predicted := record.Counts()
	log.Info("run completed",
		"outcome", OutcomeDetected.String(),
		"detected", detected,
		"predicted", predicted,
		"elapsed", elapsed,
	)
	return &Result{Outcome: OutcomeDetected, Record: record, FramesProcessed: total}, nil
}

func (c *Controller) logTransition(log *logger.Logger, frame int, before, after tracker.Phase) {
	if before == after {
		return
	}
	switch after {
	case tracker.Tracking:
		log.Debug("target acquired", "frame", frame)
	case tracker.Lost:
		log.Debug("target lost", "frame", frame, "max_misses", c.tracker.MaxMisses)
	}
}

func (c *Controller) time(op string) func() {
	if c.prof == nil {
		return func() {}
	}
	return c.prof.StartOperation(op)
}

// Progress returns the latest progress snapshot. Index is -1 before the first
// frame of a run completes.
func (c *Controller) Progress() Progress {
	return c.progress.snapshot()
}

// CollectMetrics implements profiler.MetricsCollector.
func (c *Controller) CollectMetrics() map[string]float64 {
	return map[string]float64{
		"frames_processed": float64(c.progress.processed.Load()),
		"frames_total":     float64(c.progress.total.Load()),
		"tracked_frames":   float64(c.progress.outputs.Load()),
	}
}
