// Package images - Background-subtraction motion detector built on OpenCV (via gocv).
//
// MotionDetector turns one video frame into zero or one motion candidate:
//
// ┌──────────────┐
// │ Input Frame  │
// └──────┬───────┘
// ┌────────────────────────────────────────────┐
// │ Preprocessing (downscale, grayscale, blur) │
// └──────┬─────────────────────────────────────┘
// ┌────────────────────────────┐
// │ Background Subtraction     │
// │   (MOG2, shadows on)       │
// └──────┬─────────────────────┘
// ┌────────────────────────────┐
// │ Morphology (open, dilate)  │
// └──────┬─────────────────────┘
// ┌────────────────────────────┐
// │ External Contours          │
// └──────┬─────────────────────┘
// ┌────────────────────────────┐
// │ Largest contour > MinArea  │
// └────────────────────────────┘
//
// The background model is stateful: every frame of a run must pass through
// Detect exactly once, in frame order. A detector belongs to one run and must
// be closed when the run ends.
//
// Usage:
//
//	det, err := images.NewMotionDetector(images.DefaultDetectorConfig())
//	if err != nil {
//	    return err
//	}
//	defer det.Close()
//
//	for _, frame := range frames {
//	    if c := det.Detect(frame); c != nil {
//	        fmt.Println(c.Box)
//	    }
//	}
package images

import (
	"image"

	"github.com/nfnt/resize"
	"github.com/nvr-ai/go-autodetect/common"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// DetectorConfig contains the parameters of the background-subtraction detector.
type DetectorConfig struct {
	// MinArea is the contour area (pixels²) the largest contour must exceed.
	MinArea float64 `json:"min_area" yaml:"min_area"`
	// History is the number of frames of temporal memory of the background model.
	History int `json:"history" yaml:"history"`
	// VarThreshold is the squared Mahalanobis distance threshold for foreground pixels.
	VarThreshold float64 `json:"var_threshold" yaml:"var_threshold"`
	// DetectShadows enables MOG2 shadow labelling.
	DetectShadows bool `json:"detect_shadows" yaml:"detect_shadows"`
	// BlurKernelSize is the Gaussian blur kernel size, must be odd.
	BlurKernelSize int `json:"blur_kernel_size" yaml:"blur_kernel_size"`
	// MorphKernelSize is the elliptical structuring element size, must be odd.
	MorphKernelSize int `json:"morph_kernel_size" yaml:"morph_kernel_size"`
	// DilateIterations is the number of dilations after the opening.
	DilateIterations int `json:"dilate_iterations" yaml:"dilate_iterations"`
	// ProcessingWidth downscales wider frames before detection. 0 disables it.
	ProcessingWidth int `json:"processing_width" yaml:"processing_width"`
}

// DefaultDetectorConfig returns the default detector configuration.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		MinArea:          400,
		History:          500,
		VarThreshold:     25,
		DetectShadows:    true,
		BlurKernelSize:   5,
		MorphKernelSize:  5,
		DilateIterations: 2,
		ProcessingWidth:  0,
	}
}

// Validate rejects parameters the detector cannot run with.
func (c DetectorConfig) Validate() error {
	if c.MinArea <= 0 {
		return common.InvalidConfigf("detector.min_area must be > 0, got %v", c.MinArea)
	}
	if c.History <= 0 {
		return common.InvalidConfigf("detector.history must be > 0, got %d", c.History)
	}
	if c.VarThreshold <= 0 {
		return common.InvalidConfigf("detector.var_threshold must be > 0, got %v", c.VarThreshold)
	}
	if c.BlurKernelSize <= 0 || c.BlurKernelSize%2 == 0 {
		return common.InvalidConfigf("detector.blur_kernel_size must be a positive odd number, got %d", c.BlurKernelSize)
	}
	if c.MorphKernelSize <= 0 || c.MorphKernelSize%2 == 0 {
		return common.InvalidConfigf("detector.morph_kernel_size must be a positive odd number, got %d", c.MorphKernelSize)
	}
	if c.DilateIterations < 0 {
		return common.InvalidConfigf("detector.dilate_iterations must be >= 0, got %d", c.DilateIterations)
	}
	if c.ProcessingWidth < 0 {
		return common.InvalidConfigf("detector.processing_width must be >= 0, got %d", c.ProcessingWidth)
	}
	return nil
}

// BackgroundModel is the adaptive Gaussian-mixture background owned by one run.
type BackgroundModel struct {
	mog    gocv.BackgroundSubtractorMOG2
	frames int
}

// NewBackgroundModel creates a MOG2 background model.
//
// Arguments:
//   - history: Frames of temporal memory.
//   - varThreshold: Foreground variance threshold.
//   - detectShadows: Whether shadows are labelled (value 127) in the mask.
//
// Returns:
//   - *BackgroundModel: The model. Close it to release native memory.
func NewBackgroundModel(history int, varThreshold float64, detectShadows bool) *BackgroundModel {
	return &BackgroundModel{
		mog: gocv.NewBackgroundSubtractorMOG2WithParams(history, varThreshold, detectShadows),
	}
}

// Update feeds one frame into the model and writes its foreground mask.
// The model statistics change on every call.
func (b *BackgroundModel) Update(frame gocv.Mat, mask *gocv.Mat) error {
	if err := b.mog.Apply(frame, mask); err != nil {
		return errors.Wrap(err, "background subtraction failed")
	}
	b.frames++
	return nil
}

// Frames returns how many frames the model has learned from.
func (b *BackgroundModel) Frames() int {
	return b.frames
}

// Close releases the native model.
func (b *BackgroundModel) Close() error {
	return b.mog.Close()
}

// MotionDetector produces at most one motion candidate per frame.
//
// It keeps its working matrices between frames to avoid per-frame allocations.
// It is not safe for concurrent use.
type MotionDetector struct {
	config DetectorConfig
	model  *BackgroundModel
	kernel gocv.Mat

	gray    gocv.Mat
	blurred gocv.Mat
	mask    gocv.Mat
	cleaned gocv.Mat
}

// NewMotionDetector validates the configuration and allocates the pipeline.
//
// Arguments:
//   - config: Detector parameters.
//
// Returns:
//   - *MotionDetector: A detector with a fresh background model.
//   - error: ErrInvalidConfiguration when config is rejected.
//
// @example
// det, err := NewMotionDetector(DefaultDetectorConfig())
// defer det.Close()
func NewMotionDetector(config DetectorConfig) (*MotionDetector, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &MotionDetector{
		config: config,
		model:  NewBackgroundModel(config.History, config.VarThreshold, config.DetectShadows),
		kernel: gocv.GetStructuringElement(gocv.MorphEllipse, image.Pt(config.MorphKernelSize, config.MorphKernelSize)),

		gray:    gocv.NewMat(),
		blurred: gocv.NewMat(),
		mask:    gocv.NewMat(),
		cleaned: gocv.NewMat(),
	}, nil
}

// Detect runs the pipeline on one frame.
//
// Arguments:
//   - frame: The decoded video frame.
//
// Returns:
//   - *common.Candidate: The largest foreground region in source pixel
//     coordinates, or nil when there is none above MinArea. A nil, empty or
//     unconvertible frame also yields nil.
func (m *MotionDetector) Detect(frame image.Image) *common.Candidate {
	if frame == nil || frame.Bounds().Empty() {
		return nil
	}

	scale := 1.0
	origin := frame.Bounds().Min
	if w := frame.Bounds().Dx(); m.config.ProcessingWidth > 0 && w > m.config.ProcessingWidth {
		scale = float64(w) / float64(m.config.ProcessingWidth)
		frame = resize.Resize(uint(m.config.ProcessingWidth), 0, frame, resize.Bilinear)
		origin = image.Point{}
	}

	mat, err := gocv.ImageToMatRGB(frame)
	if err != nil {
		return nil
	}
	defer mat.Close()

	candidate := m.DetectMat(mat)
	if candidate == nil {
		return nil
	}
	if scale != 1 {
		*candidate = common.NewCandidate(candidate.Box.Scale(scale), candidate.Area*scale*scale)
	}
	if origin != (image.Point{}) {
		box := candidate.Box
		box.X += float64(origin.X)
		box.Y += float64(origin.Y)
		*candidate = common.NewCandidate(box, candidate.Area)
	}
	return candidate
}

// DetectMat runs the pipeline on a BGR, BGRA or grayscale Mat.
func (m *MotionDetector) DetectMat(frame gocv.Mat) *common.Candidate {
	if frame.Empty() {
		return nil
	}

	switch frame.Channels() {
	case 1:
		frame.CopyTo(&m.gray)
	case 4:
		gocv.CvtColor(frame, &m.gray, gocv.ColorBGRAToGray)
	default:
		gocv.CvtColor(frame, &m.gray, gocv.ColorBGRToGray)
	}

	k := m.config.BlurKernelSize
	gocv.GaussianBlur(m.gray, &m.blurred, image.Pt(k, k), 0, 0, gocv.BorderDefault)

	if err := m.model.Update(m.blurred, &m.mask); err != nil {
		return nil
	}

	// Opening removes speckle; dilation reconnects fragmented blobs.
	gocv.MorphologyEx(m.mask, &m.cleaned, gocv.MorphOpen, m.kernel)
	for i := 0; i < m.config.DilateIterations; i++ {
		if err := gocv.Dilate(m.cleaned, &m.cleaned, m.kernel); err != nil {
			return nil
		}
	}

	contours := gocv.FindContours(m.cleaned, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	regions := make([]region, 0, contours.Size())
	for i := 0; i < contours.Size(); i++ {
		c := contours.At(i)
		regions = append(regions, region{
			area: gocv.ContourArea(c),
			rect: gocv.BoundingRect(c),
		})
	}

	best, ok := largestRegion(regions, m.config.MinArea)
	if !ok {
		return nil
	}
	candidate := common.NewCandidate(common.RectFrom(best.rect), best.area)
	return &candidate
}

// Frames returns how many frames reached the background model.
func (m *MotionDetector) Frames() int {
	return m.model.Frames()
}

// Config returns the detector configuration.
func (m *MotionDetector) Config() DetectorConfig {
	return m.config
}

// Close releases all native resources held by the detector.
func (m *MotionDetector) Close() error {
	m.gray.Close()
	m.blurred.Close()
	m.mask.Close()
	m.cleaned.Close()
	m.kernel.Close()
	return m.model.Close()
}

// region is a contour reduced to what candidate selection needs.
type region struct {
	area float64
	rect image.Rectangle
}

// largestRegion picks the region with the maximum area. It reports false when
// there are no regions or the largest one does not exceed minArea.
func largestRegion(regions []region, minArea float64) (region, bool) {
	if len(regions) == 0 {
		return region{}, false
	}
	best := regions[0]
	for _, r := range regions[1:] {
		if r.area > best.area {
			best = r
		}
	}
	if best.area <= minArea {
		return region{}, false
	}
	return best, true
}
