// Package video provides random-access frame sources for detection runs.
package video

import (
	"image"
	"sync"

	"github.com/nvr-ai/go-autodetect/common"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// CaptureSource reads frames from a video file through OpenCV.
//
// Sequential requests are served by reading the next frame. Any other request
// seeks first, which is slower for compressed streams.
type CaptureSource struct {
	path       string
	mu         sync.Mutex
	capture    *gocv.VideoCapture
	mat        gocv.Mat
	size       common.Size
	fps        float64
	frameCount int
	// next is the frame a plain Read returns.
	next int
}

// OpenCapture opens a video file.
//
// Arguments:
//   - path: The path of the video file.
//
// Returns:
//   - *CaptureSource: The opened source. Close it when done.
//   - error: An error if the file cannot be opened or reports no frame size.
func OpenCapture(path string) (*CaptureSource, error) {
	capture, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open video %s", path)
	}

	size := common.Size{
		Width:  int(capture.Get(gocv.VideoCaptureFrameWidth)),
		Height: int(capture.Get(gocv.VideoCaptureFrameHeight)),
	}
	if size.Degenerate() {
		capture.Close()
		return nil, errors.Errorf("video %s reports invalid frame size %dx%d", path, size.Width, size.Height)
	}

	return &CaptureSource{
		path:       path,
		capture:    capture,
		mat:        gocv.NewMat(),
		size:       size,
		fps:        capture.Get(gocv.VideoCaptureFPS),
		frameCount: int(capture.Get(gocv.VideoCaptureFrameCount)),
	}, nil
}

// Frame returns the decoded image of a frame number.
func (c *CaptureSource) Frame(index int) (image.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if index < 0 || (c.frameCount > 0 && index >= c.frameCount) {
		return nil, errors.Errorf("frame %d outside video of %d frames", index, c.frameCount)
	}
	if index != c.next {
		c.capture.Set(gocv.VideoCapturePosFrames, float64(index))
	}
	if ok := c.capture.Read(&c.mat); !ok || c.mat.Empty() {
		c.next = -1
		return nil, errors.Errorf("failed to read frame %d from %s", index, c.path)
	}
	c.next = index + 1

	img, err := c.mat.ToImage()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to convert frame %d", index)
	}
	return img, nil
}

// Size returns the frame size reported by the container.
func (c *CaptureSource) Size() common.Size { return c.size }

// FPS returns the frame rate reported by the container, 0 when unknown.
func (c *CaptureSource) FPS() float64 { return c.fps }

// FrameCount returns the number of frames reported by the container, 0 when unknown.
func (c *CaptureSource) FrameCount() int { return c.frameCount }

// Close releases the capture and its frame buffer.
func (c *CaptureSource) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.mat.Close(); err != nil {
		return err
	}
	return c.capture.Close()
}
