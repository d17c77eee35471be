package controller

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/nvr-ai/go-autodetect/common"
	"github.com/nvr-ai/go-autodetect/tracker"
)

// FrameDetection is the tracked box for one frame.
type FrameDetection struct {
	Frame      int                  `json:"frame"`
	Timestamp  time.Duration        `json:"timestamp"`
	Box        common.NormalizedBox `json:"box"`
	Confidence float64              `json:"confidence"`
	State      tracker.State        `json:"state"`
}

// DetectionRecord is the single detected object a run hands back for review.
// Frames are ordered by frame number regardless of run direction.
type DetectionRecord struct {
	ID         uuid.UUID        `json:"id"`
	StartFrame int              `json:"start_frame"`
	EndFrame   int              `json:"end_frame"`
	FPS        float64          `json:"fps"`
	VideoSize  common.Size      `json:"video_size"`
	CreatedAt  time.Time        `json:"created_at"`
	Frames     []FrameDetection `json:"frames"`
}

func newRecord(req Request, size common.Size) *DetectionRecord {
	return &DetectionRecord{
		ID:         uuid.New(),
		StartFrame: req.Start,
		EndFrame:   req.End,
		FPS:        req.FPS,
		VideoSize:  size,
		CreatedAt:  time.Now().UTC(),
	}
}

// add stores one tracker output in normalized coordinates.
func (r *DetectionRecord) add(frame int, out tracker.Output) {
	r.Frames = append(r.Frames, FrameDetection{
		Frame:      frame,
		Timestamp:  FrameTimestamp(frame, r.FPS),
		Box:        common.Normalize(out.Box, r.VideoSize).Clamp(),
		Confidence: out.Confidence,
		State:      out.State,
	})
}

func (r *DetectionRecord) sortFrames() {
	sort.Slice(r.Frames, func(i, j int) bool {
		return r.Frames[i].Frame < r.Frames[j].Frame
	})
}

// At returns the detection for a frame number.
func (r *DetectionRecord) At(frame int) (FrameDetection, bool) {
	i := sort.Search(len(r.Frames), func(i int) bool {
		return r.Frames[i].Frame >= frame
	})
	if i < len(r.Frames) && r.Frames[i].Frame == frame {
		return r.Frames[i], true
	}
	return FrameDetection{}, false
}

// Counts returns how many frames were detected and how many predicted.
func (r *DetectionRecord) Counts() (detected, predicted int) {
	for _, f := range r.Frames {
		if f.State == tracker.Detected {
			detected++
		} else {
			predicted++
		}
	}
	return detected, predicted
}

// FrameTimestamp converts a frame number into a media timestamp.
func FrameTimestamp(frame int, fps float64) time.Duration {
	if fps <= 0 {
		return 0
	}
	return time.Duration(float64(frame) / fps * float64(time.Second))
}
