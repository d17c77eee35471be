package controller

import (
	"context"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nvr-ai/go-autodetect/common"
	"github.com/nvr-ai/go-autodetect/profiler"
	"github.com/nvr-ai/go-autodetect/tracker"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// numberedFrame lets the scripted detector know which frame it is looking at.
type numberedFrame struct {
	*image.Gray
	n int
}

// MockSource serves blank numbered frames and records the request order.
type MockSource struct {
	size     common.Size
	failAt   int
	failErr  error
	onFrame  func(n int)
	mu       sync.Mutex
	requests []int
}

func newMockSource(w, h int) *MockSource {
	return &MockSource{size: common.Size{Width: w, Height: h}, failAt: -1}
}

func (m *MockSource) Frame(n int) (image.Image, error) {
	m.mu.Lock()
	m.requests = append(m.requests, n)
	m.mu.Unlock()
	if n == m.failAt {
		return nil, m.failErr
	}
	if m.onFrame != nil {
		m.onFrame(n)
	}
	return numberedFrame{Gray: image.NewGray(image.Rect(0, 0, 4, 4)), n: n}, nil
}

func (m *MockSource) Size() common.Size { return m.size }

func (m *MockSource) Requests() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.requests...)
}

// MockDetector returns the scripted candidate for each frame number.
type MockDetector struct {
	script map[int]*common.Candidate
	calls  int
	closed bool
}

func (m *MockDetector) Detect(frame image.Image) *common.Candidate {
	m.calls++
	f, ok := frame.(numberedFrame)
	if !ok {
		return nil
	}
	if c := m.script[f.n]; c != nil {
		cp := *c
		return &cp
	}
	return nil
}

func (m *MockDetector) Close() error {
	m.closed = true
	return nil
}

// MockFactory hands out a fresh MockDetector per run.
type MockFactory struct {
	script    map[int]*common.Candidate
	err       error
	detectors []*MockDetector
}

func (f *MockFactory) New() (Detector, error) {
	if f.err != nil {
		return nil, f.err
	}
	d := &MockDetector{script: f.script}
	f.detectors = append(f.detectors, d)
	return d, nil
}

func blobAt(x, y float64) *common.Candidate {
	c := common.NewCandidate(common.Rect{X: x - 10, Y: y - 5, Width: 20, Height: 10}, 200)
	return &c
}

// walkingScript moves an object 5px per frame from x=100 and drops frame 5.
func walkingScript(n int) map[int]*common.Candidate {
	script := make(map[int]*common.Candidate, n)
	for f := 0; f < n; f++ {
		if f == 5 {
			continue
		}
		script[f] = blobAt(100+5*float64(f), 50)
	}
	return script
}

func newTestController(t *testing.T, src FrameSource, factory *MockFactory, mutate ...func(*Config)) *Controller {
	t.Helper()
	cfg := Config{
		Source:      src,
		NewDetector: factory.New,
		Tracker:     tracker.DefaultConfig(),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func TestRunBridgesSingleFrameGap(t *testing.T) {
	src := newMockSource(1000, 500)
	factory := &MockFactory{script: walkingScript(10)}
	ctrl := newTestController(t, src, factory)

	res, err := ctrl.Run(context.Background(), Request{Start: 0, End: 9, FPS: 10})
	require.NoError(t, err)
	require.Equal(t, OutcomeDetected, res.Outcome)
	require.NotNil(t, res.Record)
	assert.Equal(t, 10, res.FramesProcessed)

	rec := res.Record
	require.Len(t, rec.Frames, 10)
	assert.Equal(t, common.Size{Width: 1000, Height: 500}, rec.VideoSize)
	assert.Equal(t, 0, rec.StartFrame)
	assert.Equal(t, 9, rec.EndFrame)

	gap, ok := rec.At(5)
	require.True(t, ok)
	assert.Equal(t, tracker.Predicted, gap.State)
	assert.Equal(t, tracker.PredictedConfidence, gap.Confidence)
	assert.InDelta(t, (124.6875-10)/1000, float64(gap.Box.X), 1e-6)
	assert.InDelta(t, 0.02, float64(gap.Box.Width), 1e-6)
	assert.Equal(t, 500*time.Millisecond, gap.Timestamp)

	for _, f := range []int{0, 4, 6, 9} {
		d, ok := rec.At(f)
		require.True(t, ok, "frame %d", f)
		assert.Equal(t, tracker.Detected, d.State)
		assert.Equal(t, tracker.DetectedConfidence, d.Confidence)
		assert.InDelta(t, (100+5*float64(f)-10)/1000, float64(d.Box.X), 1e-6)
		assert.InDelta(t, 45.0/500, float64(d.Box.Y), 1e-6)
	}

	detected, predicted := rec.Counts()
	assert.Equal(t, 9, detected)
	assert.Equal(t, 1, predicted)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, src.Requests())
}

func TestRunWithoutMotionReportsNoObjects(t *testing.T) {
	factory := &MockFactory{}
	ctrl := newTestController(t, newMockSource(640, 480), factory)

	res, err := ctrl.Run(context.Background(), Request{Start: 0, End: 29, FPS: 30})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoObjects, res.Outcome)
	assert.Nil(t, res.Record)
	assert.Equal(t, 30, res.FramesProcessed)

	require.Len(t, factory.detectors, 1)
	assert.Equal(t, 30, factory.detectors[0].calls)
	assert.True(t, factory.detectors[0].closed)
}

func TestRunStopsAtFrameBoundaryWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := newMockSource(640, 480)
	src.onFrame = func(n int) {
		if n == 3 {
			cancel()
		}
	}
	factory := &MockFactory{script: walkingScript(20)}
	ctrl := newTestController(t, src, factory)

	res, err := ctrl.Run(ctx, Request{Start: 0, End: 19, FPS: 30})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, res.Outcome)
	assert.Nil(t, res.Record, "partial results are discarded")
	// Frame 3 was already in flight and completes before the check.
	assert.Equal(t, 4, res.FramesProcessed)
	assert.Equal(t, []int{0, 1, 2, 3}, src.Requests())
	assert.True(t, factory.detectors[0].closed)
}

func TestRunWithCancelledContextReadsNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := newMockSource(640, 480)
	ctrl := newTestController(t, src, &MockFactory{})

	res, err := ctrl.Run(ctx, Request{Start: 0, End: 9, FPS: 30})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, res.Outcome)
	assert.Zero(t, res.FramesProcessed)
	assert.Empty(t, src.Requests())
}

func TestRunFailsOnUnavailableFrame(t *testing.T) {
	src := newMockSource(640, 480)
	src.failAt = 4
	src.failErr = errors.New("seek failed")
	factory := &MockFactory{script: walkingScript(10)}
	ctrl := newTestController(t, src, factory)

	res, err := ctrl.Run(context.Background(), Request{Start: 0, End: 9, FPS: 30})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, errors.Is(err, common.ErrFrameUnavailable))

	var frameErr *common.FrameError
	require.True(t, errors.As(err, &frameErr))
	assert.Equal(t, 4, frameErr.Frame)
	assert.EqualError(t, frameErr.Err, "seek failed")
	assert.True(t, factory.detectors[0].closed)
	assert.Equal(t, 4, factory.detectors[0].calls)
}

func TestRunRejectsInvalidRequests(t *testing.T) {
	tests := []struct {
		name string
		size common.Size
		req  Request
	}{
		{"zero fps", common.Size{Width: 640, Height: 480}, Request{Start: 0, End: 10, FPS: 0}},
		{"negative fps", common.Size{Width: 640, Height: 480}, Request{Start: 0, End: 10, FPS: -5}},
		{"negative start", common.Size{Width: 640, Height: 480}, Request{Start: -1, End: 10, FPS: 30}},
		{"negative end", common.Size{Width: 640, Height: 480}, Request{Start: 3, End: -2, FPS: 30}},
		{"zero width", common.Size{Width: 0, Height: 480}, Request{Start: 0, End: 10, FPS: 30}},
		{"zero height", common.Size{Width: 640, Height: 0}, Request{Start: 0, End: 10, FPS: 30}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newMockSource(tt.size.Width, tt.size.Height)
			factory := &MockFactory{}
			ctrl := newTestController(t, src, factory)

			res, err := ctrl.Run(context.Background(), tt.req)
			require.Error(t, err)
			assert.Nil(t, res)
			assert.True(t, errors.Is(err, common.ErrInvalidConfiguration), err.Error())
			assert.Empty(t, src.Requests())
			assert.Empty(t, factory.detectors, "no detector is created for a rejected run")
		})
	}
}

func TestRunBackwardKeepsRecordOrdered(t *testing.T) {
	script := make(map[int]*common.Candidate)
	for f := 0; f < 8; f++ {
		script[f] = blobAt(300-10*float64(f), 100)
	}
	src := newMockSource(640, 480)
	ctrl := newTestController(t, src, &MockFactory{script: script})

	res, err := ctrl.Run(context.Background(), Request{Start: 7, End: 0, FPS: 25})
	require.NoError(t, err)
	require.Equal(t, OutcomeDetected, res.Outcome)

	assert.Equal(t, []int{7, 6, 5, 4, 3, 2, 1, 0}, src.Requests())
	require.Len(t, res.Record.Frames, 8)
	for i, f := range res.Record.Frames {
		assert.Equal(t, i, f.Frame)
		assert.Equal(t, tracker.Detected, f.State)
	}
	assert.Equal(t, 7, res.Record.StartFrame)
	assert.Equal(t, 0, res.Record.EndFrame)
}

func TestRequestFrames(t *testing.T) {
	assert.Equal(t, []int{3, 4, 5}, Request{Start: 3, End: 5, FPS: 1}.Frames())
	assert.Equal(t, []int{5, 4, 3}, Request{Start: 5, End: 3, FPS: 1}.Frames())
	assert.Equal(t, []int{2}, Request{Start: 2, End: 2, FPS: 1}.Frames())
}

func TestProgressIsDeliveredInOrder(t *testing.T) {
	var (
		mu     sync.Mutex
		events []Progress
	)
	ctrl := newTestController(t, newMockSource(640, 480), &MockFactory{script: walkingScript(12)},
		func(c *Config) {
			c.ProgressBuffer = 32
			c.OnProgress = func(p Progress) {
				mu.Lock()
				events = append(events, p)
				mu.Unlock()
			}
		})

	res, err := ctrl.Run(context.Background(), Request{Start: 10, End: 21, FPS: 30})
	require.NoError(t, err)
	require.Equal(t, 12, res.FramesProcessed)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 12
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, ev := range events {
		assert.Equal(t, Progress{Index: i, Total: 12, Frame: 10 + i}, ev)
	}

	assert.Equal(t, Progress{Index: 11, Total: 12, Frame: 21}, ctrl.Progress())
}

func TestSlowProgressCallbackDoesNotBlockRun(t *testing.T) {
	release := make(chan struct{})
	var delivered atomic.Int64
	ctrl := newTestController(t, newMockSource(640, 480), &MockFactory{},
		func(c *Config) {
			c.ProgressBuffer = 1
			c.OnProgress = func(Progress) {
				<-release
				delivered.Add(1)
			}
		})

	done := make(chan *Result, 1)
	go func() {
		res, err := ctrl.Run(context.Background(), Request{Start: 0, End: 199, FPS: 30})
		assert.NoError(t, err)
		done <- res
	}()

	select {
	case res := <-done:
		assert.Equal(t, 200, res.FramesProcessed)
	case <-time.After(5 * time.Second):
		t.Fatal("run blocked on progress callback")
	}
	close(release)

	assert.Eventually(t, func() bool { return delivered.Load() >= 1 }, time.Second, 5*time.Millisecond)
	assert.Less(t, delivered.Load(), int64(200), "events beyond the buffer are dropped")
	assert.Equal(t, 199, ctrl.Progress().Index)
}

func TestProgressPumpDropsWhenFull(t *testing.T) {
	release := make(chan struct{})
	var got []Progress
	pump := newProgressPump(func(p Progress) {
		<-release
		got = append(got, p)
	}, 2)

	for i := 0; i < 10; i++ {
		pump.send(Progress{Index: i, Total: 10})
	}
	dropped := pump.close()
	close(release)
	pump.wait()

	assert.Equal(t, int64(10-len(got)), dropped)
	require.NotEmpty(t, got)
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i].Index, got[i-1].Index)
	}

	var none *progressPump
	none.send(Progress{})
	assert.Zero(t, none.close())
}

func TestEachRunUsesFreshState(t *testing.T) {
	factory := &MockFactory{script: walkingScript(10)}
	ctrl := newTestController(t, newMockSource(1000, 500), factory)
	req := Request{Start: 0, End: 9, FPS: 10}

	first, err := ctrl.Run(context.Background(), req)
	require.NoError(t, err)
	second, err := ctrl.Run(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, factory.detectors, 2)
	assert.NotSame(t, factory.detectors[0], factory.detectors[1])
	for _, d := range factory.detectors {
		assert.True(t, d.closed)
	}

	assert.NotEqual(t, first.Record.ID, second.Record.ID)
	assert.Equal(t, first.Record.Frames, second.Record.Frames)
}

func TestRunWrapsFactoryError(t *testing.T) {
	cause := errors.New("no opencv")
	ctrl := newTestController(t, newMockSource(640, 480), &MockFactory{err: cause})

	res, err := ctrl.Run(context.Background(), Request{Start: 0, End: 1, FPS: 30})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Equal(t, cause, errors.Cause(err))
	assert.Contains(t, err.Error(), "failed to create detector")
}

func TestNewValidatesConfig(t *testing.T) {
	factory := &MockFactory{}
	src := newMockSource(640, 480)

	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing source", Config{NewDetector: factory.New, Tracker: tracker.DefaultConfig()}},
		{"missing factory", Config{Source: src, Tracker: tracker.DefaultConfig()}},
		{"bad tracker", Config{Source: src, NewDetector: factory.New, Tracker: tracker.Config{MaxJumpDistance: 0, MaxMisses: 1, SmoothAlpha: 0.5}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			assert.True(t, errors.Is(err, common.ErrInvalidConfiguration))
		})
	}
}

func TestTrackerLossIsNotRecorded(t *testing.T) {
	script := map[int]*common.Candidate{
		0: blobAt(100, 100),
		1: blobAt(110, 100),
		// 2..4 missing; MaxMisses 1 gives one prediction then loss.
		5: blobAt(400, 300),
		6: blobAt(405, 300),
	}
	ctrl := newTestController(t, newMockSource(640, 480), &MockFactory{script: script},
		func(c *Config) { c.Tracker.MaxMisses = 1 })

	res, err := ctrl.Run(context.Background(), Request{Start: 0, End: 6, FPS: 30})
	require.NoError(t, err)
	require.Equal(t, OutcomeDetected, res.Outcome)

	var frames []int
	for _, f := range res.Record.Frames {
		frames = append(frames, f.Frame)
	}
	assert.Equal(t, []int{0, 1, 2, 5, 6}, frames)

	d, _ := res.Record.At(2)
	assert.Equal(t, tracker.Predicted, d.State)
	d, _ = res.Record.At(5)
	assert.Equal(t, tracker.Detected, d.State)
}

func TestRunFeedsProfiler(t *testing.T) {
	prof := profiler.NewRuntimeProfiler(profiler.ProfilingOptions{})
	ctrl := newTestController(t, newMockSource(640, 480), &MockFactory{script: walkingScript(6)},
		func(c *Config) { c.Profiler = prof })

	_, err := ctrl.Run(context.Background(), Request{Start: 0, End: 5, FPS: 30})
	require.NoError(t, err)

	snap := prof.Snapshot()
	assert.Equal(t, int64(6), snap.Operations["detect"].Count)
	assert.Equal(t, int64(6), snap.Operations["track"].Count)

	metrics := ctrl.CollectMetrics()
	assert.Equal(t, 6.0, metrics["frames_processed"])
	assert.Equal(t, 6.0, metrics["frames_total"])
	assert.Equal(t, 6.0, metrics["tracked_frames"], "frame 5 is a prediction")
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "detected", OutcomeDetected.String())
	assert.Equal(t, "no objects detected", OutcomeNoObjects.String())
	assert.Equal(t, "cancelled", OutcomeCancelled.String())
	assert.Equal(t, "outcome(9)", Outcome(9).String())
}
