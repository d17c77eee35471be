// Command autodetect runs motion auto-detection over a frame range of a video
// file or an image-sequence directory and writes the detection record as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/nvr-ai/go-autodetect/common"
	"github.com/nvr-ai/go-autodetect/config"
	"github.com/nvr-ai/go-autodetect/controller"
	"github.com/nvr-ai/go-autodetect/logger"
	"github.com/nvr-ai/go-autodetect/profiler"
	"github.com/nvr-ai/go-autodetect/store"
	"github.com/nvr-ai/go-autodetect/video"
	"github.com/pkg/errors"
)

// options holds the command line.
type options struct {
	configPath string
	videoPath  string
	framesDir  string
	start      int
	end        int
	fps        float64
	outPath    string
	profile    bool
	list       bool
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "Path to YAML configuration file")
	flag.StringVar(&opts.videoPath, "video", "", "Path to video file")
	flag.StringVar(&opts.framesDir, "frames", "", "Directory of frame-<N>.<ext> images")
	flag.IntVar(&opts.start, "start", -1, "First frame of the range (default: first available frame)")
	flag.IntVar(&opts.end, "end", -1, "Last frame of the range, may be below -start to run backward (default: last frame)")
	flag.Float64Var(&opts.fps, "fps", 0, "Frame rate (default: from the video container; required with -frames)")
	flag.StringVar(&opts.outPath, "out", "", "Write the result JSON to this file instead of stdout")
	flag.BoolVar(&opts.profile, "profile", false, "Log periodic runtime profiling reports")
	flag.BoolVar(&opts.list, "list", false, "List runs saved in the review store and exit")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil {
		fmt.Fprintf(os.Stderr, "autodetect: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	cfg := config.Default()
	if opts.configPath != "" {
		var err error
		if cfg, err = config.Load(opts.configPath); err != nil {
			return err
		}
	}
	if opts.profile {
		cfg.Profile.Enabled = true
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()

	if opts.list {
		return listRuns(ctx, cfg.Store, os.Stdout)
	}

	src, closeSource, err := openSource(opts)
	if err != nil {
		return err
	}
	defer closeSource()

	req, err := resolveRequest(src, opts)
	if err != nil {
		return err
	}

	var prof *profiler.RuntimeProfiler
	if cfg.Profile.Enabled {
		prof = profiler.NewRuntimeProfiler(profiler.ProfilingOptions{
			ReportInterval: cfg.Profile.ReportInterval,
			Logger:         log,
		})
		prof.Start()
		defer prof.Stop()
	}

	ctrl, err := controller.New(controller.Config{
		Source:         src,
		NewDetector:    controller.MotionDetectorFactory(cfg.Detector),
		Tracker:        cfg.Tracker,
		OnProgress:     progressLogger(log),
		ProgressBuffer: cfg.Run.ProgressBuffer,
		Logger:         log,
		Profiler:       prof,
	})
	if err != nil {
		return err
	}

	res, err := ctrl.Run(ctx, req)
	if err != nil {
		return err
	}

	if res.Outcome == controller.OutcomeDetected && cfg.Store.Path != "" {
		if err := saveRecord(ctx, cfg.Store, sourceName(opts), res.Record); err != nil {
			return err
		}
		log.Info("record saved", "id", res.Record.ID.String(), "store", cfg.Store.Path)
	}

	return writeResult(opts.outPath, res)
}

// frameSource is a controller.FrameSource that can also describe its range.
type frameSource interface {
	controller.FrameSource
	FirstFrame() int
	LastFrame() int
	FPS() float64
}

type captureRange struct{ *video.CaptureSource }

func (c captureRange) FirstFrame() int { return 0 }
func (c captureRange) LastFrame() int  { return c.FrameCount() - 1 }

type directoryRange struct{ *video.DirectorySource }

func (d directoryRange) FirstFrame() int { return d.Frames()[0] }
func (d directoryRange) FPS() float64    { return 0 }

func openSource(opts options) (frameSource, func(), error) {
	switch {
	case opts.videoPath != "" && opts.framesDir != "":
		return nil, nil, common.InvalidConfigf("-video and -frames are mutually exclusive")
	case opts.videoPath != "":
		src, err := video.OpenCapture(opts.videoPath)
		if err != nil {
			return nil, nil, err
		}
		return captureRange{src}, func() { src.Close() }, nil
	case opts.framesDir != "":
		src, err := video.OpenDirectory(opts.framesDir)
		if err != nil {
			return nil, nil, err
		}
		return directoryRange{src}, func() {}, nil
	default:
		return nil, nil, common.InvalidConfigf("one of -video or -frames is required")
	}
}

// resolveRequest fills unset range and rate flags from the source.
func resolveRequest(src frameSource, opts options) (controller.Request, error) {
	req := controller.Request{Start: opts.start, End: opts.end, FPS: opts.fps}
	if req.Start < 0 {
		req.Start = src.FirstFrame()
	}
	if req.End < 0 {
		req.End = src.LastFrame()
	}
	if req.FPS <= 0 {
		req.FPS = src.FPS()
	}
	if req.FPS <= 0 {
		return req, common.InvalidConfigf("frame rate unknown, pass -fps")
	}
	if req.End < 0 {
		return req, common.InvalidConfigf("source frame count unknown, pass -end")
	}
	return req, nil
}

func progressLogger(log *logger.Logger) controller.ProgressFunc {
	return func(p controller.Progress) {
		step := p.Total / 10
		if step == 0 {
			step = 1
		}
		if done := p.Index + 1; done%step == 0 || done == p.Total {
			log.Info("progress", "frame", p.Frame, "done", done, "total", p.Total)
		}
	}
}

func sourceName(opts options) string {
	if opts.videoPath != "" {
		return opts.videoPath
	}
	return opts.framesDir
}

func saveRecord(ctx context.Context, cfg config.StoreConfig, source string, rec *controller.DetectionRecord) error {
	db, err := store.Open(cfg.Path)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.Save(ctx, source, rec)
}

func listRuns(ctx context.Context, cfg config.StoreConfig, w io.Writer) error {
	if cfg.Path == "" {
		return common.InvalidConfigf("store.path is not configured")
	}
	db, err := store.Open(cfg.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	runs, err := db.List(ctx)
	if err != nil {
		return err
	}
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%d..%d\t%d frames\t%s\n",
			r.ID, r.Source, r.StartFrame, r.EndFrame, r.Frames, r.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func writeResult(path string, res *controller.Result) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode result")
	}
	data = append(data, '\n')

	if path == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	return errors.Wrapf(os.WriteFile(path, data, 0o644), "failed to write %s", path)
}
