package controller

import "sync/atomic"

// Progress describes the frame a run has just finished.
type Progress struct {
	// Index is the 0-based position of the frame within the run.
	Index int `json:"index"`
	// Total is the number of frames in the run.
	Total int `json:"total"`
	// Frame is the video frame number.
	Frame int `json:"frame"`
}

// ProgressFunc receives progress events. It runs on its own goroutine and
// never delays frame processing.
type ProgressFunc func(Progress)

// progressPump delivers events in order through a bounded buffer. When the
// buffer is full the event is dropped; the atomic snapshot still advances.
type progressPump struct {
	events  chan Progress
	done    chan struct{}
	dropped atomic.Int64
}

func newProgressPump(fn ProgressFunc, buffer int) *progressPump {
	if fn == nil {
		return nil
	}
	p := &progressPump{
		events: make(chan Progress, buffer),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(p.done)
		for ev := range p.events {
			fn(ev)
		}
	}()
	return p
}

func (p *progressPump) send(ev Progress) {
	if p == nil {
		return
	}
	select {
	case p.events <- ev:
	default:
		p.dropped.Add(1)
	}
}

// close stops accepting events. Buffered events are still delivered by the
// pump goroutine; close never waits on a slow callback.
func (p *progressPump) close() int64 {
	if p == nil {
		return 0
	}
	close(p.events)
	return p.dropped.Load()
}

// wait blocks until every buffered event has been delivered.
func (p *progressPump) wait() {
	if p != nil {
		<-p.done
	}
}

// progressState backs Controller.Progress with atomics.
type progressState struct {
	processed atomic.Int64
	total     atomic.Int64
	frame     atomic.Int64
	outputs   atomic.Int64
}

func (s *progressState) reset(total int) {
	s.processed.Store(0)
	s.frame.Store(0)
	s.outputs.Store(0)
	s.total.Store(int64(total))
}

func (s *progressState) snapshot() Progress {
	return Progress{
		Index: int(s.processed.Load()) - 1,
		Total: int(s.total.Load()),
		Frame: int(s.frame.Load()),
	}
}
