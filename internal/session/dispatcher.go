package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif" // live view decoders
	_ "image/jpeg"
	_ "image/png"
	"time"

	"github.com/hayesraffle/QuickCapture/internal/debug"
	"github.com/hayesraffle/QuickCapture/internal/hw/camera"
)

type stopReason int

const (
	stopDisconnect stopReason = iota
	stopShutdown
)

// run is the dispatcher loop. It is the only goroutine that calls into
// a camera handle, so the handle needs no lock.
func (s *Session) run(ctx context.Context) {
	defer close(s.stopped)
	defer s.discardQueued()

	for {
		lease, err := s.conn.Acquire(ctx)
		if err != nil {
			debug.Verbose("Session: %v", err)
			return
		}

		reason := s.serve(ctx, lease)
		s.discardQueued()

		if reason == stopShutdown || ctx.Err() != nil {
			s.conn.Release(lease)
			debug.Info("Session: dispatcher stopped")
			return
		}

		s.conn.Fault()
		s.metrics.IncReconnects(ctx)
		s.disconnected()
		s.conn.Release(lease)
		s.pause(ctx)
	}
}

// serve runs jobs, live view and event polling on one handle until it
// disconnects or ctx ends. Queued jobs always go first; preview and
// events only run once the queue is empty.
func (s *Session) serve(ctx context.Context, h camera.Handle) stopReason {
	previewFailures := 0
	for {
		if ctx.Err() != nil {
			return stopShutdown
		}

		for {
			e, ok := s.queue.tryPop()
			if !ok {
				break
			}
			if s.execute(ctx, h, e) == Aborted {
				return stopDisconnect
			}
			if ctx.Err() != nil {
				return stopShutdown
			}
		}

		switch err := s.preview(h); {
		case err == nil:
			previewFailures = 0
		case camera.IsDisconnect(err):
			debug.Live("Preview: %v", err)
			return stopDisconnect
		default:
			previewFailures++
			s.metrics.IncPreviewErrors(ctx)
			debug.Trace("Preview failed (%d in a row): %v", previewFailures, err)
			if limit := s.cfg.MaxPreviewFailures; limit > 0 && previewFailures >= limit {
				debug.Info("Preview failed %d times in a row, forcing reconnect", previewFailures)
				s.status(MsgPreviewLost, true)
				return stopDisconnect
			}
			_ = sleepCtx(ctx, s.cfg.PreviewRetryDelay)
		}

		if err := s.pollEvent(h); camera.IsDisconnect(err) {
			debug.Live("Event poll: %v", err)
			return stopDisconnect
		}
	}
}

// execute runs one job and signals its completion. The returned
// outcome is Aborted when the job hit a disconnect or was cut short
// by shutdown.
func (s *Session) execute(ctx context.Context, h camera.Handle, e entry) Outcome {
	start := time.Now()
	err := runJob(ctx, h, e.job)
	outcome := classify(err)
	if outcome == Failed && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		outcome = Aborted
	}

	switch outcome {
	case Failed, TimedOut:
		s.status("⚠ "+err.Error(), false)
	case Aborted:
		debug.Live("Job %s aborted: %v", e.job.Name(), err)
	}

	e.done.finish(outcome)
	debug.Job(e.done.ID(), e.job.Name(), outcome)
	s.metrics.RecordJob(ctx, e.job.Name(), outcome, time.Since(start))
	return outcome
}

// runJob calls job.Run, turning a panic into an ordinary error so the
// completion is still signalled.
func runJob(ctx context.Context, h camera.Handle, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: panic: %v", job.Name(), r)
		}
	}()
	return job.Run(ctx, h)
}

// preview pulls and decodes one live view frame.
func (s *Session) preview(h camera.Handle) error {
	data, err := h.CapturePreview()
	if err != nil {
		return err
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decode preview: %w", err)
	}
	s.metrics.IncFrames(s.ctx)
	s.frame(Frame{Data: data, Image: img})
	return nil
}

// pollEvent does one short event wait. A file added behind our back
// (the shutter pressed on the body) is fetched and delivered. Only a
// disconnect is returned; anything else is logged and dropped.
func (s *Session) pollEvent(h camera.Handle) error {
	ev, err := h.WaitForEvent(s.cfg.EventPollTimeout)
	if err != nil {
		if camera.IsDisconnect(err) {
			return err
		}
		debug.Verbose("Event poll: %v", err)
		return nil
	}
	if ev.Type != camera.EventFileAdded {
		return nil
	}

	debug.Live("Manual shutter: %s", ev.Ref)
	data, err := h.FetchFile(ev.Ref)
	if err != nil {
		if camera.IsDisconnect(err) {
			return err
		}
		debug.Error(fmt.Errorf("fetch %s: %w", ev.Ref, err))
		return nil
	}
	s.DeliverFile(ev.Ref, data)
	return nil
}

// pause waits out ReconnectPause before the next acquisition. Jobs
// submitted meanwhile cannot run on the dead handle, so they are
// discarded as they arrive rather than left blocking their callers.
func (s *Session) pause(ctx context.Context) {
	pauseCtx, cancel := context.WithTimeout(ctx, s.cfg.ReconnectPause)
	defer cancel()
	for {
		e, err := s.queue.pop(pauseCtx)
		if err != nil {
			return
		}
		s.discard(e)
	}
}

func (s *Session) discardQueued() {
	if n := s.queue.drain(s.discard); n > 0 {
		debug.Live("Discarded %d queued job(s)", n)
	}
}

func (s *Session) discard(e entry) {
	if e.done.finish(Discarded) {
		debug.Job(e.done.ID(), e.job.Name(), Discarded)
		s.metrics.RecordJob(s.ctx, e.job.Name(), Discarded, 0)
	}
}
