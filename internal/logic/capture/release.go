package capture

import (
	"context"
	"fmt"
	"time"

	"github.com/hayesraffle/QuickCapture/internal/debug"
	"github.com/hayesraffle/QuickCapture/internal/hw/camera"
	"github.com/hayesraffle/QuickCapture/internal/session"
)

// Config holds the capture timings and the control names the jobs
// write.
type Config struct {
	Controls camera.Controls

	Deadline         time.Duration // from job start until a file must have arrived
	Debounce         time.Duration // after each release phase
	PollInterval     time.Duration // longest single event wait
	PostCaptureDelay time.Duration // camera finishes writing before live view resumes
	ViewfinderSettle time.Duration // after viewfinder is restored
	FocusResetDelay  time.Duration // between autofocus 0 and 1
	FocusLockDelay   time.Duration // after autofocus 1
	FlashSettle      time.Duration // after an exposure mode change
}

// DefaultConfig returns the timings that work with Canon EOS bodies.
func DefaultConfig() Config {
	return Config{
		Controls:         camera.DefaultControls(),
		Deadline:         8 * time.Second,
		Debounce:         250 * time.Millisecond,
		PollInterval:     300 * time.Millisecond,
		PostCaptureDelay: 800 * time.Millisecond,
		ViewfinderSettle: 500 * time.Millisecond,
		FocusResetDelay:  100 * time.Millisecond,
		FocusLockDelay:   2 * time.Second,
		FlashSettle:      300 * time.Millisecond,
	}
}

// Sink receives the fetched file. session.Session.DeliverFile fits.
type Sink func(ref camera.FileRef, data []byte)

// Release is the remote shutter job: four release phases, then a wait
// for the camera to report the new file.
type Release struct {
	cfg  Config
	sink Sink
	now  func() time.Time
}

// NewRelease returns a capture job that hands its file to sink.
func NewRelease(cfg Config, sink Sink) *Release {
	return &Release{cfg: cfg, sink: sink, now: time.Now}
}

func (r *Release) Name() string { return "capture" }

// Run presses and releases the shutter, then waits for the file. Handle
// errors are returned as is so the dispatcher can tell a disconnect
// from a transient failure.
func (r *Release) Run(ctx context.Context, h camera.Handle) error {
	deadline := r.now().Add(r.cfg.Deadline)
	debug.Section("Capture")

	for _, phase := range camera.ReleaseSequence {
		debug.Control(r.cfg.Controls.RemoteRelease, phase)
		if err := h.SetControl(r.cfg.Controls.RemoteRelease, string(phase)); err != nil {
			return fmt.Errorf("release %s: %w", phase, err)
		}
		if err := sleep(ctx, r.cfg.Debounce); err != nil {
			return err
		}
	}

	ref, data, err := r.awaitFile(ctx, h, deadline)
	if err != nil {
		return err
	}
	debug.Live("Capture: got %s (%d bytes)", ref, len(data))
	if r.sink != nil {
		r.sink(ref, data)
	}

	if err := sleep(ctx, r.cfg.PostCaptureDelay); err != nil {
		return err
	}
	debug.Control(r.cfg.Controls.Viewfinder, 1)
	if err := h.SetControl(r.cfg.Controls.Viewfinder, 1); err != nil {
		return fmt.Errorf("restore viewfinder: %w", err)
	}
	return sleep(ctx, r.cfg.ViewfinderSettle)
}

// awaitFile polls events until the first file-added event or the
// deadline. Only that first file is fetched.
func (r *Release) awaitFile(ctx context.Context, h camera.Handle, deadline time.Time) (camera.FileRef, []byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return camera.FileRef{}, nil, err
		}
		remaining := deadline.Sub(r.now())
		if remaining <= 0 {
			return camera.FileRef{}, nil, fmt.Errorf("no file within %v: %w", r.cfg.Deadline, session.ErrJobTimeout)
		}
		wait := r.cfg.PollInterval
		if remaining < wait {
			wait = remaining
		}

		ev, err := h.WaitForEvent(wait)
		if err != nil {
			return camera.FileRef{}, nil, fmt.Errorf("wait for file: %w", err)
		}
		if ev.Type != camera.EventFileAdded {
			debug.Trace("Capture: ignoring %s event", ev.Type)
			continue
		}

		data, err := h.FetchFile(ev.Ref)
		if err != nil {
			return camera.FileRef{}, nil, fmt.Errorf("fetch %s: %w", ev.Ref, err)
		}
		return ev.Ref, data, nil
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
