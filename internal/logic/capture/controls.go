package capture

import (
	"context"
	"errors"
	"fmt"

	"github.com/hayesraffle/QuickCapture/internal/debug"
	"github.com/hayesraffle/QuickCapture/internal/hw/camera"
)

// ErrNoZoomControl is returned by NewZoom when no zoom control is
// configured.
var ErrNoZoomControl = errors.New("capture: zoom control not configured")

// Focus triggers one autofocus drive. The control is edge-triggered,
// so it is always written 0 then 1.
type Focus struct {
	cfg Config
}

func NewFocus(cfg Config) *Focus { return &Focus{cfg: cfg} }

func (f *Focus) Name() string { return "focus" }

func (f *Focus) Run(ctx context.Context, h camera.Handle) error {
	if err := f.drive(h, 0); err != nil {
		return err
	}
	if err := sleep(ctx, f.cfg.FocusResetDelay); err != nil {
		return err
	}
	if err := f.drive(h, 1); err != nil {
		return err
	}
	return sleep(ctx, f.cfg.FocusLockDelay)
}

func (f *Focus) drive(h camera.Handle, value int) error {
	debug.Control(f.cfg.Controls.Autofocus, value)
	if err := h.SetControl(f.cfg.Controls.Autofocus, value); err != nil {
		return fmt.Errorf("autofocus %d: %w", value, err)
	}
	return nil
}

// Flash switches the exposure mode between flash and no-flash.
type Flash struct {
	cfg Config
	on  bool
}

func NewFlash(cfg Config, on bool) *Flash { return &Flash{cfg: cfg, on: on} }

func (f *Flash) Name() string {
	if f.on {
		return "flash on"
	}
	return "flash off"
}

func (f *Flash) Run(ctx context.Context, h camera.Handle) error {
	value := f.cfg.Controls.FlashOffValue
	if f.on {
		value = f.cfg.Controls.FlashOnValue
	}
	debug.Control(f.cfg.Controls.ExposureMode, value)
	if err := h.SetControl(f.cfg.Controls.ExposureMode, value); err != nil {
		return fmt.Errorf("exposure mode: %w", err)
	}
	return sleep(ctx, f.cfg.FlashSettle)
}

// Zoom sets the live view magnification ("1", "5", "10").
type Zoom struct {
	cfg   Config
	level string
}

// NewZoom fails with ErrNoZoomControl when the body has no zoom
// control configured, and rejects an empty level.
func NewZoom(cfg Config, level string) (*Zoom, error) {
	if cfg.Controls.Zoom == "" {
		return nil, ErrNoZoomControl
	}
	if level == "" {
		return nil, errors.New("capture: empty zoom level")
	}
	return &Zoom{cfg: cfg, level: level}, nil
}

func (z *Zoom) Name() string { return "zoom " + z.level }

func (z *Zoom) Run(_ context.Context, h camera.Handle) error {
	debug.Control(z.cfg.Controls.Zoom, z.level)
	if err := h.SetControl(z.cfg.Controls.Zoom, z.level); err != nil {
		return fmt.Errorf("zoom %s: %w", z.level, err)
	}
	return nil
}
