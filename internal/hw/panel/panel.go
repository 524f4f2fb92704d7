// Package panel drives the scanning station's physical controls: a
// foot pedal that fires the shutter and an LED that shows whether the
// camera is ready.
package panel

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hayesraffle/QuickCapture/internal/debug"
	"github.com/hayesraffle/QuickCapture/internal/hw/gpio"
	"github.com/hayesraffle/QuickCapture/internal/session"
)

// Config holds the panel wiring (BCM numbering). A pin of 0 disables
// that part.
type Config struct {
	PedalPin    int // switch to GND, internal pull-up: LOW = pressed
	LEDPin      int // active HIGH
	Debounce    time.Duration
	Poll        time.Duration
	BlinkPeriod time.Duration // full on/off cycle while connecting
}

// Panel polls the pedal and mirrors the connection state on the LED.
type Panel struct {
	drv     gpio.Driver
	cfg     Config
	onPress func()

	state atomic.Int32 // session.ConnectionState
}

// New configures the pins. onPress runs on the panel goroutine once per
// debounced press.
func New(drv gpio.Driver, cfg Config, onPress func()) (*Panel, error) {
	if cfg.Poll <= 0 {
		cfg.Poll = 10 * time.Millisecond
	}
	if cfg.BlinkPeriod <= 0 {
		cfg.BlinkPeriod = 500 * time.Millisecond
	}
	p := &Panel{drv: drv, cfg: cfg, onPress: onPress}

	if cfg.PedalPin > 0 {
		if err := drv.SetupPin(cfg.PedalPin, gpio.InputPullUp); err != nil {
			return nil, fmt.Errorf("setup pedal pin %d: %w", cfg.PedalPin, err)
		}
	}
	if cfg.LEDPin > 0 {
		if err := drv.SetupPin(cfg.LEDPin, gpio.Output); err != nil {
			return nil, fmt.Errorf("setup led pin %d: %w", cfg.LEDPin, err)
		}
		if err := drv.WritePin(cfg.LEDPin, gpio.Low); err != nil {
			return nil, fmt.Errorf("led off: %w", err)
		}
	}
	debug.Value("Pedal pin", cfg.PedalPin)
	debug.Value("LED pin", cfg.LEDPin)
	return p, nil
}

// Enabled reports whether any pin is wired.
func (p *Panel) Enabled() bool {
	return p.cfg.PedalPin > 0 || p.cfg.LEDPin > 0
}

// StateChanged is a session.OnStateChange observer.
func (p *Panel) StateChanged(_, to session.ConnectionState) {
	p.state.Store(int32(to))
}

// Run polls until ctx ends, then turns the LED off.
func (p *Panel) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Poll)
	defer ticker.Stop()
	defer p.setLED(gpio.Low)

	var (
		pedal    = debouncer{hold: p.cfg.Debounce}
		started  = time.Now()
		ledLevel gpio.Level
		ledKnown bool
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if p.cfg.PedalPin > 0 {
				level, err := p.drv.ReadPin(p.cfg.PedalPin)
				if err != nil {
					return fmt.Errorf("read pedal: %w", err)
				}
				if pedal.update(level == gpio.Low, now) {
					debug.Live("Pedal pressed")
					if p.onPress != nil {
						p.onPress()
					}
				}
			}

			if want := p.ledFor(now.Sub(started)); !ledKnown || want != ledLevel {
				p.setLED(want)
				ledLevel, ledKnown = want, true
			}
		}
	}
}

// ledFor returns the LED level for the current state: solid when
// ready, blinking while connecting, off otherwise.
func (p *Panel) ledFor(elapsed time.Duration) gpio.Level {
	switch session.ConnectionState(p.state.Load()) {
	case session.Ready:
		return gpio.High
	case session.Connecting:
		half := p.cfg.BlinkPeriod / 2
		if half <= 0 {
			return gpio.High
		}
		return gpio.Level((elapsed/half)%2 == 0)
	default:
		return gpio.Low
	}
}

func (p *Panel) setLED(level gpio.Level) {
	if p.cfg.LEDPin <= 0 {
		return
	}
	if err := p.drv.WritePin(p.cfg.LEDPin, level); err != nil {
		debug.Error(fmt.Errorf("led: %w", err))
	}
}

// debouncer reports one press per stable pressed period.
type debouncer struct {
	hold time.Duration

	down   bool
	since  time.Time
	firing bool
}

func (d *debouncer) update(pressed bool, now time.Time) bool {
	if pressed != d.down {
		d.down = pressed
		d.since = now
		if !pressed {
			d.firing = false
		}
		return false
	}
	if pressed && !d.firing && now.Sub(d.since) >= d.hold {
		d.firing = true
		return true
	}
	return false
}
