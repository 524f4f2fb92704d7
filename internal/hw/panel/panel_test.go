package panel

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hayesraffle/QuickCapture/internal/hw/gpio"
	"github.com/hayesraffle/QuickCapture/internal/session"
)

const (
	pedalPin = 17
	ledPin   = 27
)

// recordingDriver is a MockDriver that also logs LED writes.
type recordingDriver struct {
	*gpio.MockDriver

	mu     sync.Mutex
	writes []gpio.Level
	setups map[int]gpio.PinMode
}

func newRecordingDriver() *recordingDriver {
	return &recordingDriver{MockDriver: gpio.NewMockDriver(), setups: map[int]gpio.PinMode{}}
}

func (d *recordingDriver) SetupPin(pin int, mode gpio.PinMode) error {
	d.mu.Lock()
	d.setups[pin] = mode
	d.mu.Unlock()
	return d.MockDriver.SetupPin(pin, mode)
}

func (d *recordingDriver) WritePin(pin int, level gpio.Level) error {
	if pin == ledPin {
		d.mu.Lock()
		d.writes = append(d.writes, level)
		d.mu.Unlock()
	}
	return d.MockDriver.WritePin(pin, level)
}

func (d *recordingDriver) ledWrites() []gpio.Level {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]gpio.Level(nil), d.writes...)
}

func testConfig() Config {
	return Config{
		PedalPin:    pedalPin,
		LEDPin:      ledPin,
		Debounce:    5 * time.Millisecond,
		Poll:        time.Millisecond,
		BlinkPeriod: 10 * time.Millisecond,
	}
}

func startPanel(t *testing.T, drv gpio.Driver, cfg Config, onPress func()) (*Panel, func()) {
	t.Helper()
	p, err := New(drv, cfg, onPress)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := p.Run(ctx); err != nil {
			t.Errorf("Run: %v", err)
		}
	}()
	return p, func() {
		cancel()
		<-done
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestNew_ConfiguresPins(t *testing.T) {
	drv := newRecordingDriver()
	if _, err := New(drv, testConfig(), nil); err != nil {
		t.Fatalf("New: %v", err)
	}
	if drv.setups[pedalPin] != gpio.InputPullUp {
		t.Errorf("pedal mode = %v, want InputPullUp", drv.setups[pedalPin])
	}
	if drv.setups[ledPin] != gpio.Output {
		t.Errorf("led mode = %v, want Output", drv.setups[ledPin])
	}
	if lvl, _ := drv.ReadPin(pedalPin); lvl != gpio.High {
		t.Error("pedal should idle HIGH with the pull-up")
	}
}

func TestNew_DisabledPins(t *testing.T) {
	drv := newRecordingDriver()
	p, err := New(drv, Config{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Enabled() {
		t.Error("panel with no pins should report disabled")
	}
	if len(drv.setups) != 0 {
		t.Errorf("setups = %v, want none", drv.setups)
	}
}

func TestPanel_PedalFiresOncePerPress(t *testing.T) {
	drv := newRecordingDriver()
	var presses atomic.Int32
	_, stop := startPanel(t, drv, testConfig(), func() { presses.Add(1) })
	defer stop()

	drv.SetInput(pedalPin, gpio.Low)
	waitFor(t, "first press", func() bool { return presses.Load() == 1 })

	// Holding the pedal does not repeat.
	time.Sleep(20 * time.Millisecond)
	if got := presses.Load(); got != 1 {
		t.Fatalf("presses while held = %d, want 1", got)
	}

	drv.SetInput(pedalPin, gpio.High)
	time.Sleep(10 * time.Millisecond)
	drv.SetInput(pedalPin, gpio.Low)
	waitFor(t, "second press", func() bool { return presses.Load() == 2 })
}

func TestPanel_PedalIgnoresGlitch(t *testing.T) {
	drv := newRecordingDriver()
	cfg := testConfig()
	cfg.Debounce = 200 * time.Millisecond
	var presses atomic.Int32
	_, stop := startPanel(t, drv, cfg, func() { presses.Add(1) })

	drv.SetInput(pedalPin, gpio.Low)
	time.Sleep(10 * time.Millisecond)
	drv.SetInput(pedalPin, gpio.High)
	time.Sleep(10 * time.Millisecond)
	stop()

	if got := presses.Load(); got != 0 {
		t.Errorf("presses = %d, want 0 for a short glitch", got)
	}
}

func TestPanel_LEDFollowsState(t *testing.T) {
	drv := newRecordingDriver()
	p, stop := startPanel(t, drv, testConfig(), nil)

	p.StateChanged(session.Disconnected, session.Ready)
	waitFor(t, "led on", func() bool {
		lvl, _ := drv.ReadPin(ledPin)
		return lvl == gpio.High
	})

	p.StateChanged(session.Ready, session.Faulted)
	waitFor(t, "led off", func() bool {
		lvl, _ := drv.ReadPin(ledPin)
		return lvl == gpio.Low
	})

	stop()
	if lvl, _ := drv.ReadPin(ledPin); lvl != gpio.Low {
		t.Error("led should be off after Run returns")
	}
}

func TestPanel_LEDBlinksWhileConnecting(t *testing.T) {
	drv := newRecordingDriver()
	p, stop := startPanel(t, drv, testConfig(), nil)
	defer stop()

	p.StateChanged(session.Disconnected, session.Connecting)
	waitFor(t, "several toggles", func() bool {
		toggles := 0
		w := drv.ledWrites()
		for i := 1; i < len(w); i++ {
			if w[i] != w[i-1] {
				toggles++
			}
		}
		return toggles >= 4
	})
}

func TestDebouncer(t *testing.T) {
	d := debouncer{hold: 10 * time.Millisecond}
	t0 := time.Now()

	if d.update(true, t0) {
		t.Error("press should not fire before the hold time")
	}
	if d.update(true, t0.Add(5*time.Millisecond)) {
		t.Error("press should not fire at 5ms")
	}
	if !d.update(true, t0.Add(10*time.Millisecond)) {
		t.Error("press should fire at 10ms")
	}
	if d.update(true, t0.Add(50*time.Millisecond)) {
		t.Error("held press should not fire again")
	}
	d.update(false, t0.Add(60*time.Millisecond))
	d.update(true, t0.Add(70*time.Millisecond))
	if !d.update(true, t0.Add(80*time.Millisecond)) {
		t.Error("second press should fire")
	}
}
