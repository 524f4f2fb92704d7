package camera

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"time"

	"github.com/hayesraffle/QuickCapture/internal/debug"
)

// SimulatorConfig tunes the simulated camera.
type SimulatorConfig struct {
	Width          int
	Height         int
	FrameInterval  time.Duration // time one preview capture takes
	FileDelay      time.Duration // full press to file-added
	ReleaseControl string
	Folder         string
}

func (c *SimulatorConfig) applyDefaults() {
	if c.Width <= 0 {
		c.Width = 160
	}
	if c.Height <= 0 {
		c.Height = 120
	}
	if c.FileDelay <= 0 {
		c.FileDelay = 500 * time.Millisecond
	}
	if c.ReleaseControl == "" {
		c.ReleaseControl = DefaultControls().RemoteRelease
	}
	if c.Folder == "" {
		c.Folder = "/store_00020001/DCIM/100CANON"
	}
}

var errNoCamera = errors.New("no camera detected")

// Simulator is an in-process tethered camera. It serves a moving test
// pattern as live view and produces a JPEG file on every full remote
// release or manual shutter press. Unplug makes the live handle fail
// with ErrDisconnected and refuses connections until Replug.
type Simulator struct {
	cfg SimulatorConfig

	mu        sync.Mutex
	unplugged bool
	current   *simHandle
	shots     int
	writes    []Setting
}

// NewSimulator returns a plugged-in simulated camera.
func NewSimulator(cfg SimulatorConfig) *Simulator {
	cfg.applyDefaults()
	return &Simulator{cfg: cfg}
}

// Connect opens a new handle, dropping any stale one.
func (s *Simulator) Connect() (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unplugged {
		return nil, errNoCamera
	}
	if s.current != nil {
		s.current.drop()
	}
	h := &simHandle{
		sim:    s,
		events: make(chan Event, 16),
		closed: make(chan struct{}),
		gone:   make(chan struct{}),
		files:  make(map[string][]byte),
	}
	s.current = h
	debug.Verbose("Simulator: connected")
	return h, nil
}

// Unplug simulates pulling the USB cable.
func (s *Simulator) Unplug() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unplugged = true
	if s.current != nil {
		s.current.drop()
		s.current = nil
	}
}

// Replug makes the camera available again.
func (s *Simulator) Replug() {
	s.mu.Lock()
	s.unplugged = false
	s.mu.Unlock()
}

// PressShutter simulates the photographer pressing the physical
// shutter button. It reports false when no handle is open.
func (s *Simulator) PressShutter() bool {
	s.mu.Lock()
	h := s.current
	s.mu.Unlock()
	if h == nil {
		return false
	}
	h.shoot()
	return true
}

// Writes returns every control write received so far, across handles.
func (s *Simulator) Writes() []Setting {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Setting, len(s.writes))
	copy(out, s.writes)
	return out
}

func (s *Simulator) nextShot() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shots++
	return s.shots
}

func (s *Simulator) record(name string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, Setting{Name: name, Value: value})
}

type simHandle struct {
	sim *Simulator

	events    chan Event
	closed    chan struct{}
	closeOnce sync.Once
	gone      chan struct{}
	goneOnce  sync.Once

	mu    sync.Mutex
	frame int
	files map[string][]byte
}

func (h *simHandle) drop() {
	h.goneOnce.Do(func() { close(h.gone) })
}

func (h *simHandle) alive() error {
	select {
	case <-h.closed:
		return fmt.Errorf("handle closed: %w", ErrDisconnected)
	case <-h.gone:
		return fmt.Errorf("usb i/o: %w", ErrDisconnected)
	default:
		return nil
	}
}

func (h *simHandle) Disconnect() error {
	h.closeOnce.Do(func() { close(h.closed) })
	h.sim.mu.Lock()
	if h.sim.current == h {
		h.sim.current = nil
	}
	h.sim.mu.Unlock()
	return nil
}

func (h *simHandle) SetControl(name string, value any) error {
	if err := h.alive(); err != nil {
		return err
	}
	h.sim.record(name, value)
	if name == h.sim.cfg.ReleaseControl && fmt.Sprint(value) == string(PressFull) {
		time.AfterFunc(h.sim.cfg.FileDelay, h.shoot)
	}
	return nil
}

func (h *simHandle) CapturePreview() ([]byte, error) {
	if err := h.alive(); err != nil {
		return nil, err
	}
	if d := h.sim.cfg.FrameInterval; d > 0 {
		select {
		case <-time.After(d):
		case <-h.closed:
		case <-h.gone:
		}
		if err := h.alive(); err != nil {
			return nil, err
		}
	}
	h.mu.Lock()
	h.frame++
	n := h.frame
	h.mu.Unlock()
	return h.sim.render(n)
}

func (h *simHandle) WaitForEvent(timeout time.Duration) (Event, error) {
	if err := h.alive(); err != nil {
		return Event{}, err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ev := <-h.events:
		return ev, nil
	case <-timer.C:
		return Event{Type: EventTimeout}, nil
	case <-h.closed:
		return Event{}, h.alive()
	case <-h.gone:
		return Event{}, h.alive()
	}
}

func (h *simHandle) FetchFile(ref FileRef) ([]byte, error) {
	if err := h.alive(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	data, ok := h.files[ref.Name]
	delete(h.files, ref.Name)
	h.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("fetch %s: no such file", ref)
	}
	return data, nil
}

// shoot stores a new file and announces it. Events are dropped when
// nobody drains them, like a camera with a full event buffer.
func (h *simHandle) shoot() {
	if h.alive() != nil {
		return
	}
	n := h.sim.nextShot()
	data, err := h.sim.render(n * 7)
	if err != nil {
		return
	}
	ref := FileRef{Folder: h.sim.cfg.Folder, Name: fmt.Sprintf("IMG_%04d.JPG", n)}
	h.mu.Lock()
	h.files[ref.Name] = data
	h.mu.Unlock()

	select {
	case h.events <- Event{Type: EventFileAdded, Ref: ref}:
		debug.Verbose("Simulator: file added %s", ref)
	default:
	}
}

// render draws a gray field with a bright bar that moves with n.
func (s *Simulator) render(n int) ([]byte, error) {
	w, ht := s.cfg.Width, s.cfg.Height
	img := image.NewRGBA(image.Rect(0, 0, w, ht))
	bar := n % w
	for y := 0; y < ht; y++ {
		for x := 0; x < w; x++ {
			c := color.RGBA{R: 40, G: 40, B: 44, A: 255}
			if x >= bar && x < bar+8 {
				c = color.RGBA{R: 255, G: 214, B: 10, A: 255}
			}
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 70}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
