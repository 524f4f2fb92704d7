package session

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hayesraffle/QuickCapture/internal/hw/camera"
)

// fakeHandle is a scripted camera handle that records every call in
// order. Hooks left nil behave like a healthy idle camera.
type fakeHandle struct {
	mu     sync.Mutex
	log    []string
	writes []camera.Setting

	previewFn    func(n int) ([]byte, error)
	setFn        func(name string, value any) error
	disconnectFn func()
	previews     int

	events      chan camera.Event
	files       map[string][]byte
	closed      chan struct{}
	closeOnce   sync.Once
	disconnects atomic.Int32
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{
		events: make(chan camera.Event, 8),
		files:  make(map[string][]byte),
		closed: make(chan struct{}),
	}
}

func (h *fakeHandle) record(entry string) {
	h.mu.Lock()
	h.log = append(h.log, entry)
	h.mu.Unlock()
}

func (h *fakeHandle) calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.log...)
}

func (h *fakeHandle) settings() []camera.Setting {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]camera.Setting(nil), h.writes...)
}

func (h *fakeHandle) isClosed() bool {
	select {
	case <-h.closed:
		return true
	default:
		return false
	}
}

func (h *fakeHandle) Disconnect() error {
	h.disconnects.Add(1)
	h.mu.Lock()
	fn := h.disconnectFn
	h.mu.Unlock()
	if fn != nil {
		fn()
	}
	h.closeOnce.Do(func() { close(h.closed) })
	return nil
}

func (h *fakeHandle) SetControl(name string, value any) error {
	if h.isClosed() {
		return fmt.Errorf("set: %w", camera.ErrDisconnected)
	}
	h.mu.Lock()
	h.writes = append(h.writes, camera.Setting{Name: name, Value: value})
	h.log = append(h.log, "set:"+name)
	fn := h.setFn
	h.mu.Unlock()
	if fn != nil {
		return fn(name, value)
	}
	return nil
}

func (h *fakeHandle) CapturePreview() ([]byte, error) {
	if h.isClosed() {
		return nil, fmt.Errorf("preview: %w", camera.ErrDisconnected)
	}
	h.mu.Lock()
	h.previews++
	n := h.previews
	fn := h.previewFn
	h.log = append(h.log, "preview")
	h.mu.Unlock()
	if fn != nil {
		return fn(n)
	}
	return testJPEG, nil
}

func (h *fakeHandle) WaitForEvent(timeout time.Duration) (camera.Event, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ev := <-h.events:
		return ev, nil
	case <-timer.C:
		return camera.Event{Type: camera.EventTimeout}, nil
	case <-h.closed:
		return camera.Event{}, fmt.Errorf("wait: %w", camera.ErrDisconnected)
	}
}

func (h *fakeHandle) FetchFile(ref camera.FileRef) ([]byte, error) {
	if h.isClosed() {
		return nil, fmt.Errorf("fetch: %w", camera.ErrDisconnected)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.log = append(h.log, "fetch:"+ref.Name)
	data, ok := h.files[ref.Name]
	if !ok {
		return nil, fmt.Errorf("no such file %s", ref.Name)
	}
	return data, nil
}

// fakeConnector hands out handles from next and counts attempts.
type fakeConnector struct {
	attempts atomic.Int32
	next     func(attempt int) (camera.Handle, error)
}

func (c *fakeConnector) Connect() (camera.Handle, error) {
	n := int(c.attempts.Add(1))
	return c.next(n)
}

// connectorFor always returns a fresh handle and publishes each one.
func connectorFor(handles chan<- *fakeHandle) *fakeConnector {
	return &fakeConnector{next: func(int) (camera.Handle, error) {
		h := newFakeHandle()
		select {
		case handles <- h:
		default:
		}
		return h, nil
	}}
}

// recorder collects callback invocations.
type recorder struct {
	mu           sync.Mutex
	statuses     []string
	persistent   []bool
	frames       int
	lastFrame    Frame
	files        []SavedFile
	disconnected int
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnFrame: func(f Frame) {
			r.mu.Lock()
			r.frames++
			r.lastFrame = f
			r.mu.Unlock()
		},
		OnStatus: func(msg string, persistent bool) {
			r.mu.Lock()
			r.statuses = append(r.statuses, msg)
			r.persistent = append(r.persistent, persistent)
			r.mu.Unlock()
		},
		OnFileReceived: func(f SavedFile) {
			r.mu.Lock()
			r.files = append(r.files, f)
			r.mu.Unlock()
		},
		OnDisconnected: func() {
			r.mu.Lock()
			r.disconnected++
			r.mu.Unlock()
		},
	}
}

func (r *recorder) disconnects() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disconnected
}

func (r *recorder) frameCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames
}

func (r *recorder) latestFrame() Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastFrame
}

func (r *recorder) received() []SavedFile {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SavedFile(nil), r.files...)
}

func (r *recorder) allStatuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.statuses...)
}

func (r *recorder) hasStatus(msg string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.statuses {
		if s == msg {
			return true
		}
	}
	return false
}

func (r *recorder) statusPersistence(msg string) (persistent, found bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.statuses {
		if s == msg {
			return r.persistent[i], true
		}
	}
	return false, false
}

func testConfig() Config {
	return Config{
		Controls:           camera.DefaultControls(),
		SettleDelay:        time.Millisecond,
		ReconnectBackoff:   time.Millisecond,
		ReconnectPause:     time.Millisecond,
		EventPollTimeout:   time.Millisecond,
		PreviewRetryDelay:  time.Millisecond,
		MaxPreviewFailures: 0,
		ShutdownTimeout:    time.Second,
	}
}

func noReset(context.Context, []string) {}

func newTestSession(t *testing.T, cfg Config, connector camera.Connector, rec *recorder, opts ...Option) *Session {
	t.Helper()
	opts = append([]Option{WithDaemonReset(noReset)}, opts...)
	s := New(cfg, connector, rec.callbacks(), opts...)
	t.Cleanup(func() { _ = s.Shutdown() })
	return s
}

// recordingJob appends its name to the handle log when it runs.
func recordingJob(name string, err error) Job {
	return JobFunc{Label: name, Fn: func(_ context.Context, h camera.Handle) error {
		if fh := unwrap(h); fh != nil {
			fh.record("job:" + name)
		}
		return err
	}}
}

func unwrap(h camera.Handle) *fakeHandle {
	if l, ok := h.(*Lease); ok {
		h = l.Handle
	}
	fh, _ := h.(*fakeHandle)
	return fh
}

func waitDone(t *testing.T, c *Completion) Outcome {
	t.Helper()
	select {
	case <-c.Done():
		return c.Outcome()
	case <-time.After(5 * time.Second):
		t.Fatalf("job %s never completed", c.ID())
		return Pending
	}
}

var testJPEG = func() []byte {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for i := range img.Pix {
		img.Pix[i] = 0x80
	}
	img.Set(0, 0, color.White)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		panic(err)
	}
	return buf.Bytes()
}()
