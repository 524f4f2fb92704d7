package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hayesraffle/QuickCapture/internal/debug"
	"github.com/hayesraffle/QuickCapture/internal/hw/camera"
	"github.com/hayesraffle/QuickCapture/internal/logic/capture"
	"github.com/hayesraffle/QuickCapture/internal/session"
)

// maxBodyBytes caps POST bodies.
const maxBodyBytes = 1 << 20

// ZoomLevels are the live view magnifications the remote offers.
var ZoomLevels = []string{"1", "5", "10"}

// Submitter queues jobs on the camera. *session.Session implements it.
type Submitter interface {
	Submit(job session.Job) *session.Completion
	State() session.ConnectionState
}

// RemoteConfig is what the page needs to render its controls. Prefix
// and Rotation are filled from Settings on every request.
type RemoteConfig struct {
	Prefix        string   `json:"prefix"`
	Rotation      int      `json:"rotation"`
	SaveDir       string   `json:"save_dir"`
	PreviewMaxFPS float64  `json:"preview_max_fps"`
	ZoomLevels    []string `json:"zoom_levels"`
}

// Deps are the handler dependencies.
type Deps struct {
	Broadcaster *StatusBroadcaster
	Frames      *FrameHub
	Session     Submitter // nil: job endpoints return 503
	Settings    *Settings
	Capture     capture.Config
	// Deliver returns the sink for a capture requested with rotation.
	// session.Session.DeliverRotated fits.
	Deliver func(rotation int) func(camera.FileRef, []byte)
	Remote  RemoteConfig
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	deps      Deps
	runningMu sync.Mutex
	running   bool
	staticFS  fs.FS
}

// NewHandlers creates handlers with the given dependencies.
func NewHandlers(deps Deps, staticFS fs.FS) *Handlers {
	if deps.Broadcaster == nil {
		deps.Broadcaster = NewStatusBroadcaster()
	}
	if deps.Frames == nil {
		deps.Frames = NewFrameHub()
	}
	if deps.Settings == nil {
		deps.Settings = NewSettings(deps.Remote.Prefix)
	}
	if deps.Remote.PreviewMaxFPS <= 0 {
		deps.Remote.PreviewMaxFPS = 10
	}
	if deps.Remote.ZoomLevels == nil && deps.Capture.Controls.Zoom != "" {
		deps.Remote.ZoomLevels = ZoomLevels
	}
	return &Handlers{deps: deps, staticFS: staticFS}
}

// Capturing reports whether a capture job is queued or running.
func (h *Handlers) Capturing() bool {
	h.runningMu.Lock()
	defer h.runningMu.Unlock()
	return h.running
}

// HandleConfig returns the remote settings as JSON.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	rc := h.deps.Remote
	rc.Prefix = h.deps.Settings.Prefix()
	rc.Rotation = h.deps.Settings.Rotation()
	writeJSON(w, http.StatusOK, rc)
}

// HandlePrefix handles POST /prefix with {"prefix": "book"}. Files
// received afterwards use the new prefix.
func (h *Handlers) HandlePrefix(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Prefix *string `json:"prefix"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Prefix == nil {
		http.Error(w, `"prefix" is required`, http.StatusBadRequest)
		return
	}
	prefix, err := h.deps.Settings.SetPrefix(*req.Prefix)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	debug.Info("Prefix set to %q", prefix)
	writeJSON(w, http.StatusOK, map[string]string{"prefix": prefix})
}

// HandleRotate handles POST /rotate. An empty body advances the
// rotation by 90 degrees; {"rotation": 180} sets it.
func (h *Handlers) HandleRotate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Rotation *int `json:"rotation"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var rotation int
	if req.Rotation == nil {
		rotation = h.deps.Settings.Rotate()
	} else {
		var err error
		if rotation, err = h.deps.Settings.SetRotation(*req.Rotation); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	h.deps.Broadcaster.Broadcast(LevelInfo, fmt.Sprintf("Rotation %d°", rotation))
	writeJSON(w, http.StatusOK, map[string]int{"rotation": rotation})
}

// HandleState returns the connection state as JSON.
func (h *Handlers) HandleState(w http.ResponseWriter, r *http.Request) {
	state := session.Disconnected
	if h.deps.Session != nil {
		state = h.deps.Session.State()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":     state.String(),
		"capturing": h.Capturing(),
	})
}

// ServeIndex serves the main HTML page (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// HandleCapture handles POST /capture. Only one capture may be in
// flight; a second one gets 409 until the first completes.
func (h *Handlers) HandleCapture(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.deps.Session == nil {
		http.Error(w, "camera not configured", http.StatusServiceUnavailable)
		return
	}

	h.runningMu.Lock()
	if h.running {
		h.runningMu.Unlock()
		http.Error(w, "capture already in progress", http.StatusConflict)
		return
	}
	h.running = true
	h.runningMu.Unlock()

	// The rotation in effect now applies, even if it changes before the file arrives.
	var sink capture.Sink
	if h.deps.Deliver != nil {
		sink = h.deps.Deliver(h.deps.Settings.Rotation())
	}
	done := h.deps.Session.Submit(capture.NewRelease(h.deps.Capture, sink))

	// Clear running when the job completes or is discarded.
	go func() {
		defer func() {
			h.runningMu.Lock()
			h.running = false
			h.runningMu.Unlock()
		}()
		<-done.Done()
		h.report("Capture", done)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "id": done.ID()})
}

// HandleFocus handles POST /focus.
func (h *Handlers) HandleFocus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.submit(w, "Focus", capture.NewFocus(h.deps.Capture))
}

// HandleFlash handles POST /flash with {"on": true|false}.
func (h *Handlers) HandleFlash(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		On *bool `json:"on"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.On == nil {
		http.Error(w, `"on" is required`, http.StatusBadRequest)
		return
	}
	h.submit(w, "Flash", capture.NewFlash(h.deps.Capture, *req.On))
}

// HandleZoom handles POST /zoom with {"level": "5"}.
func (h *Handlers) HandleZoom(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Level string `json:"level"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !validZoom(req.Level) {
		http.Error(w, fmt.Sprintf("level must be one of %v", ZoomLevels), http.StatusBadRequest)
		return
	}
	job, err := capture.NewZoom(h.deps.Capture, req.Level)
	if errors.Is(err, capture.ErrNoZoomControl) {
		http.Error(w, "zoom not supported by this camera", http.StatusNotImplemented)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.submit(w, "Zoom", job)
}

func (h *Handlers) submit(w http.ResponseWriter, label string, job session.Job) {
	if h.deps.Session == nil {
		http.Error(w, "camera not configured", http.StatusServiceUnavailable)
		return
	}
	done := h.deps.Session.Submit(job)
	go func() {
		<-done.Done()
		h.report(label, done)
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "id": done.ID()})
}

// report broadcasts how a job ended. Errors themselves already went
// out as session status lines.
func (h *Handlers) report(label string, done *session.Completion) {
	outcome := done.Outcome()
	level := LevelInfo
	if outcome != session.OK {
		level = LevelError
	}
	h.deps.Broadcaster.Broadcast(level, fmt.Sprintf("%s %s", label, outcome))
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.deps.Broadcaster.Subscribe()
	defer unsub()

	// Send initial comment to establish connection
	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	// Heartbeat while idle
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

const mjpegBoundary = "frame"

// HandlePreview handles GET /preview.mjpg: the live view as a
// multipart/x-mixed-replace stream, capped at PreviewMaxFPS per viewer.
func (h *Handlers) HandlePreview(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mjpegBoundary)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")

	limiter := rate.NewLimiter(rate.Limit(h.deps.Remote.PreviewMaxFPS), 1)
	ctx := r.Context()
	var seq uint64
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		frame, next, err := h.deps.Frames.Next(ctx, seq)
		if err != nil {
			return
		}
		seq = next
		if err := writeFramePart(w, frame); err != nil {
			debug.Trace("preview viewer gone: %v", err)
			return
		}
		flusher.Flush()
	}
}

func writeFramePart(w http.ResponseWriter, frame []byte) error {
	if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", mjpegBoundary, len(frame)); err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}

// HandleSnapshot handles GET /preview.jpg: the latest frame only.
func (h *Handlers) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	frame, seq := h.deps.Frames.Latest()
	if seq == 0 {
		http.Error(w, "no live view yet", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(frame)
}

// decodeBody reads a JSON body into v. An empty body leaves v as is.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		return errors.New("invalid JSON")
	}
	return nil
}

func validZoom(level string) bool {
	for _, l := range ZoomLevels {
		if l == level {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
