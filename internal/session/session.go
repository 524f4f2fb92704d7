package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/hayesraffle/QuickCapture/internal/debug"
	"github.com/hayesraffle/QuickCapture/internal/hw/camera"
)

// ErrShutdownTimeout is returned by Shutdown when the loop did not
// exit within Config.ShutdownTimeout.
var ErrShutdownTimeout = errors.New("session: loop did not stop in time")

// Config holds the session timings. It is passed in explicitly; the
// session reads no globals.
type Config struct {
	Controls           camera.Controls
	ResetDaemons       []string
	SettleDelay        time.Duration // after daemon reset, before connect
	ReconnectBackoff   time.Duration // between failed connect attempts
	ReconnectPause     time.Duration // after a disconnect, before reconnecting
	EventPollTimeout   time.Duration // per loop iteration
	PreviewRetryDelay  time.Duration // after a transient preview failure
	MaxPreviewFailures int           // consecutive failures that force a reconnect; 0 = never
	ShutdownTimeout    time.Duration
}

// DefaultConfig returns the timings used with a real camera.
func DefaultConfig() Config {
	return Config{
		Controls:           camera.DefaultControls(),
		SettleDelay:        1500 * time.Millisecond,
		ReconnectBackoff:   2 * time.Second,
		ReconnectPause:     time.Second,
		EventPollTimeout:   10 * time.Millisecond,
		PreviewRetryDelay:  200 * time.Millisecond,
		MaxPreviewFailures: 50,
		ShutdownTimeout:    2 * time.Second,
	}
}

// Frame is one decoded live view image. The session keeps no
// reference to it after delivery.
type Frame struct {
	Data  []byte // as received from the camera
	Image image.Image
}

// SavedFile is a file fetched from the camera. Naming, rotation and
// writing to disk are up to the receiver.
type SavedFile struct {
	Data          []byte
	SuggestedName string
	Source        camera.FileRef
	ReceivedAt    time.Time
	Rotation      int // degrees counter-clockwise: 0, 90, 180 or 270
}

// Callbacks are invoked from the dispatcher goroutine only. They must
// return quickly and hand work over to their own goroutine; a slow
// callback stalls the camera.
type Callbacks struct {
	OnFrame        func(Frame)
	OnStatus       func(msg string, persistent bool)
	OnFileReceived func(SavedFile)
	OnDisconnected func()
	// Prefix supplies the file name prefix at delivery time.
	Prefix func() string
	// Rotation supplies the rotation for files nobody asked for, such
	// as shots taken with the camera's own shutter button.
	Rotation func() int
}

const defaultPrefix = "scan"

// SuggestName builds "<prefix>_<YYYY-MM-DD_HH-MM-SS><ext>" from the
// camera's file name.
func SuggestName(prefix string, at time.Time, source string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultPrefix
	}
	return fmt.Sprintf("%s_%s%s", prefix, at.Format("2006-01-02_15-04-05"), path.Ext(source))
}

// Option customizes a Session.
type Option func(*Session)

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithDaemonReset replaces the platform daemon reset.
func WithDaemonReset(fn func(ctx context.Context, names []string)) Option {
	return func(s *Session) { s.reset = fn }
}

// WithClock replaces time.Now for file naming.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// Session is the object the UI holds. It owns the dispatcher loop,
// which in turn owns the camera handle.
type Session struct {
	cfg       Config
	conn      *ConnectionManager
	queue     *jobQueue
	callbacks Callbacks
	metrics   Metrics
	reset     func(ctx context.Context, names []string)
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	startOnce sync.Once
	stopOnce  sync.Once
	stopped   chan struct{}
	stopErr   error
}

// New builds a session. Nothing touches the camera until Start.
func New(cfg Config, connector camera.Connector, callbacks Callbacks, opts ...Option) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:       cfg,
		queue:     newJobQueue(),
		callbacks: callbacks,
		metrics:   noopMetrics(),
		reset:     camera.ResetDaemons,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		stopped:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.conn = NewConnectionManager(cfg, connector, s.status)
	s.conn.reset = s.reset
	s.conn.metrics = s.metrics
	s.conn.onWait = func(error) {
		// Nobody can run these until a camera shows up.
		s.discardQueued()
	}
	return s
}

// Start launches the dispatcher loop. Calling it again, or after
// Shutdown, does nothing.
func (s *Session) Start() {
	s.startOnce.Do(func() {
		debug.Info("Session: starting dispatcher")
		go s.run(s.ctx)
	})
}

// Submit queues job and returns its completion. After Shutdown the
// job is discarded immediately.
func (s *Session) Submit(job Job) *Completion {
	done := newCompletion()
	if !s.queue.push(entry{job: job, done: done}) {
		done.finish(Discarded)
		debug.Job(done.ID(), job.Name(), Discarded)
	}
	return done
}

// State returns the connection state.
func (s *Session) State() ConnectionState {
	return s.conn.State()
}

// OnStateChange registers an observer of connection transitions.
func (s *Session) OnStateChange(fn func(from, to ConnectionState)) {
	s.conn.OnStateChange(fn)
}

// Shutdown stops the loop and releases the camera. The handle is
// closed right away on a separate goroutine, so a job stuck in a
// device call cannot hold up exit, and neither can a Disconnect that
// blocks. It waits up to ShutdownTimeout for both the loop and the
// release, and is safe to call more than once.
func (s *Session) Shutdown() error {
	s.stopOnce.Do(func() {
		debug.Info("Session: shutting down")
		timer := time.NewTimer(s.cfg.ShutdownTimeout)
		defer timer.Stop()

		s.queue.close()
		s.cancel()
		released := make(chan struct{})
		go func() {
			defer close(released)
			s.conn.ReleaseCurrent()
		}()

		// Never started: there is no loop to wait for.
		s.startOnce.Do(func() { close(s.stopped) })

		stopped := s.stopped
	wait:
		for stopped != nil || released != nil {
			select {
			case <-stopped:
				stopped = nil
			case <-released:
				released = nil
			case <-timer.C:
				s.stopErr = ErrShutdownTimeout
				debug.Error(s.stopErr)
				break wait
			}
		}
		s.discardQueued()
	})
	return s.stopErr
}

// DeliverFile names data and hands it to OnFileReceived with the
// current rotation. Capture jobs use it as their sink; it must run on
// the dispatcher goroutine.
func (s *Session) DeliverFile(ref camera.FileRef, data []byte) {
	rotation := 0
	if s.callbacks.Rotation != nil {
		rotation = s.callbacks.Rotation()
	}
	s.deliver(ref, data, rotation)
}

// DeliverRotated returns a sink that delivers with a fixed rotation,
// for captures that must keep the rotation chosen when they were asked for.
func (s *Session) DeliverRotated(rotation int) func(camera.FileRef, []byte) {
	return func(ref camera.FileRef, data []byte) { s.deliver(ref, data, rotation) }
}

func (s *Session) deliver(ref camera.FileRef, data []byte, rotation int) {
	prefix := defaultPrefix
	if s.callbacks.Prefix != nil {
		prefix = s.callbacks.Prefix()
	}
	at := s.now()
	f := SavedFile{
		Data:          data,
		SuggestedName: SuggestName(prefix, at, ref.Name),
		Source:        ref,
		ReceivedAt:    at,
		Rotation:      rotation,
	}
	debug.Info("Received %s (%d bytes) as %s", ref, len(data), f.SuggestedName)
	s.metrics.IncFilesReceived(s.ctx)
	if s.callbacks.OnFileReceived != nil {
		s.callbacks.OnFileReceived(f)
	}
}

func (s *Session) status(msg string, persistent bool) {
	debug.Live("Status: %s", msg)
	if s.callbacks.OnStatus != nil {
		s.callbacks.OnStatus(msg, persistent)
	}
}

func (s *Session) frame(f Frame) {
	if s.callbacks.OnFrame != nil {
		s.callbacks.OnFrame(f)
	}
}

func (s *Session) disconnected() {
	if s.callbacks.OnDisconnected != nil {
		s.callbacks.OnDisconnected()
	}
}
