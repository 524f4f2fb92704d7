package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/hayesraffle/QuickCapture/internal/hw/camera"
)

// ErrJobTimeout is wrapped by jobs that gave up waiting on the device
// (e.g. no file after a release). It is reported, never retried.
var ErrJobTimeout = errors.New("timed out")

// Job is a unit of work run on the dispatcher goroutine with the live
// handle. Run must not keep the handle after it returns.
type Job interface {
	Name() string
	Run(ctx context.Context, h camera.Handle) error
}

// JobFunc adapts a function into a Job.
type JobFunc struct {
	Label string
	Fn    func(ctx context.Context, h camera.Handle) error
}

func (j JobFunc) Name() string { return j.Label }

func (j JobFunc) Run(ctx context.Context, h camera.Handle) error { return j.Fn(ctx, h) }

// Outcome is how a submitted job ended.
type Outcome int32

const (
	Pending   Outcome = iota
	OK                // ran and returned nil
	Failed            // ran and returned a transient error
	TimedOut          // ran and returned ErrJobTimeout
	Aborted           // the device disconnected or the session shut down while it ran
	Discarded         // never ran (queue drained on disconnect or shutdown)
)

func (o Outcome) String() string {
	switch o {
	case Pending:
		return "pending"
	case OK:
		return "ok"
	case Failed:
		return "failed"
	case TimedOut:
		return "timed out"
	case Aborted:
		return "aborted"
	case Discarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// Completion is a one-shot signal for a submitted job. It is set
// exactly once, after the job ran or after it was discarded. It says
// whether and how the job ended, never why: errors go to OnStatus.
type Completion struct {
	id      string
	done    chan struct{}
	once    sync.Once
	outcome atomic.Int32
}

func newCompletion() *Completion {
	return &Completion{
		id:   uuid.New().String(),
		done: make(chan struct{}),
	}
}

// ID identifies the job in logs.
func (c *Completion) ID() string { return c.id }

// Done is closed once the job has completed or been discarded.
func (c *Completion) Done() <-chan struct{} { return c.done }

// Wait blocks until Done or ctx ends; it returns only ctx's error.
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Outcome returns Pending until Done is closed.
func (c *Completion) Outcome() Outcome {
	return Outcome(c.outcome.Load())
}

func (c *Completion) finish(o Outcome) bool {
	finished := false
	c.once.Do(func() {
		c.outcome.Store(int32(o))
		close(c.done)
		finished = true
	})
	return finished
}

// classify maps a job's error to its outcome.
func classify(err error) Outcome {
	switch {
	case err == nil:
		return OK
	case camera.IsDisconnect(err):
		return Aborted
	case errors.Is(err, ErrJobTimeout):
		return TimedOut
	default:
		return Failed
	}
}
