package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/hayesraffle/QuickCapture/internal/debug"
	"github.com/hayesraffle/QuickCapture/internal/hw/camera"
)

// Lease is the live handle as held by the dispatcher loop. Disconnect
// goes through a sync.Once so the loop and the shutdown path can both
// release it without closing the device twice.
type Lease struct {
	camera.Handle

	once sync.Once
	err  error
}

// Disconnect closes the underlying handle the first time it is called.
func (l *Lease) Disconnect() error {
	l.once.Do(func() { l.err = l.Handle.Disconnect() })
	return l.err
}

// ConnectionManager owns the lifecycle of one camera handle at a time
// and is the only writer of ConnectionState.
type ConnectionManager struct {
	cfg       Config
	connector camera.Connector
	reset     func(ctx context.Context, names []string)
	status    func(msg string, persistent bool)
	onWait    func(err error)
	metrics   Metrics

	mu        sync.Mutex
	state     ConnectionState
	observers []func(from, to ConnectionState)

	current atomic.Pointer[Lease]
}

// NewConnectionManager returns a manager in the Disconnected state.
// status receives "Connecting..."/"No camera"/"Ready" reports and may be nil.
func NewConnectionManager(cfg Config, connector camera.Connector, status func(string, bool)) *ConnectionManager {
	if status == nil {
		status = func(string, bool) {}
	}
	return &ConnectionManager{
		cfg:       cfg,
		connector: connector,
		reset:     camera.ResetDaemons,
		status:    status,
		metrics:   noopMetrics(),
	}
}

// OnStateChange registers fn to be called after every transition, on
// the goroutine that caused it.
func (m *ConnectionManager) OnStateChange(fn func(from, to ConnectionState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// State returns the current connection state.
func (m *ConnectionManager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *ConnectionManager) setState(to ConnectionState) {
	m.mu.Lock()
	from := m.state
	if from == to {
		m.mu.Unlock()
		return
	}
	m.state = to
	observers := append([]func(from, to ConnectionState){}, m.observers...)
	m.mu.Unlock()

	debug.State(from, to)
	for _, fn := range observers {
		fn(from, to)
	}
}

// Acquire blocks until a handle is connected with its baseline
// controls applied, retrying every ReconnectBackoff without limit. It
// fails only when ctx is cancelled.
func (m *ConnectionManager) Acquire(ctx context.Context) (*Lease, error) {
	var lease *Lease
	operation := func() error {
		l, err := m.connect(ctx)
		if err != nil {
			return err
		}
		lease = l
		return nil
	}
	notify := func(err error, next time.Duration) {
		m.setState(Disconnected)
		m.metrics.IncAcquireFailures(ctx)
		debug.Live("Connect failed: %v (retry in %v)", err, next)
		m.status(MsgWaiting, true)
		if m.onWait != nil {
			m.onWait(err)
		}
	}

	b := backoff.WithContext(backoff.NewConstantBackOff(m.cfg.ReconnectBackoff), ctx)
	err := backoff.RetryNotify(operation, b, notify)
	if ctx.Err() != nil {
		if lease != nil {
			m.Release(lease)
		}
		m.setState(Disconnected)
		return nil, fmt.Errorf("acquire: %w", ctx.Err())
	}
	if err != nil {
		m.setState(Disconnected)
		return nil, fmt.Errorf("acquire: %w", err)
	}

	m.setState(Ready)
	m.status(MsgReady, false)
	return lease, nil
}

// connect makes a single attempt. The handle is published in the
// current slot before the baseline writes so a shutdown can close it
// even if the device hangs during setup.
func (m *ConnectionManager) connect(ctx context.Context) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.setState(Connecting)
	m.status(MsgConnecting, true)

	m.reset(ctx, m.cfg.ResetDaemons)
	if err := sleepCtx(ctx, m.cfg.SettleDelay); err != nil {
		return nil, err
	}

	h, err := m.connector.Connect()
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	lease := &Lease{Handle: h}
	m.current.Store(lease)

	for _, s := range m.cfg.Controls.Baseline() {
		debug.Control(s.Name, s.Value)
		if err := lease.SetControl(s.Name, s.Value); err != nil {
			m.Release(lease)
			return nil, fmt.Errorf("set %s: %w", s.Name, err)
		}
	}
	if err := ctx.Err(); err != nil {
		m.Release(lease)
		return nil, err
	}
	return lease, nil
}

// Fault records that the live handle hit a disconnect.
func (m *ConnectionManager) Fault() {
	if m.State() == Ready {
		m.setState(Faulted)
	}
}

// Release disconnects lease, best effort. Errors are logged and
// dropped: the goal is freeing the device, not a clean close.
func (m *ConnectionManager) Release(lease *Lease) {
	if lease == nil {
		return
	}
	m.current.CompareAndSwap(lease, nil)
	if err := lease.Disconnect(); err != nil {
		debug.Verbose("Disconnect: %v", err)
	}
	m.setState(Disconnected)
}

// ReleaseCurrent closes whatever handle is live. It is safe to call
// from any goroutine, including while the loop is blocked inside a
// device call; that call then fails and the loop unwinds.
func (m *ConnectionManager) ReleaseCurrent() {
	if lease := m.current.Swap(nil); lease != nil {
		if err := lease.Disconnect(); err != nil {
			debug.Verbose("Disconnect (forced): %v", err)
		}
	}
}

// sleepCtx waits for d or until ctx ends.
func sleepCtx(ctx context.Context, d time.Duration) error {
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
