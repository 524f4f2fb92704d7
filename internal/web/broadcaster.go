package web

import (
	"encoding/json"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event levels. The page shows LevelStatus in the status line and
// everything else in the log pane.
const (
	LevelStatus = "status"
	LevelLog    = "log"
	LevelInfo   = "info"
	LevelError  = "error"
)

// subscriberBuffer is how many events a slow client may fall behind.
const subscriberBuffer = 64

// StatusEvent is one SSE message. Persistent status lines stay on
// screen until the next one; the others fade after a few seconds.
type StatusEvent struct {
	Time       string `json:"t"`
	Level      string `json:"l,omitempty"`
	Msg        string `json:"msg"`
	Persistent bool   `json:"p,omitempty"`
}

// StatusBroadcaster fans session status and log lines out to SSE
// clients. It remembers the last persistent status so a page opened
// mid-session still shows "Disconnected -- replug USB".
type StatusBroadcaster struct {
	mu      sync.RWMutex
	clients map[chan string]struct{}
	sticky  string // last persistent status payload, "" once cleared

	dropped atomic.Uint64
}

// NewStatusBroadcaster creates a broadcaster with no clients.
func NewStatusBroadcaster() *StatusBroadcaster {
	return &StatusBroadcaster{clients: make(map[chan string]struct{})}
}

// Subscribe registers a client. The current persistent status, if
// any, is queued first. The returned cleanup must be called when the
// client goes away.
func (b *StatusBroadcaster) Subscribe() (<-chan string, func()) {
	ch := make(chan string, subscriberBuffer)
	b.mu.Lock()
	if b.sticky != "" {
		ch <- b.sticky
	}
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.clients, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Broadcast sends msg at level to every client.
func (b *StatusBroadcaster) Broadcast(level, msg string) {
	b.send(StatusEvent{Level: level, Msg: msg})
}

// Status forwards a session status line. It matches
// session.Callbacks.OnStatus.
func (b *StatusBroadcaster) Status(msg string, persistent bool) {
	b.send(StatusEvent{Level: LevelStatus, Msg: msg, Persistent: persistent})
}

// BroadcastMsg sends msg as a log line.
func (b *StatusBroadcaster) BroadcastMsg(msg string) {
	b.Broadcast(LevelLog, msg)
}

// Dropped returns how many events were skipped because a client's
// buffer was full.
func (b *StatusBroadcaster) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *StatusBroadcaster) send(evt StatusEvent) {
	evt.Time = time.Now().Format(time.RFC3339)
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	payload := string(data)

	if evt.Level == LevelStatus {
		b.mu.Lock()
		if evt.Persistent {
			b.sticky = payload
		} else {
			b.sticky = ""
		}
		b.mu.Unlock()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.clients {
		select {
		case ch <- payload:
		default:
			b.dropped.Add(1)
		}
	}
}

// BroadcastWriter returns an io.Writer for debug.SetOutput that sends
// each non-blank line as a log event.
func BroadcastWriter(b *StatusBroadcaster) io.Writer {
	return &broadcastWriter{b: b}
}

type broadcastWriter struct {
	b *StatusBroadcaster
}

func (w *broadcastWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(string(p), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			w.b.BroadcastMsg(line)
		}
	}
	return len(p), nil
}
