package web

import (
	"context"
	"sync"
)

// FrameHub keeps the latest live view JPEG and wakes viewers when a new
// one arrives. Publish never blocks, so it is safe to call from the
// session's OnFrame callback.
type FrameHub struct {
	mu      sync.Mutex
	frame   []byte
	seq     uint64
	changed chan struct{}
}

// NewFrameHub returns an empty hub.
func NewFrameHub() *FrameHub {
	return &FrameHub{changed: make(chan struct{})}
}

// Publish replaces the current frame. The hub keeps data as is; the
// caller must not modify it afterwards.
func (h *FrameHub) Publish(data []byte) {
	h.mu.Lock()
	h.frame = data
	h.seq++
	close(h.changed)
	h.changed = make(chan struct{})
	h.mu.Unlock()
}

// Latest returns the current frame and its sequence number, 0 if none.
func (h *FrameHub) Latest() ([]byte, uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.frame, h.seq
}

// Next blocks until a frame newer than after is available or ctx ends.
func (h *FrameHub) Next(ctx context.Context, after uint64) ([]byte, uint64, error) {
	for {
		h.mu.Lock()
		frame, seq, changed := h.frame, h.seq, h.changed
		h.mu.Unlock()

		if seq > after {
			return frame, seq, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return nil, after, ctx.Err()
		}
	}
}
