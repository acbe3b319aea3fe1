package hub

import (
	"sync/atomic"

	"github.com/averyjennings/claw-stream-vision/internal/domain"
)

// ChatHistory is a fixed-capacity ring of chat events; the oldest event is
// evicted once capacity is reached. Not safe for concurrent use: the hub
// guards it with its own mutex.
type ChatHistory struct {
	buf   []domain.ChatEvent
	start int
	size  int
}

// NewChatHistory creates a ring holding at most capacity events.
func NewChatHistory(capacity int) *ChatHistory {
	if capacity < 1 {
		capacity = 1
	}
	return &ChatHistory{buf: make([]domain.ChatEvent, capacity)}
}

// Append adds evt as the newest element.
func (h *ChatHistory) Append(evt domain.ChatEvent) {
	if h.size < len(h.buf) {
		h.buf[(h.start+h.size)%len(h.buf)] = evt
		h.size++
		return
	}
	h.buf[h.start] = evt
	h.start = (h.start + 1) % len(h.buf)
}

// Tail returns a copy of the newest n events, oldest first. n <= 0 means all.
func (h *ChatHistory) Tail(n int) []domain.ChatEvent {
	if n <= 0 || n > h.size {
		n = h.size
	}
	out := make([]domain.ChatEvent, n)
	skip := h.size - n
	for i := 0; i < n; i++ {
		out[i] = h.buf[(h.start+skip+i)%len(h.buf)]
	}
	return out
}

// Len returns the number of retained events.
func (h *ChatHistory) Len() int { return h.size }

// Cap returns the fixed capacity.
func (h *ChatHistory) Cap() int { return len(h.buf) }

// FrameCell holds the latest frame. Store swaps a single pointer, so a
// reader sees either the previous snapshot or the new one, never a mix.
type FrameCell struct {
	p atomic.Pointer[domain.FrameSnapshot]
}

// Store replaces the current frame. The caller must not modify f afterwards.
func (c *FrameCell) Store(f *domain.FrameSnapshot) {
	c.p.Store(f)
}

// Load returns the current frame or nil.
func (c *FrameCell) Load() *domain.FrameSnapshot {
	return c.p.Load()
}
