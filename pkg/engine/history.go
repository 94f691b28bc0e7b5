package engine

import (
	"strings"
	"sync"

	"github.com/hed1ad/eventguard/pkg/event"
)

// EventQuery filters the event history. Zero fields match everything.
type EventQuery struct {
	UserID    string
	EventType string
	Limit     int
	Offset    int
}

func (q EventQuery) match(e event.SecurityEvent) bool {
	if q.UserID != "" && e.UserID != q.UserID {
		return false
	}
	if q.EventType != "" && !strings.EqualFold(e.EventType, q.EventType) {
		return false
	}
	return true
}

// History stores the events the engine trains on.
type History interface {
	// Append records an event.
	Append(e event.SecurityEvent)
	// Snapshot returns a copy of the stored events, oldest first, and the
	// Total at the moment the copy was taken.
	Snapshot() ([]event.SecurityEvent, uint64)
	// Query returns matching events, newest first.
	Query(q EventQuery) []event.SecurityEvent
	// Len is the number of stored events.
	Len() int
	// Total is the number of events ever appended, including evicted ones.
	Total() uint64
}

// MemoryHistory is a bounded in-memory History that evicts the oldest
// events first.
type MemoryHistory struct {
	mu    sync.RWMutex
	buf   []event.SecurityEvent
	start int
	size  int
	total uint64
}

// NewMemoryHistory returns a history holding at most capacity events.
func NewMemoryHistory(capacity int) *MemoryHistory {
	if capacity < 1 {
		capacity = 1
	}
	return &MemoryHistory{buf: make([]event.SecurityEvent, capacity)}
}

func (h *MemoryHistory) Append(e event.SecurityEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.total++
	if h.size < len(h.buf) {
		h.buf[(h.start+h.size)%len(h.buf)] = e
		h.size++
		return
	}
	h.buf[h.start] = e
	h.start = (h.start + 1) % len(h.buf)
}

func (h *MemoryHistory) Snapshot() ([]event.SecurityEvent, uint64) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]event.SecurityEvent, h.size)
	for i := range out {
		out[i] = h.buf[(h.start+i)%len(h.buf)]
	}
	return out, h.total
}

func (h *MemoryHistory) Query(q EventQuery) []event.SecurityEvent {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []event.SecurityEvent
	skipped := 0
	for i := h.size - 1; i >= 0; i-- {
		e := h.buf[(h.start+i)%len(h.buf)]
		if !q.match(e) {
			continue
		}
		if skipped < q.Offset {
			skipped++
			continue
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out
}

func (h *MemoryHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size
}

func (h *MemoryHistory) Total() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.total
}
