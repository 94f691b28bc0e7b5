package engine

import (
	"sync"

	"github.com/hed1ad/eventguard/pkg/event"
)

// Query filters the result log. A zero Level matches every level.
type Query struct {
	Limit  int
	Offset int
	Level  event.ThreatLevel
	// All includes results below the anomaly threshold.
	All bool
}

// resultLog is a bounded ring of recent analysis results.
type resultLog struct {
	mu    sync.RWMutex
	buf   []event.AnomalyResult
	start int
	size  int
}

func newResultLog(capacity int) *resultLog {
	if capacity < 1 {
		capacity = 1
	}
	return &resultLog{buf: make([]event.AnomalyResult, capacity)}
}

func (l *resultLog) add(r event.AnomalyResult) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.size < len(l.buf) {
		l.buf[(l.start+l.size)%len(l.buf)] = r
		l.size++
		return
	}
	l.buf[l.start] = r
	l.start = (l.start + 1) % len(l.buf)
}

// query returns matching results, newest first.
func (l *resultLog) query(q Query) []event.AnomalyResult {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := []event.AnomalyResult{}
	skipped := 0
	for i := l.size - 1; i >= 0; i-- {
		r := l.buf[(l.start+i)%len(l.buf)]
		if !q.All && !r.IsAnomaly {
			continue
		}
		if q.Level != "" && r.ThreatLevel != q.Level {
			continue
		}
		if skipped < q.Offset {
			skipped++
			continue
		}
		out = append(out, r)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out
}
