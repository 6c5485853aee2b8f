package measure

import (
	"sync"
	"time"
)

// circle is a fixed capacity ring of float64 values with their timestamps.
// It is not concurrent safe.
type circle struct {
	val    []float64
	time   []time.Time
	buffer []int
	cursor int
	filled bool
}

func newCircle(size int) circle {
	return circle{
		val:    make([]float64, size),
		time:   make([]time.Time, size),
		buffer: make([]int, size),
	}
}

func (c *circle) append(t time.Time, buffer int, v float64) {
	if len(c.val) == 0 {
		return
	}
	if c.cursor == len(c.val) {
		c.cursor = 0
		c.filled = true
	}
	c.val[c.cursor] = v
	c.time[c.cursor] = t
	c.buffer[c.cursor] = buffer
	c.cursor++
}

// contiguous copies the values out from least to most recent
func (c *circle) contiguous() HistoryData {
	var idx []int
	if c.filled {
		for i := c.cursor; i < len(c.val); i++ {
			idx = append(idx, i)
		}
	}
	for i := 0; i < c.cursor; i++ {
		idx = append(idx, i)
	}
	out := HistoryData{
		Amplitude: make([]float64, len(idx)),
		Time:      make([]time.Time, len(idx)),
		Buffer:    make([]int, len(idx)),
	}
	for j, i := range idx {
		out.Amplitude[j] = c.val[i]
		out.Time[j] = c.time[i]
		out.Buffer[j] = c.buffer[i]
	}
	return out
}

// HistoryData is the trend of the summary amplitude, oldest first
type HistoryData struct {
	Amplitude []float64   `json:"amplitude"`
	Time      []time.Time `json:"timestamp"`
	Buffer    []int       `json:"buffer"`
}

// History keeps the last N summary amplitudes of a session.  It is safe for
// concurrent use.
type History struct {
	mu sync.Mutex
	c  circle
}

// NewHistory creates a history holding up to capacity points
func NewHistory(capacity int) *History {
	return &History{c: newCircle(capacity)}
}

// Append records one point
func (h *History) Append(t time.Time, buffer int, amp float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.c.append(t, buffer, amp)
}

// Snapshot returns a copy of the points, oldest first
func (h *History) Snapshot() HistoryData {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.c.contiguous()
}

// Clear drops every point
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.c = newCircle(len(h.c.val))
}
