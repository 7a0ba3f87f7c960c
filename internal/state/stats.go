package state

import (
	"sort"
	"time"
)

// Window spans of the position statistics.
const (
	WindowMinute   = time.Minute
	Window10Minute = 10 * time.Minute
	WindowHour     = time.Hour
	WindowDay      = 24 * time.Hour
)

// bucket counts the positions reported during one second.
type bucket struct {
	sec int64
	n   int
}

// window is a sliding count at one second resolution.
type window struct {
	span    time.Duration
	buckets []bucket
	total   int
}

func (w *window) add(at time.Time, n int) {
	sec := at.Unix()
	i := sort.Search(len(w.buckets), func(i int) bool { return w.buckets[i].sec >= sec })
	switch {
	case i < len(w.buckets) && w.buckets[i].sec == sec:
		w.buckets[i].n += n
	case i == len(w.buckets):
		w.buckets = append(w.buckets, bucket{sec: sec, n: n})
	default:
		// Replayed history can arrive out of order.
		w.buckets = append(w.buckets, bucket{})
		copy(w.buckets[i+1:], w.buckets[i:])
		w.buckets[i] = bucket{sec: sec, n: n}
	}
	w.total += n
	w.prune(time.Unix(w.buckets[len(w.buckets)-1].sec, 0))
}

// prune drops buckets older than span relative to now.
func (w *window) prune(now time.Time) {
	cutoff := now.Add(-w.span).Unix()
	i := 0
	for i < len(w.buckets) && w.buckets[i].sec < cutoff {
		w.total -= w.buckets[i].n
		i++
	}
	if i > 0 {
		w.buckets = append(w.buckets[:0], w.buckets[i:]...)
	}
}

func (w *window) count(now time.Time) int {
	w.prune(now)
	return w.total
}

// PositionCounter tallies position reports overall and over four sliding
// windows.
type PositionCounter struct {
	total   int64
	windows [4]window
}

// NewPositionCounter returns an empty counter.
func NewPositionCounter() *PositionCounter {
	return &PositionCounter{
		windows: [4]window{
			{span: WindowMinute},
			{span: Window10Minute},
			{span: WindowHour},
			{span: WindowDay},
		},
	}
}

// Add records n position reports at time at.
func (c *PositionCounter) Add(at time.Time, n int) {
	if n <= 0 {
		return
	}
	c.total += int64(n)
	for i := range c.windows {
		c.windows[i].add(at, n)
	}
}

// PositionStats is a point-in-time view of a PositionCounter.
type PositionStats struct {
	Total      int64 `json:"total"`
	LastMinute int   `json:"last_minute"`
	Last10Min  int   `json:"last_10_minutes"`
	LastHour   int   `json:"last_hour"`
	LastDay    int   `json:"last_day"`
}

// Stats returns the counts as of now.
func (c *PositionCounter) Stats(now time.Time) PositionStats {
	return PositionStats{
		Total:      c.total,
		LastMinute: c.windows[0].count(now),
		Last10Min:  c.windows[1].count(now),
		LastHour:   c.windows[2].count(now),
		LastDay:    c.windows[3].count(now),
	}
}
