package collector

import (
	"time"

	"airsquawk/internal/reception"
	"airsquawk/internal/state"
)

// Status is an immutable view of the collector published after every
// tick. Readers on other goroutines must not modify it.
type Status struct {
	Time      time.Time           `json:"time"`
	Ticks     uint64              `json:"ticks"`
	Receiver  *state.Receiver     `json:"receiver,omitempty"`
	Aircraft  []state.Aircraft    `json:"aircraft"`
	Positions state.PositionStats `json:"positions"`

	// Longest is the aircraft visible the longest; LongestTyped the
	// longest one with a known type.
	Longest      *state.Aircraft `json:"longest,omitempty"`
	LongestTyped *state.Aircraft `json:"longest_typed,omitempty"`

	Reception []reception.Record `json:"reception"`
	BestRange *reception.Record  `json:"best_range,omitempty"`

	Buffered       int `json:"buffered"`
	PendingRollups int `json:"pending_rollups"`
	Memoised       int `json:"memoised"`
	TypeDatabase   int `json:"type_database"`
	URLsBuffered   int `json:"urls_buffered"`
}

// Find returns the tracked aircraft with hex.
func (s *Status) Find(hex string) (state.Aircraft, bool) {
	for _, a := range s.Aircraft {
		if a.Hex == hex {
			return a, true
		}
	}
	return state.Aircraft{}, false
}

// Status returns the last published status, or nil before Start.
func (c *Collector) Status() *Status {
	return c.status.Load()
}

func (c *Collector) publish(now time.Time) {
	s := &Status{
		Time:           now,
		Ticks:          c.ticks,
		Aircraft:       c.table.Snapshot(),
		Positions:      c.table.Stats(now),
		Reception:      c.recorder.Records(),
		Buffered:       c.pipeline.Buffered(),
		PendingRollups: len(c.pipeline.PendingRollups()),
		Memoised:       c.resolver.Memoised(),
		TypeDatabase:   c.typeDB.Len(),
		URLsBuffered:   c.notifier.Buffered(),
	}
	if rx := c.table.Receiver(); rx.Known() {
		s.Receiver = &rx
	}
	if a, ok := c.table.LongestVisible(false); ok {
		s.Longest = &a
	}
	if a, ok := c.table.LongestVisible(true); ok {
		s.LongestTyped = &a
	}
	if best, ok := c.recorder.Best(); ok {
		s.BestRange = &best
	}
	c.status.Store(s)
}
