package identity

import (
	"sort"

	"airsquawk/internal/adsb"
)

// HistoryEntry is the most complete data seen for one hex in the
// receiver's rolling history.
type HistoryEntry struct {
	Flight       string
	Squawk       string
	Registration string
	Type         string
}

// HistoryIndex is built once at startup and never mutated afterwards.
type HistoryIndex struct {
	entries map[string]HistoryEntry
}

// NewHistoryIndex merges history snapshots. Newer snapshots win for every
// field they carry; empty values never overwrite known ones.
func NewHistoryIndex(snaps []adsb.Snapshot) *HistoryIndex {
	ordered := make([]adsb.Snapshot, len(snaps))
	copy(ordered, snaps)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Now < ordered[j].Now })

	idx := &HistoryIndex{entries: make(map[string]HistoryEntry)}
	for _, snap := range ordered {
		for _, a := range snap.Aircraft {
			if a.Hex == "" {
				continue
			}
			e := idx.entries[a.Hex]
			if a.Flight != "" {
				e.Flight = a.Flight
			}
			if a.Squawk != "" {
				e.Squawk = a.Squawk
			}
			if a.Registration != "" {
				e.Registration = a.Registration
			}
			if a.Type != "" {
				e.Type = a.Type
			}
			idx.entries[a.Hex] = e
		}
	}
	return idx
}

// Lookup returns the history entry for hex.
func (h *HistoryIndex) Lookup(hex string) (HistoryEntry, bool) {
	if h == nil {
		return HistoryEntry{}, false
	}
	e, ok := h.entries[hex]
	return e, ok
}

// Identity returns the registration and type history knows for hex.
func (h *HistoryIndex) Identity(hex string) Identity {
	e, _ := h.Lookup(hex)
	return newIdentity(e.Registration, e.Type)
}

// Len returns the number of aircraft in the index.
func (h *HistoryIndex) Len() int {
	if h == nil {
		return 0
	}
	return len(h.entries)
}
