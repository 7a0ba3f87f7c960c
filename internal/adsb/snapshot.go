package adsb

import (
	"bytes"
	"encoding/json"

	"airsquawk/internal/geo"
)

// Snapshot is the body of aircraft.json and of the rolling history files.
type Snapshot struct {
	Now      float64    `json:"now"`
	Messages int64      `json:"messages"`
	Aircraft []Aircraft `json:"aircraft"`
}

// Receiver is the body of receiver.json.
type Receiver struct {
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Version string  `json:"version"`
	History int     `json:"history"`
	Refresh int     `json:"refresh"`
}

// Point returns the receiver location.
func (r Receiver) Point() geo.Point {
	return geo.Point{Lat: r.Lat, Lon: r.Lon}
}

// StaticEntry is one aircraft in a static database prefix file
// (/db/{PREFIX}.json), keyed by the remainder of the hex address.
type StaticEntry struct {
	Registration string `json:"r"`
	Type         string `json:"t"`
	Flags        string `json:"f,omitempty"`
	Description  string `json:"desc,omitempty"`
}

// StaticFile is one static database prefix file. Besides the aircraft
// entries such files may carry other keys, such as "children"; values that
// are not an entry object are skipped one by one.
type StaticFile map[string]StaticEntry

// UnmarshalJSON decodes every entry on its own so one bad value does not
// discard the rest of the file.
func (f *StaticFile) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(StaticFile, len(raw))
	for suffix, v := range raw {
		v = bytes.TrimSpace(v)
		if len(v) == 0 || v[0] != '{' {
			continue
		}
		var e StaticEntry
		if err := json.Unmarshal(v, &e); err != nil {
			continue
		}
		out[suffix] = e
	}
	*f = out
	return nil
}
