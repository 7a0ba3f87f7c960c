// Package upload buffers observation records and persists them to object
// storage as per-minute NDJSON objects that are consolidated hourly.
package upload

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"airsquawk/internal/adsb"
	"airsquawk/internal/geo"
	"airsquawk/internal/state"
)

// TimeFormat is the layout of every timestamp in a record.
const TimeFormat = "2006-01-02T15:04:05Z"

// ContentType is used for minute and hourly objects.
const ContentType = "application/x-ndjson"

// Record is one line of a minute or hourly object. Unknown values encode
// as JSON null.
type Record struct {
	ICAO              string   `json:"ICAO"`
	Ident             *string  `json:"Ident"`
	Registration      *string  `json:"Registration"`
	AircraftType      *string  `json:"Aircraft_type"`
	Squawk            *string  `json:"Squawk"`
	SquawkChanged     bool     `json:"squawk_changed"`
	AltitudeFt        *float64 `json:"Altitude_ft"`
	SpeedKt           *float64 `json:"Speed_kt"`
	VerticalRate      *float64 `json:"Vertical_Rate_ft_min"`
	DistanceNM        *float64 `json:"Distance_NM"`
	Heading           *float64 `json:"Heading"`
	Messages          *int64   `json:"Messages"`
	Age               *float64 `json:"Age"`
	RSSI              *float64 `json:"RSSI"`
	Latitude          *float64 `json:"Latitude"`
	Longitude         *float64 `json:"Longitude"`
	Nationality       string   `json:"Nationality"`
	FirstSeen         string   `json:"First_Seen"`
	LastSeen          string   `json:"Last_Seen"`
	PositionTimestamp string   `json:"Position_Timestamp"`
	DataQuality       string   `json:"Data_Quality"`
}

// FromObservation converts a tracked observation into its stored form.
func FromObservation(o state.Observation) Record {
	rec := Record{
		ICAO:              o.Hex,
		Ident:             optString(o.Callsign),
		Registration:      optString(o.Registration),
		AircraftType:      optString(o.Type),
		Squawk:            optString(o.Squawk),
		SquawkChanged:     o.SquawkChanged,
		AltitudeFt:        o.Altitude,
		SpeedKt:           o.GroundSpeed,
		VerticalRate:      o.VerticalRate,
		DistanceNM:        o.Range,
		Heading:           o.Track,
		Messages:          o.Messages,
		Age:               o.Seen,
		RSSI:              o.RSSI,
		Nationality:       adsb.Nationality(o.DBFlags),
		FirstSeen:         o.FirstSeen.UTC().Format(TimeFormat),
		LastSeen:          o.LastSeen.UTC().Format(TimeFormat),
		PositionTimestamp: o.PositionTime().UTC().Format(TimeFormat),
		DataQuality:       string(o.Quality),
	}
	if o.Position != nil {
		lat, lon := o.Position.Lat, o.Position.Lon
		rec.Latitude, rec.Longitude = &lat, &lon
	}
	return rec
}

func optString(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

// Position returns the record's coordinates when they form a valid fix.
func (r Record) Position() (geo.Point, bool) {
	return adsb.ValidPosition(r.Latitude, r.Longitude)
}

// LastSeenTime parses Last_Seen.
func (r Record) LastSeenTime() (time.Time, error) {
	return time.Parse(TimeFormat, r.LastSeen)
}

// PositionTime parses Position_Timestamp, falling back to Last_Seen.
func (r Record) PositionTime() (time.Time, error) {
	if r.PositionTimestamp != "" {
		if t, err := time.Parse(TimeFormat, r.PositionTimestamp); err == nil {
			return t, nil
		}
	}
	return r.LastSeenTime()
}

// Text returns the value of an optional text field, or "".
func Text(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Encode writes records as NDJSON.
func Encode(records []Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range records {
		if err := enc.Encode(&records[i]); err != nil {
			return nil, fmt.Errorf("encoding record %s: %w", records[i].ICAO, err)
		}
	}
	return buf.Bytes(), nil
}

// Decode parses NDJSON. Blank lines are ignored; lines that are not a
// JSON record with an ICAO are counted as corrupt and dropped. An
// unreadable remainder counts as one more corrupt line.
func Decode(body []byte) (records []Record, corrupt int) {
	lines, err := Lines(body)
	if err != nil {
		corrupt++
	}
	for _, line := range lines {
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil || rec.ICAO == "" {
			corrupt++
			continue
		}
		records = append(records, rec)
	}
	return records, corrupt
}

// MaxLine is the longest NDJSON line Lines accepts.
const MaxLine = 4 * 1024 * 1024

// Lines splits NDJSON into its non-blank lines. It stops at a line longer
// than MaxLine and returns the lines read so far with the error.
func Lines(body []byte) ([][]byte, error) {
	var out [][]byte
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), MaxLine)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		out = append(out, append([]byte(nil), line...))
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("reading line %d: %w", len(out)+1, err)
	}
	return out, nil
}
