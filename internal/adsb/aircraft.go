// Package adsb provides the dump1090/PiAware JSON types consumed by the
// collector and the tolerant decoding those feeds need.
package adsb

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"airsquawk/internal/geo"
)

// Unavailable is the textual marker legacy feeds and stored objects use for
// an unknown value. It is only produced by encoders at the storage boundary.
const Unavailable = "N/A"

// Aircraft is one entry of aircraft.json. Numeric fields are nil when the
// feed omitted them or sent something that is not a number.
type Aircraft struct {
	Hex          string
	Flight       string
	Squawk       string
	Registration string
	Type         string
	Lat          *float64
	Lon          *float64
	AltBaro      *float64
	OnGround     bool
	GroundSpeed  *float64
	BaroRate     *float64
	Track        *float64
	Messages     *int64
	Seen         *float64
	RSSI         *float64
	DBFlags      int
	RDst         *float64
}

// wireAircraft mirrors the feed layout with every value left raw so a
// single bad field cannot fail the whole snapshot.
type wireAircraft struct {
	Hex      json.RawMessage `json:"hex"`
	Flight   json.RawMessage `json:"flight"`
	Squawk   json.RawMessage `json:"squawk"`
	R        json.RawMessage `json:"r"`
	T        json.RawMessage `json:"t"`
	Lat      json.RawMessage `json:"lat"`
	Lon      json.RawMessage `json:"lon"`
	AltBaro  json.RawMessage `json:"alt_baro"`
	GS       json.RawMessage `json:"gs"`
	BaroRate json.RawMessage `json:"baro_rate"`
	Track    json.RawMessage `json:"track"`
	Messages json.RawMessage `json:"messages"`
	Seen     json.RawMessage `json:"seen"`
	RSSI     json.RawMessage `json:"rssi"`
	DBFlags  json.RawMessage `json:"dbFlags"`
	RDst     json.RawMessage `json:"r_dst"`
}

// UnmarshalJSON decodes one aircraft entry. Malformed fields are dropped
// rather than reported.
func (a *Aircraft) UnmarshalJSON(data []byte) error {
	var w wireAircraft
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	*a = Aircraft{
		Hex:          NormalizeHex(flexString(w.Hex)),
		Flight:       strings.TrimSpace(flexString(w.Flight)),
		Squawk:       strings.TrimSpace(flexString(w.Squawk)),
		Registration: strings.TrimSpace(flexString(w.R)),
		Type:         strings.TrimSpace(flexString(w.T)),
		Lat:          flexFloat(w.Lat),
		Lon:          flexFloat(w.Lon),
		GroundSpeed:  flexFloat(w.GS),
		BaroRate:     flexFloat(w.BaroRate),
		Track:        flexFloat(w.Track),
		Seen:         flexFloat(w.Seen),
		RSSI:         flexFloat(w.RSSI),
		RDst:         flexFloat(w.RDst),
	}

	if flexString(w.AltBaro) == "ground" {
		zero := 0.0
		a.AltBaro = &zero
		a.OnGround = true
	} else {
		a.AltBaro = flexFloat(w.AltBaro)
	}

	if v := flexFloat(w.Messages); v != nil {
		n := int64(*v)
		a.Messages = &n
	}
	if v := flexFloat(w.DBFlags); v != nil {
		a.DBFlags = int(*v)
	}

	return nil
}

// Position returns the reported coordinates when they form a valid pair.
func (a Aircraft) Position() (geo.Point, bool) {
	return ValidPosition(a.Lat, a.Lon)
}

// ValidPosition returns the point built from lat and lon when both are
// present, finite and within range.
func ValidPosition(lat, lon *float64) (geo.Point, bool) {
	if lat == nil || lon == nil {
		return geo.Point{}, false
	}
	p := geo.Point{Lat: *lat, Lon: *lon}
	return p, p.Valid()
}

// NormalizeHex lower-cases and trims an ICAO address.
func NormalizeHex(hex string) string {
	return strings.ToLower(strings.TrimSpace(hex))
}

// Nationality classifies an aircraft from its dbFlags bits.
func Nationality(dbFlags int) string {
	switch {
	case dbFlags == 0:
		return "Unknown"
	case dbFlags&1 != 0:
		return "Military"
	default:
		return "Civil"
	}
}

// flexString returns the string form of a raw JSON string or number.
// null and the unavailable marker decode to the empty string.
func flexString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == Unavailable {
			return ""
		}
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// flexFloat accepts a JSON number or a numeric string. Anything else,
// including NaN and infinities, is reported as absent.
func flexFloat(raw json.RawMessage) *float64 {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}

	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil
		}
		s = strings.TrimSpace(s)
		if s == "" || s == Unavailable {
			return nil
		}
		f, err = strconv.ParseFloat(s, 64)
		if err != nil {
			return nil
		}
	}

	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}
