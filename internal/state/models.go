package state

import (
	"time"

	"airsquawk/internal/geo"
)

// Quality describes where an observation's position came from.
type Quality string

const (
	// QualityGPS means the snapshot carried a valid position.
	QualityGPS Quality = "GPS"
	// QualityApprox means the position is a recent fix reused because the
	// snapshot had none.
	QualityApprox Quality = "GPS-approx"
	// QualityNone means no usable position.
	QualityNone Quality = "none"
)

// Aircraft is the tracked state of one ICAO address.
type Aircraft struct {
	Hex          string     `json:"hex"`
	FirstSeen    time.Time  `json:"first_seen"`
	LastSeen     time.Time  `json:"last_seen"`
	Callsign     string     `json:"callsign,omitempty"`
	Squawk       string     `json:"squawk,omitempty"`
	Registration string     `json:"registration,omitempty"`
	Type         string     `json:"type,omitempty"`
	Altitude     *float64   `json:"altitude_ft,omitempty"`
	OnGround     bool       `json:"on_ground,omitempty"`
	GroundSpeed  *float64   `json:"ground_speed_kt,omitempty"`
	VerticalRate *float64   `json:"vertical_rate_ft_min,omitempty"`
	Track        *float64   `json:"track,omitempty"`
	Messages     *int64     `json:"messages,omitempty"`
	Seen         *float64   `json:"seen,omitempty"`
	RSSI         *float64   `json:"rssi,omitempty"`
	DBFlags      int        `json:"db_flags,omitempty"`
	Position     *geo.Point `json:"position,omitempty"`
	PositionAt   time.Time  `json:"position_at,omitempty"`
	Range        *float64   `json:"range_nm,omitempty"`
	Quality      Quality    `json:"quality"`
}

// Tracked returns how long the aircraft has been visible.
func (a *Aircraft) Tracked() time.Duration {
	return a.LastSeen.Sub(a.FirstSeen)
}

// HasPosition returns true if the aircraft has ever reported a valid
// position.
func (a *Aircraft) HasPosition() bool {
	return a.Position != nil
}

// Clone returns a deep copy, so the result shares no pointers with a.
func (a *Aircraft) Clone() Aircraft {
	c := *a
	c.Altitude = cloneFloat(a.Altitude)
	c.GroundSpeed = cloneFloat(a.GroundSpeed)
	c.VerticalRate = cloneFloat(a.VerticalRate)
	c.Track = cloneFloat(a.Track)
	c.Seen = cloneFloat(a.Seen)
	c.RSSI = cloneFloat(a.RSSI)
	c.Range = cloneFloat(a.Range)
	if a.Messages != nil {
		m := *a.Messages
		c.Messages = &m
	}
	if a.Position != nil {
		p := *a.Position
		c.Position = &p
	}
	return c
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

// Observation is the immutable per-tick record of one aircraft. Position
// is nil when Quality is QualityNone, stale when it is QualityApprox.
type Observation struct {
	Aircraft
	SquawkChanged bool      `json:"squawk_changed"`
	ObservedAt    time.Time `json:"observed_at"`
}

// PositionTime returns when the observation's position was fixed, falling
// back to LastSeen when there is none.
func (o Observation) PositionTime() time.Time {
	if o.Position == nil || o.PositionAt.IsZero() {
		return o.LastSeen
	}
	return o.PositionAt
}

// Receiver is the fixed station the ranges are measured from.
type Receiver struct {
	Point      geo.Point
	AltitudeFt float64
}

// Known reports whether a receiver location has been configured.
func (r Receiver) Known() bool {
	return !r.Point.IsZero() && r.Point.Valid()
}
