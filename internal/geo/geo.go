// Package geo provides the great-circle and binning arithmetic used to
// turn an aircraft position into a range observation.
package geo

import "math"

const (
	// EarthRadiusNM is the mean earth radius in nautical miles.
	EarthRadiusNM = 3440.065

	// FeetPerNM converts an altitude difference to nautical miles.
	FeetPerNM = 6076.12

	// SectorWidth is the width of one bearing sector in degrees.
	SectorWidth = 30.0

	// Sectors is the number of bearing sectors around the receiver.
	Sectors = 12

	// ZoneHeight is the height of one altitude zone in feet.
	ZoneHeight = 5000.0
)

// Point is a latitude/longitude pair in decimal degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// IsZero reports whether the point is the 0,0 placeholder receivers use
// when their location has not been configured.
func (p Point) IsZero() bool {
	return p.Lat == 0 && p.Lon == 0
}

// Valid reports whether both coordinates are finite and in range.
func (p Point) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lon) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lon, 0) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }
func degrees(rad float64) float64 { return rad * 180 / math.Pi }

// Distance returns the haversine great-circle distance between a and b in
// nautical miles.
func Distance(a, b Point) float64 {
	lat1, lat2 := radians(a.Lat), radians(b.Lat)
	dlat := lat2 - lat1
	dlon := radians(b.Lon - a.Lon)

	h := math.Sin(dlat/2)*math.Sin(dlat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dlon/2)*math.Sin(dlon/2)
	return 2 * EarthRadiusNM * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Bearing returns the initial great-circle bearing from a to b in degrees,
// normalised to [0, 360).
func Bearing(a, b Point) float64 {
	lat1, lat2 := radians(a.Lat), radians(b.Lat)
	dlon := radians(b.Lon - a.Lon)

	x := math.Sin(dlon) * math.Cos(lat2)
	y := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dlon)

	brg := math.Mod(degrees(math.Atan2(x, y))+360, 360)
	if brg >= 360 {
		brg = 0
	}
	return brg
}

// Slant combines a ground distance in NM with the altitude difference
// between aircraft and receiver (feet) into a line-of-sight distance in NM.
func Slant(positionalNM, altitudeFt, receiverAltFt float64) float64 {
	dz := (altitudeFt - receiverAltFt) / FeetPerNM
	return math.Sqrt(positionalNM*positionalNM + dz*dz)
}

// Sector returns the 30 degree bearing bucket, in [0, 12).
func Sector(bearing float64) int {
	s := int(math.Floor(bearing/SectorWidth)) % Sectors
	if s < 0 {
		s += Sectors
	}
	return s
}

// AltitudeZone returns the 5000 ft altitude bucket. Negative altitudes
// fall into zone 0.
func AltitudeZone(altitudeFt float64) int {
	if altitudeFt <= 0 || math.IsNaN(altitudeFt) {
		return 0
	}
	return int(math.Floor(altitudeFt / ZoneHeight))
}

// SectorBounds returns the bearing range covered by a sector.
func SectorBounds(sector int) (lo, hi int) {
	lo = sector * int(SectorWidth)
	return lo, lo + int(SectorWidth) - 1
}

// ZoneBounds returns the altitude range covered by a zone.
func ZoneBounds(zone int) (lo, hi int) {
	lo = zone * int(ZoneHeight)
	return lo, lo + int(ZoneHeight) - 1
}
