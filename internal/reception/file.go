package reception

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"airsquawk/internal/adsb"
	"airsquawk/internal/geo"
)

// Header is the first line of a reception file.
const Header = "Timestamp\tSector\tAlt Zone\tBearing\tSlant\tPos\tAlt\tHex\tFlight\tReg\tType"

// TimeFormat is the layout of the Timestamp column.
const TimeFormat = "2006-01-02 15:04:05 UTC"

const columns = 11

// Marshal encodes records sorted by key, header first.
func Marshal(records []Record) []byte {
	sorted := make([]Record, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key.Less(sorted[j].Key) })

	var buf bytes.Buffer
	buf.WriteString(Header)
	buf.WriteByte('\n')
	for _, rec := range sorted {
		slo, shi := geo.SectorBounds(rec.Sector)
		zlo, zhi := geo.ZoneBounds(rec.Zone)
		pos := adsb.Unavailable
		if rec.Positional != nil {
			pos = formatFloat(*rec.Positional)
		}
		fields := []string{
			rec.Timestamp.UTC().Format(TimeFormat),
			fmt.Sprintf("Sector %d (%d-%d°)", rec.Sector, slo, shi),
			fmt.Sprintf("Alt Zone %d (%d-%d ft)", rec.Zone, zlo, zhi),
			formatFloat(rec.Bearing),
			formatFloat(rec.Slant),
			pos,
			formatFloat(rec.Altitude),
			text(rec.Hex),
			text(rec.Flight),
			text(rec.Registration),
			text(rec.Type),
		}
		buf.WriteString(strings.Join(fields, "\t"))
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func text(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return adsb.Unavailable
	}
	return s
}

// Parse decodes a reception file. The header line and rows that cannot be
// decoded are skipped; skipped counts them.
func Parse(r io.Reader) (records []Record, skipped int, err error) {
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		raw := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(raw) == "" || (line == 1 && strings.HasPrefix(raw, "Timestamp\t")) {
			continue
		}
		rec, err := parseRow(raw)
		if err != nil {
			skipped++
			continue
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, skipped, fmt.Errorf("reading reception file: %w", err)
	}
	return records, skipped, nil
}

func parseRow(raw string) (Record, error) {
	parts := strings.Split(raw, "\t")
	if len(parts) < columns {
		return Record{}, fmt.Errorf("row has %d columns, want %d", len(parts), columns)
	}

	var (
		rec Record
		err error
	)
	rec.Timestamp, err = time.Parse(TimeFormat, strings.TrimSpace(parts[0]))
	if err != nil {
		return Record{}, fmt.Errorf("timestamp: %w", err)
	}
	if rec.Sector, err = labelledInt(parts[1], "Sector"); err != nil {
		return Record{}, err
	}
	if rec.Sector < 0 || rec.Sector >= geo.Sectors {
		return Record{}, fmt.Errorf("sector %d out of range", rec.Sector)
	}
	if rec.Zone, err = labelledInt(parts[2], "Alt Zone"); err != nil {
		return Record{}, err
	}
	if rec.Zone < 0 {
		return Record{}, fmt.Errorf("altitude zone %d out of range", rec.Zone)
	}
	if rec.Bearing, err = number(parts[3]); err != nil {
		return Record{}, fmt.Errorf("bearing: %w", err)
	}
	if rec.Slant, err = number(parts[4]); err != nil {
		return Record{}, fmt.Errorf("slant: %w", err)
	}
	if pos, err := number(parts[5]); err == nil {
		rec.Positional = &pos
	}
	if rec.Altitude, err = number(parts[6]); err != nil {
		// Older files wrote N/A for a missing altitude, which the
		// recorder treated as 0 ft.
		rec.Altitude = 0
	}
	rec.Hex = adsb.NormalizeHex(unlabel(parts[7]))
	if rec.Hex == "" {
		return Record{}, fmt.Errorf("missing hex")
	}
	rec.Flight = unlabel(parts[8])
	rec.Registration = unlabel(parts[9])
	rec.Type = unlabel(parts[10])
	return rec, nil
}

// labelledInt reads the integer following label in "Sector 3 (90-119°)".
// A bare integer is accepted too.
func labelledInt(field, label string) (int, error) {
	s := strings.TrimSpace(field)
	s = strings.TrimSpace(strings.TrimPrefix(s, label))
	if i := strings.IndexByte(s, ' '); i >= 0 {
		s = s[:i]
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", strings.ToLower(label), err)
	}
	return n, nil
}

// unlabel strips an older "Name: " prefix and maps the unavailable marker
// to empty.
func unlabel(field string) string {
	s := strings.TrimSpace(field)
	if i := strings.Index(s, ": "); i >= 0 {
		s = strings.TrimSpace(s[i+2:])
	}
	if s == adsb.Unavailable {
		return ""
	}
	return s
}

// number parses a numeric column. Plain numbers are the current format;
// "Slant: 123.45 nm" and "Bearing: 12.3°" are accepted from older files.
func number(field string) (float64, error) {
	s := unlabel(field)
	for _, unit := range []string{"°", "nm", "ft"} {
		s = strings.TrimSpace(strings.TrimSuffix(s, unit))
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("non-finite value %q", field)
	}
	return v, nil
}
