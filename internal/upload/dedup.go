package upload

import (
	"bytes"
	"encoding/json"
	"sort"
)

type dedupKey struct {
	icao     string
	lastSeen string
}

// dedup merges NDJSON bodies keyed on (ICAO, Last_Seen). A later line
// replaces an earlier one with the same key.
type dedup struct {
	records map[dedupKey][]byte
	lines   int
	corrupt int
}

func newDedup() *dedup {
	return &dedup{records: make(map[dedupKey][]byte)}
}

// add merges body. A body that cannot be split is rejected whole.
func (d *dedup) add(body []byte) error {
	lines, err := Lines(body)
	if err != nil {
		return err
	}
	for _, line := range lines {
		d.lines++
		var k struct {
			ICAO     string `json:"ICAO"`
			LastSeen string `json:"Last_Seen"`
		}
		if err := json.Unmarshal(line, &k); err != nil || k.ICAO == "" || k.LastSeen == "" {
			d.corrupt++
			continue
		}
		d.records[dedupKey{k.ICAO, k.LastSeen}] = line
	}
	return nil
}

func (d *dedup) sortedKeys() []dedupKey {
	keys := make([]dedupKey, 0, len(d.records))
	for k := range d.records {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].icao != keys[j].icao {
			return keys[i].icao < keys[j].icao
		}
		return keys[i].lastSeen < keys[j].lastSeen
	})
	return keys
}

// encode returns the merged lines sorted by (ICAO, Last_Seen).
func (d *dedup) encode() []byte {
	var buf bytes.Buffer
	for _, k := range d.sortedKeys() {
		buf.Write(d.records[k])
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// decoded returns the merged records in encode order.
func (d *dedup) decoded() []Record {
	out := make([]Record, 0, len(d.records))
	for _, k := range d.sortedKeys() {
		var rec Record
		if err := json.Unmarshal(d.records[k], &rec); err == nil {
			out = append(out, rec)
		}
	}
	return out
}
