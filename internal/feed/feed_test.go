package feed

import (
	"encoding/json"
	"errors"
	"testing"

	"airsquawk/internal/logging"
	"airsquawk/internal/upload"
)

type fakeConn struct {
	msgs map[string][]byte
	fail string
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	if subject == f.fail {
		return errors.New("slow consumer")
	}
	f.msgs[subject] = data
	return nil
}

func TestPublish(t *testing.T) {
	fc := &fakeConn{msgs: map[string][]byte{}, fail: "adsb.bad999"}
	p := &Publisher{pub: fc, subject: "adsb", log: logging.Discard()}

	records := []upload.Record{
		{ICAO: "abc123", LastSeen: "2025-11-16T14:05:00Z", DataQuality: "GPS"},
		{ICAO: "bad999", LastSeen: "2025-11-16T14:05:00Z"},
		{ICAO: "def456", LastSeen: "2025-11-16T14:05:01Z"},
	}
	sent, err := p.Publish(records)
	if sent != 2 {
		t.Errorf("Publish() sent %d, want 2", sent)
	}
	if err == nil {
		t.Error("Publish() hid the failed record")
	}

	var got upload.Record
	if err := json.Unmarshal(fc.msgs["adsb.abc123"], &got); err != nil {
		t.Fatalf("message for abc123: %v", err)
	}
	if got.DataQuality != "GPS" || got.LastSeen != "2025-11-16T14:05:00Z" {
		t.Errorf("decoded message = %+v", got)
	}
}

func TestNilPublisher(t *testing.T) {
	var p *Publisher
	if n, err := p.Publish([]upload.Record{{ICAO: "abc123"}}); n != 0 || err != nil {
		t.Errorf("nil Publish() = %d, %v", n, err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("nil Close() = %v", err)
	}
}
