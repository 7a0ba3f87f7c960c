// Package source provides an HTTP client for a dump1090/PiAware web server:
// live aircraft, receiver metadata, rolling history and the static
// aircraft database.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"airsquawk/internal/adsb"
)

// ErrNotFound is returned when the server answers 404.
var ErrNotFound = errors.New("not found")

// DefaultTimeout bounds every request made by the client.
const DefaultTimeout = 5 * time.Second

// Client talks to one receiver web server.
type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a client for server, which may be "host:port" or a full URL.
func New(server string, timeout time.Duration) *Client {
	base := strings.TrimRight(server, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: base,
		http:    &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the server root the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// Aircraft fetches the current aircraft.json snapshot.
func (c *Client) Aircraft(ctx context.Context) (adsb.Snapshot, error) {
	var snap adsb.Snapshot
	if err := c.getJSON(ctx, "/data/aircraft.json", &snap); err != nil {
		return adsb.Snapshot{}, fmt.Errorf("fetch aircraft: %w", err)
	}
	return snap, nil
}

// Receiver fetches receiver.json.
func (c *Client) Receiver(ctx context.Context) (adsb.Receiver, error) {
	var rx adsb.Receiver
	if err := c.getJSON(ctx, "/data/receiver.json", &rx); err != nil {
		return adsb.Receiver{}, fmt.Errorf("fetch receiver: %w", err)
	}
	return rx, nil
}

// History fetches history_0 .. history_{n-1}. Missing files are skipped;
// the snapshots that could be read are returned oldest index first.
func (c *Client) History(ctx context.Context, n int) ([]adsb.Snapshot, error) {
	var (
		out      []adsb.Snapshot
		firstErr error
	)
	for i := 0; i < n; i++ {
		var snap adsb.Snapshot
		err := c.getJSON(ctx, fmt.Sprintf("/data/history_%d.json", i), &snap)
		if err != nil {
			if !errors.Is(err, ErrNotFound) && firstErr == nil {
				firstErr = err
			}
			continue
		}
		out = append(out, snap)
	}
	if len(out) == 0 && firstErr != nil {
		return nil, fmt.Errorf("fetch history: %w", firstErr)
	}
	return out, nil
}

// StaticPrefix fetches one static database file. Keys of the returned map
// are the upper-case remainder of the hex address after prefix; keys that
// do not hold an aircraft entry are dropped.
func (c *Client) StaticPrefix(ctx context.Context, prefix string) (map[string]adsb.StaticEntry, error) {
	var entries adsb.StaticFile
	path := "/db/" + strings.ToUpper(prefix) + ".json"
	if err := c.getJSON(ctx, path, &entries); err != nil {
		return nil, fmt.Errorf("fetch static db %s: %w", prefix, err)
	}
	return entries, nil
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, resp.Body)
		return ErrNotFound
	case resp.StatusCode != http.StatusOK:
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
