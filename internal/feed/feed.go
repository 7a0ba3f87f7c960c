// Package feed publishes observation records to NATS as they are
// produced, one message per record on a per-aircraft subject.
package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"airsquawk/internal/upload"
)

// DefaultSubject is the subject prefix used when none is configured.
const DefaultSubject = "airsquawk.observations"

type conn interface {
	Publish(subject string, data []byte) error
}

// Publisher sends records to NATS. A nil *Publisher drops everything.
type Publisher struct {
	nc      *nats.Conn
	pub     conn
	subject string
	log     *slog.Logger
}

// Connect dials url. The connection reconnects forever; publishes made
// while disconnected are buffered by the client.
func Connect(url, subject string, log *slog.Logger) (*Publisher, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	log = log.With("component", "feed")
	nc, err := nats.Connect(url,
		nats.Name("airsquawk"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", slog.Any("error", err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", slog.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Publisher{nc: nc, pub: nc, subject: subject, log: log}, nil
}

// Subject returns the subject a record for hex is published on.
func (p *Publisher) Subject(hex string) string {
	return p.subject + "." + hex
}

// Publish sends each record and returns how many were sent. A failed
// record does not stop the rest.
func (p *Publisher) Publish(records []upload.Record) (int, error) {
	if p == nil {
		return 0, nil
	}
	var errs []error
	sent := 0
	for i := range records {
		data, err := json.Marshal(&records[i])
		if err != nil {
			errs = append(errs, fmt.Errorf("marshal %s: %w", records[i].ICAO, err))
			continue
		}
		if err := p.pub.Publish(p.Subject(records[i].ICAO), data); err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", records[i].ICAO, err))
			continue
		}
		sent++
	}
	return sent, errors.Join(errs...)
}

// Close drains the connection.
func (p *Publisher) Close() error {
	if p == nil || p.nc == nil {
		return nil
	}
	return p.nc.Drain()
}
