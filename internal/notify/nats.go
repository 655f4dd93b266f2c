package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/snappy"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/dmcatalog/dmcat/pkg/types"
)

const (
	// HeaderContentEncoding names the payload encoding of published events.
	HeaderContentEncoding = "Content-Encoding"
	// EncodingSnappy marks a snappy compressed JSON payload.
	EncodingSnappy = "snappy"
	// HeaderEventID carries the event id for consumer side deduplication.
	HeaderEventID = "Nats-Msg-Id"
)

// msgPublisher is the subset of *nats.Conn used by NATSPublisher.
type msgPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// NATSPublisher publishes status change events to a NATS subject.
type NATSPublisher struct {
	conn    msgPublisher
	subject string
	close   func()
}

// DialNATS connects to a NATS server and returns a publisher for subject.
func DialNATS(url, subject string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("dmcat"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("notify: failed to connect to %s: %w", url, err)
	}
	p := NewNATSPublisher(conn, subject)
	p.close = conn.Close
	return p, nil
}

// NewNATSPublisher creates a publisher on an existing connection.
func NewNATSPublisher(conn msgPublisher, subject string) *NATSPublisher {
	return &NATSPublisher{conn: conn, subject: subject}
}

// NotifyStatusChange publishes one event for the key.
func (p *NATSPublisher) NotifyStatusChange(_ context.Context, key types.DataKey, newStatus, oldStatus types.DataStatus) error {
	msg, err := EncodeEvent(p.subject, NewEvent(key, newStatus, oldStatus))
	if err != nil {
		return err
	}
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("notify: publish to %s: %w", p.subject, err)
	}
	return nil
}

// Close closes the underlying connection if the publisher owns it.
func (p *NATSPublisher) Close() error {
	if p.close != nil {
		p.close()
	}
	return nil
}

// EncodeEvent builds the NATS message for an event.
func EncodeEvent(subject string, ev Event) (*nats.Msg, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("notify: encode event: %w", err)
	}
	msg := nats.NewMsg(subject)
	msg.Header.Set(HeaderContentEncoding, EncodingSnappy)
	msg.Header.Set(HeaderEventID, ev.ID)
	msg.Data = snappy.Encode(nil, payload)
	return msg, nil
}

// DecodeEvent parses an event published by NATSPublisher.
func DecodeEvent(msg *nats.Msg) (Event, error) {
	var ev Event
	data := msg.Data
	if msg.Header.Get(HeaderContentEncoding) == EncodingSnappy {
		decoded, err := snappy.Decode(nil, data)
		if err != nil {
			return ev, fmt.Errorf("notify: decompress event: %w", err)
		}
		data = decoded
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("notify: decode event: %w", err)
	}
	return ev, nil
}
