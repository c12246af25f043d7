package events

import (
	"encoding/json"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// DefaultSubjectPrefix is prepended to the event name to form the NATS subject,
// e.g. "inferd.task.completed".
const DefaultSubjectPrefix = "inferd"

// natsConn is the subset of *nats.Conn used by NATSPublisher.
type natsConn interface {
	Publish(subj string, data []byte) error
}

// NATSPublisher publishes events as JSON on core NATS subjects. Publishing is
// fire-and-forget: errors are logged and dropped.
type NATSPublisher struct {
	conn   natsConn
	prefix string
	log    zerolog.Logger
}

// NewNATSPublisher wraps an established connection.
func NewNATSPublisher(conn natsConn, prefix string, log zerolog.Logger) *NATSPublisher {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{conn: conn, prefix: prefix, log: log}
}

// ConnectNATS dials url and returns a publisher plus the connection so the
// caller can drain it on shutdown.
func ConnectNATS(url, prefix string, log zerolog.Logger) (*NATSPublisher, *nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("inferd"),
		nats.MaxReconnects(-1),
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
		return nil, nil, err
	}
	return NewNATSPublisher(nc, prefix, log), nc, nil
}

// Subject returns the subject an event with the given name is published on.
func (p *NATSPublisher) Subject(name string) string {
	return p.prefix + "." + name
}

func (p *NATSPublisher) Publish(e Event) {
	b, err := json.Marshal(e)
	if err != nil {
		p.log.Error().Err(err).Str("event", e.Name).Msg("marshal event")
		return
	}
	if err := p.conn.Publish(p.Subject(e.Name), b); err != nil {
		p.log.Warn().Err(err).Str("event", e.Name).Str("subject", e.Subject).Msg("publish event")
	}
}
