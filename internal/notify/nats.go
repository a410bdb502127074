// Package notify publishes new-message notification events to NATS so
// out-of-process presentation surfaces (badge service, desktop notifier,
// web push relay) can consume them without holding a broker connection.
package notify

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/bazaar/market-chat/internal/unread"
)

// SubjectNotify is the subject prefix for per-user notification events:
// chat.notify.<user_id>.
const SubjectNotify = "chat.notify"

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "market-chat-agent",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NATSPublisher fans notification events out to NATS. It implements
// unread.Notifier.
type NATSPublisher struct {
	conn   *nats.Conn
	userID string
}

// NewNATSPublisher connects to NATS and returns a publisher for the given
// user's notification subject. It returns an error if the initial connection
// fails.
func NewNATSPublisher(config NATSConfig, userID string) (*NATSPublisher, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSPublisher{conn: nc, userID: userID}, nil
}

// Notify publishes the event to chat.notify.<user_id>. Publish failures are
// logged, not propagated: a notification fan-out problem must never stall
// message ingestion.
func (p *NATSPublisher) Notify(e unread.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		log.Printf("[notify] marshal event chat=%s: %v", e.ChatID, err)
		return
	}
	subject := SubjectNotify + "." + p.userID
	if err := p.conn.Publish(subject, data); err != nil {
		log.Printf("[notify] publish %s: %v", subject, err)
	}
}

// Close drains and closes the NATS connection.
func (p *NATSPublisher) Close() {
	if err := p.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}
	log.Printf("[nats] publisher closed")
}
