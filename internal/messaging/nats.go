// Package messaging bridges the in-process broadcast bus across relay
// instances over NATS. Every accepted message is republished on a shared
// subject tagged with the originating instance name; subscribers inject
// messages from other instances into their local bus and drop their own
// echoes. A single instance runs fine without NATS at all.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectChat is the NATS subject carrying relayed chat broadcasts.
const SubjectChat = "relay.chat"

// envelope wraps a broadcast payload with its origin so instances can filter
// out their own publications.
type envelope struct {
	Origin  string          `json:"origin"`
	Payload json.RawMessage `json:"payload"`
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // instance name, used as the origin tag
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "relay-1",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NATSClient wraps the NATS connection for the chat bridge.
type NATSClient struct {
	conn *nats.Conn
	name string
	sub  *nats.Subscription
}

// NewNATSClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
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

	return &NATSClient{conn: nc, name: config.Name}, nil
}

// PublishChat sends a broadcast payload to the shared chat subject, tagged
// with this instance as the origin.
func (c *NATSClient) PublishChat(payload []byte) error {
	data, err := json.Marshal(envelope{Origin: c.name, Payload: payload})
	if err != nil {
		return fmt.Errorf("nats: marshal envelope: %w", err)
	}
	return c.conn.Publish(SubjectChat, data)
}

// SubscribeChat registers a handler for broadcast payloads published by
// other relay instances. Payloads originating from this instance are
// filtered out so locally published messages are not delivered twice.
func (c *NATSClient) SubscribeChat(handler func(payload []byte)) error {
	sub, err := c.conn.Subscribe(SubjectChat, func(msg *nats.Msg) {
		var env envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			log.Printf("[nats] bad envelope on %s: %v", SubjectChat, err)
			return
		}
		if env.Origin == c.name {
			return // our own publication
		}
		handler(env.Payload)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", SubjectChat, err)
	}
	c.sub = sub
	return nil
}

// Close drains the subscription and closes the NATS connection.
func (c *NATSClient) Close() {
	if c.sub != nil {
		if err := c.sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", SubjectChat, err)
		}
	}
	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}
	log.Printf("[nats] client closed")
}
