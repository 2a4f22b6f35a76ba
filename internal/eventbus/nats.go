/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package eventbus mirrors in-process events to NATS so other services can
// follow what a listener client hears.
package eventbus

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/friendsincode/grimnir_listen/internal/events"
)

// SubjectPrefix is the root of every mirrored subject.
const SubjectPrefix = "grimnir.listen"

// NATSConfig contains NATS connection configuration.
type NATSConfig struct {
	URL   string
	Token string
	Name  string

	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// DefaultNATSConfig returns default NATS configuration.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "grimnir-listen",
		MaxReconnects: -1, // Unlimited
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// Publisher is the part of *nats.Conn the mirror needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// natsMessage represents a message published to NATS.
type natsMessage struct {
	EventType events.EventType `json:"event_type"`
	Payload   events.Payload   `json:"payload"`
	Timestamp time.Time        `json:"timestamp"`
	NodeID    string           `json:"node_id"`
	MessageID string           `json:"message_id"` // For deduplication
}

// Mirror republishes bus events to grimnir.listen.{station}.{event}.
type Mirror struct {
	pub       Publisher
	conn      *nats.Conn
	bus       *events.Bus
	stationID string
	nodeID    string
	logger    zerolog.Logger

	subs map[events.EventType]events.Subscriber
	wg   sync.WaitGroup
	once sync.Once
}

// Connect dials NATS and returns a mirror bound to the connection.
func Connect(cfg NATSConfig, bus *events.Bus, stationID string, logger zerolog.Logger) (*Mirror, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	m := NewMirror(nc, bus, stationID, logger)
	m.conn = nc
	logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS event mirror connected")
	return m, nil
}

// NewMirror creates a mirror over any publisher. Call Start to begin
// forwarding.
func NewMirror(pub Publisher, bus *events.Bus, stationID string, logger zerolog.Logger) *Mirror {
	return &Mirror{
		pub:       pub,
		bus:       bus,
		stationID: stationID,
		nodeID:    generateNodeID(),
		logger:    logger.With().Str("component", "nats_mirror").Logger(),
		subs:      make(map[events.EventType]events.Subscriber),
	}
}

// Start subscribes to every client event type.
func (m *Mirror) Start() {
	for _, et := range events.All {
		sub := m.bus.Subscribe(et)
		m.subs[et] = sub
		m.wg.Add(1)
		go m.forward(et, sub)
	}
}

func (m *Mirror) forward(et events.EventType, sub events.Subscriber) {
	defer m.wg.Done()
	subject := Subject(m.stationID, et)
	for payload := range sub {
		data, err := marshalNATSMessage(et, payload, m.nodeID)
		if err != nil {
			m.logger.Error().Err(err).Str("event_type", string(et)).Msg("failed to marshal event")
			continue
		}
		if err := m.pub.Publish(subject, data); err != nil {
			m.logger.Debug().Err(err).Str("subject", subject).Msg("NATS publish failed")
		}
	}
}

// Close stops forwarding and drains the connection if the mirror owns one.
func (m *Mirror) Close() error {
	var err error
	m.once.Do(func() {
		for et, sub := range m.subs {
			m.bus.Unsubscribe(et, sub)
		}
		m.wg.Wait()
		if m.conn != nil {
			err = m.conn.Drain()
		}
	})
	return err
}

// Subject builds the NATS subject for an event. Characters NATS treats as
// token separators or wildcards are replaced in the station id.
func Subject(stationID string, et events.EventType) string {
	station := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, stationID)
	if station == "" {
		station = "_"
	}
	return SubjectPrefix + "." + station + "." + string(et)
}

// marshalNATSMessage converts payload to NATS message format.
func marshalNATSMessage(eventType events.EventType, payload events.Payload, nodeID string) ([]byte, error) {
	msg := natsMessage{
		EventType: eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
		NodeID:    nodeID,
		MessageID: uuid.NewString(),
	}
	return json.Marshal(msg)
}

// unmarshalNATSMessage parses a NATS message.
func unmarshalNATSMessage(data []byte) (*natsMessage, error) {
	var msg natsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal nats message: %w", err)
	}
	return &msg, nil
}

func generateNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "listener"
	}
	return host + "-" + uuid.NewString()[:8]
}
