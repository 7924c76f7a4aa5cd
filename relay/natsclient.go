// Package relay implements the optional observability side-channel of
// spec_full §4.K: a NATS JetStream mirror of Address Receiver churn, an
// HMAC-signed webhook notifier, and a cron-driven liveness tick. All three
// are constructed only when a NATS URL is configured; nothing in the core
// discovery/connection plane depends on them.
package relay

import (
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// StreamAddressEvents is the durable stream mirroring address register/
// evict churn.
const StreamAddressEvents = "ADDRESS_EVENTS"

// SubjectAddressEvents is the wildcard subject filter for StreamAddressEvents.
const SubjectAddressEvents = "ADDRESS_EVENTS.>"

// NATSClient wraps a NATS connection and its JetStream context.
type NATSClient struct {
	Conn *nats.Conn
	JS   nats.JetStreamContext
	Log  *zap.Logger
}

// DialNATS connects to url and initializes a JetStream context.
func DialNATS(url string, logger *zap.Logger) (*NATSClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url, nats.RetryOnFailedConnect(true), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("relay: connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("relay: init JetStream: %w", err)
	}

	logger.Info("relay: NATS JetStream connected", zap.String("url", url))
	return &NATSClient{Conn: nc, JS: js, Log: logger}, nil
}

// ProvisionStreams idempotently ensures the ADDRESS_EVENTS stream exists.
func (c *NATSClient) ProvisionStreams() error {
	_, err := c.JS.StreamInfo(StreamAddressEvents)
	if err == nil {
		c.Log.Info("relay: NATS stream already exists", zap.String("stream", StreamAddressEvents))
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("relay: stream info: %w", err)
	}

	cfg := &nats.StreamConfig{
		Name:      StreamAddressEvents,
		Subjects:  []string{SubjectAddressEvents},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
	}
	if _, err := c.JS.AddStream(cfg); err != nil {
		return fmt.Errorf("relay: create stream: %w", err)
	}

	c.Log.Info("relay: NATS stream provisioned", zap.String("stream", StreamAddressEvents))
	return nil
}

// Close drains pending publishes/subscriptions before closing, falling
// back to an immediate close if the connection is already unhealthy.
func (c *NATSClient) Close() {
	if c.Conn == nil {
		return
	}
	if err := c.Conn.Drain(); err != nil {
		c.Conn.Close()
	}
}
