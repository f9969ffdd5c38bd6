package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// NATSConfig configures a NATSPublisher.
type NATSConfig struct {
	URL           string        // NATS server URL
	StreamName    string        // JetStream stream name, e.g. CUSTODY_LEDGER
	SubjectPrefix string        // events go to <prefix>.<stage>.<type>
	MaxAge        time.Duration // how long the stream retains events
	ConnectWait   time.Duration // total time to keep retrying the initial connect
}

// NATSPublisher publishes ledger events to a JetStream stream.
type NATSPublisher struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	prefix string
}

// NewNATSPublisher connects to NATS, retrying with backoff, and ensures the
// stream exists.
func NewNATSPublisher(ctx context.Context, cfg NATSConfig) (*NATSPublisher, error) {
	if cfg.ConnectWait <= 0 {
		cfg.ConnectWait = 30 * time.Second
	}

	conn, err := backoff.Retry(ctx, func() (*nats.Conn, error) {
		conn, err := nats.Connect(cfg.URL, nats.Name("custody"), nats.MaxReconnects(-1))
		if err != nil {
			log.Warn().Err(err).Str("url", cfg.URL).Msg("nats connect failed, retrying")
			return nil, err
		}
		return conn, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(cfg.ConnectWait))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     cfg.StreamName,
		Subjects: []string{cfg.SubjectPrefix + ".>"},
		MaxAge:   cfg.MaxAge,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create/update stream %s: %w", cfg.StreamName, err)
	}

	log.Info().Str("url", cfg.URL).Str("stream", cfg.StreamName).Msg("nats publisher ready")

	return &NATSPublisher{conn: conn, js: js, prefix: cfg.SubjectPrefix}, nil
}

// Publish sends evt with its ID as the JetStream message ID so redelivered
// publishes are de-duplicated by the server.
func (p *NATSPublisher) Publish(ctx context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	_, err = p.js.Publish(ctx, evt.Subject(p.prefix), data, jetstream.WithMsgID(evt.ID.String()))
	if err != nil {
		return fmt.Errorf("failed to publish to stream: %w", err)
	}
	return nil
}

// Close drains and closes the NATS connection.
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}
