// Package bus publishes click-to-call requests onto the external PBX's
// call-origination bus. Unlike an event log, this is a hard dependency:
// the outbound call orchestrator (services/intercom/orchestrator)
// cannot proceed without a confirmed publish, and a publish failure
// after retries fails the session rather than degrading silently.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/sebas/intercom/services/intercom/callid"
)

// ClickToCallRequest is published to start the resident leg of a call.
// Guid must equal the session's CallId verbatim: the orchestrator
// correlates the eventual resident AudioSocket connection back to its
// session by this field.
type ClickToCallRequest struct {
	Guid               string `json:"guid"`
	ResidentVoipNumber string `json:"residentVoipNumber"`
	VisitorName        string `json:"visitorName"`
	Apartment          string `json:"apartment"`
}

// Publisher publishes click-to-call requests. Implementations must
// retry transient failures internally; Publish returning an error
// means the request is definitively not delivered.
type Publisher interface {
	Publish(ctx context.Context, req ClickToCallRequest) error
	Close() error
}

// Config configures the NATS JetStream publisher.
type Config struct {
	URL             string
	StreamName      string
	SubjectPrefix   string
	ConnectTimeout  time.Duration
	PublishTimeout  time.Duration
	MaxRetries      int
	RetryBackoff    time.Duration
}

// DefaultConfig returns sensible defaults for the click-to-call bus.
func DefaultConfig() Config {
	return Config{
		URL:            "nats://127.0.0.1:4222",
		StreamName:     "INTERCOM_CALLS",
		SubjectPrefix:  "intercom",
		ConnectTimeout: 5 * time.Second,
		PublishTimeout: 3 * time.Second,
		MaxRetries:     3,
		RetryBackoff:   500 * time.Millisecond,
	}
}

// NATSPublisher is the production Publisher, backed by NATS JetStream.
type NATSPublisher struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	cfg    Config
	logger *slog.Logger
}

// NewNATSPublisher connects to NATS and ensures the click-to-call
// stream exists.
func NewNATSPublisher(cfg Config, logger *slog.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name("intercom-bus"),
		nats.Timeout(cfg.ConnectTimeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("[Bus] NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("[Bus] NATS reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("bus: connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("bus: create jetstream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     cfg.StreamName,
		Subjects: []string{cfg.SubjectPrefix + ".clicktocall.>"},
		Retention: jetstream.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		Storage:   jetstream.FileStorage,
		Replicas:  1,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("bus: create stream: %w", err)
	}

	logger.Info("[Bus] NATS publisher initialized", "url", cfg.URL, "stream", cfg.StreamName)

	return &NATSPublisher{conn: conn, js: js, cfg: cfg, logger: logger}, nil
}

// Publish sends a click-to-call request, retrying transient publish
// failures up to cfg.MaxRetries times with linear backoff.
func (p *NATSPublisher) Publish(ctx context.Context, req ClickToCallRequest) error {
	if req.Guid == "" {
		return fmt.Errorf("bus: click-to-call request missing guid")
	}
	if _, err := callid.Parse(req.Guid); err != nil {
		return fmt.Errorf("bus: guid %q is not a valid CallId: %w", req.Guid, err)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("bus: marshal request: %w", err)
	}

	subject := p.cfg.SubjectPrefix + ".clicktocall." + req.Guid

	var lastErr error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(p.cfg.RetryBackoff * time.Duration(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		pubCtx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
		_, err := p.js.Publish(pubCtx, subject, payload)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		p.logger.Warn("[Bus] click-to-call publish failed, retrying",
			"guid", req.Guid, "attempt", attempt+1, "error", err)
	}

	return fmt.Errorf("bus: click-to-call publish failed after %d attempts: %w", p.cfg.MaxRetries+1, lastErr)
}

// Close drains and closes the NATS connection.
func (p *NATSPublisher) Close() error {
	if p.conn != nil {
		p.conn.Close()
	}
	return nil
}

var _ Publisher = (*NATSPublisher)(nil)
