package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// LogSink writes notifications to the structured log.
type LogSink struct {
	Logger *slog.Logger
}

func (LogSink) Name() string { return "log" }

func (s LogSink) Send(_ context.Context, n Notification) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn(n.Title,
		"body", n.Body,
		"delivery_id", n.DeliveryID,
		"alert_id", n.AlertID,
		"track_id", n.TrackID,
		"severity", n.Severity,
		"risk_score", n.RiskScore,
	)
	return nil
}

// Broadcaster is satisfied by websocket.Hub.
type Broadcaster interface {
	BroadcastJSON(v any)
}

// HubSink pushes notifications to connected UI observers.
type HubSink struct {
	Hub Broadcaster
}

func (HubSink) Name() string { return "hub" }

func (s HubSink) Send(_ context.Context, n Notification) error {
	s.Hub.BroadcastJSON(struct {
		Type string       `json:"type"`
		Data Notification `json:"data"`
	}{Type: "notification", Data: n})
	return nil
}

// NATSSink publishes each notification as JSON on a subject.
type NATSSink struct {
	conn    *nats.Conn
	subject string
	logger  *slog.Logger
}

func NewNATSSink(url, subject string, logger *slog.Logger) (*NATSSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := nats.Connect(url,
		nats.Name("fallwatch"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	logger.Info("connected to NATS", "url", url, "subject", subject)
	return &NATSSink{conn: conn, subject: subject, logger: logger}, nil
}

func (*NATSSink) Name() string { return "nats" }

func (s *NATSSink) Send(_ context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := s.conn.Publish(s.subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", s.subject, err)
	}
	return nil
}

func (s *NATSSink) Close() {
	if s.conn != nil {
		if err := s.conn.Drain(); err != nil {
			s.conn.Close()
		}
		s.logger.Info("disconnected from NATS")
	}
}
