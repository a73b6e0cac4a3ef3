package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RetryConfig defines retry behaviour for transient delivery failures.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		BackoffFactor:  2.0,
	}
}

// statusError is a non-2xx webhook response.
type statusError struct {
	code int
}

func (e *statusError) Error() string { return fmt.Sprintf("webhook returned status %d", e.code) }

// isRetryable reports whether err is a transient network failure or a
// rate-limit / server-side status.
func isRetryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests || se.code >= 500
	}
	var ne net.Error
	return errors.As(err, &ne)
}

func withRetry(ctx context.Context, cfg RetryConfig, operation string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryable(err) || attempt == cfg.MaxRetries {
			return err
		}

		backoff := retryBackoff(cfg, attempt)
		slog.Warn("operation failed, retrying",
			"operation", operation,
			"attempt", attempt+1,
			"backoff", backoff,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return lastErr
}

// retryBackoff is initial * factor^attempt, capped, with ±25% jitter.
func retryBackoff(cfg RetryConfig, attempt int) time.Duration {
	backoff := float64(cfg.InitialBackoff) * math.Pow(cfg.BackoffFactor, float64(attempt))
	if backoff > float64(cfg.MaxBackoff) {
		backoff = float64(cfg.MaxBackoff)
	}
	backoff += backoff * 0.25 * (rand.Float64()*2 - 1)
	return time.Duration(backoff)
}

// SlackSink posts notifications to a Slack incoming webhook.
type SlackSink struct {
	webhookURL string
	httpClient *http.Client
	retry      RetryConfig
}

func NewSlackSink(webhookURL string) (*SlackSink, error) {
	if !strings.HasPrefix(webhookURL, "http://") && !strings.HasPrefix(webhookURL, "https://") {
		return nil, fmt.Errorf("invalid Slack webhook URL %q: must be an HTTP(S) URL", maskURL(webhookURL))
	}
	return &SlackSink{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retry:      DefaultRetryConfig(),
	}, nil
}

func (*SlackSink) Name() string { return "slack" }

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Text   string       `json:"text"`
	Fields []slackField `json:"fields"`
	Ts     int64        `json:"ts"`
}

type slackPayload struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments"`
}

func severityColor(severity string) string {
	switch severity {
	case "EMERGENCY":
		return "danger"
	case "ALARM":
		return "warning"
	default:
		return "#439FE0"
	}
}

func buildSlackPayload(n Notification) slackPayload {
	fields := []slackField{
		{Title: "Alert ID", Value: n.AlertID, Short: true},
		{Title: "Track", Value: strconv.Itoa(n.TrackID), Short: true},
		{Title: "Severity", Value: n.Severity, Short: true},
		{Title: "Risk score", Value: strconv.Itoa(n.RiskScore), Short: true},
	}
	if n.Location != "" {
		fields = append(fields, slackField{Title: "Location", Value: n.Location, Short: true})
	}
	return slackPayload{
		Text: n.Title,
		Attachments: []slackAttachment{{
			Color:  severityColor(n.Severity),
			Title:  n.EventType,
			Text:   n.Body,
			Fields: fields,
			Ts:     n.Timestamp.Unix(),
		}},
	}
}

func (s *SlackSink) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(buildSlackPayload(n))
	if err != nil {
		return fmt.Errorf("failed to marshal Slack payload: %w", err)
	}
	return withRetry(ctx, s.retry, "slack_"+n.DeliveryID, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to create HTTP request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("send to %s: %w", maskURL(s.webhookURL), err)
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &statusError{code: resp.StatusCode}
		}
		return nil
	})
}

// maskURL hides the secret tail of a webhook URL for logging.
func maskURL(url string) string {
	if len(url) > 50 {
		return url[:30] + "..." + url[len(url)-10:]
	}
	return url
}
