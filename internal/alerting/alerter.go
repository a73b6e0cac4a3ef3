// internal/alerting/alerter.go
package alerting

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"fall-detection-client/internal/data"

	"github.com/google/uuid"
)

const (
	defaultQueueSize = 64
	sendTimeout      = 10 * time.Second
)

// Notification is the user-facing rendering of an accepted alert.
type Notification struct {
	DeliveryID string    `json:"delivery_id"`
	AlertID    string    `json:"alert_id"`
	TrackID    int       `json:"track_id"`
	Severity   string    `json:"severity"`
	EventType  string    `json:"event_type"`
	RiskScore  int       `json:"risk_score"`
	Title      string    `json:"title"`
	Body       string    `json:"body"`
	Location   string    `json:"location,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewNotification renders alert for delivery.
func NewNotification(alert data.Alert, deliveryID string) Notification {
	n := Notification{
		DeliveryID: deliveryID,
		AlertID:    alert.ID,
		TrackID:    alert.TrackID,
		Severity:   alert.Severity.String(),
		EventType:  alert.EventType.String(),
		RiskScore:  alert.RiskScore,
		Title:      "⚠️ " + alert.Severity.DisplayName(),
		Body:       alert.Message,
		Timestamp:  alert.Timestamp,
	}
	if alert.Location != nil {
		n.Location = *alert.Location
	}
	return n
}

// Sink delivers a notification to one channel.
type Sink interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// Policy is the user's notification preference.
type Policy struct {
	Enabled         bool          `json:"enabled"`
	MinimumSeverity data.Severity `json:"-"`
	// Cooldown suppresses repeat notifications for the same track. Zero disables it.
	Cooldown time.Duration `json:"-"`
}

// Stats counts dispatcher outcomes since start.
type Stats struct {
	Delivered  uint64 `json:"delivered"`
	Suppressed uint64 `json:"suppressed"`
	Dropped    uint64 `json:"dropped"`
	Failed     uint64 `json:"failed"`
}

// Dispatcher is the notification collaborator of the realtime client. Notify
// applies the policy and queues without blocking; Run delivers to every sink.
type Dispatcher struct {
	sinks    []Sink
	cooldown Cooldown
	queue    chan data.Alert
	logger   *slog.Logger
	newID    func() string

	mu     sync.RWMutex
	policy Policy

	delivered  atomic.Uint64
	suppressed atomic.Uint64
	dropped    atomic.Uint64
	failed     atomic.Uint64
}

type Option func(*Dispatcher)

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithCooldown sets the store consulted when the policy has a cooldown.
func WithCooldown(c Cooldown) Option {
	return func(d *Dispatcher) { d.cooldown = c }
}

func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan data.Alert, n)
		}
	}
}

func NewDispatcher(policy Policy, sinks []Sink, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sinks:  sinks,
		queue:  make(chan data.Alert, defaultQueueSize),
		logger: slog.Default(),
		newID:  uuid.NewString,
		policy: policy,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.cooldown == nil {
		d.cooldown = NewMemoryCooldown()
	}
	return d
}

func (d *Dispatcher) Policy() Policy {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.policy
}

func (d *Dispatcher) SetPolicy(p Policy) {
	d.mu.Lock()
	d.policy = p
	d.mu.Unlock()
	d.logger.Info("notification policy updated",
		"enabled", p.Enabled,
		"minimum_severity", p.MinimumSeverity.String(),
		"cooldown", p.Cooldown,
	)
}

// Notify implements realtime.Notifier.
func (d *Dispatcher) Notify(alert data.Alert) {
	p := d.Policy()
	if !p.Enabled || !alert.Severity.AtLeast(p.MinimumSeverity) {
		d.suppressed.Add(1)
		d.logger.Debug("notification suppressed by policy",
			"alert_id", alert.ID,
			"severity", alert.Severity.String(),
		)
		return
	}
	select {
	case d.queue <- alert:
	default:
		d.dropped.Add(1)
		d.logger.Warn("notification queue full, dropping", "alert_id", alert.ID)
	}
}

// Run delivers queued notifications until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case alert := <-d.queue:
			d.deliver(ctx, alert)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, alert data.Alert) {
	if window := d.Policy().Cooldown; window > 0 {
		ok, err := d.cooldown.Allow(ctx, alert.TrackID, window)
		switch {
		case err != nil:
			d.logger.Warn("cooldown check failed, delivering anyway", "track_id", alert.TrackID, "error", err)
		case !ok:
			d.suppressed.Add(1)
			d.logger.Debug("notification suppressed by cooldown", "alert_id", alert.ID, "track_id", alert.TrackID)
			return
		}
	}

	n := NewNotification(alert, d.newID())
	failures := 0
	for _, sink := range d.sinks {
		sctx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := sink.Send(sctx, n)
		cancel()
		if err != nil {
			failures++
			d.logger.Error("notification delivery failed",
				"sink", sink.Name(),
				"delivery_id", n.DeliveryID,
				"alert_id", n.AlertID,
				"error", err,
			)
		}
	}
	if failures > 0 && failures == len(d.sinks) {
		d.failed.Add(1)
		return
	}
	d.delivered.Add(1)
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Delivered:  d.delivered.Load(),
		Suppressed: d.suppressed.Load(),
		Dropped:    d.dropped.Load(),
		Failed:     d.failed.Load(),
	}
}
