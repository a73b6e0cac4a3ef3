// Package realtime implements the streaming client for the fall-detection
// monitoring backend: connection lifecycle with exponential-backoff
// reconnects, heartbeats, inbound message dispatch and the alert history.
//
// All state is owned by a single goroutine. Public methods, transport
// callbacks and timer callbacks are queued onto it, and callbacks from a
// superseded connection attempt are discarded by generation number.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"fall-detection-client/internal/data"
	"fall-detection-client/internal/storage"
)

// Notifier is the notification-dispatch collaborator. Notify is invoked
// exactly once per accepted alert, from the client's goroutine, and must not
// block or call back into the client synchronously.
type Notifier interface {
	Notify(alert data.Alert)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(alert data.Alert)

func (f NotifierFunc) Notify(alert data.Alert) { f(alert) }

// Snapshot is a consistent copy of the client's observable state.
type Snapshot struct {
	State            ConnectionState    `json:"state"`
	LastError        string             `json:"last_error,omitempty"`
	Endpoint         *Endpoint          `json:"endpoint,omitempty"`
	Status           *data.SystemStatus `json:"-"`
	LatestAlert      *data.Alert        `json:"-"`
	History          []data.Alert       `json:"-"`
	ReconnectAttempt int                `json:"reconnect_attempt"`
	NextReconnectAt  *time.Time         `json:"next_reconnect_at,omitempty"`
	LastHeartbeatAt  *time.Time         `json:"last_heartbeat_at,omitempty"`
	DroppedMessages  uint64             `json:"dropped_messages"`
}

// Option customizes a Client.
type Option func(*Client)

func WithClock(clock Clock) Option {
	return func(c *Client) { c.clock = clock }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// Client is the real-time connection client façade.
type Client struct {
	cfg      Config
	dial     DialFunc
	notifier Notifier
	clock    Clock
	logger   *slog.Logger

	mailbox   chan func()
	quit      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once

	// Owned by the loop goroutine.
	state          ConnectionState
	lastErr        string
	endpoint       *Endpoint
	attempts       int
	gen            uint64
	session        *session
	reconnectTimer Timer
	nextReconnect  *time.Time
	lastHeartbeat  *time.Time
	status         *data.SystemStatus
	ledger         *storage.AlertLedger
	dropped        uint64

	snapMu sync.RWMutex
	snap   Snapshot

	subsMu  sync.Mutex
	subs    map[int]chan Snapshot
	nextSub int
}

// New creates a client and starts its loop. dial opens transports; notifier
// may be nil when no notification collaborator is wired.
func New(cfg Config, dial DialFunc, notifier Notifier, opts ...Option) *Client {
	c := &Client{
		cfg:      cfg.withDefaults(),
		dial:     dial,
		notifier: notifier,
		clock:    RealClock{},
		logger:   slog.Default(),
		mailbox:  make(chan func(), 64),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
		subs:     make(map[int]chan Snapshot),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.ledger = storage.NewAlertLedger(c.cfg.HistoryCapacity)
	c.snap = Snapshot{State: StateDisconnected}
	go c.loop()
	return c
}

func (c *Client) loop() {
	defer close(c.loopDone)
	for {
		select {
		case fn := <-c.mailbox:
			fn()
		case <-c.quit:
			c.teardown()
			return
		}
	}
}

// exec runs fn on the loop goroutine and waits for it to finish. It reports
// false once the client is closed.
func (c *Client) exec(fn func()) bool {
	done := make(chan struct{})
	select {
	case c.mailbox <- func() { fn(); close(done) }:
	case <-c.quit:
		return false
	}
	select {
	case <-done:
		return true
	case <-c.loopDone:
		return false
	}
}

// post queues fn from a transport or timer goroutine.
func (c *Client) post(fn func()) {
	select {
	case c.mailbox <- fn:
	case <-c.quit:
	}
}

// postCtx is post that also gives up when ctx is done.
func (c *Client) postCtx(ctx context.Context, fn func()) bool {
	select {
	case c.mailbox <- fn:
		return true
	case <-ctx.Done():
		return false
	case <-c.quit:
		return false
	}
}

// Connect validates the endpoint and starts a new connection attempt,
// superseding any existing transport, reconnect timer and heartbeat. An
// invalid endpoint moves the client to StateError without network activity.
func (c *Client) Connect(host string, port int) {
	c.exec(func() { c.connect(Endpoint{Host: host, Port: port}) })
}

// Disconnect stops the connection and suppresses automatic reconnection. It is idempotent.
func (c *Client) Disconnect() {
	c.exec(func() {
		c.teardown()
		c.state = StateDisconnected
		c.logger.Info("disconnected")
		c.publish()
	})
}

// Refresh reconnects to the last attempted endpoint; no-op if none was set.
func (c *Client) Refresh() {
	c.exec(func() {
		if c.endpoint == nil {
			c.logger.Debug("refresh ignored, no endpoint set")
			return
		}
		c.connect(*c.endpoint)
	})
}

// ClearAlertHistory empties the alert history and the latest alert.
func (c *Client) ClearAlertHistory() {
	c.exec(func() {
		c.ledger.Clear()
		c.publish()
	})
}

// DismissError clears the last error message without changing state.
func (c *Client) DismissError() {
	c.exec(func() {
		c.lastErr = ""
		c.publish()
	})
}

// Acknowledge tells the backend the alert for trackID was seen. It reports
// whether the frame was queued; nothing is sent unless connected.
func (c *Client) Acknowledge(trackID int) bool {
	return c.command(data.TypeAck, trackID)
}

// Cancel tells the backend the person on trackID is fine.
func (c *Client) Cancel(trackID int) bool {
	return c.command(data.TypeCancel, trackID)
}

func (c *Client) command(kind string, trackID int) bool {
	frame, err := data.EncodeCommand(kind, trackID)
	if err != nil {
		c.logger.Error("encode command failed", "type", kind, "error", err)
		return false
	}
	queued := false
	c.exec(func() {
		if c.state != StateConnected || c.session == nil {
			c.logger.Info("command not sent, not connected", "type", kind, "track_id", trackID)
			return
		}
		s := c.session
		queued = true
		go func() {
			if err := s.send(frame); err != nil {
				c.logger.Warn("command send failed", "type", kind, "track_id", trackID, "error", err)
			}
		}()
	})
	return queued
}

// Close disconnects and stops the client loop. The client is unusable afterwards.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.quit)
		<-c.loopDone
		c.state = StateDisconnected
		c.publish()

		c.subsMu.Lock()
		for id, ch := range c.subs {
			delete(c.subs, id)
			close(ch)
		}
		c.subsMu.Unlock()
	})
}

func (c *Client) connect(ep Endpoint) {
	c.teardown()
	if err := ep.Validate(); err != nil {
		c.state = StateError
		c.lastErr = err.Error()
		c.logger.Warn("connect rejected", "error", err)
		c.publish()
		return
	}
	c.endpoint = &ep
	c.startAttempt()
}

// startAttempt opens a new session against the current endpoint. Attempt
// counting is left to the caller.
func (c *Client) startAttempt() {
	c.gen++
	s := newSession(c.gen, c.endpoint.URL())
	c.session = s
	c.nextReconnect = nil
	c.state = StateConnecting
	c.logger.Info("connecting", "endpoint", s.url, "attempt", c.attempts)
	c.publish()

	go c.run(s)
	go c.heartbeat(s)
}

// teardown cancels the session, heartbeat and any pending reconnect and
// resets the attempt counter. Late callbacks from them are dropped by gen.
func (c *Client) teardown() {
	c.gen++
	if c.session != nil {
		c.session.stop()
		c.session = nil
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.nextReconnect = nil
	c.attempts = 0
}

func (c *Client) onOpen(gen uint64) {
	if gen != c.gen || c.state != StateConnecting {
		return
	}
	c.state = StateConnected
	c.attempts = 0
	c.lastErr = ""
	c.logger.Info("connected", "endpoint", c.session.url)
	c.publish()
}

func (c *Client) onTransportError(gen uint64, err error) {
	if gen != c.gen {
		return
	}
	if c.state != StateConnected && c.state != StateConnecting {
		return
	}
	if c.session != nil {
		c.session.stop()
		c.session = nil
	}
	c.state = StateDisconnected
	if err != nil {
		c.lastErr = err.Error()
	}
	c.logger.Warn("transport closed", "error", err)
	c.scheduleReconnect()
	c.publish()
}

func (c *Client) scheduleReconnect() {
	if c.endpoint == nil {
		return
	}
	if c.attempts >= c.cfg.MaxReconnectAttempts {
		c.state = StateError
		c.lastErr = fmt.Sprintf("unable to reconnect to %s after %d attempts", c.endpoint, c.cfg.MaxReconnectAttempts)
		c.logger.Error("reconnect attempts exhausted", "endpoint", c.endpoint.String(), "attempts", c.attempts)
		return
	}

	c.attempts++
	delay := Backoff(c.attempts, c.cfg.MaxBackoff)
	at := c.clock.Now().Add(delay)
	c.nextReconnect = &at

	gen := c.gen
	c.reconnectTimer = c.clock.AfterFunc(delay, func() {
		c.post(func() { c.onReconnectDue(gen) })
	})
	c.logger.Info("reconnect scheduled", "endpoint", c.endpoint.String(), "attempt", c.attempts, "delay", delay)
}

func (c *Client) onReconnectDue(gen uint64) {
	if gen != c.gen || c.state != StateDisconnected || c.endpoint == nil {
		return
	}
	c.reconnectTimer = nil
	c.startAttempt()
}

func (c *Client) onMessage(gen uint64, msg data.Message, err error) {
	if gen != c.gen {
		return
	}
	if err != nil {
		c.dropped++
		level := slog.LevelWarn
		if errors.Is(err, data.ErrUnrecognizedShape) {
			level = slog.LevelDebug
		}
		c.logger.Log(context.Background(), level, "dropping inbound message", "error", err)
		c.publish()
		return
	}

	if c.state == StateConnecting {
		c.onOpen(gen)
	}

	switch msg.Kind {
	case data.KindAlert:
		alert := *msg.Alert
		c.ledger.Record(alert)
		c.logger.Info("alert received",
			"alert_id", alert.ID,
			"track_id", alert.TrackID,
			"severity", alert.Severity.String(),
			"event_type", alert.EventType.String(),
		)
		if c.notifier != nil {
			c.notifier.Notify(alert)
		}
	case data.KindStatus:
		status := *msg.Status
		c.status = &status
	case data.KindHeartbeat:
		now := c.clock.Now()
		c.lastHeartbeat = &now
	}
	c.publish()
}

// publish copies loop-owned state into the snapshot read by collaborators
// and pushes it to subscribers. Slow subscribers miss intermediate updates.
func (c *Client) publish() {
	snap := Snapshot{
		State:            c.state,
		LastError:        c.lastErr,
		ReconnectAttempt: c.attempts,
		DroppedMessages:  c.dropped,
		History:          c.ledger.GetAll(),
	}
	if c.endpoint != nil {
		ep := *c.endpoint
		snap.Endpoint = &ep
	}
	if c.status != nil {
		st := *c.status
		snap.Status = &st
	}
	if latest, ok := c.ledger.Latest(); ok {
		snap.LatestAlert = &latest
	}
	if c.nextReconnect != nil {
		at := *c.nextReconnect
		snap.NextReconnectAt = &at
	}
	if c.lastHeartbeat != nil {
		at := *c.lastHeartbeat
		snap.LastHeartbeatAt = &at
	}

	c.snapMu.Lock()
	c.snap = snap
	c.snapMu.Unlock()

	c.subsMu.Lock()
	for _, ch := range c.subs {
		select {
		case ch <- snap.clone():
		default:
		}
	}
	c.subsMu.Unlock()
}

// clone returns a copy of s that shares no memory with the client.
func (s Snapshot) clone() Snapshot {
	if s.Endpoint != nil {
		ep := *s.Endpoint
		s.Endpoint = &ep
	}
	if s.Status != nil {
		st := s.Status.Clone()
		s.Status = &st
	}
	if s.LatestAlert != nil {
		a := s.LatestAlert.Clone()
		s.LatestAlert = &a
	}
	if s.History != nil {
		history := make([]data.Alert, len(s.History))
		for i, a := range s.History {
			history[i] = a.Clone()
		}
		s.History = history
	}
	if s.NextReconnectAt != nil {
		at := *s.NextReconnectAt
		s.NextReconnectAt = &at
	}
	if s.LastHeartbeatAt != nil {
		at := *s.LastHeartbeatAt
		s.LastHeartbeatAt = &at
	}
	return s
}

// Snapshot returns a copy of the current observable state.
func (c *Client) Snapshot() Snapshot {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snap.clone()
}

func (c *Client) State() ConnectionState { return c.Snapshot().State }

// Status returns the latest status snapshot, if any.
func (c *Client) Status() (data.SystemStatus, bool) {
	s := c.Snapshot().Status
	if s == nil {
		return data.SystemStatus{}, false
	}
	return *s, true
}

func (c *Client) LatestAlert() (data.Alert, bool) {
	a := c.Snapshot().LatestAlert
	if a == nil {
		return data.Alert{}, false
	}
	return *a, true
}

// History returns the alert history, newest first.
func (c *Client) History() []data.Alert { return c.Snapshot().History }

// LastError returns the last recorded error message, if any.
func (c *Client) LastError() (string, bool) {
	e := c.Snapshot().LastError
	return e, e != ""
}

// Alerts returns a filtered, restartable view of the alert history.
func (c *Client) Alerts(keep func(data.Alert) bool) iter.Seq[data.Alert] {
	return c.ledger.Filter(keep)
}

// Subscribe returns a channel receiving a snapshot after every state change,
// primed with the current one. buf <= 0 uses a buffer of 16. The returned
// func unsubscribes.
func (c *Client) Subscribe(buf int) (<-chan Snapshot, func()) {
	if buf <= 0 {
		buf = 16
	}
	ch := make(chan Snapshot, buf)

	// publish stores the snapshot before taking subsMu, so priming under the
	// lock means no update falls between the primer and registration.
	c.subsMu.Lock()
	ch <- c.Snapshot()
	select {
	case <-c.quit:
		c.subsMu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.subsMu.Unlock()

	return ch, func() {
		c.subsMu.Lock()
		defer c.subsMu.Unlock()
		if _, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(ch)
		}
	}
}
