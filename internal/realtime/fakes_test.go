package realtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"fall-detection-client/internal/data"
)

var errConnClosed = errors.New("use of closed network connection")

// fakeClock records timers and tickers instead of running them.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	timers  []*fakeTimer
	tickers []*fakeTicker
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{delay: d, fn: f, clock: c}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTicker{period: d, ch: make(chan time.Time, 1)}
	c.tickers = append(c.tickers, t)
	return t
}

func (c *fakeClock) Timers() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*fakeTimer(nil), c.timers...)
}

func (c *fakeClock) Tickers() []*fakeTicker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*fakeTicker(nil), c.tickers...)
}

func (c *fakeClock) Delays() []time.Duration {
	var out []time.Duration
	for _, t := range c.Timers() {
		out = append(out, t.delay)
	}
	return out
}

type fakeTimer struct {
	delay   time.Duration
	fn      func()
	clock   *fakeClock
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

func (t *fakeTimer) Stopped() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	return t.stopped
}

// Fire runs the callback even if the timer was stopped, simulating a
// callback that was already in flight.
func (t *fakeTimer) Fire() {
	t.clock.mu.Lock()
	t.fired = true
	t.clock.mu.Unlock()
	t.fn()
}

type fakeTicker struct {
	period  time.Duration
	ch      chan time.Time
	mu      sync.Mutex
	stopped bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

func (t *fakeTicker) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *fakeTicker) Tick() {
	select {
	case t.ch <- time.Now():
	default:
	}
}

type readResult struct {
	frame []byte
	err   error
}

// fakeConn is a scripted transport.
type fakeConn struct {
	reads     chan readResult
	closed    chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	writes [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{reads: make(chan readResult, 16), closed: make(chan struct{})}
}

func (f *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case r := <-f.reads:
		return r.frame, r.err
	case <-f.closed:
		return nil, errConnClosed
	}
}

func (f *fakeConn) WriteMessage(frame []byte) error {
	select {
	case <-f.closed:
		return errConnClosed
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, append([]byte(nil), frame...))
	return nil
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) IsClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeConn) Writes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.writes))
	for _, w := range f.writes {
		out = append(out, string(w))
	}
	return out
}

func (f *fakeConn) Push(frame string) { f.reads <- readResult{frame: []byte(frame)} }

func (f *fakeConn) Fail(err error) { f.reads <- readResult{err: err} }

type dialReply struct {
	conn *fakeConn
	err  error
}

type dialCall struct {
	url   string
	reply chan dialReply
}

func (c dialCall) Succeed() *fakeConn {
	conn := newFakeConn()
	c.reply <- dialReply{conn: conn}
	return conn
}

func (c dialCall) Refuse(err error) { c.reply <- dialReply{err: err} }

// fakeDialer hands every dial to the test, which answers it.
type fakeDialer struct {
	calls chan dialCall
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{calls: make(chan dialCall, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	call := dialCall{url: url, reply: make(chan dialReply, 1)}
	d.calls <- call
	select {
	case r := <-call.reply:
		if r.err != nil {
			return nil, r.err
		}
		return r.conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *fakeDialer) Next(t *testing.T) dialCall {
	t.Helper()
	select {
	case call := <-d.calls:
		return call
	case <-time.After(2 * time.Second):
		t.Fatal("expected a dial")
		return dialCall{}
	}
}

func (d *fakeDialer) AssertNoDial(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case call := <-d.calls:
		t.Fatalf("unexpected dial to %s", call.url)
	case <-time.After(wait):
	}
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []data.Alert
}

func (n *recordingNotifier) Notify(alert data.Alert) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alert)
}

func (n *recordingNotifier) Alerts() []data.Alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]data.Alert(nil), n.alerts...)
}

type harness struct {
	client   *Client
	dialer   *fakeDialer
	clock    *fakeClock
	notifier *recordingNotifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{dialer: newFakeDialer(), clock: newFakeClock(), notifier: &recordingNotifier{}}
	h.client = New(DefaultConfig(), h.dialer.Dial, h.notifier,
		WithClock(h.clock),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	t.Cleanup(h.client.Close)
	return h
}

// connected drives the client to StateConnected and returns the transport.
func (h *harness) connected(t *testing.T, host string, port int) *fakeConn {
	t.Helper()
	h.client.Connect(host, port)
	conn := h.dialer.Next(t).Succeed()
	waitState(t, h.client, StateConnected)
	return conn
}

func waitState(t *testing.T, c *Client, want ConnectionState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", c.State(), want)
}

// waitScheduled blocks until the n-th reconnect timer exists and the
// snapshot carrying it has been published.
func waitScheduled(t *testing.T, h *harness, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap := h.client.Snapshot()
		if len(h.clock.Timers()) == n && snap.State == StateDisconnected && snap.NextReconnectAt != nil {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("reconnect %d not scheduled, timers=%d state=%s", n, len(h.clock.Timers()), h.client.State())
}
