package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"fall-detection-client/internal/alerting"
	"fall-detection-client/internal/auth"
	"fall-detection-client/internal/data"
	"fall-detection-client/internal/realtime"
	"fall-detection-client/internal/storage"
	"fall-detection-client/internal/websocket"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type fakeClient struct {
	mu        sync.Mutex
	snap      realtime.Snapshot
	ledger    *storage.AlertLedger
	connected bool
	calls     []string
	updates   chan realtime.Snapshot
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		snap:    realtime.Snapshot{State: realtime.StateDisconnected},
		ledger:  storage.NewAlertLedger(storage.DefaultCapacity),
		updates: make(chan realtime.Snapshot, 8),
	}
}

func (f *fakeClient) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeClient) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeClient) Snapshot() realtime.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.snap
	s.History = f.ledger.GetAll()
	if latest, ok := f.ledger.Latest(); ok {
		s.LatestAlert = &latest
	}
	return s
}

func (f *fakeClient) Connect(host string, port int) {
	f.record("connect")
	f.mu.Lock()
	defer f.mu.Unlock()
	ep := realtime.Endpoint{Host: host, Port: port}
	if err := ep.Validate(); err != nil {
		f.snap.State = realtime.StateError
		f.snap.LastError = err.Error()
		return
	}
	f.snap.State = realtime.StateConnecting
	f.snap.Endpoint = &ep
}

func (f *fakeClient) Disconnect() {
	f.record("disconnect")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap.State = realtime.StateDisconnected
}

func (f *fakeClient) Refresh()      { f.record("refresh") }
func (f *fakeClient) DismissError() { f.record("dismiss") }

func (f *fakeClient) ClearAlertHistory() {
	f.record("clear")
	f.ledger.Clear()
}

func (f *fakeClient) Acknowledge(trackID int) bool {
	f.record("ack")
	return f.isConnected()
}

func (f *fakeClient) Cancel(trackID int) bool {
	f.record("cancel")
	return f.isConnected()
}

func (f *fakeClient) isConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeClient) setConnected(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = v
}

func (f *fakeClient) setStatus(s data.SystemStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap.Status = &s
}

func (f *fakeClient) Alerts(keep func(data.Alert) bool) iter.Seq[data.Alert] {
	return f.ledger.Filter(keep)
}

func (f *fakeClient) Subscribe(int) (<-chan realtime.Snapshot, func()) {
	return f.updates, func() {}
}

type fakeSettings struct {
	mu     sync.Mutex
	policy alerting.Policy
}

func (s *fakeSettings) Policy() alerting.Policy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy
}

func (s *fakeSettings) SetPolicy(p alerting.Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policy = p
}

func (s *fakeSettings) Stats() alerting.Stats { return alerting.Stats{Delivered: 2} }

type testAPI struct {
	client   *fakeClient
	settings *fakeSettings
	hub      *websocket.Hub
	handler  *APIHandler
	server   *httptest.Server
}

func newTestAPI(t *testing.T, authCfg auth.Config) *testAPI {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithCancel(context.Background())

	a := &testAPI{
		client:   newFakeClient(),
		settings: &fakeSettings{policy: alerting.Policy{Enabled: true, MinimumSeverity: data.SeverityWarning}},
		hub:      websocket.NewHub(logger),
	}
	go a.hub.Run(ctx)
	a.handler = NewAPIHandler(a.client, a.settings, auth.NewManager(authCfg), a.hub, logger)
	a.server = httptest.NewServer(SetupRouter(a.handler))
	t.Cleanup(func() {
		cancel()
		a.server.Close()
	})
	return a
}

func (a *testAPI) do(t *testing.T, method, path, body string, headers ...string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, a.server.URL+path, r)
	require.NoError(t, err)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func seedAlerts(f *fakeClient) {
	for i, spec := range []struct {
		sev data.Severity
		et  data.EventType
	}{
		{data.SeverityWarning, data.EventImmobility},
		{data.SeverityEmergency, data.EventFall},
		{data.SeverityAlarm, data.EventFall},
	} {
		f.ledger.Record(data.Alert{
			ID: string(rune('a' + i)), TrackID: i, Severity: spec.sev, EventType: spec.et,
			Timestamp: time.Now(), Message: "m",
		})
	}
}

func TestHealthz(t *testing.T) {
	a := newTestAPI(t, auth.Config{APIKeys: []string{"k"}})
	resp := a.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	assert.Equal(t, "disconnected", body["state"])
}

func TestState(t *testing.T) {
	a := newTestAPI(t, auth.Config{})
	cpu := 12.5
	a.client.setStatus(data.SystemStatus{IsRunning: true, ActivePeople: 3, FPS: 25, CPUUsage: &cpu})
	seedAlerts(a.client)

	resp := a.do(t, http.MethodGet, "/api/state", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "disconnected", body["state"])
	assert.EqualValues(t, 3, body["alert_count"])
	status := body["status"].(map[string]any)
	assert.EqualValues(t, 3, status["active_people"])
	assert.EqualValues(t, 12.5, status["cpu_usage"])
	latest := body["latest_alert"].(map[string]any)
	assert.Equal(t, "ALARM", latest["severity"])
	assert.Equal(t, "Alarm", latest["severity_name"])
	assert.NotContains(t, body, "History")
}

func TestAlerts_Filtering(t *testing.T) {
	a := newTestAPI(t, auth.Config{})
	seedAlerts(a.client)

	tests := []struct {
		query string
		want  []string
	}{
		{"", []string{"c", "b", "a"}},
		{"?min_severity=alarm", []string{"c", "b"}},
		{"?event_type=FALL", []string{"c", "b"}},
		{"?min_severity=EMERGENCY&event_type=fall", []string{"b"}},
		{"?event_type=RECOVERY", []string{}},
		{"?limit=1", []string{"c"}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			resp := a.do(t, http.MethodGet, "/api/alerts"+tt.query, "")
			require.Equal(t, http.StatusOK, resp.StatusCode)
			alerts := decode[[]alertView](t, resp)
			ids := make([]string, 0, len(alerts))
			for _, al := range alerts {
				ids = append(ids, al.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}

	for _, bad := range []string{"?min_severity=CRITICAL", "?event_type=SLIP", "?limit=0"} {
		resp := a.do(t, http.MethodGet, "/api/alerts"+bad, "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, bad)
	}
}

func TestClearAlerts(t *testing.T) {
	a := newTestAPI(t, auth.Config{})
	seedAlerts(a.client)

	resp := a.do(t, http.MethodDelete, "/api/alerts", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, a.client.Snapshot().History)
}

func TestConnect(t *testing.T) {
	a := newTestAPI(t, auth.Config{})

	resp := a.do(t, http.MethodPost, "/api/connect", `{"host":"monitor.local","port":8080}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.Equal(t, "connecting", body["state"])

	resp = a.do(t, http.MethodPost, "/api/connect", `{"host":"","port":8080}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	body = decode[map[string]any](t, resp)
	assert.Equal(t, "error", body["state"])
	assert.Contains(t, body["last_error"], "invalid endpoint")

	resp = a.do(t, http.MethodPost, "/api/connect", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	assert.Equal(t, []string{"connect", "connect"}, a.client.Calls())
}

func TestLifecycleCommands(t *testing.T) {
	a := newTestAPI(t, auth.Config{})

	assert.Equal(t, http.StatusOK, a.do(t, http.MethodPost, "/api/disconnect", "").StatusCode)
	assert.Equal(t, http.StatusAccepted, a.do(t, http.MethodPost, "/api/refresh", "").StatusCode)
	assert.Equal(t, http.StatusNoContent, a.do(t, http.MethodDelete, "/api/error", "").StatusCode)
	assert.Equal(t, []string{"disconnect", "refresh", "dismiss"}, a.client.Calls())
}

func TestAckAndCancel(t *testing.T) {
	a := newTestAPI(t, auth.Config{})

	assert.Equal(t, http.StatusConflict, a.do(t, http.MethodPost, "/api/alerts/3/ack", "").StatusCode)
	a.client.setConnected(true)
	assert.Equal(t, http.StatusAccepted, a.do(t, http.MethodPost, "/api/alerts/3/ack", "").StatusCode)
	assert.Equal(t, http.StatusAccepted, a.do(t, http.MethodPost, "/api/alerts/3/cancel", "").StatusCode)
	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodPost, "/api/alerts/abc/ack", "").StatusCode)
	assert.Equal(t, []string{"ack", "ack", "cancel"}, a.client.Calls())
}

func TestSettings(t *testing.T) {
	a := newTestAPI(t, auth.Config{})

	resp := a.do(t, http.MethodGet, "/api/settings", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[settingsView](t, resp)
	assert.True(t, got.Enabled)
	assert.Equal(t, "WARNING", got.MinimumSeverity)
	assert.Equal(t, uint64(2), got.Stats.Delivered)

	resp = a.do(t, http.MethodPut, "/api/settings", `{"minimum_severity":"emergency","cooldown":"2m"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	p := a.settings.Policy()
	assert.Equal(t, data.SeverityEmergency, p.MinimumSeverity)
	assert.Equal(t, 2*time.Minute, p.Cooldown)
	assert.True(t, p.Enabled)

	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodPut, "/api/settings", `{"minimum_severity":"x"}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodPut, "/api/settings", `{"cooldown":"-1s"}`).StatusCode)
}

func TestAuthProtectsRoutes(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	require.NoError(t, err)
	a := newTestAPI(t, auth.Config{
		APIKeys:      []string{"key-1"},
		JWTSecret:    "secret",
		AllowedUsers: []auth.User{{Username: "nurse", PasswordHash: string(hash), Role: "staff"}},
	})

	assert.Equal(t, http.StatusUnauthorized, a.do(t, http.MethodGet, "/api/state", "").StatusCode)
	assert.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/api/state", "", "X-API-Key", "key-1").StatusCode)

	assert.Equal(t, http.StatusUnauthorized,
		a.do(t, http.MethodPost, "/api/login", `{"username":"nurse","password":"nope"}`).StatusCode)

	resp := a.do(t, http.MethodPost, "/api/login", `{"username":"nurse","password":"pw"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	login := decode[loginResponse](t, resp)
	require.NotEmpty(t, login.Token)

	resp = a.do(t, http.MethodGet, "/api/state", "", "Authorization", "Bearer "+login.Token)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLogin_NoSecretConfigured(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	require.NoError(t, err)
	a := newTestAPI(t, auth.Config{AllowedUsers: []auth.User{{Username: "u", PasswordHash: string(hash)}}})

	resp := a.do(t, http.MethodPost, "/api/login", `{"username":"u","password":"pw"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestWebSocketStream(t *testing.T) {
	a := newTestAPI(t, auth.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.handler.StreamSnapshots(ctx)

	conn, err := websocket.NewDialer(time.Second).Dial(context.Background(),
		"ws"+strings.TrimPrefix(a.server.URL, "http")+"/ws")
	require.NoError(t, err)
	defer conn.Close()

	frame, err := conn.ReadMessage()
	require.NoError(t, err)
	var initial struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(frame, &initial))
	assert.Equal(t, "state", initial.Type)
	assert.Equal(t, "disconnected", initial.Data["state"])

	a.client.updates <- realtime.Snapshot{State: realtime.StateConnected}
	frame, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.True(t, bytes.Contains(frame, []byte(`"state":"connected"`)), string(frame))
}
