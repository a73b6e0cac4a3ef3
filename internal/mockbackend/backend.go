// Package mockbackend is a stand-in monitoring backend for local development.
// It speaks the same websocket protocol as the real detection service: it
// streams status and synthetic alerts, answers heartbeats and logs ACK/CANCEL
// commands.
package mockbackend

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"fall-detection-client/internal/data"
	"fall-detection-client/internal/websocket"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

const maxInjectBody = 64 * 1024

type Config struct {
	StatusInterval time.Duration
	AlertInterval  time.Duration
}

// Command is an ACK or CANCEL received from a client.
type Command struct {
	Kind    string
	TrackID int
}

// SampleHost reads host CPU and memory utilisation. Either value is nil when
// the platform does not report it.
func SampleHost() (cpuPct, memPct *float64) {
	if v, err := cpu.Percent(0, false); err == nil && len(v) > 0 {
		cpuPct = &v[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		memPct = &vm.UsedPercent
	}
	return cpuPct, memPct
}

var locations = []string{"Living room", "Kitchen", "Hallway", "Bedroom", "Bathroom"}

var syntheticKinds = []struct {
	severity  data.Severity
	eventType data.EventType
	message   string
}{
	{data.SeverityWarning, data.EventImmobility, "Person has not moved for an extended period"},
	{data.SeverityAlarm, data.EventFall, "Possible fall detected"},
	{data.SeverityEmergency, data.EventFall, "Fall detected, person is not getting up"},
	{data.SeverityWarning, data.EventRecovery, "Person recovered after a fall"},
}

type Backend struct {
	cfg    Config
	hub    *websocket.Hub
	logger *slog.Logger

	sample func() (*float64, *float64)
	newID  func() string

	mu       sync.Mutex
	rng      *rand.Rand
	seq      int
	commands []Command
}

func New(cfg Config, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = 5 * time.Second
	}
	if cfg.AlertInterval <= 0 {
		cfg.AlertInterval = 20 * time.Second
	}
	b := &Backend{
		cfg:    cfg,
		hub:    websocket.NewHub(logger),
		logger: logger,
		sample: SampleHost,
		newID:  uuid.NewString,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	b.hub.OnMessage = b.handleFrame
	b.hub.OnRegister = b.greet
	return b
}

// Router serves the websocket stream on every path except the helpers.
func (b *Backend) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"status": "ok", "clients": b.hub.ClientCount()})
	})
	r.Post("/alerts", b.HandleInjectAlert)
	r.Handle("/*", b.hub)
	return r
}

// Run drives the hub and the status/alert streams until ctx is done.
func (b *Backend) Run(ctx context.Context) {
	go b.hub.Run(ctx)

	statusTicker := time.NewTicker(b.cfg.StatusInterval)
	defer statusTicker.Stop()
	alertTicker := time.NewTicker(b.cfg.AlertInterval)
	defer alertTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-statusTicker.C:
			if frame, err := b.statusFrame(); err == nil {
				b.hub.Broadcast(frame)
			}
		case <-alertTicker.C:
			b.broadcastAlert(b.syntheticAlert())
		}
	}
}

// Commands returns the ACK/CANCEL frames received so far.
func (b *Backend) Commands() []Command {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Command(nil), b.commands...)
}

func (b *Backend) greet(*websocket.Client) [][]byte {
	frame, err := b.statusFrame()
	if err != nil {
		return nil
	}
	return [][]byte{frame}
}

func (b *Backend) handleFrame(c *websocket.Client, frame []byte) {
	kind, trackID, err := data.DecodeCommand(frame)
	if err != nil {
		b.logger.Warn("unreadable client frame", "error", err)
		return
	}
	switch kind {
	case "HEARTBEAT":
		b.hub.SendTo(c, data.HeartbeatFrame())
	case data.TypeAck, data.TypeCancel:
		b.mu.Lock()
		b.commands = append(b.commands, Command{Kind: kind, TrackID: trackID})
		b.mu.Unlock()
		b.logger.Info("client command", "type", kind, "track_id", trackID)
	default:
		b.logger.Warn("unknown client frame", "type", kind)
	}
}

func (b *Backend) statusFrame() ([]byte, error) {
	cpuPct, memPct := b.sample()
	b.mu.Lock()
	people := b.rng.Intn(4)
	fps := 24 + b.rng.Float64()*6
	b.mu.Unlock()

	frame, err := data.EncodeStatus(data.SystemStatus{
		IsRunning:    true,
		ActivePeople: people,
		FPS:          fps,
		CPUUsage:     cpuPct,
		MemoryUsage:  memPct,
	})
	if err != nil {
		b.logger.Error("error encoding status", "error", err)
	}
	return frame, err
}

func (b *Backend) syntheticAlert() data.Alert {
	b.mu.Lock()
	defer b.mu.Unlock()
	kind := syntheticKinds[b.seq%len(syntheticKinds)]
	b.seq++
	loc := locations[b.rng.Intn(len(locations))]
	return data.Alert{
		ID:        b.newID(),
		TrackID:   1 + b.rng.Intn(5),
		Severity:  kind.severity,
		EventType: kind.eventType,
		RiskScore: 40 + b.rng.Intn(60),
		Timestamp: time.Now(),
		Location:  &loc,
		Message:   kind.message,
	}
}

func (b *Backend) broadcastAlert(a data.Alert) {
	frame, err := data.EncodeAlert(a)
	if err != nil {
		b.logger.Error("error encoding alert", "error", err)
		return
	}
	b.hub.Broadcast(frame)
	b.logger.Info("alert sent",
		"alert_id", a.ID,
		"track_id", a.TrackID,
		"severity", a.Severity.String(),
		"event_type", a.EventType.String(),
	)
}

// HandleInjectAlert broadcasts an alert payload posted by a developer.
// alert_id and timestamp are filled in when absent.
func (b *Backend) HandleInjectAlert(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxInjectBody))
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "Bad Request: Cannot parse JSON", http.StatusBadRequest)
		return
	}
	if _, ok := payload["alert_id"]; !ok {
		payload["alert_id"] = b.newID()
	}
	if _, ok := payload["timestamp"]; !ok {
		payload["timestamp"] = time.Now().Format(time.RFC3339Nano)
	}

	raw, err := json.Marshal(map[string]any{"type": data.TypeAlert, "data": payload})
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	msg, err := data.Decode(raw)
	if err != nil {
		http.Error(w, "Bad Request: "+err.Error(), http.StatusBadRequest)
		return
	}
	b.broadcastAlert(*msg.Alert)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"alert_id": msg.Alert.ID})
}
