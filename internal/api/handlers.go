package api

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"fall-detection-client/internal/alerting"
	"fall-detection-client/internal/auth"
	"fall-detection-client/internal/data"
	"fall-detection-client/internal/realtime"
	"fall-detection-client/internal/storage"
	"fall-detection-client/internal/websocket"

	"github.com/go-chi/chi/v5"
)

// ClientController is the part of realtime.Client the API drives.
type ClientController interface {
	Snapshot() realtime.Snapshot
	Connect(host string, port int)
	Disconnect()
	Refresh()
	ClearAlertHistory()
	DismissError()
	Acknowledge(trackID int) bool
	Cancel(trackID int) bool
	Alerts(keep func(data.Alert) bool) iter.Seq[data.Alert]
	Subscribe(buf int) (<-chan realtime.Snapshot, func())
}

// Settings is the notification policy store, normally *alerting.Dispatcher.
type Settings interface {
	Policy() alerting.Policy
	SetPolicy(alerting.Policy)
	Stats() alerting.Stats
}

type APIHandler struct {
	client   ClientController
	settings Settings
	auth     *auth.Manager
	hub      *websocket.Hub
	logger   *slog.Logger
}

// NewAPIHandler wires the handler. settings may be nil, in which case the
// settings routes answer 404.
func NewAPIHandler(client ClientController, settings Settings, authManager *auth.Manager, hub *websocket.Hub, logger *slog.Logger) *APIHandler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &APIHandler{client: client, settings: settings, auth: authManager, hub: hub, logger: logger}
	hub.OnRegister = h.sendInitialState
	return h
}

func (h *APIHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("error encoding response", "error", err)
	}
}

func (h *APIHandler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

func (h *APIHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"state":  h.client.Snapshot().State.String(),
	})
}

// HandleLogin exchanges a username and password for a bearer token.
func (h *APIHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	role, err := h.auth.AuthenticateUser(req.Username, req.Password)
	if err != nil {
		h.logger.Info("login rejected", "username", req.Username)
		h.writeError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}
	token, expiresAt, err := h.auth.GenerateJWT(req.Username, role)
	if errors.Is(err, auth.ErrNoSecret) {
		h.writeError(w, http.StatusServiceUnavailable, "token login is not configured")
		return
	}
	if err != nil {
		h.logger.Error("error issuing token", "error", err)
		h.writeError(w, http.StatusInternalServerError, "could not issue token")
		return
	}
	h.writeJSON(w, http.StatusOK, loginResponse{Token: token, ExpiresAt: expiresAt})
}

func (h *APIHandler) HandleState(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, newStateView(h.client.Snapshot()))
}

// HandleAlerts lists the alert history newest first, optionally filtered by
// min_severity and event_type and truncated to limit.
func (h *APIHandler) HandleAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var preds []func(data.Alert) bool

	if v := q.Get("min_severity"); v != "" {
		sev, ok := data.ParseSeverity(v)
		if !ok {
			h.writeError(w, http.StatusBadRequest, "unknown severity "+strconv.Quote(v))
			return
		}
		preds = append(preds, storage.MinSeverity(sev))
	}
	if v := q.Get("event_type"); v != "" {
		et, ok := data.ParseEventType(v)
		if !ok {
			h.writeError(w, http.StatusBadRequest, "unknown event type "+strconv.Quote(v))
			return
		}
		preds = append(preds, storage.OfEventType(et))
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	alerts := make([]alertView, 0)
	for a := range h.client.Alerts(storage.All(preds...)) {
		alerts = append(alerts, newAlertView(a))
		if limit > 0 && len(alerts) == limit {
			break
		}
	}
	h.writeJSON(w, http.StatusOK, alerts)
}

func (h *APIHandler) HandleClearAlerts(w http.ResponseWriter, r *http.Request) {
	h.client.ClearAlertHistory()
	w.WriteHeader(http.StatusNoContent)
}

// HandleConnect starts a connection to the posted endpoint. An invalid
// endpoint is reported as 422 alongside the resulting error state.
func (h *APIHandler) HandleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := (realtime.Endpoint{Host: req.Host, Port: req.Port}).Validate(); err != nil {
		// The client still records the rejection as observable state.
		h.client.Connect(req.Host, req.Port)
		h.writeJSON(w, http.StatusUnprocessableEntity, newStateView(h.client.Snapshot()))
		return
	}
	h.client.Connect(req.Host, req.Port)
	h.writeJSON(w, http.StatusAccepted, newStateView(h.client.Snapshot()))
}

func (h *APIHandler) HandleDisconnect(w http.ResponseWriter, r *http.Request) {
	h.client.Disconnect()
	h.writeJSON(w, http.StatusOK, newStateView(h.client.Snapshot()))
}

func (h *APIHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	h.client.Refresh()
	h.writeJSON(w, http.StatusAccepted, newStateView(h.client.Snapshot()))
}

func (h *APIHandler) HandleDismissError(w http.ResponseWriter, r *http.Request) {
	h.client.DismissError()
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) HandleAcknowledge(w http.ResponseWriter, r *http.Request) {
	h.handleCommand(w, r, h.client.Acknowledge)
}

func (h *APIHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	h.handleCommand(w, r, h.client.Cancel)
}

func (h *APIHandler) handleCommand(w http.ResponseWriter, r *http.Request, send func(int) bool) {
	trackID, err := strconv.Atoi(chi.URLParam(r, "trackID"))
	if err != nil || trackID < 0 {
		h.writeError(w, http.StatusBadRequest, "trackID must be a non-negative integer")
		return
	}
	if !send(trackID) {
		h.writeError(w, http.StatusConflict, "not connected to the monitoring backend")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *APIHandler) HandleGetSettings(w http.ResponseWriter, r *http.Request) {
	if h.settings == nil {
		http.NotFound(w, r)
		return
	}
	h.writeJSON(w, http.StatusOK, h.settingsView())
}

// HandleUpdateSettings applies a partial update to the notification policy.
func (h *APIHandler) HandleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	if h.settings == nil {
		http.NotFound(w, r)
		return
	}
	var req settingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	p := h.settings.Policy()
	if req.Enabled != nil {
		p.Enabled = *req.Enabled
	}
	if req.MinimumSeverity != nil {
		sev, ok := data.ParseSeverity(*req.MinimumSeverity)
		if !ok {
			h.writeError(w, http.StatusBadRequest, "unknown severity "+strconv.Quote(*req.MinimumSeverity))
			return
		}
		p.MinimumSeverity = sev
	}
	if req.Cooldown != nil {
		d, err := time.ParseDuration(*req.Cooldown)
		if err != nil || d < 0 {
			h.writeError(w, http.StatusBadRequest, "cooldown must be a non-negative duration such as 30s")
			return
		}
		p.Cooldown = d
	}
	h.settings.SetPolicy(p)
	h.writeJSON(w, http.StatusOK, h.settingsView())
}

func (h *APIHandler) settingsView() settingsView {
	p := h.settings.Policy()
	return settingsView{
		Enabled:         p.Enabled,
		MinimumSeverity: p.MinimumSeverity.String(),
		Cooldown:        p.Cooldown.String(),
		Stats:           h.settings.Stats(),
	}
}

// HandleWebSocket attaches a UI observer to the snapshot stream.
func (h *APIHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.hub.ServeWS(w, r)
}

// sendInitialState runs on the hub goroutine when an observer joins.
func (h *APIHandler) sendInitialState(*websocket.Client) [][]byte {
	frame, err := json.Marshal(envelope{Type: "state", Data: newStateView(h.client.Snapshot())})
	if err != nil {
		h.logger.Error("error marshalling state", "error", err)
		return nil
	}
	return [][]byte{frame}
}

// StreamSnapshots broadcasts every client snapshot to UI observers until ctx is done.
func (h *APIHandler) StreamSnapshots(ctx context.Context) {
	updates, cancel := h.client.Subscribe(32)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			h.hub.BroadcastJSON(envelope{Type: "state", Data: newStateView(snap)})
		}
	}
}
