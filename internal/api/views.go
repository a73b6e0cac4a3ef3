package api

import (
	"time"

	"fall-detection-client/internal/alerting"
	"fall-detection-client/internal/data"
	"fall-detection-client/internal/realtime"
)

type alertView struct {
	ID           string              `json:"alert_id"`
	TrackID      int                 `json:"track_id"`
	Severity     string              `json:"severity"`
	SeverityName string              `json:"severity_name"`
	EventType    string              `json:"event_type"`
	EventName    string              `json:"event_name"`
	RiskScore    int                 `json:"risk_score"`
	Timestamp    time.Time           `json:"timestamp"`
	Location     *string             `json:"location,omitempty"`
	Message      string              `json:"message"`
	Metadata     *data.AlertMetadata `json:"metadata,omitempty"`
}

func newAlertView(a data.Alert) alertView {
	return alertView{
		ID:           a.ID,
		TrackID:      a.TrackID,
		Severity:     a.Severity.String(),
		SeverityName: a.Severity.DisplayName(),
		EventType:    a.EventType.String(),
		EventName:    a.EventType.DisplayName(),
		RiskScore:    a.RiskScore,
		Timestamp:    a.Timestamp,
		Location:     a.Location,
		Message:      a.Message,
		Metadata:     a.Metadata,
	}
}

type statusView struct {
	IsRunning    bool      `json:"is_running"`
	ActivePeople int       `json:"active_people"`
	FPS          float64   `json:"fps"`
	CPUUsage     *float64  `json:"cpu_usage,omitempty"`
	MemoryUsage  *float64  `json:"memory_usage,omitempty"`
	ObservedAt   time.Time `json:"observed_at"`
}

// stateView is the JSON rendering of a client snapshot, used by GET
// /api/state and the /ws stream.
type stateView struct {
	realtime.Snapshot
	Status      *statusView `json:"status,omitempty"`
	LatestAlert *alertView  `json:"latest_alert,omitempty"`
	AlertCount  int         `json:"alert_count"`
}

func newStateView(s realtime.Snapshot) stateView {
	v := stateView{Snapshot: s, AlertCount: len(s.History)}
	if s.Status != nil {
		v.Status = &statusView{
			IsRunning:    s.Status.IsRunning,
			ActivePeople: s.Status.ActivePeople,
			FPS:          s.Status.FPS,
			CPUUsage:     s.Status.CPUUsage,
			MemoryUsage:  s.Status.MemoryUsage,
			ObservedAt:   s.Status.ObservedAt,
		}
	}
	if s.LatestAlert != nil {
		a := newAlertView(*s.LatestAlert)
		v.LatestAlert = &a
	}
	return v
}

type settingsView struct {
	Enabled         bool           `json:"enabled"`
	MinimumSeverity string         `json:"minimum_severity"`
	Cooldown        string         `json:"cooldown"`
	Stats           alerting.Stats `json:"stats"`
}

type settingsRequest struct {
	Enabled         *bool   `json:"enabled"`
	MinimumSeverity *string `json:"minimum_severity"`
	Cooldown        *string `json:"cooldown"`
}

type connectRequest struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// envelope frames /ws messages the same way the backend frames its own.
type envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}
