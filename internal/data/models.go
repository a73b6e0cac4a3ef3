// internal/data/models.go
package data

import (
	"strings"
	"time"
)

// Severity is the escalation level of an alert. Values are ordered so that
// Warning < Alarm < Emergency.
type Severity int

const (
	SeverityWarning Severity = iota + 1
	SeverityAlarm
	SeverityEmergency
)

var severityWire = map[Severity]string{
	SeverityWarning:   "WARNING",
	SeverityAlarm:     "ALARM",
	SeverityEmergency: "EMERGENCY",
}

// ParseSeverity converts a wire value ("WARNING", "ALARM", "EMERGENCY") into a Severity.
func ParseSeverity(s string) (Severity, bool) {
	for sev, name := range severityWire {
		if strings.EqualFold(s, name) {
			return sev, true
		}
	}
	return 0, false
}

// String returns the wire representation.
func (s Severity) String() string {
	if name, ok := severityWire[s]; ok {
		return name
	}
	return "UNKNOWN"
}

func (s Severity) DisplayName() string {
	switch s {
	case SeverityWarning:
		return "Warning"
	case SeverityAlarm:
		return "Alarm"
	case SeverityEmergency:
		return "Emergency"
	default:
		return "Unknown"
	}
}

// AtLeast reports whether s is at or above min on the escalation scale.
func (s Severity) AtLeast(min Severity) bool { return s >= min }

// EventType is the kind of detection that produced an alert.
type EventType int

const (
	EventFall EventType = iota + 1
	EventImmobility
	EventRecovery
)

var eventTypeWire = map[EventType]string{
	EventFall:       "FALL",
	EventImmobility: "IMMOBILITY",
	EventRecovery:   "RECOVERY",
}

func ParseEventType(s string) (EventType, bool) {
	for et, name := range eventTypeWire {
		if strings.EqualFold(s, name) {
			return et, true
		}
	}
	return 0, false
}

func (e EventType) String() string {
	if name, ok := eventTypeWire[e]; ok {
		return name
	}
	return "UNKNOWN"
}

func (e EventType) DisplayName() string {
	switch e {
	case EventFall:
		return "Fall"
	case EventImmobility:
		return "Immobility"
	case EventRecovery:
		return "Recovery"
	default:
		return "Unknown"
	}
}

// AlertMetadata carries optional detail attached to an alert. Durations are in seconds.
type AlertMetadata struct {
	FallDuration       *float64 `json:"fall_duration,omitempty"`
	ImmobilityDuration *float64 `json:"immobility_duration,omitempty"`
	PositionInfo       *string  `json:"position_info,omitempty"`
}

// Alert is a fall-detection alert as received from the monitoring backend.
// Values are immutable once decoded.
type Alert struct {
	ID        string
	TrackID   int
	Severity  Severity
	EventType EventType
	RiskScore int
	Timestamp time.Time
	Location  *string
	Message   string
	Metadata  *AlertMetadata
}

// Clone returns a copy that shares no memory with a.
func (a Alert) Clone() Alert {
	a.Location = clonePtr(a.Location)
	if a.Metadata != nil {
		m := AlertMetadata{
			FallDuration:       clonePtr(a.Metadata.FallDuration),
			ImmobilityDuration: clonePtr(a.Metadata.ImmobilityDuration),
			PositionInfo:       clonePtr(a.Metadata.PositionInfo),
		}
		a.Metadata = &m
	}
	return a
}

// SystemStatus is the most recent status snapshot reported by the backend.
// CPUUsage and MemoryUsage are percentages when present.
type SystemStatus struct {
	IsRunning    bool
	ActivePeople int
	FPS          float64
	CPUUsage     *float64
	MemoryUsage  *float64
	ObservedAt   time.Time
}

func (s SystemStatus) Clone() SystemStatus {
	s.CPUUsage = clonePtr(s.CPUUsage)
	s.MemoryUsage = clonePtr(s.MemoryUsage)
	return s
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Kind discriminates inbound messages.
type Kind int

const (
	KindAlert Kind = iota + 1
	KindStatus
	KindHeartbeat
)

func (k Kind) String() string {
	switch k {
	case KindAlert:
		return "alert"
	case KindStatus:
		return "status"
	case KindHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// Message is a decoded inbound frame. Exactly one of Alert or Status is set
// for KindAlert and KindStatus; both are nil for KindHeartbeat.
type Message struct {
	Kind   Kind
	Alert  *Alert
	Status *SystemStatus
}
