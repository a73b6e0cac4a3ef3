// internal/data/parser.go
package data

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrMalformed is returned when a frame is not valid JSON.
	ErrMalformed = errors.New("malformed message")
	// ErrUnrecognizedShape is returned for valid JSON that is not one of the
	// known envelopes, or whose payload is missing required fields.
	ErrUnrecognizedShape = errors.New("unrecognized message shape")
)

// Wire discriminators.
const (
	TypeAlert     = "alert"
	TypeStatus    = "status"
	TypeHeartbeat = "heartbeat"
	TypeAck       = "ACK"
	TypeCancel    = "CANCEL"
)

// zone-less layout some backends emit (Python datetime.isoformat()).
const localISOLayout = "2006-01-02T15:04:05.999999999"

// Now is the clock used for status observation times and timestamp fallback.
var Now = time.Now

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type alertWire struct {
	AlertID   *string        `json:"alert_id"`
	TrackID   *int           `json:"track_id"`
	Severity  *string        `json:"severity"`
	EventType *string        `json:"event_type"`
	RiskScore *int           `json:"risk_score"`
	Timestamp *string        `json:"timestamp"`
	Location  *string        `json:"location,omitempty"`
	Message   *string        `json:"message"`
	Metadata  *AlertMetadata `json:"metadata,omitempty"`
}

type statusWire struct {
	IsRunning    *bool    `json:"is_running"`
	ActivePeople *int     `json:"active_people"`
	FPS          *float64 `json:"fps"`
	CPUUsage     *float64 `json:"cpu_usage,omitempty"`
	MemoryUsage  *float64 `json:"memory_usage,omitempty"`
}

type commandWire struct {
	Type    string `json:"type"`
	TrackID int    `json:"track_id"`
}

// Decode parses a single inbound frame. It reads the type discriminator first
// and then decodes the payload for that branch only. It never panics and has
// no side effects.
func Decode(raw []byte) (Message, error) {
	if !json.Valid(raw) {
		return Message{}, fmt.Errorf("%w: invalid JSON", ErrMalformed)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrUnrecognizedShape, err)
	}

	switch strings.ToLower(env.Type) {
	case TypeAlert:
		alert, err := decodeAlert(env.Data)
		if err != nil {
			return Message{}, err
		}
		return Message{Kind: KindAlert, Alert: alert}, nil
	case TypeStatus:
		status, err := decodeStatus(env.Data)
		if err != nil {
			return Message{}, err
		}
		return Message{Kind: KindStatus, Status: status}, nil
	case TypeHeartbeat:
		return Message{Kind: KindHeartbeat}, nil
	case "":
		return Message{}, fmt.Errorf("%w: missing type", ErrUnrecognizedShape)
	default:
		return Message{}, fmt.Errorf("%w: unknown type %q", ErrUnrecognizedShape, env.Type)
	}
}

func decodeAlert(payload json.RawMessage) (*Alert, error) {
	if isAbsent(payload) {
		return nil, fmt.Errorf("%w: alert without data", ErrUnrecognizedShape)
	}
	var w alertWire
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, fmt.Errorf("%w: alert payload: %v", ErrUnrecognizedShape, err)
	}

	switch {
	case w.AlertID == nil:
		return nil, missingField("alert_id")
	case w.TrackID == nil:
		return nil, missingField("track_id")
	case w.Severity == nil:
		return nil, missingField("severity")
	case w.EventType == nil:
		return nil, missingField("event_type")
	case w.RiskScore == nil:
		return nil, missingField("risk_score")
	case w.Timestamp == nil:
		return nil, missingField("timestamp")
	case w.Message == nil:
		return nil, missingField("message")
	}

	sev, ok := ParseSeverity(*w.Severity)
	if !ok {
		return nil, fmt.Errorf("%w: unknown severity %q", ErrUnrecognizedShape, *w.Severity)
	}
	et, ok := ParseEventType(*w.EventType)
	if !ok {
		return nil, fmt.Errorf("%w: unknown event_type %q", ErrUnrecognizedShape, *w.EventType)
	}

	return &Alert{
		ID:        *w.AlertID,
		TrackID:   *w.TrackID,
		Severity:  sev,
		EventType: et,
		RiskScore: *w.RiskScore,
		Timestamp: ParseTimestamp(*w.Timestamp),
		Location:  w.Location,
		Message:   *w.Message,
		Metadata:  w.Metadata,
	}, nil
}

func decodeStatus(payload json.RawMessage) (*SystemStatus, error) {
	if isAbsent(payload) {
		return nil, fmt.Errorf("%w: status without data", ErrUnrecognizedShape)
	}
	var w statusWire
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, fmt.Errorf("%w: status payload: %v", ErrUnrecognizedShape, err)
	}

	switch {
	case w.IsRunning == nil:
		return nil, missingField("is_running")
	case w.ActivePeople == nil:
		return nil, missingField("active_people")
	case w.FPS == nil:
		return nil, missingField("fps")
	}
	if *w.ActivePeople < 0 || *w.FPS < 0 {
		return nil, fmt.Errorf("%w: negative status counters", ErrUnrecognizedShape)
	}

	return &SystemStatus{
		IsRunning:    *w.IsRunning,
		ActivePeople: *w.ActivePeople,
		FPS:          *w.FPS,
		CPUUsage:     w.CPUUsage,
		MemoryUsage:  w.MemoryUsage,
		ObservedAt:   Now(),
	}, nil
}

// ParseTimestamp parses an ISO-8601 timestamp. Unparsable input yields the
// current local time instead of an error.
func ParseTimestamp(s string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	if t, err := time.ParseInLocation(localISOLayout, s, time.Local); err == nil {
		return t
	}
	return Now()
}

func isAbsent(payload json.RawMessage) bool {
	return len(payload) == 0 || string(payload) == "null"
}

func missingField(name string) error {
	return fmt.Errorf("%w: missing %s", ErrUnrecognizedShape, name)
}

// EncodeAlert renders an alert as an inbound wire envelope.
func EncodeAlert(a Alert) ([]byte, error) {
	sev, et := a.Severity.String(), a.EventType.String()
	ts := a.Timestamp.Format(time.RFC3339Nano)
	payload, err := json.Marshal(alertWire{
		AlertID:   &a.ID,
		TrackID:   &a.TrackID,
		Severity:  &sev,
		EventType: &et,
		RiskScore: &a.RiskScore,
		Timestamp: &ts,
		Location:  a.Location,
		Message:   &a.Message,
		Metadata:  a.Metadata,
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: TypeAlert, Data: payload})
}

// EncodeStatus renders a status snapshot as an inbound wire envelope.
func EncodeStatus(s SystemStatus) ([]byte, error) {
	payload, err := json.Marshal(statusWire{
		IsRunning:    &s.IsRunning,
		ActivePeople: &s.ActivePeople,
		FPS:          &s.FPS,
		CPUUsage:     s.CPUUsage,
		MemoryUsage:  s.MemoryUsage,
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: TypeStatus, Data: payload})
}

// HeartbeatFrame returns the fixed keep-alive frame.
func HeartbeatFrame() []byte {
	return []byte(`{"type":"heartbeat"}`)
}

// EncodeCommand renders a client-to-backend command such as ACK or CANCEL.
func EncodeCommand(kind string, trackID int) ([]byte, error) {
	return json.Marshal(commandWire{Type: kind, TrackID: trackID})
}

// DecodeCommand parses a client-to-backend command frame.
func DecodeCommand(raw []byte) (kind string, trackID int, err error) {
	var c commandWire
	if err := json.Unmarshal(raw, &c); err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return strings.ToUpper(c.Type), c.TrackID, nil
}
