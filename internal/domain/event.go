package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventRunStarted   EventType = "run.started"
	EventRunProgress  EventType = "run.progress"
	EventRunCompleted EventType = "run.completed"
	EventRunFailed    EventType = "run.failed"
	EventRunBlocked   EventType = "run.blocked"
	EventRunPaused    EventType = "run.paused"
	EventRunTimedOut  EventType = "run.timed_out"
	EventHeartbeat    EventType = "heartbeat"
	EventLog          EventType = "log"
	EventCommandAcked EventType = "command.acked"

	commandEventPrefix = "command."
)

// EventRetention is how long events are kept before cleanup deletes them.
const EventRetention = 30 * 24 * time.Hour

var eventTargets = map[EventType]RunStatus{
	EventRunStarted:   RunStatusStarted,
	EventRunProgress:  RunStatusProgress,
	EventRunCompleted: RunStatusCompleted,
	EventRunFailed:    RunStatusFailed,
	EventRunBlocked:   RunStatusBlocked,
	EventRunPaused:    RunStatusPaused,
	EventRunTimedOut:  RunStatusTimedOut,
}

// TargetStatus maps an event type to the run status it drives, if any.
func (t EventType) TargetStatus() (RunStatus, bool) {
	s, ok := eventTargets[t]
	return s, ok
}

// IsControl reports whether the event belongs to the command channel.
func (t EventType) IsControl() bool {
	return strings.HasPrefix(string(t), commandEventPrefix)
}

// CommandEventType is the control event emitted when a command is issued.
func CommandEventType(c CommandType) EventType {
	return EventType(commandEventPrefix + string(c))
}

// ValidAgentEventType reports whether agents may send events of this type.
// Control events other than acks are emitted by the core only.
func ValidAgentEventType(t EventType) bool {
	if _, ok := eventTargets[t]; ok {
		return true
	}
	return t == EventHeartbeat || t == EventLog
}

type Event struct {
	TenantID  uuid.UUID       `json:"tenant_id"`
	RunID     uuid.UUID       `json:"run_id"`
	EventID   string          `json:"event_id"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	ExpiresAt time.Time       `json:"expires_at"`
	CreatedAt time.Time       `json:"created_at"`
}

// ArtifactDeclaration is an artifact announced in a run.completed payload.
type ArtifactDeclaration struct {
	ArtifactID    string  `json:"artifact_id"`
	Type          string  `json:"type"`
	URI           string  `json:"uri"`
	Hash          *string `json:"hash,omitempty"`
	SizeBytes     *int64  `json:"size_bytes,omitempty"`
	RetentionDays int     `json:"retention_days,omitempty"`
}

// EventPayload is the typed view of an event body. Which fields are honoured
// depends on the event type.
type EventPayload struct {
	Message      string                `json:"message,omitempty"`
	Percent      *float64              `json:"percent,omitempty"`
	Reason       string                `json:"reason,omitempty"`
	ErrorCode    ErrorCode             `json:"error_code,omitempty"`
	ErrorMessage string                `json:"error_message,omitempty"`
	Artifacts    []ArtifactDeclaration `json:"artifacts,omitempty"`
	QueueLength  *int                  `json:"queue_length,omitempty"`
	Metrics      map[string]any        `json:"metrics,omitempty"`
}

// ParseEventPayload decodes and validates raw against the rules of t.
func ParseEventPayload(t EventType, raw json.RawMessage) (*EventPayload, error) {
	if err := ValidateObject(raw); err != nil {
		return nil, err
	}
	p := &EventPayload{}
	if err := json.Unmarshal(NormalizeObject(raw), p); err != nil {
		return nil, Errorf(CodeInputInvalid, "invalid %s payload: %v", t, err)
	}

	if p.Percent != nil && (*p.Percent < 0 || *p.Percent > 100) {
		return nil, NewError(CodeInputInvalid, "percent must be between 0 and 100")
	}
	if p.QueueLength != nil && *p.QueueLength < 0 {
		return nil, NewError(CodeInputInvalid, "queue_length must not be negative")
	}

	switch t {
	case EventRunFailed:
		if p.ErrorCode != "" && !ValidRunErrorCode(string(p.ErrorCode)) {
			return nil, Errorf(CodeInputInvalid, "unknown error_code %q", p.ErrorCode)
		}
	case EventRunCompleted:
		seen := make(map[string]struct{}, len(p.Artifacts))
		for _, a := range p.Artifacts {
			if a.ArtifactID == "" || a.Type == "" {
				return nil, NewError(CodeInputInvalid, "artifacts require artifact_id and type")
			}
			if a.RetentionDays < 0 {
				return nil, NewError(CodeInputInvalid, "retention_days must not be negative")
			}
			if _, dup := seen[a.ArtifactID]; dup {
				return nil, Errorf(CodeInputInvalid, "duplicate artifact_id %q", a.ArtifactID)
			}
			seen[a.ArtifactID] = struct{}{}
		}
	}
	return p, nil
}
