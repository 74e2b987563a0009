package domain

import (
	"encoding/json"
	"math"
	"time"

	"github.com/google/uuid"
)

type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusAssigned  RunStatus = "assigned"
	RunStatusStarted   RunStatus = "started"
	RunStatusProgress  RunStatus = "progress"
	RunStatusBlocked   RunStatus = "blocked"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusTimedOut  RunStatus = "timed_out"
)

// DefaultMaxRetries applies when a job does not set its own retry budget.
const DefaultMaxRetries = 3

var runTransitions = map[RunStatus]map[RunStatus]struct{}{
	RunStatusQueued: {
		RunStatusAssigned: {},
		RunStatusFailed:   {},
	},
	RunStatusAssigned: {
		RunStatusStarted: {},
		RunStatusQueued:  {},
		RunStatusFailed:  {},
	},
	RunStatusStarted: {
		RunStatusProgress:  {},
		RunStatusBlocked:   {},
		RunStatusPaused:    {},
		RunStatusFailed:    {},
		RunStatusCompleted: {},
	},
	RunStatusProgress: {
		RunStatusProgress:  {},
		RunStatusBlocked:   {},
		RunStatusPaused:    {},
		RunStatusFailed:    {},
		RunStatusCompleted: {},
		RunStatusTimedOut:  {},
	},
	RunStatusBlocked: {
		RunStatusStarted:  {},
		RunStatusFailed:   {},
		RunStatusTimedOut: {},
	},
	RunStatusPaused: {
		RunStatusStarted: {},
		RunStatusFailed:  {},
	},
	RunStatusTimedOut: {
		RunStatusQueued: {},
		RunStatusFailed: {},
	},
	RunStatusCompleted: {},
	RunStatusFailed:    {},
}

// CanTransition reports whether a run may move from one status to another.
func CanTransition(from, to RunStatus) bool {
	_, ok := runTransitions[from][to]
	return ok
}

// ValidateTransition is CanTransition with a typed INVALID_TRANSITION error.
func ValidateTransition(from, to RunStatus) error {
	if !ValidRunStatus(string(from)) {
		return Errorf(CodeInvalidTransition, "invalid run status: %q", from)
	}
	if !ValidRunStatus(string(to)) {
		return Errorf(CodeInvalidTransition, "invalid run status: %q", to)
	}
	if !CanTransition(from, to) {
		return Errorf(CodeInvalidTransition, "invalid transition: %s -> %s", from, to)
	}
	return nil
}

func ValidRunStatus(s string) bool {
	_, ok := runTransitions[RunStatus(s)]
	return ok
}

func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// IsActive reports whether the run occupies one of its agent's concurrency slots.
func (s RunStatus) IsActive() bool {
	switch s {
	case RunStatusAssigned, RunStatusStarted, RunStatusProgress, RunStatusBlocked, RunStatusPaused:
		return true
	}
	return false
}

// ActiveRunStatuses lists the statuses counted against maxConcurrency.
func ActiveRunStatuses() []RunStatus {
	return []RunStatus{RunStatusAssigned, RunStatusStarted, RunStatusProgress, RunStatusBlocked, RunStatusPaused}
}

// NonTerminalRunStatuses lists every status a run can still leave.
func NonTerminalRunStatuses() []RunStatus {
	return []RunStatus{RunStatusQueued, RunStatusAssigned, RunStatusStarted, RunStatusProgress,
		RunStatusBlocked, RunStatusPaused, RunStatusTimedOut}
}

// RetryBackoff is the wait before a timed-out run with the given retry count
// becomes eligible again: 2^retryCount minutes.
func RetryBackoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > 20 {
		retryCount = 20
	}
	return time.Duration(math.Pow(2, float64(retryCount))) * time.Minute
}

type CommandType string

const (
	CommandPause  CommandType = "pause"
	CommandResume CommandType = "resume"
	CommandCancel CommandType = "cancel"
	CommandRetry  CommandType = "retry"
)

func ValidCommandType(s string) bool {
	switch CommandType(s) {
	case CommandPause, CommandResume, CommandCancel, CommandRetry:
		return true
	}
	return false
}

// Command is the last operator command stamped on a run.
type Command struct {
	Type           CommandType `json:"type"`
	IssuedAt       time.Time   `json:"issued_at"`
	AcknowledgedAt *time.Time  `json:"acknowledged_at,omitempty"`
}

// Pending reports whether the command still awaits the agent's ack.
func (c *Command) Pending() bool {
	return c != nil && c.AcknowledgedAt == nil
}

type Run struct {
	ID               uuid.UUID       `json:"run_id"`
	TenantID         uuid.UUID       `json:"tenant_id"`
	JobID            uuid.UUID       `json:"job_id"`
	StepID           *string         `json:"step_id,omitempty"`
	AssignedAgentID  string          `json:"assigned_agent_id"`
	Status           RunStatus       `json:"status"`
	CapabilityUsed   string          `json:"capability_used"`
	AgentVersionUsed string          `json:"agent_version_used,omitempty"`
	Scopes           []string        `json:"scopes"`
	Inputs           json.RawMessage `json:"inputs,omitempty"`
	CorrelationID    string          `json:"correlation_id"`
	RetryCount       int             `json:"retry_count"`
	MaxRetries       int             `json:"max_retries"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	EndedAt          *time.Time      `json:"ended_at,omitempty"`
	LastEventAt      time.Time       `json:"last_event_at"`
	ErrorCode        *ErrorCode      `json:"error_code,omitempty"`
	ErrorMessage     *string         `json:"error_message,omitempty"`
	LastCommand      *Command        `json:"last_command,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Transition validates and applies a status change, maintaining the
// started/ended timestamps. It is the only way run status should change.
func (r *Run) Transition(to RunStatus, now time.Time) error {
	if err := ValidateTransition(r.Status, to); err != nil {
		return err
	}
	r.Status = to
	r.UpdatedAt = now
	switch {
	case to == RunStatusStarted && r.StartedAt == nil:
		r.StartedAt = &now
	case to.IsTerminal() || to == RunStatusTimedOut:
		r.EndedAt = &now
	case to == RunStatusQueued:
		r.EndedAt = nil
	}
	return nil
}

// Fail moves the run to failed with the given error classification.
func (r *Run) Fail(code ErrorCode, msg string, now time.Time) error {
	if err := r.Transition(RunStatusFailed, now); err != nil {
		return err
	}
	r.SetError(code, msg)
	return nil
}

func (r *Run) SetError(code ErrorCode, msg string) {
	r.ErrorCode = &code
	r.ErrorMessage = &msg
}

func (r *Run) ClearError() {
	r.ErrorCode = nil
	r.ErrorMessage = nil
}
