package domain

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

type AgentHealthStatus string

const (
	AgentUp   AgentHealthStatus = "up"
	AgentDown AgentHealthStatus = "down"
)

func ValidAgentHealthStatus(s string) bool {
	return AgentHealthStatus(s) == AgentUp || AgentHealthStatus(s) == AgentDown
}

// Contract describes the schemas an agent accepts for one capability.
type Contract struct {
	Capability      string `json:"capability"`
	InputSchemaRef  string `json:"input_schema_ref,omitempty"`
	OutputSchemaRef string `json:"output_schema_ref,omitempty"`
}

type AgentHealth struct {
	Status          AgentHealthStatus `json:"status"`
	LastHeartbeatAt *time.Time        `json:"last_heartbeat_at,omitempty"`
	QueueLength     int               `json:"queue_length"`
	MaxConcurrency  int               `json:"max_concurrency"`
}

// Agent is one registered execution worker, keyed by (TenantID, AgentID).
type Agent struct {
	TenantID          uuid.UUID   `json:"tenant_id"`
	AgentID           string      `json:"agent_id"`
	Name              string      `json:"name"`
	Owner             string      `json:"owner,omitempty"`
	Version           string      `json:"version,omitempty"`
	Capabilities      []string    `json:"capabilities"`
	AcceptedContracts []Contract  `json:"accepted_contracts,omitempty"`
	AuthMethods       []string    `json:"auth_methods,omitempty"`
	BaseEndpoint      string      `json:"base_endpoint,omitempty"`
	Health            AgentHealth `json:"health"`
	IsActive          bool        `json:"is_active"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

func (a *Agent) HasCapability(capability string) bool {
	return slices.Contains(a.Capabilities, capability)
}

// Capacity is the number of active runs the agent accepts; never below one.
func (a *Agent) Capacity() int {
	if a.Health.MaxConcurrency < 1 {
		return 1
	}
	return a.Health.MaxConcurrency
}

// Heartbeat is one liveness report from an agent.
type Heartbeat struct {
	ID          uuid.UUID         `json:"id"`
	TenantID    uuid.UUID         `json:"tenant_id"`
	AgentID     string            `json:"agent_id"`
	Status      AgentHealthStatus `json:"status"`
	QueueLength *int              `json:"queue_length,omitempty"`
	Metrics     map[string]any    `json:"metrics,omitempty"`
	RecordedAt  time.Time         `json:"recorded_at"`
}
