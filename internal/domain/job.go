package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Constraints bound how a job's runs may execute.
type Constraints struct {
	Deadline       *time.Time `json:"deadline,omitempty"`
	MaxRetries     *int       `json:"max_retries,omitempty"`
	TimeoutSeconds int        `json:"timeout_seconds,omitempty"`
}

// RetryBudget resolves MaxRetries, falling back to DefaultMaxRetries.
func (c Constraints) RetryBudget() int {
	if c.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *c.MaxRetries
}

// Job is a unit of requested work. It is immutable once created and fans out
// into one or more runs.
type Job struct {
	ID               uuid.UUID       `json:"job_id"`
	TenantID         uuid.UUID       `json:"tenant_id"`
	CorrelationID    string          `json:"correlation_id"`
	Intent           string          `json:"intent"`
	Inputs           json.RawMessage `json:"inputs,omitempty"`
	Constraints      Constraints     `json:"constraints"`
	DesiredArtifacts []string        `json:"desired_artifacts,omitempty"`
	CreatedBy        string          `json:"created_by"`
	CreatedAt        time.Time       `json:"created_at"`
}
