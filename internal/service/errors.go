package service

import (
	"errors"
	"time"

	"github.com/Harshitk-cp/conductor/internal/domain"
	"github.com/Harshitk-cp/conductor/internal/store"
)

var (
	ErrJobNotFound      = domain.NewError(domain.CodeNotFound, "job not found")
	ErrRunNotFound      = domain.NewError(domain.CodeNotFound, "run not found")
	ErrAgentNotFound    = domain.NewError(domain.CodeNotFound, "agent not found")
	ErrArtifactNotFound = domain.NewError(domain.CodeNotFound, "artifact not found")

	ErrArtifactConflict      = domain.NewError(domain.CodeConflict, "artifact with this artifact_id already exists")
	ErrAgentInactive         = domain.NewError(domain.CodeAgentUnavailable, "agent is not active")
	ErrCapabilityUnsupported = domain.NewError(domain.CodeCapabilityUnsupported, "agent does not advertise the requested capability")
	ErrRateLimited           = domain.NewError(domain.CodeRateLimited, "job submission rate limit exceeded")
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// notFoundAs maps store.ErrNotFound to the given service error.
func notFoundAs(err error, target error) error {
	if errors.Is(err, store.ErrNotFound) {
		return target
	}
	return err
}

func invalidArgument(msg string) error {
	return domain.NewError(domain.CodeInvalidArgument, msg)
}

func utcNow() time.Time {
	return time.Now().UTC()
}
