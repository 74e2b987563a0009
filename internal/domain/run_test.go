package domain

import (
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from RunStatus
		to   RunStatus
		want bool
	}{
		{RunStatusQueued, RunStatusAssigned, true},
		{RunStatusQueued, RunStatusFailed, true},
		{RunStatusQueued, RunStatusStarted, false},
		{RunStatusAssigned, RunStatusStarted, true},
		{RunStatusAssigned, RunStatusQueued, true},
		{RunStatusAssigned, RunStatusCompleted, false},
		{RunStatusStarted, RunStatusProgress, true},
		{RunStatusStarted, RunStatusTimedOut, false},
		{RunStatusProgress, RunStatusProgress, true},
		{RunStatusProgress, RunStatusTimedOut, true},
		{RunStatusBlocked, RunStatusStarted, true},
		{RunStatusBlocked, RunStatusProgress, false},
		{RunStatusPaused, RunStatusStarted, true},
		{RunStatusPaused, RunStatusCompleted, false},
		{RunStatusTimedOut, RunStatusQueued, true},
		{RunStatusTimedOut, RunStatusStarted, false},
		{RunStatusCompleted, RunStatusQueued, false},
		{RunStatusFailed, RunStatusQueued, false},
		{RunStatusFailed, RunStatusFailed, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestTerminalStatusesHaveNoEdges(t *testing.T) {
	for _, from := range []RunStatus{RunStatusCompleted, RunStatusFailed} {
		for s := range runTransitions {
			if CanTransition(from, s) {
				t.Errorf("terminal status %s should not reach %s", from, s)
			}
		}
	}
}

func TestValidateTransition(t *testing.T) {
	if err := ValidateTransition(RunStatusQueued, RunStatusAssigned); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	err := ValidateTransition(RunStatusQueued, RunStatusStarted)
	if CodeOf(err) != CodeInvalidTransition {
		t.Fatalf("expected INVALID_TRANSITION, got %v", err)
	}

	err = ValidateTransition("bogus", RunStatusStarted)
	if CodeOf(err) != CodeInvalidTransition {
		t.Fatalf("expected INVALID_TRANSITION for unknown status, got %v", err)
	}
}

func TestRunTransitionTimestamps(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r := &Run{Status: RunStatusAssigned}

	if err := r.Transition(RunStatusStarted, now); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if r.StartedAt == nil || !r.StartedAt.Equal(now) {
		t.Fatalf("expected startedAt to be set")
	}

	later := now.Add(time.Minute)
	if err := r.Transition(RunStatusProgress, later); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if err := r.Transition(RunStatusTimedOut, later); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if r.EndedAt == nil || !r.EndedAt.Equal(later) {
		t.Fatal("expected endedAt to be set on timeout")
	}
	if err := r.Transition(RunStatusQueued, later); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if r.EndedAt != nil {
		t.Fatal("expected endedAt to be cleared when requeued")
	}
	if !r.StartedAt.Equal(now) {
		t.Fatal("startedAt should keep the first start")
	}
}

func TestRunTransitionRejectsIllegalEdge(t *testing.T) {
	r := &Run{Status: RunStatusCompleted}
	if err := r.Transition(RunStatusProgress, time.Now()); err == nil {
		t.Fatal("expected error moving out of a terminal status")
	}
	if r.Status != RunStatusCompleted {
		t.Fatalf("status changed to %s after rejected transition", r.Status)
	}
}

func TestRunFail(t *testing.T) {
	r := &Run{Status: RunStatusProgress}
	if err := r.Fail(CodeAgentUnavailable, "gone", time.Now()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if r.Status != RunStatusFailed || *r.ErrorCode != CodeAgentUnavailable || *r.ErrorMessage != "gone" {
		t.Fatalf("unexpected run state: %+v", r)
	}
}

func TestIsActive(t *testing.T) {
	active := map[RunStatus]bool{
		RunStatusQueued:    false,
		RunStatusAssigned:  true,
		RunStatusStarted:   true,
		RunStatusProgress:  true,
		RunStatusBlocked:   true,
		RunStatusPaused:    true,
		RunStatusCompleted: false,
		RunStatusFailed:    false,
		RunStatusTimedOut:  false,
	}
	for s, want := range active {
		if got := s.IsActive(); got != want {
			t.Errorf("%s.IsActive() = %v, want %v", s, got, want)
		}
	}
}

func TestRetryBackoff(t *testing.T) {
	tests := []struct {
		retries int
		want    time.Duration
	}{
		{0, time.Minute},
		{1, 2 * time.Minute},
		{2, 4 * time.Minute},
		{3, 8 * time.Minute},
		{-1, time.Minute},
	}
	for _, tt := range tests {
		if got := RetryBackoff(tt.retries); got != tt.want {
			t.Errorf("RetryBackoff(%d) = %v, want %v", tt.retries, got, tt.want)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	retryable := []ErrorCode{CodeAgentUnavailable, CodeTimeout, CodeToolRateLimited, CodeSystemError}
	for _, c := range retryable {
		if !IsRetryable(c) {
			t.Errorf("IsRetryable(%s) = false, want true", c)
		}
	}
	fatal := []ErrorCode{CodeInputInvalid, CodeCapabilityUnsupported, CodeToolAuthFailed, CodeAgentError,
		CodeInvalidTransition, CodeHMACVerificationFailed, CodeEventReplay, CodeClockSkew, CodeNotFound}
	for _, c := range fatal {
		if IsRetryable(c) {
			t.Errorf("IsRetryable(%s) = true, want false", c)
		}
	}
}
