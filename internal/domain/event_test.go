package domain

import (
	"encoding/json"
	"testing"
)

func TestEventTypeTargetStatus(t *testing.T) {
	tests := []struct {
		typ    EventType
		want   RunStatus
		mapped bool
	}{
		{EventRunStarted, RunStatusStarted, true},
		{EventRunProgress, RunStatusProgress, true},
		{EventRunCompleted, RunStatusCompleted, true},
		{EventRunFailed, RunStatusFailed, true},
		{EventRunBlocked, RunStatusBlocked, true},
		{EventRunPaused, RunStatusPaused, true},
		{EventRunTimedOut, RunStatusTimedOut, true},
		{EventHeartbeat, "", false},
		{EventLog, "", false},
		{CommandEventType(CommandPause), "", false},
	}
	for _, tt := range tests {
		got, ok := tt.typ.TargetStatus()
		if ok != tt.mapped || got != tt.want {
			t.Errorf("%s.TargetStatus() = (%s, %v), want (%s, %v)", tt.typ, got, ok, tt.want, tt.mapped)
		}
	}
}

func TestValidAgentEventType(t *testing.T) {
	if !ValidAgentEventType(EventRunProgress) || !ValidAgentEventType(EventHeartbeat) {
		t.Fatal("expected run and heartbeat events to be accepted from agents")
	}
	if ValidAgentEventType(CommandEventType(CommandCancel)) {
		t.Fatal("agents must not emit command events")
	}
	if ValidAgentEventType("run.exploded") {
		t.Fatal("unknown event type accepted")
	}
}

func TestParseEventPayload(t *testing.T) {
	tests := []struct {
		name    string
		typ     EventType
		raw     string
		wantErr bool
	}{
		{"empty", EventRunStarted, "", false},
		{"null", EventRunStarted, "null", false},
		{"progress", EventRunProgress, `{"percent": 40, "message": "halfway"}`, false},
		{"percent out of range", EventRunProgress, `{"percent": 140}`, true},
		{"not an object", EventRunProgress, `[1,2]`, true},
		{"malformed", EventRunProgress, `{"percent":`, true},
		{"failed with code", EventRunFailed, `{"error_code": "TOOL_RATE_LIMITED", "error_message": "slow down"}`, false},
		{"failed with unknown code", EventRunFailed, `{"error_code": "OOPS"}`, true},
		{"completed with artifacts", EventRunCompleted, `{"artifacts": [{"artifact_id": "a1", "type": "report", "uri": "s3://b/a1"}]}`, false},
		{"artifact missing type", EventRunCompleted, `{"artifacts": [{"artifact_id": "a1"}]}`, true},
		{"duplicate artifact", EventRunCompleted, `{"artifacts": [{"artifact_id": "a1", "type": "t"}, {"artifact_id": "a1", "type": "t"}]}`, true},
		{"negative queue", EventHeartbeat, `{"queue_length": -1}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseEventPayload(tt.typ, json.RawMessage(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseEventPayload() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && CodeOf(err) != CodeInputInvalid {
				t.Fatalf("expected INPUT_INVALID, got %s", CodeOf(err))
			}
		})
	}
}

func TestParseEventPayloadFields(t *testing.T) {
	p, err := ParseEventPayload(EventRunFailed, json.RawMessage(`{"error_code":"TIMEOUT","error_message":"took too long"}`))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if p.ErrorCode != CodeTimeout || p.ErrorMessage != "took too long" {
		t.Fatalf("unexpected payload: %+v", p)
	}
}

func TestValidateObject(t *testing.T) {
	if err := ValidateObject(json.RawMessage(`{"a":1}`)); err != nil {
		t.Fatalf("expected object to validate, got %v", err)
	}
	if err := ValidateObject(json.RawMessage(`"str"`)); err == nil {
		t.Fatal("expected string to be rejected")
	}
	if string(NormalizeObject(nil)) != "{}" {
		t.Fatal("expected empty blob to normalize to {}")
	}
}
