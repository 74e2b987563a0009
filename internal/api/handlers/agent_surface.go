package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/Harshitk-cp/conductor/internal/domain"
	"github.com/Harshitk-cp/conductor/internal/service"
	"github.com/Harshitk-cp/conductor/internal/webhook"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// AgentSurfaceHandler serves the endpoints agents call while executing runs.
type AgentSurfaceHandler struct {
	events   *service.EventService
	commands *service.CommandService
	agents   *service.AgentService
	logger   *zap.Logger
}

func NewAgentSurfaceHandler(events *service.EventService, commands *service.CommandService, agents *service.AgentService,
	logger *zap.Logger) *AgentSurfaceHandler {
	return &AgentSurfaceHandler{events: events, commands: commands, agents: agents, logger: logger}
}

// eventEnvelope is the body of an event report. The signature header covers
// the payload value byte for byte.
type eventEnvelope struct {
	EventID   string           `json:"event_id"`
	Type      domain.EventType `json:"type"`
	Timestamp *time.Time       `json:"timestamp,omitempty"`
	Payload   json.RawMessage  `json:"payload,omitempty"`
}

func (h *AgentSurfaceHandler) PostEvent(w http.ResponseWriter, r *http.Request) {
	tid, ok := tenantID(w, r)
	if !ok {
		return
	}
	runID, ok := uuidParam(w, r, "id", "run")
	if !ok {
		return
	}
	var env eventEnvelope
	if !decodeJSON(w, r, &env) {
		return
	}

	in := service.IngestEventInput{
		TenantID:  tid,
		RunID:     runID,
		EventID:   env.EventID,
		Type:      env.Type,
		Payload:   env.Payload,
		Signature: r.Header.Get(webhook.Header),
	}
	if env.Timestamp != nil {
		in.Timestamp = env.Timestamp.UTC()
	}

	res, err := h.events.IngestEvent(r.Context(), in)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// PollEvents lists the run's events for the agent; ?control=true narrows to commands.
func (h *AgentSurfaceHandler) PollEvents(w http.ResponseWriter, r *http.Request) {
	listRunEvents(w, r, h.events, h.logger)
}

type ackRequest struct {
	Command domain.CommandType `json:"command"`
}

func (h *AgentSurfaceHandler) Ack(w http.ResponseWriter, r *http.Request) {
	tid, ok := tenantID(w, r)
	if !ok {
		return
	}
	runID, ok := uuidParam(w, r, "id", "run")
	if !ok {
		return
	}
	var req ackRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.commands.AcknowledgeCommand(r.Context(), tid, runID, req.Command)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeCommandResult(w, res)
}

func (h *AgentSurfaceHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	tid, ok := tenantID(w, r)
	if !ok {
		return
	}
	var req service.HealthReport
	if !decodeJSON(w, r, &req) {
		return
	}
	agent, err := h.agents.UpdateAgentHealth(r.Context(), tid, chi.URLParam(r, "agentId"), req)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, agent.Health)
}
