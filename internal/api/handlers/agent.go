package handlers

import (
	"net/http"
	"strings"

	"github.com/Harshitk-cp/conductor/internal/domain"
	"github.com/Harshitk-cp/conductor/internal/service"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type AgentHandler struct {
	svc    *service.AgentService
	runs   *service.RunService
	logger *zap.Logger
}

func NewAgentHandler(svc *service.AgentService, runs *service.RunService, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{svc: svc, runs: runs, logger: logger}
}

// Upsert registers the agent named in the URL; a body agent_id, if present, must match.
func (h *AgentHandler) Upsert(w http.ResponseWriter, r *http.Request) {
	tid, ok := tenantID(w, r)
	if !ok {
		return
	}
	var req service.AgentDescriptor
	if !decodeJSON(w, r, &req) {
		return
	}
	agentID := chi.URLParam(r, "agentId")
	if req.AgentID != "" && req.AgentID != agentID {
		writeError(w, http.StatusBadRequest, "agent_id does not match the URL")
		return
	}
	req.AgentID = agentID

	agent, err := h.svc.UpsertAgent(r.Context(), tid, req)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (h *AgentHandler) Get(w http.ResponseWriter, r *http.Request) {
	tid, ok := tenantID(w, r)
	if !ok {
		return
	}
	agent, err := h.svc.GetAgent(r.Context(), tid, chi.URLParam(r, "agentId"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// List returns the tenant's agents; ?active=true limits to active ones.
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	tid, ok := tenantID(w, r)
	if !ok {
		return
	}
	agents, err := h.svc.ListAgents(r.Context(), tid, strings.EqualFold(r.URL.Query().Get("active"), "true"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": nonNil(agents)})
}

// Match ranks agents for ?capability=, skipping any listed in ?exclude=a,b.
func (h *AgentHandler) Match(w http.ResponseWriter, r *http.Request) {
	tid, ok := tenantID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	var exclude []string
	if raw := q.Get("exclude"); raw != "" {
		exclude = strings.Split(raw, ",")
	}
	agents, err := h.svc.MatchCapability(r.Context(), tid, q.Get("capability"), exclude)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": nonNil(agents)})
}

// Runs lists the agent's runs, optionally filtered by ?status=a,b.
func (h *AgentHandler) Runs(w http.ResponseWriter, r *http.Request) {
	tid, ok := tenantID(w, r)
	if !ok {
		return
	}
	var statuses []domain.RunStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			statuses = append(statuses, domain.RunStatus(strings.TrimSpace(s)))
		}
	}
	runs, err := h.runs.ListRunsByAgent(r.Context(), tid, chi.URLParam(r, "agentId"), statuses)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": nonNil(runs)})
}

type deactivateRequest struct {
	Reason string `json:"reason"`
}

func (h *AgentHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	tid, ok := tenantID(w, r)
	if !ok {
		return
	}
	var req deactivateRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.svc.DeactivateAgent(r.Context(), tid, chi.URLParam(r, "agentId"), req.Reason)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
