package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/Harshitk-cp/conductor/internal/service"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type RunHandler struct {
	runs      *service.RunService
	events    *service.EventService
	commands  *service.CommandService
	artifacts *service.ArtifactService
	logger    *zap.Logger
}

func NewRunHandler(runs *service.RunService, events *service.EventService, commands *service.CommandService,
	artifacts *service.ArtifactService, logger *zap.Logger) *RunHandler {
	return &RunHandler{runs: runs, events: events, commands: commands, artifacts: artifacts, logger: logger}
}

func (h *RunHandler) Get(w http.ResponseWriter, r *http.Request) {
	tid, ok := tenantID(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "id", "run")
	if !ok {
		return
	}
	run, err := h.runs.GetRun(r.Context(), tid, id)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// Events lists the run's events. Query: since (RFC 3339), limit, control=true.
func (h *RunHandler) Events(w http.ResponseWriter, r *http.Request) {
	listRunEvents(w, r, h.events, h.logger)
}

func (h *RunHandler) Artifacts(w http.ResponseWriter, r *http.Request) {
	tid, ok := tenantID(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "id", "run")
	if !ok {
		return
	}
	artifacts, err := h.artifacts.ListArtifactsByRun(r.Context(), tid, id)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifacts": nonNil(artifacts)})
}

func (h *RunHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, h.commands.PauseRun)
}

func (h *RunHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, h.commands.ResumeRun)
}

func (h *RunHandler) Retry(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, h.commands.RetryRun)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// Cancel accepts an optional {"reason": "..."} body.
func (h *RunHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	h.command(w, r, func(ctx context.Context, tid, runID uuid.UUID) (*service.CommandResult, error) {
		return h.commands.CancelRun(ctx, tid, runID, req.Reason)
	})
}

type commandFunc func(ctx context.Context, tenantID, runID uuid.UUID) (*service.CommandResult, error)

// command writes 200 for an accepted command and 409 for a rejected one.
func (h *RunHandler) command(w http.ResponseWriter, r *http.Request, fn commandFunc) {
	tid, ok := tenantID(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "id", "run")
	if !ok {
		return
	}
	res, err := fn(r.Context(), tid, id)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeCommandResult(w, res)
}

func writeCommandResult(w http.ResponseWriter, res *service.CommandResult) {
	if !res.OK {
		writeJSON(w, http.StatusConflict, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func listRunEvents(w http.ResponseWriter, r *http.Request, events *service.EventService, logger *zap.Logger) {
	tid, ok := tenantID(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "id", "run")
	if !ok {
		return
	}

	q := r.URL.Query()
	filter := service.EventFilter{
		After:       q.Get("after"),
		Limit:       queryLimit(r),
		ControlOnly: strings.EqualFold(q.Get("control"), "true"),
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339Nano, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		filter.Since = t
	}

	list, err := events.ListRunEvents(r.Context(), tid, id, filter)
	if err != nil {
		writeServiceError(w, logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": nonNil(list)})
}
