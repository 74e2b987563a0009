package handlers

import (
	"net/http"

	"github.com/Harshitk-cp/conductor/internal/service"
	"go.uber.org/zap"
)

type JobHandler struct {
	jobs   *service.JobService
	runs   *service.RunService
	logger *zap.Logger
}

func NewJobHandler(jobs *service.JobService, runs *service.RunService, logger *zap.Logger) *JobHandler {
	return &JobHandler{jobs: jobs, runs: runs, logger: logger}
}

// CreatedByHeader optionally names the submitting user for the per-caller quota.
const CreatedByHeader = "X-Created-By"

func (h *JobHandler) Submit(w http.ResponseWriter, r *http.Request) {
	tid, ok := tenantID(w, r)
	if !ok {
		return
	}
	var req service.SubmitJobInput
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.jobs.SubmitJob(r.Context(), tid, r.Header.Get(CreatedByHeader), req)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	tid, ok := tenantID(w, r)
	if !ok {
		return
	}
	jobs, err := h.jobs.ListJobs(r.Context(), tid, queryLimit(r))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": nonNil(jobs)})
}

func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	tid, ok := tenantID(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "id", "job")
	if !ok {
		return
	}
	job, err := h.jobs.GetJob(r.Context(), tid, id)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *JobHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	tid, ok := tenantID(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "id", "job")
	if !ok {
		return
	}
	runs, err := h.runs.ListRunsByJob(r.Context(), tid, id, queryLimit(r))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": nonNil(runs)})
}

// AssignRun creates a run of the job in the URL on the requested agent.
func (h *JobHandler) AssignRun(w http.ResponseWriter, r *http.Request) {
	tid, ok := tenantID(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "id", "job")
	if !ok {
		return
	}
	var req service.AssignRunInput
	if !decodeJSON(w, r, &req) {
		return
	}
	req.JobID = id
	res, err := h.runs.AssignRun(r.Context(), tid, req)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}
