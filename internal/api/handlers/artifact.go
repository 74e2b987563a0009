package handlers

import (
	"net/http"

	"github.com/Harshitk-cp/conductor/internal/service"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type ArtifactHandler struct {
	svc    *service.ArtifactService
	logger *zap.Logger
}

func NewArtifactHandler(svc *service.ArtifactService, logger *zap.Logger) *ArtifactHandler {
	return &ArtifactHandler{svc: svc, logger: logger}
}

func (h *ArtifactHandler) Register(w http.ResponseWriter, r *http.Request) {
	tid, ok := tenantID(w, r)
	if !ok {
		return
	}
	var req service.RegisterArtifactInput
	if !decodeJSON(w, r, &req) {
		return
	}
	a, err := h.svc.RegisterArtifact(r.Context(), tid, req)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (h *ArtifactHandler) Get(w http.ResponseWriter, r *http.Request) {
	tid, ok := tenantID(w, r)
	if !ok {
		return
	}
	a, err := h.svc.GetArtifact(r.Context(), tid, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *ArtifactHandler) UploadURL(w http.ResponseWriter, r *http.Request) {
	tid, ok := tenantID(w, r)
	if !ok {
		return
	}
	u, err := h.svc.PresignUpload(r.Context(), tid, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (h *ArtifactHandler) DownloadURL(w http.ResponseWriter, r *http.Request) {
	tid, ok := tenantID(w, r)
	if !ok {
		return
	}
	u, err := h.svc.PresignDownload(r.Context(), tid, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

type retentionRequest struct {
	RetentionDays *int `json:"retention_days"`
}

func (h *ArtifactHandler) UpdateRetention(w http.ResponseWriter, r *http.Request) {
	tid, ok := tenantID(w, r)
	if !ok {
		return
	}
	var req retentionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.RetentionDays == nil {
		writeError(w, http.StatusBadRequest, "retention_days is required")
		return
	}
	a, err := h.svc.UpdateRetention(r.Context(), tid, chi.URLParam(r, "id"), *req.RetentionDays)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *ArtifactHandler) Delete(w http.ResponseWriter, r *http.Request) {
	tid, ok := tenantID(w, r)
	if !ok {
		return
	}
	if err := h.svc.DeleteArtifact(r.Context(), tid, chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
