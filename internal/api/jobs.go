package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/bulkops/internal/batch"
	"github.com/foxzi/bulkops/internal/models"
)

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Uptime    string `json:"uptime"`
	Transport string `json:"transport"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "ok",
		Version:   s.services.Version,
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Transport: "ready",
	}
	if s.services.Transport == nil || !s.services.Transport.IsReady(r.Context()) {
		resp.Status = "degraded"
		resp.Transport = "not_ready"
	}

	s.sendJSON(w, http.StatusOK, resp)
}

// handleSubmitJob handles POST /api/v1/jobs
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req batch.SubmitRequest
	if err := decodeBody(r, &req); err != nil {
		s.sendFailure(w, r, err)
		return
	}

	job, err := s.services.Jobs.Submit(r.Context(), req)
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}

	s.logger.Info("job accepted via API",
		"job_id", job.ID,
		"kind", job.Kind,
		"total", job.TotalCount,
	)

	s.sendJSON(w, http.StatusAccepted, job)
}

// handleListJobs handles GET /api/v1/jobs
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pagination(r)
	if err != nil {
		s.sendQueryError(w, err)
		return
	}
	createdAfter, err := queryTime(r, "created_after")
	if err != nil {
		s.sendQueryError(w, err)
		return
	}

	filter := models.JobListFilter{
		Kind:         models.JobKind(r.URL.Query().Get("kind")),
		Status:       models.JobStatus(r.URL.Query().Get("status")),
		CreatedAfter: createdAfter,
		Limit:        limit,
		Offset:       offset,
	}
	if filter.Kind != "" && !filter.Kind.Valid() {
		s.sendQueryError(w, &queryError{"kind", "unknown job kind"})
		return
	}
	if filter.Status != "" && !validJobStatus(filter.Status) {
		s.sendQueryError(w, &queryError{"status", "unknown job status"})
		return
	}

	jobs, total, err := s.services.Jobs.List(r.Context(), filter)
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}

	s.sendJSON(w, http.StatusOK, ListResponse[models.BatchJob]{
		Items:  jobs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// handleGetJob handles GET /api/v1/jobs/{id}
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	report, err := s.services.Jobs.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, report)
}

// handleJobItems handles GET /api/v1/jobs/{id}/items
func (s *Server) handleJobItems(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pagination(r)
	if err != nil {
		s.sendQueryError(w, err)
		return
	}

	filter := models.JobItemFilter{
		JobID:  chi.URLParam(r, "id"),
		Limit:  limit,
		Offset: offset,
	}
	for _, v := range queryList(r, "status") {
		status := models.ItemStatus(v)
		if status != models.ItemStatusPending && !status.IsTerminal() {
			s.sendQueryError(w, &queryError{"status", "unknown item status"})
			return
		}
		filter.Statuses = append(filter.Statuses, status)
	}

	items, total, err := s.services.Jobs.Items(r.Context(), filter)
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}

	s.sendJSON(w, http.StatusOK, ListResponse[models.BatchItem]{
		Items:  items,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// handleCancelJob handles POST /api/v1/jobs/{id}/cancel
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.services.Jobs.Cancel(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, batch.ErrAlreadyTerminal) && job != nil {
		s.sendJSON(w, http.StatusConflict, ErrorResponse{
			Error:   err.Error(),
			Details: map[string]string{"status": string(job.Status)},
		})
		return
	}
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}

	s.logger.Info("job cancelled via API", "job_id", job.ID)
	s.sendJSON(w, http.StatusOK, job)
}

func validJobStatus(status models.JobStatus) bool {
	return status == models.JobStatusPending || status == models.JobStatusProcessing || status.IsTerminal()
}
