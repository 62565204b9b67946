package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecorpus/internal/scrape"
)

type createJobRequest struct {
	URL string `json:"url" validate:"required,url"`
}

type createJobResponse struct {
	JobHash  scrape.JobHash   `json:"jobHash"`
	Status   scrape.JobStatus `json:"status"`
	RowCount *int             `json:"rowCount,omitempty"`
	Message  string           `json:"message"`
}

type quotaExceededResponse struct {
	errorResponse
	Count int `json:"count"`
	Limit int `json:"limit"`
}

type scrapeFailedResponse struct {
	errorResponse
	JobHash scrape.JobHash `json:"jobHash"`
}

type artifactUnavailableResponse struct {
	errorResponse
	Status scrape.JobStatus `json:"status"`
}

type jobDetailsResponse struct {
	Data      scrape.Artifact `json:"data"`
	ScrapedAt time.Time       `json:"scraped_at"`
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())

	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "invalid JSON body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "url is required and must be an absolute URL")
		return
	}

	job, err := s.registry.Create(r.Context(), identity.UserID, req.URL)
	if err != nil {
		s.writeCreateError(w, r, job, err)
		return
	}

	if s.registry.Synchronous() {
		writeJSON(w, http.StatusOK, createJobResponse{
			JobHash:  job.Hash,
			Status:   job.Status,
			RowCount: job.RowCount,
			Message:  "Analysis complete. Text ready for embedding.",
		})
		return
	}
	writeJSON(w, http.StatusAccepted, createJobResponse{
		JobHash: job.Hash,
		Status:  job.Status,
		Message: "Scrape started. Poll the job for its artifact.",
	})
}

func (s *Server) writeCreateError(w http.ResponseWriter, r *http.Request, job scrape.Job, err error) {
	var quotaErr *scrape.QuotaExceededError
	switch {
	case errors.As(err, &quotaErr):
		writeJSON(w, http.StatusForbidden, quotaExceededResponse{
			errorResponse: errorResponse{Error: codeQuotaExceeded, Message: quotaErr.Error()},
			Count:         quotaErr.Count,
			Limit:         quotaErr.Limit,
		})
	case errors.Is(err, scrape.ErrInvalidURL):
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "url must be an absolute http or https URL")
	case errors.Is(err, scrape.ErrQuotaUnverified):
		s.logRequestError(r, "quota check failed", err)
		writeError(w, http.StatusInternalServerError, codeQuotaUnverified, "Could not verify limits")
	case job.Hash != "":
		// The job was admitted and then failed in the pipeline.
		s.logRequestError(r, "scrape failed", err, zap.String("job_hash", job.Hash.String()))
		writeJSON(w, http.StatusInternalServerError, scrapeFailedResponse{
			errorResponse: errorResponse{Error: codeScrapeFailed, Message: "Scraping failed"},
			JobHash:       job.Hash,
		})
	default:
		s.logRequestError(r, "create job failed", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "Could not start scrape")
	}
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())
	jobs, err := s.registry.List(r.Context(), identity.UserID)
	if err != nil {
		s.logRequestError(r, "list jobs failed", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "Could not load history")
		return
	}
	if jobs == nil {
		jobs = []scrape.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())
	hash := scrape.JobHash(chi.URLParam(r, "hash"))

	details, err := s.registry.Get(r.Context(), identity.UserID, hash)
	if err != nil {
		if errors.Is(err, scrape.ErrNotFound) {
			writeError(w, http.StatusNotFound, codeNotFound, "Job not found or access denied")
			return
		}
		s.logRequestError(r, "get job failed", err, zap.String("job_hash", hash.String()))
		writeError(w, http.StatusInternalServerError, codeInternal, "Could not load job")
		return
	}
	if details.Artifact == nil {
		writeJSON(w, http.StatusNotFound, artifactUnavailableResponse{
			errorResponse: errorResponse{Error: codeArtifactUnavailable, Message: "Job has no artifact"},
			Status:        details.Job.Status,
		})
		return
	}
	writeJSON(w, http.StatusOK, jobDetailsResponse{
		Data:      *details.Artifact,
		ScrapedAt: details.Artifact.ScrapedAt,
	})
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())
	hash := scrape.JobHash(chi.URLParam(r, "hash"))

	if err := s.registry.Delete(r.Context(), identity.UserID, hash); err != nil {
		if errors.Is(err, scrape.ErrNotFound) {
			writeError(w, http.StatusForbidden, codeForbidden, "Not authorized")
			return
		}
		s.logRequestError(r, "delete job failed", err, zap.String("job_hash", hash.String()))
		writeError(w, http.StatusInternalServerError, codeInternal, "Delete failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Job and associated files deleted successfully"})
}

func (s *Server) logRequestError(r *http.Request, msg string, err error, fields ...zap.Field) {
	identity, _ := IdentityFromContext(r.Context())
	fields = append(fields,
		zap.String("user_id", identity.UserID),
		zap.String("request_id", RequestIDFromContext(r.Context())),
		zap.Error(err),
	)
	s.logger.Error(msg, fields...)
}
