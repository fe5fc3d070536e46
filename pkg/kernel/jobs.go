package kernel

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/manthysbr/clipforge/internal/core/domain"
	"github.com/manthysbr/clipforge/internal/core/ports"
)

type submitJobRequest struct {
	URL    string                   `json:"url"`
	Params domain.RequestParameters `json:"params"`
}

type metadataRequest struct {
	URL string `json:"url"`
}

type artifactView struct {
	domain.Artifact
	URL string `json:"url"`
}

// jobView is a job as returned over HTTP, with downloadable artifact links.
type jobView struct {
	domain.Job
	Artifacts []artifactView `json:"artifacts"`
}

func (s *Server) jobView(job domain.Job) jobView {
	view := jobView{Job: job, Artifacts: make([]artifactView, 0, len(job.Artifacts))}
	for _, a := range job.Artifacts {
		view.Artifacts = append(view.Artifacts, artifactView{
			Artifact: a,
			URL:      fmt.Sprintf("%s/v1/jobs/%s/files/%s", s.publicBaseURL, url.PathEscape(string(job.ID)), url.PathEscape(a.Filename)),
		})
	}
	return view
}

func (s *Server) jobViews(jobs []domain.Job) []jobView {
	views := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, s.jobView(j))
	}
	return views
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := s.decodeBody(r, "SubmitJobRequest", &req); err != nil {
		s.writeError(w, err)
		return
	}
	job, err := s.lifecycle.SubmitJob(r.Context(), req.URL, req.Params)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("job submitted", "job_id", job.ID, "source", job.Source)
	writeJSON(w, http.StatusCreated, s.jobView(job))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var (
		status  *string
		batchID *string
		limit   *int
	)
	query := r.URL.Query()
	if err := queryParam(query, "status", &status); err != nil {
		s.writeError(w, err)
		return
	}
	if err := queryParam(query, "batch_id", &batchID); err != nil {
		s.writeError(w, err)
		return
	}
	if err := queryParam(query, "limit", &limit); err != nil {
		s.writeError(w, err)
		return
	}

	var filter ports.JobFilter
	if status != nil {
		st := domain.JobStatus(*status)
		if !st.Valid() {
			s.writeError(w, &domain.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", *status)})
			return
		}
		filter.Status = &st
	}
	if batchID != nil {
		id := domain.BatchID(*batchID)
		filter.BatchID = &id
	}
	if limit != nil {
		if *limit < 1 || *limit > 500 {
			s.writeError(w, &domain.ValidationError{Field: "limit", Reason: "must be between 1 and 500"})
			return
		}
		filter.Limit = *limit
	}

	jobs, err := s.lifecycle.ListJobs(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.jobViews(jobs))
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathParam(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	job, err := s.lifecycle.GetJob(r.Context(), domain.JobID(id))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.jobView(job))
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathParam(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	job, err := s.lifecycle.CancelJob(r.Context(), domain.JobID(id))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.jobView(job))
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathParam(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	job, err := s.lifecycle.RetryJob(r.Context(), domain.JobID(id))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("job retried", "job_id", job.ID, "attempt", job.Attempt)
	writeJSON(w, http.StatusOK, s.jobView(job))
}

func (s *Server) handleJobFile(w http.ResponseWriter, r *http.Request) {
	id, err := pathParam(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	filename, err := pathParam(r, "filename")
	if err != nil {
		s.writeError(w, err)
		return
	}
	path, err := s.lifecycle.JobFilePath(r.Context(), domain.JobID(id), filename)
	if err != nil {
		s.writeError(w, err)
		return
	}
	http.ServeFile(w, r, path)
}

func (s *Server) handleProbeMetadata(w http.ResponseWriter, r *http.Request) {
	var req metadataRequest
	if err := s.decodeBody(r, "MetadataRequest", &req); err != nil {
		s.writeError(w, err)
		return
	}
	metadata, err := s.lifecycle.ProbeMetadata(r.Context(), req.URL)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, metadata)
}
