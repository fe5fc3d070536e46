package kernel

import (
	"net/http"

	"github.com/manthysbr/clipforge/internal/core/domain"
)

type submitBatchRequest struct {
	Name   string                   `json:"name"`
	URLs   []string                 `json:"urls"`
	Params domain.RequestParameters `json:"params"`
}

type batchCreatedResponse struct {
	ID        domain.BatchID     `json:"id"`
	TotalJobs int                `json:"total_jobs"`
	JobIDs    []domain.JobID     `json:"job_ids"`
	Errors    []domain.ItemError `json:"errors"`
}

type batchStatusView struct {
	domain.BatchStatus
	Jobs []jobView `json:"jobs"`
}

func (s *Server) batchStatusView(status domain.BatchStatus) batchStatusView {
	return batchStatusView{BatchStatus: status, Jobs: s.jobViews(status.Jobs)}
}

func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req submitBatchRequest
	if err := s.decodeBody(r, "SubmitBatchRequest", &req); err != nil {
		s.writeError(w, err)
		return
	}
	batch, err := s.lifecycle.SubmitBatch(r.Context(), req.Name, req.URLs, req.Params)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("batch submitted", "batch_id", batch.ID, "jobs", len(batch.MemberJobIDs), "rejected", len(batch.Rejected))

	rejected := batch.Rejected
	if rejected == nil {
		rejected = []domain.ItemError{}
	}
	writeJSON(w, http.StatusCreated, batchCreatedResponse{
		ID:        batch.ID,
		TotalJobs: len(batch.MemberJobIDs),
		JobIDs:    batch.MemberJobIDs,
		Errors:    rejected,
	})
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := s.lifecycle.ListBatches(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if batches == nil {
		batches = []domain.Batch{}
	}
	writeJSON(w, http.StatusOK, batches)
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	id, err := pathParam(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	status, err := s.lifecycle.GetBatch(r.Context(), domain.BatchID(id))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.batchStatusView(status))
}
