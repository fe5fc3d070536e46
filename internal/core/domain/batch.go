package domain

import (
	"errors"
	"time"
)

type BatchID string

var ErrBatchNotFound = errors.New("batch not found")

// ItemError is a batch entry rejected at submission.
type ItemError struct {
	Index  int    `json:"index"`
	Source string `json:"source"`
	Field  string `json:"field,omitempty"`
	Reason string `json:"reason"`
}

// Batch groups the jobs created from one multi-source submission.
// Membership is fixed at creation.
type Batch struct {
	ID           BatchID     `json:"id"`
	Name         string      `json:"name,omitempty"`
	MemberJobIDs []JobID     `json:"member_job_ids"`
	Rejected     []ItemError `json:"rejected"`
	CreatedAt    time.Time   `json:"created_at"`
}

// BatchStatus is the aggregate view of a batch. It is never stored.
type BatchStatus struct {
	Batch           Batch   `json:"batch"`
	Total           int     `json:"total_jobs"`
	Completed       int     `json:"completed"`
	Failed          int     `json:"failed"`
	InProgress      int     `json:"in_progress"`
	OverallProgress float64 `json:"overall_progress"`
	Done            bool    `json:"done"`
	Jobs            []Job   `json:"jobs"`
}

// Aggregate derives the batch view from member snapshots. Members missing
// from jobs count as in progress with zero progress.
func Aggregate(b Batch, jobs []Job) BatchStatus {
	byID := make(map[JobID]Job, len(jobs))
	for _, j := range jobs {
		byID[j.ID] = j
	}

	st := BatchStatus{Batch: b, Total: len(b.MemberJobIDs), Jobs: make([]Job, 0, len(b.MemberJobIDs))}
	sum := 0
	for _, id := range b.MemberJobIDs {
		j, ok := byID[id]
		if !ok {
			continue
		}
		st.Jobs = append(st.Jobs, j)
		switch {
		case j.Status.IsSuccess():
			st.Completed++
		case j.Status == JobStatusFailed, j.Status == JobStatusCancelled:
			st.Failed++
		}
		// failed and cancelled members keep their frozen progress
		sum += j.Progress
	}
	st.InProgress = st.Total - st.Completed - st.Failed
	if st.Total > 0 {
		st.OverallProgress = float64(sum) / float64(st.Total)
	}
	st.Done = st.Completed+st.Failed >= st.Total
	return st
}
