package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/manthysbr/clipforge/internal/core/domain"
	"github.com/manthysbr/clipforge/internal/core/services"
)

const sseKeepAlive = 15 * time.Second

// sseStream writes server-sent events to a flushing response.
type sseStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func startSSE(w http.ResponseWriter) (*sseStream, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseStream{w: w, flusher: flusher}, true
}

func (s *sseStream) send(event string, data []byte) error {
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseStream) ping() error {
	if _, err := fmt.Fprint(s.w, ": keepalive\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// handleJobSSE streams job snapshots until the job reaches a terminal status.
// The current snapshot is sent first, so late subscribers still see the end.
func (s *Server) handleJobSSE(w http.ResponseWriter, r *http.Request) {
	id, err := pathParam(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}

	// Subscribe before reading the snapshot so no transition falls in between.
	ch, unsub := s.eventBus.Subscribe(id)
	defer unsub()

	job, err := s.lifecycle.GetJob(r.Context(), domain.JobID(id))
	if err != nil {
		s.writeError(w, err)
		return
	}

	stream, ok := startSSE(w)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	if err := s.sendJob(stream, job); err != nil || job.Status.IsTerminal() {
		return
	}

	s.pump(r, stream, ch, func(evt services.Event) (bool, error) {
		var snapshot domain.Job
		if err := json.Unmarshal([]byte(evt.Data), &snapshot); err != nil {
			return false, fmt.Errorf("decode job event: %w", err)
		}
		if err := s.sendJob(stream, snapshot); err != nil {
			return false, err
		}
		return evt.Terminal, nil
	}, func(ctx context.Context) (bool, error) {
		job, err := s.lifecycle.GetJob(ctx, domain.JobID(id))
		if err != nil || !job.Status.IsTerminal() {
			return false, err
		}
		return true, s.sendJob(stream, job)
	})
}

// handleBatchSSE streams batch aggregates until every member is terminal.
func (s *Server) handleBatchSSE(w http.ResponseWriter, r *http.Request) {
	id, err := pathParam(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}

	ch, unsub := s.eventBus.Subscribe(id)
	defer unsub()

	status, err := s.lifecycle.GetBatch(r.Context(), domain.BatchID(id))
	if err != nil {
		s.writeError(w, err)
		return
	}

	stream, ok := startSSE(w)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	if err := s.sendBatch(stream, status); err != nil || status.Done {
		return
	}

	s.pump(r, stream, ch, func(evt services.Event) (bool, error) {
		var snapshot domain.BatchStatus
		if err := json.Unmarshal([]byte(evt.Data), &snapshot); err != nil {
			return false, fmt.Errorf("decode batch event: %w", err)
		}
		if err := s.sendBatch(stream, snapshot); err != nil {
			return false, err
		}
		return snapshot.Done, nil
	}, func(ctx context.Context) (bool, error) {
		status, err := s.lifecycle.GetBatch(ctx, domain.BatchID(id))
		if err != nil || !status.Done {
			return false, err
		}
		return true, s.sendBatch(stream, status)
	})
}

// pump forwards bus events until handle reports the end, the client leaves
// or the bus closes the subscription. On every keepalive tick refresh re-reads
// the stored snapshot, so a terminal event the bus dropped still ends the stream.
func (s *Server) pump(
	r *http.Request,
	stream *sseStream,
	ch <-chan services.Event,
	handle func(services.Event) (bool, error),
	refresh func(context.Context) (bool, error),
) {
	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			done, err := refresh(ctx)
			if err != nil {
				s.logger.Debug("event stream refresh failed", "path", r.URL.Path, "error", err)
			}
			if done {
				return
			}
			if err := stream.ping(); err != nil {
				return
			}
		case evt, ok := <-ch:
			if !ok {
				return
			}
			done, err := handle(evt)
			if err != nil {
				s.logger.Debug("event stream closed", "topic", evt.Topic, "error", err)
				return
			}
			if done {
				return
			}
		}
	}
}

func (s *Server) sendJob(stream *sseStream, job domain.Job) error {
	payload, err := json.Marshal(s.jobView(job))
	if err != nil {
		return err
	}
	return stream.send(string(services.EventTypeJob), payload)
}

func (s *Server) sendBatch(stream *sseStream, status domain.BatchStatus) error {
	payload, err := json.Marshal(s.batchStatusView(status))
	if err != nil {
		return err
	}
	return stream.send(string(services.EventTypeBatch), payload)
}
