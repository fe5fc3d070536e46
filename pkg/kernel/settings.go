package kernel

import (
	"fmt"
	"net/http"
	"time"

	"github.com/manthysbr/clipforge/internal/core/domain"
)

// workerSettingsBody carries durations as Go duration strings.
type workerSettingsBody struct {
	Timeout   string `json:"timeout"`
	KillGrace string `json:"kill_grace"`
}

func settingsBody(s domain.WorkerSettings) workerSettingsBody {
	return workerSettingsBody{Timeout: s.Timeout.String(), KillGrace: s.KillGrace.String()}
}

func (b workerSettingsBody) toDomain() (domain.WorkerSettings, error) {
	timeout, err := time.ParseDuration(b.Timeout)
	if err != nil {
		return domain.WorkerSettings{}, &domain.ValidationError{Field: "timeout", Reason: fmt.Sprintf("invalid duration %q", b.Timeout)}
	}
	grace, err := time.ParseDuration(b.KillGrace)
	if err != nil {
		return domain.WorkerSettings{}, &domain.ValidationError{Field: "kill_grace", Reason: fmt.Sprintf("invalid duration %q", b.KillGrace)}
	}
	return domain.WorkerSettings{Timeout: timeout, KillGrace: grace}, nil
}

func (s *Server) handleGetWorkerSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, settingsBody(s.settings.Get()))
}

func (s *Server) handleUpdateWorkerSettings(w http.ResponseWriter, r *http.Request) {
	var body workerSettingsBody
	if err := s.decodeBody(r, "WorkerSettings", &body); err != nil {
		s.writeError(w, err)
		return
	}
	update, err := body.toDomain()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.settings.Update(r.Context(), update); err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("worker settings updated", "timeout", update.Timeout, "kill_grace", update.KillGrace)
	writeJSON(w, http.StatusOK, settingsBody(s.settings.Get()))
}
