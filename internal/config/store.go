package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/manthysbr/clipforge/internal/core/domain"
)

const workerSettingsKey = "worker_settings"

// SettingsRepository is the minimal DB interface for settings persistence.
type SettingsRepository interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SaveSetting(ctx context.Context, key string, value string) error
}

// OnChangeFunc is called when settings are updated.
type OnChangeFunc func(settings domain.WorkerSettings)

// SettingsStore keeps the runtime-editable worker settings, persisted as JSON.
type SettingsStore struct {
	mu       sync.RWMutex
	logger   *slog.Logger
	repo     SettingsRepository
	settings domain.WorkerSettings
	onChange []OnChangeFunc
}

// NewSettingsStore loads persisted settings, seeding the store with defaults
// when nothing was saved yet.
func NewSettingsStore(ctx context.Context, logger *slog.Logger, repo SettingsRepository, defaults domain.WorkerSettings) (*SettingsStore, error) {
	store := &SettingsStore{
		logger: logger,
		repo:   repo,
	}

	settings, found, err := store.load(ctx)
	if err != nil {
		logger.Warn("stored worker settings unreadable, using defaults", "error", err)
	}
	if !found || err != nil {
		settings = defaults
		if err := store.save(ctx, settings); err != nil {
			return nil, fmt.Errorf("failed to save default worker settings: %w", err)
		}
	}

	store.settings = settings
	return store, nil
}

// OnChange registers a callback for when settings are updated.
func (s *SettingsStore) OnChange(fn OnChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

func (s *SettingsStore) Get() domain.WorkerSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// Update validates, persists and fires the OnChange callbacks.
func (s *SettingsStore) Update(ctx context.Context, update domain.WorkerSettings) error {
	if err := update.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	if err := s.save(ctx, update); err != nil {
		s.mu.Unlock()
		return err
	}
	s.settings = update
	callbacks := append([]OnChangeFunc(nil), s.onChange...)
	s.mu.Unlock()

	s.logger.Info("worker settings updated", "timeout", update.Timeout, "kill_grace", update.KillGrace)
	for _, fn := range callbacks {
		fn(update)
	}
	return nil
}

func (s *SettingsStore) load(ctx context.Context) (domain.WorkerSettings, bool, error) {
	raw, err := s.repo.GetSetting(ctx, workerSettingsKey)
	if err != nil {
		return domain.WorkerSettings{}, false, err
	}
	if raw == "" {
		return domain.WorkerSettings{}, false, nil
	}

	var stored storedWorkerSettings
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return domain.WorkerSettings{}, true, fmt.Errorf("unmarshal settings: %w", err)
	}
	settings, err := stored.toDomain()
	if err != nil {
		return domain.WorkerSettings{}, true, err
	}
	if err := settings.Validate(); err != nil {
		return domain.WorkerSettings{}, true, err
	}
	return settings, true, nil
}

func (s *SettingsStore) save(ctx context.Context, settings domain.WorkerSettings) error {
	raw, err := json.Marshal(storedWorkerSettings{
		Timeout:   settings.Timeout.String(),
		KillGrace: settings.KillGrace.String(),
	})
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	return s.repo.SaveSetting(ctx, workerSettingsKey, string(raw))
}

// storedWorkerSettings is the DB representation, durations as Go strings
type storedWorkerSettings struct {
	Timeout   string `json:"timeout"`
	KillGrace string `json:"kill_grace"`
}

func (s storedWorkerSettings) toDomain() (domain.WorkerSettings, error) {
	timeout, err := time.ParseDuration(s.Timeout)
	if err != nil {
		return domain.WorkerSettings{}, fmt.Errorf("timeout: %w", err)
	}
	grace, err := time.ParseDuration(s.KillGrace)
	if err != nil {
		return domain.WorkerSettings{}, fmt.Errorf("kill_grace: %w", err)
	}
	return domain.WorkerSettings{Timeout: timeout, KillGrace: grace}, nil
}
