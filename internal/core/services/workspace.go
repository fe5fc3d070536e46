package services

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/manthysbr/clipforge/internal/core/domain"
)

var ErrArtifactNotFound = errors.New("artifact not found")

// WorkspaceManager owns the per-job output directories the worker writes clips into.
type WorkspaceManager struct {
	baseDir string
}

func NewWorkspaceManager(baseDir string) *WorkspaceManager {
	if baseDir == "" {
		baseDir = "workspace"
	}
	return &WorkspaceManager{
		baseDir: baseDir,
	}
}

// PrepareWorkspace creates the output directory for a job.
// Path: baseDir/jobs/{id}
func (s *WorkspaceManager) PrepareWorkspace(id string) (string, error) {
	path := s.GetPath(id)
	if err := os.MkdirAll(path, 0755); err != nil {
		return "", fmt.Errorf("failed to create workspace: %w", err)
	}
	return path, nil
}

// CleanupWorkspace removes the job workspace directory
func (s *WorkspaceManager) CleanupWorkspace(id string) error {
	return os.RemoveAll(s.GetPath(id))
}

// GetPath returns the absolute path for a job's workspace
func (s *WorkspaceManager) GetPath(id string) string {
	path := filepath.Join(s.baseDir, "jobs", id)
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

// FilePath resolves an artifact inside a job's workspace.
// It prevents directory traversal.
func (s *WorkspaceManager) FilePath(jobID string, filename string) (string, error) {
	if jobID == "" || strings.ContainsAny(jobID, `/\`) || jobID == "." || jobID == ".." {
		return "", &domain.ValidationError{Field: "id", Reason: fmt.Sprintf("invalid job id %q", jobID)}
	}
	wsPath := s.GetPath(jobID)
	cleanPath := filepath.Clean(filepath.Join(wsPath, filename))

	rel, err := filepath.Rel(wsPath, cleanPath)
	if err != nil || filepath.IsAbs(rel) || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &domain.ValidationError{Field: "filename", Reason: "directory traversal detected"}
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrArtifactNotFound
		}
		return "", fmt.Errorf("stat artifact: %w", err)
	}
	if info.IsDir() {
		return "", ErrArtifactNotFound
	}
	return cleanPath, nil
}
