package services

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/manthysbr/scriptdeck/internal/core/domain"
)

// Workspace lays out per-job artifact directories under baseDir/jobs/{id}.
type Workspace struct {
	baseDir string
}

func NewWorkspace(baseDir string) *Workspace {
	return &Workspace{baseDir: baseDir}
}

func (w *Workspace) BaseDir() string { return w.baseDir }

// JobDir returns the artifact directory of a job without creating it.
func (w *Workspace) JobDir(id domain.JobID) string {
	return filepath.Join(w.baseDir, "jobs", string(id))
}

// PrepareJob creates the job's artifact directory.
func (w *Workspace) PrepareJob(id domain.JobID) (string, error) {
	path := w.JobDir(id)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("failed to create workspace: %w", err)
	}
	return path, nil
}

// ImagePath is where the illustrate stage writes page index of a job.
func (w *Workspace) ImagePath(id domain.JobID, index int) string {
	return filepath.Join(w.JobDir(id), ImageFileName(index))
}

func ImageFileName(index int) string {
	return fmt.Sprintf("page-%d.png", index)
}

// Resolve maps a bare file name to a path inside the job directory,
// rejecting anything that would escape it.
func (w *Workspace) Resolve(id domain.JobID, name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.Contains(name, "..") {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	if strings.ContainsAny(string(id), `/\`) || strings.Contains(string(id), "..") {
		return "", fmt.Errorf("invalid job id %q", id)
	}
	dir := w.JobDir(id)
	path := filepath.Join(dir, name)
	rel, err := filepath.Rel(dir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	return path, nil
}

// CleanupJob removes the job's artifact directory.
func (w *Workspace) CleanupJob(id domain.JobID) error {
	if strings.ContainsAny(string(id), `/\`) || strings.Contains(string(id), "..") || id == "" {
		return fmt.Errorf("invalid job id %q", id)
	}
	return os.RemoveAll(w.JobDir(id))
}
