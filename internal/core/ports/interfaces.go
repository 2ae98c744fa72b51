package ports

import (
	"context"

	"github.com/manthysbr/scriptdeck/internal/core/domain"
)

// Repository abstracts the persistent storage (DuckDB / SQLite).
type Repository interface {
	// SaveJob upserts a full job snapshot, items included.
	SaveJob(ctx context.Context, job domain.Job) error

	// GetJob retrieves a job by ID, or domain.ErrJobNotFound.
	GetJob(ctx context.Context, id domain.JobID) (domain.Job, error)

	// ListJobs returns every persisted job, oldest first.
	ListJobs(ctx context.Context) ([]domain.Job, error)

	// DeleteJob removes a job and its items. Missing jobs are not an error.
	DeleteJob(ctx context.Context, id domain.JobID) error

	// Settings
	GetSetting(ctx context.Context, key string) (string, error)
	SaveSetting(ctx context.Context, key string, value string) error
}
