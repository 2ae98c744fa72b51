package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/manthysbr/scriptdeck/internal/core/domain"
	"github.com/manthysbr/scriptdeck/internal/core/ports"
)

// JobStore is the process-wide registry of jobs. Every read returns a
// snapshot; every write goes through a per-job lock. When a repository is
// attached, snapshots are written through on Save, Create and Delete.
type JobStore struct {
	logger *slog.Logger
	repo   ports.Repository
	now    func() time.Time

	mu    sync.RWMutex
	jobs  map[domain.JobID]*jobEntry
	order []domain.JobID
}

type jobEntry struct {
	mu      sync.Mutex
	job     domain.Job
	deleted bool
	// active is set while an orchestrator run owns the job, which can
	// outlive the RUNNING status after a cancel or a failure.
	active bool
}

// NewJobStore creates a store. repo may be nil for a memory-only store.
func NewJobStore(logger *slog.Logger, repo ports.Repository) *JobStore {
	return &JobStore{
		logger: logger,
		repo:   repo,
		now:    time.Now,
		jobs:   make(map[domain.JobID]*jobEntry),
	}
}

// Load restores persisted jobs. A job persisted as RUNNING lost its
// orchestrator with the previous process, so it comes back as ERROR and
// can be started again.
func (s *JobStore) Load(ctx context.Context) (int, error) {
	if s.repo == nil {
		return 0, nil
	}
	jobs, err := s.repo.ListJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("load jobs: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range jobs {
		if _, ok := s.jobs[job.ID]; ok {
			continue
		}
		if job.Status == domain.JobStatusRunning {
			job.Status = domain.JobStatusError
			job.ErrorMessage = "interrupted by restart"
			job.CurrentPhase = "interrupted"
			for i := range job.Items {
				if job.Items[i].Status.IsRunning() {
					job.Items[i].Status = domain.ItemStatusError
					job.Items[i].Error = "interrupted by restart"
				}
			}
		}
		s.jobs[job.ID] = &jobEntry{job: job}
		s.order = append(s.order, job.ID)
	}
	return len(jobs), nil
}

// Create registers a new pending job with items 0..n-1. The job is
// visible to readers only once fully built.
func (s *JobStore) Create(ctx context.Context, name string, inputs []domain.ItemInput) (domain.Job, error) {
	if len(inputs) == 0 {
		return domain.Job{}, domain.ErrEmptyItems
	}
	job := domain.NewJob(name, inputs, s.now())

	if s.repo != nil {
		if err := s.repo.SaveJob(ctx, job); err != nil {
			return domain.Job{}, fmt.Errorf("failed to save job: %w", err)
		}
	}

	s.mu.Lock()
	s.jobs[job.ID] = &jobEntry{job: job.Clone()}
	s.order = append(s.order, job.ID)
	s.mu.Unlock()

	s.logger.Info("job created", "job_id", job.ID, "pages", len(inputs))
	return job, nil
}

// Get returns a snapshot of the job.
func (s *JobStore) Get(id domain.JobID) (domain.Job, bool) {
	entry := s.entry(id)
	if entry == nil {
		return domain.Job{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.deleted {
		return domain.Job{}, false
	}
	return entry.job.Clone(), true
}

// Status returns the job status without copying its items.
func (s *JobStore) Status(id domain.JobID) (domain.JobStatus, bool) {
	entry := s.entry(id)
	if entry == nil {
		return "", false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.deleted {
		return "", false
	}
	return entry.job.Status, true
}

// List returns snapshots of all jobs in creation order.
func (s *JobStore) List() []domain.Job {
	s.mu.RLock()
	entries := make([]*jobEntry, 0, len(s.order))
	for _, id := range s.order {
		entries = append(entries, s.jobs[id])
	}
	s.mu.RUnlock()

	jobs := make([]domain.Job, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		jobs = append(jobs, entry.job.Clone())
		entry.mu.Unlock()
	}
	return jobs
}

// Delete removes a job. Jobs that are RUNNING or still owned by a run
// cannot be deleted.
func (s *JobStore) Delete(ctx context.Context, id domain.JobID) error {
	s.mu.Lock()
	entry, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return domain.ErrJobNotFound
	}
	entry.mu.Lock()
	if entry.job.Status == domain.JobStatusRunning || entry.active {
		entry.mu.Unlock()
		s.mu.Unlock()
		return domain.ErrJobRunning
	}
	entry.deleted = true
	entry.mu.Unlock()
	delete(s.jobs, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	if s.repo != nil {
		if err := s.repo.DeleteJob(ctx, id); err != nil {
			return fmt.Errorf("failed to delete job: %w", err)
		}
	}
	s.logger.Info("job deleted", "job_id", id)
	return nil
}

// Update applies fn to the job under its lock and bumps UpdatedAt unless
// fn returns an error, in which case the job is left as it was.
func (s *JobStore) Update(id domain.JobID, fn func(*domain.Job) error) (domain.Job, error) {
	entry := s.entry(id)
	if entry == nil {
		return domain.Job{}, domain.ErrJobNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.deleted {
		return domain.Job{}, domain.ErrJobNotFound
	}

	draft := entry.job.Clone()
	if err := fn(&draft); err != nil {
		return entry.job.Clone(), err
	}
	draft.UpdatedAt = s.now()
	entry.job = draft
	return draft.Clone(), nil
}

// Claim applies fn like Update and, when it succeeds, marks the job as
// owned by a run until Release. A job whose previous run has not returned
// yet is rejected with domain.ErrJobRunning and left unchanged.
func (s *JobStore) Claim(id domain.JobID, fn func(*domain.Job) error) (domain.Job, error) {
	entry := s.entry(id)
	if entry == nil {
		return domain.Job{}, domain.ErrJobNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.deleted {
		return domain.Job{}, domain.ErrJobNotFound
	}

	draft := entry.job.Clone()
	if err := fn(&draft); err != nil {
		return entry.job.Clone(), err
	}
	if entry.active {
		return entry.job.Clone(), fmt.Errorf("job %s: previous run still in flight: %w", id, domain.ErrJobRunning)
	}
	draft.UpdatedAt = s.now()
	entry.job = draft
	entry.active = true
	return draft.Clone(), nil
}

// Release ends the run ownership taken by Claim.
func (s *JobStore) Release(id domain.JobID) {
	if entry := s.entry(id); entry != nil {
		entry.mu.Lock()
		entry.active = false
		entry.mu.Unlock()
	}
}

// Active reports whether a run still owns the job.
func (s *JobStore) Active(id domain.JobID) bool {
	entry := s.entry(id)
	if entry == nil {
		return false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.active
}

// UpdateItem applies fn to a single item and lets fn adjust job-level
// aggregates in the same critical section.
func (s *JobStore) UpdateItem(id domain.JobID, index int, fn func(job *domain.Job, item *domain.Item)) (domain.Item, error) {
	entry := s.entry(id)
	if entry == nil {
		return domain.Item{}, domain.ErrJobNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.deleted {
		return domain.Item{}, domain.ErrJobNotFound
	}

	if index < 0 || index >= len(entry.job.Items) {
		return domain.Item{}, fmt.Errorf("item %d out of range", index)
	}
	fn(&entry.job, &entry.job.Items[index])
	entry.job.UpdatedAt = s.now()
	return entry.job.Items[index], nil
}

// Save writes the current snapshot through to the repository.
func (s *JobStore) Save(ctx context.Context, id domain.JobID) error {
	if s.repo == nil {
		return nil
	}
	job, ok := s.Get(id)
	if !ok {
		return domain.ErrJobNotFound
	}
	if err := s.repo.SaveJob(ctx, job); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

// saveQuietly persists and logs instead of failing; callers use it where
// losing a snapshot must not change the run's outcome.
func (s *JobStore) saveQuietly(ctx context.Context, id domain.JobID) {
	if err := s.Save(context.WithoutCancel(ctx), id); err != nil && !errors.Is(err, domain.ErrJobNotFound) {
		s.logger.Error("failed to persist job snapshot", "job_id", id, "error", err)
	}
}

func (s *JobStore) entry(id domain.JobID) *jobEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.jobs[id]
}
