package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/manthysbr/scriptdeck/internal/core/domain"
	"golang.org/x/sync/semaphore"
)

// SchedulerConfig defines concurrency limits
type SchedulerConfig struct {
	MaxConcurrentJobs int64
	QueueSize         int
}

// JobScheduler launches orchestrations in the background, at most
// MaxConcurrentJobs at a time. Start requests return as soon as the job id
// is queued.
type JobScheduler struct {
	logger       *slog.Logger
	pendingQueue chan domain.JobID
	semaphore    *semaphore.Weighted
	running      sync.WaitGroup
}

func NewJobScheduler(logger *slog.Logger, cfg SchedulerConfig) *JobScheduler {
	limit := cfg.MaxConcurrentJobs
	if limit <= 0 {
		limit = 10
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 100
	}

	return &JobScheduler{
		logger:       logger,
		pendingQueue: make(chan domain.JobID, size),
		semaphore:    semaphore.NewWeighted(limit),
	}
}

// Submit queues a job for orchestration without blocking.
func (s *JobScheduler) Submit(ctx context.Context, id domain.JobID) error {
	select {
	case s.pendingQueue <- id:
		s.logger.Info("job submitted", "job_id", id)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("submit job %s: %w", id, domain.ErrQueueFull)
	}
}

// Start consumes the queue until ctx is done, running handler for each job
// in its own goroutine.
func (s *JobScheduler) Start(ctx context.Context, handler func(context.Context, domain.JobID)) {
	s.logger.Info("starting job scheduler")

	go func() {
		for {
			select {
			case <-ctx.Done():
				s.logger.Info("stopping scheduler")
				return
			case id := <-s.pendingQueue:
				if err := s.semaphore.Acquire(ctx, 1); err != nil {
					s.logger.Error("failed to acquire semaphore", "job_id", id, "error", err)
					return
				}

				s.running.Add(1)
				go func(id domain.JobID) {
					defer s.running.Done()
					defer s.semaphore.Release(1)
					handler(ctx, id)
				}(id)
			}
		}
	}()
}

// Wait blocks until every launched orchestration has returned.
func (s *JobScheduler) Wait() {
	s.running.Wait()
}
