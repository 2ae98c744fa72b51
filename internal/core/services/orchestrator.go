package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/manthysbr/scriptdeck/internal/core/domain"
)

// OrchestratorConfig selects the stages and per-unit timeouts of a run.
type OrchestratorConfig struct {
	Illustrate        bool
	DescribeTimeout   time.Duration
	IllustrateTimeout time.Duration
}

// Orchestrator owns the job state machine. It validates and commits the
// RUNNING transition synchronously, then drives the stages from a scheduler
// goroutine.
type Orchestrator struct {
	logger    *slog.Logger
	store     *JobStore
	runner    *StageRunner
	scheduler *JobScheduler
	bus       *EventBus
	workspace *Workspace
	cfg       OrchestratorConfig

	mu          sync.RWMutex
	describer   domain.Describer
	illustrator domain.Illustrator
	exporter    domain.Exporter
}

func NewOrchestrator(
	logger *slog.Logger,
	store *JobStore,
	runner *StageRunner,
	scheduler *JobScheduler,
	bus *EventBus,
	workspace *Workspace,
	cfg OrchestratorConfig,
) *Orchestrator {
	return &Orchestrator{
		logger:    logger,
		store:     store,
		runner:    runner,
		scheduler: scheduler,
		bus:       bus,
		workspace: workspace,
		cfg:       cfg,
	}
}

// SetCollaborators swaps the stage transforms. Runs already in flight keep
// the collaborators they started with.
func (o *Orchestrator) SetCollaborators(describer domain.Describer, illustrator domain.Illustrator) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.describer = describer
	o.illustrator = illustrator
}

func (o *Orchestrator) SetExporter(exporter domain.Exporter) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.exporter = exporter
}

func (o *Orchestrator) collaborators() (domain.Describer, domain.Illustrator, domain.Exporter) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.describer, o.illustrator, o.exporter
}

// Create registers a pending job.
func (o *Orchestrator) Create(ctx context.Context, name string, inputs []domain.ItemInput) (domain.Job, error) {
	job, err := o.store.Create(ctx, name, inputs)
	if err != nil {
		return domain.Job{}, err
	}
	o.bus.PublishStatus(job)
	return job, nil
}

func (o *Orchestrator) Get(id domain.JobID) (domain.Job, error) {
	job, ok := o.store.Get(id)
	if !ok {
		return domain.Job{}, domain.ErrJobNotFound
	}
	return job, nil
}

func (o *Orchestrator) List() []domain.Job {
	return o.store.List()
}

// Start moves a PENDING or ERROR job to RUNNING and queues its run. Any
// other status is rejected with domain.ErrInvalidStartState and the job is
// left untouched. The status check and the transition happen under the same
// job lock, so two concurrent starts cannot both succeed.
func (o *Orchestrator) Start(ctx context.Context, id domain.JobID) (domain.Job, error) {
	job, err := o.store.Claim(id, func(j *domain.Job) error {
		if !j.Status.CanStart() {
			return fmt.Errorf("job %s is %s: %w", j.ID, j.Status, domain.ErrInvalidStartState)
		}
		j.Status = domain.JobStatusRunning
		j.CurrentPhase = "starting"
		j.ErrorMessage = ""
		j.CompletedCount = 0
		return nil
	})
	if err != nil {
		return domain.Job{}, err
	}
	o.store.saveQuietly(ctx, id)
	o.bus.PublishStatus(job)
	o.logger.Info("job started", "job_id", id, "pages", job.TotalItems())

	if err := o.scheduler.Submit(ctx, id); err != nil {
		o.fail(ctx, id, fmt.Sprintf("failed to schedule job: %v", err))
		o.release(id)
		return domain.Job{}, err
	}
	return job, nil
}

// Run drives one job through its stages. It is the scheduler handler and
// expects the job to be RUNNING already.
func (o *Orchestrator) Run(ctx context.Context, id domain.JobID) {
	defer o.release(id)
	logger := o.logger.With("job_id", id)
	describer, illustrator, _ := o.collaborators()
	if describer == nil {
		o.fail(ctx, id, "no description provider configured")
		return
	}

	res, err := o.runner.Run(ctx, id, o.describeStage(describer))
	if err != nil {
		o.fail(ctx, id, fmt.Sprintf("description stage failed: %v", err))
		return
	}
	o.store.saveQuietly(ctx, id)
	logger.Info("descriptions finished", "succeeded", res.Succeeded, "failed", res.Failed)
	if !o.stillRunning(id) {
		logger.Info("job no longer running, not advancing")
		return
	}

	if o.cfg.Illustrate {
		if illustrator == nil {
			o.fail(ctx, id, "no image provider configured")
			return
		}
		res, err = o.runner.Run(ctx, id, o.illustrateStage(illustrator))
		if err != nil {
			o.fail(ctx, id, fmt.Sprintf("image stage failed: %v", err))
			return
		}
		o.store.saveQuietly(ctx, id)
		logger.Info("images finished", "succeeded", res.Succeeded, "failed", res.Failed)
		if !o.stillRunning(id) {
			logger.Info("job no longer running, not advancing")
			return
		}
	}

	o.complete(ctx, id)
}

// Cancel marks a job CANCELLED. Units already calling a provider finish;
// units that have not started record "cancelled" and no later stage runs.
func (o *Orchestrator) Cancel(ctx context.Context, id domain.JobID) (domain.Job, error) {
	job, err := o.store.Update(id, func(j *domain.Job) error {
		if j.Status.IsTerminal() {
			return fmt.Errorf("job %s is %s: %w", j.ID, j.Status, domain.ErrJobFinished)
		}
		j.Status = domain.JobStatusCancelled
		j.CurrentPhase = "cancelled"
		return nil
	})
	if err != nil {
		return domain.Job{}, err
	}
	o.store.saveQuietly(ctx, id)
	if o.store.Active(id) {
		o.bus.PublishStatus(job)
	} else {
		o.bus.PublishSettled(job)
	}
	o.logger.Info("job cancelled", "job_id", id)
	return job, nil
}

// Delete removes a job whose run has returned, along with its artifacts.
func (o *Orchestrator) Delete(ctx context.Context, id domain.JobID) error {
	if err := o.store.Delete(ctx, id); err != nil {
		return err
	}
	if o.workspace != nil {
		if err := o.workspace.CleanupJob(id); err != nil {
			o.logger.Warn("failed to remove job workspace", "job_id", id, "error", err)
		}
	}
	return nil
}

// Export writes a COMPLETED job through the exporter and records the output path.
func (o *Orchestrator) Export(ctx context.Context, id domain.JobID, opts domain.ExportOptions) (domain.Job, int, error) {
	job, ok := o.store.Get(id)
	if !ok {
		return domain.Job{}, 0, domain.ErrJobNotFound
	}
	if job.Status != domain.JobStatusCompleted {
		return domain.Job{}, 0, fmt.Errorf("job %s is %s: %w", id, job.Status, domain.ErrJobNotCompleted)
	}
	_, _, exporter := o.collaborators()
	if exporter == nil {
		return domain.Job{}, 0, errors.New("no exporter configured")
	}

	path, n, err := exporter.Export(ctx, job, opts)
	if err != nil {
		return domain.Job{}, 0, err
	}
	job, err = o.store.Update(id, func(j *domain.Job) error {
		j.OutputPath = path
		return nil
	})
	if err != nil {
		return domain.Job{}, 0, err
	}
	o.store.saveQuietly(ctx, id)
	o.logger.Info("job exported", "job_id", id, "output_path", path, "pages", n)
	return job, n, nil
}

// Describe generates a single description outside any job.
func (o *Orchestrator) Describe(ctx context.Context, in domain.ItemInput) (string, error) {
	describer, _, _ := o.collaborators()
	if describer == nil {
		return "", errors.New("no description provider configured")
	}
	if o.cfg.DescribeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.DescribeTimeout)
		defer cancel()
	}
	return describer.Describe(ctx, in)
}

func (o *Orchestrator) describeStage(describer domain.Describer) Stage {
	return Stage{
		Kind:      domain.StageDescribe,
		Label:     "generating descriptions",
		Running:   domain.ItemStatusDescribing,
		Succeeded: domain.ItemStatusDescribed,
		Eligible: func(it domain.Item) bool {
			return it.Description == ""
		},
		Transform: func(ctx context.Context, _ domain.JobID, it domain.Item) (string, error) {
			return describer.Describe(ctx, it.ItemInput)
		},
		Apply: func(it *domain.Item, result string) {
			it.Description = result
		},
		Timeout: o.cfg.DescribeTimeout,
	}
}

func (o *Orchestrator) illustrateStage(illustrator domain.Illustrator) Stage {
	return Stage{
		Kind:      domain.StageIllustrate,
		Label:     "generating images",
		Running:   domain.ItemStatusIllustrating,
		Succeeded: domain.ItemStatusIllustrated,
		Eligible: func(it domain.Item) bool {
			return it.Description != "" && it.ImagePath == ""
		},
		Transform: illustrator.Illustrate,
		Apply: func(it *domain.Item, result string) {
			it.ImagePath = result
		},
		Timeout: o.cfg.IllustrateTimeout,
	}
}

// Active reports whether a run still owns the job. A cancelled job stays
// active until its in-flight units have returned.
func (o *Orchestrator) Active(id domain.JobID) bool {
	return o.store.Active(id)
}

// release ends the run's ownership of the job and publishes the settled
// status.
func (o *Orchestrator) release(id domain.JobID) {
	o.store.Release(id)
	if job, ok := o.store.Get(id); ok {
		o.bus.PublishSettled(job)
	}
}

func (o *Orchestrator) stillRunning(id domain.JobID) bool {
	status, ok := o.store.Status(id)
	return ok && status == domain.JobStatusRunning
}

var errNotRunning = errors.New("job not running")

func (o *Orchestrator) complete(ctx context.Context, id domain.JobID) {
	job, err := o.store.Update(id, func(j *domain.Job) error {
		if j.Status != domain.JobStatusRunning {
			return errNotRunning
		}
		j.Status = domain.JobStatusCompleted
		j.CurrentPhase = "done"
		return nil
	})
	if err != nil {
		o.logger.Info("job not completed", "job_id", id, "reason", err)
		return
	}
	o.store.saveQuietly(ctx, id)
	o.bus.PublishStatus(job)
	o.logger.Info("job completed", "job_id", id, "completed_pages", job.CompletedCount)
}

// fail records an orchestration-level failure. A cancelled job stays cancelled.
func (o *Orchestrator) fail(ctx context.Context, id domain.JobID, msg string) {
	o.logger.Error("job failed", "job_id", id, "error", msg)
	job, err := o.store.Update(id, func(j *domain.Job) error {
		if j.Status == domain.JobStatusCancelled {
			return errNotRunning
		}
		j.Status = domain.JobStatusError
		j.ErrorMessage = msg
		j.CurrentPhase = "failed"
		return nil
	})
	if err != nil {
		return
	}
	o.store.saveQuietly(ctx, id)
	o.bus.PublishStatus(job)
}
