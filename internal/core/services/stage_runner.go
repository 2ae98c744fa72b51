package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/manthysbr/scriptdeck/internal/core/domain"
)

// errCancelled is recorded on items whose unit never ran because the job
// was cancelled first.
var errCancelled = errors.New("cancelled")

// Stage describes one pass over a job's items.
type Stage struct {
	Kind      domain.StageKind
	Label     string // phase prefix, e.g. "generating descriptions"
	Running   domain.ItemStatus
	Succeeded domain.ItemStatus
	Eligible  func(domain.Item) bool
	Transform func(ctx context.Context, jobID domain.JobID, item domain.Item) (string, error)
	Apply     func(item *domain.Item, result string)
	Timeout   time.Duration // per unit; zero means none
}

// StageResult summarises a finished stage.
type StageResult struct {
	Eligible  int
	Succeeded int
	Failed    int
}

// StageRunner fans a stage out over the pool registered for its kind and
// waits for every unit to settle.
type StageRunner struct {
	logger  *slog.Logger
	store   *JobStore
	bus     *EventBus
	metrics *StageMetrics
	pools   map[domain.StageKind]*StagePool
}

func NewStageRunner(logger *slog.Logger, store *JobStore, bus *EventBus, metrics *StageMetrics, pools ...*StagePool) *StageRunner {
	r := &StageRunner{
		logger:  logger,
		store:   store,
		bus:     bus,
		metrics: metrics,
		pools:   make(map[domain.StageKind]*StagePool, len(pools)),
	}
	for _, p := range pools {
		r.pools[p.Kind()] = p
	}
	return r
}

// stageTally is only touched inside JobStore.UpdateItem, under the job lock.
type stageTally struct {
	total     int
	done      int
	succeeded int
}

type unitResult struct {
	index int
	ok    bool
	lost  error // the job disappeared before the outcome could be recorded
}

// Run applies stage to every eligible item of the job. It returns an error
// only when the stage could not be driven: unknown job, missing pool, a
// rejected submission, or the job vanishing mid-stage. Per-item failures are
// recorded on the items and counted in the result.
//
// When Run returns, every eligible item is in stage.Succeeded or error.
func (r *StageRunner) Run(ctx context.Context, jobID domain.JobID, stage Stage) (StageResult, error) {
	snapshot, ok := r.store.Get(jobID)
	if !ok {
		return StageResult{}, fmt.Errorf("%s stage: %w", stage.Kind, domain.ErrJobNotFound)
	}
	pool, ok := r.pools[stage.Kind]
	if !ok {
		return StageResult{}, fmt.Errorf("no worker pool for stage %q", stage.Kind)
	}

	var indexes []int
	for _, item := range snapshot.Items {
		if stage.Eligible(item) {
			indexes = append(indexes, item.Index)
		}
	}
	tally := &stageTally{total: len(indexes)}

	job, err := r.store.Update(jobID, func(j *domain.Job) error {
		j.CompletedCount = 0
		if j.Status == domain.JobStatusRunning {
			j.CurrentPhase = phaseText(stage.Label, 0, tally.total)
		}
		return nil
	})
	if err != nil {
		return StageResult{}, fmt.Errorf("%s stage: %w", stage.Kind, err)
	}
	r.publishProgress(job, stage, tally.total)

	logger := r.logger.With("job_id", jobID, "stage", stage.Kind)
	logger.Info("stage started", "eligible", tally.total, "workers", pool.Workers())
	if tally.total == 0 {
		return StageResult{}, nil
	}

	results := make(chan unitResult, tally.total)
	var submitErr error
	for _, idx := range indexes {
		if submitErr != nil {
			results <- r.settle(ctx, jobID, stage, idx, "", submitErr, tally)
			continue
		}
		if r.cancelled(ctx, jobID) {
			r.metrics.RecordSkipped(ctx, stage.Kind)
			results <- r.settle(ctx, jobID, stage, idx, "", r.cancelReason(ctx), tally)
			continue
		}

		err := pool.Submit(ctx, func() {
			results <- r.runUnit(ctx, jobID, stage, idx, tally)
		})
		if err != nil {
			submitErr = fmt.Errorf("submit %s unit for page %d: %w", stage.Kind, idx, err)
			logger.Error("stage submission rejected", "item_index", idx, "error", err)
			results <- r.settle(ctx, jobID, stage, idx, "", submitErr, tally)
		}
	}

	var res StageResult
	var lost error
	for range indexes {
		u := <-results
		res.Eligible++
		switch {
		case u.lost != nil:
			lost = u.lost
			res.Failed++
		case u.ok:
			res.Succeeded++
		default:
			res.Failed++
		}
	}

	logger.Info("stage finished", "succeeded", res.Succeeded, "failed", res.Failed)
	if lost != nil {
		return res, fmt.Errorf("%s stage: %w", stage.Kind, lost)
	}
	if submitErr != nil {
		return res, submitErr
	}
	return res, nil
}

// runUnit executes on a pool worker.
func (r *StageRunner) runUnit(ctx context.Context, jobID domain.JobID, stage Stage, idx int, tally *stageTally) unitResult {
	skip := false
	item, err := r.store.UpdateItem(jobID, idx, func(job *domain.Job, it *domain.Item) {
		if job.Status == domain.JobStatusCancelled || ctx.Err() != nil {
			skip = true
			return
		}
		it.Status = stage.Running
		it.Error = ""
	})
	if err != nil {
		return unitResult{index: idx, lost: err}
	}
	if skip {
		r.metrics.RecordSkipped(ctx, stage.Kind)
		return r.settle(ctx, jobID, stage, idx, "", r.cancelReason(ctx), tally)
	}
	r.bus.PublishJSON(jobID, EventTypeItem, ItemPayload{Index: idx, Status: item.Status})

	unitCtx := ctx
	if stage.Timeout > 0 {
		var cancel context.CancelFunc
		unitCtx, cancel = context.WithTimeout(ctx, stage.Timeout)
		defer cancel()
	}

	start := time.Now()
	result, terr := callTransform(unitCtx, stage, jobID, item)
	r.metrics.RecordUnit(ctx, stage.Kind, terr, time.Since(start))

	if terr != nil {
		r.logger.Warn("stage unit failed", "job_id", jobID, "stage", stage.Kind, "item_index", idx, "error", terr)
	} else {
		r.logger.Debug("stage unit finished", "job_id", jobID, "stage", stage.Kind, "item_index", idx)
	}
	return r.settle(ctx, jobID, stage, idx, result, terr, tally)
}

// settle records a unit outcome on its item and the job aggregates in one
// critical section.
func (r *StageRunner) settle(ctx context.Context, jobID domain.JobID, stage Stage, idx int, result string, uerr error, tally *stageTally) unitResult {
	var progress ProgressPayload
	item, err := r.store.UpdateItem(jobID, idx, func(j *domain.Job, it *domain.Item) {
		tally.done++
		if uerr != nil {
			it.Status = domain.ItemStatusError
			it.Error = uerr.Error()
		} else {
			if stage.Apply != nil {
				stage.Apply(it, result)
			}
			it.Status = stage.Succeeded
			it.Error = ""
			tally.succeeded++
		}
		j.CompletedCount = tally.succeeded
		if j.Status == domain.JobStatusRunning {
			j.CurrentPhase = phaseText(stage.Label, tally.done, tally.total)
		}
		progress = ProgressPayload{
			Stage:     stage.Kind,
			Phase:     j.CurrentPhase,
			Completed: j.CompletedCount,
			Done:      tally.done,
			Total:     tally.total,
			Progress:  j.ProgressPercent(),
		}
	})
	if err != nil {
		r.logger.Error("failed to record unit outcome", "job_id", jobID, "stage", stage.Kind, "item_index", idx, "error", err)
		return unitResult{index: idx, lost: err}
	}

	r.bus.PublishJSON(jobID, EventTypeItem, ItemPayload{Index: idx, Status: item.Status, Error: item.Error})
	r.bus.PublishJSON(jobID, EventTypeProgress, progress)
	return unitResult{index: idx, ok: uerr == nil}
}

func (r *StageRunner) publishProgress(job domain.Job, stage Stage, total int) {
	r.bus.PublishJSON(job.ID, EventTypeProgress, ProgressPayload{
		Stage:     stage.Kind,
		Phase:     job.CurrentPhase,
		Completed: job.CompletedCount,
		Total:     total,
		Progress:  job.ProgressPercent(),
	})
}

func (r *StageRunner) cancelled(ctx context.Context, jobID domain.JobID) bool {
	if ctx.Err() != nil {
		return true
	}
	status, ok := r.store.Status(jobID)
	return ok && status == domain.JobStatusCancelled
}

func (r *StageRunner) cancelReason(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("aborted: %w", err)
	}
	return errCancelled
}

// callTransform turns a panicking transform into an item error so the unit
// still settles.
func callTransform(ctx context.Context, stage Stage, jobID domain.JobID, item domain.Item) (result string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%s transform panicked: %v", stage.Kind, p)
		}
	}()
	result, err = stage.Transform(ctx, jobID, item)
	if err == nil && result == "" {
		err = fmt.Errorf("%s transform returned an empty result", stage.Kind)
	}
	return result, err
}

func phaseText(label string, done, total int) string {
	return fmt.Sprintf("%s (%d/%d)", label, done, total)
}
