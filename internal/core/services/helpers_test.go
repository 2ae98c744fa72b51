package services

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/manthysbr/scriptdeck/internal/core/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type describeFunc func(ctx context.Context, in domain.ItemInput) (string, error)

func (f describeFunc) Describe(ctx context.Context, in domain.ItemInput) (string, error) {
	return f(ctx, in)
}

type illustrateFunc func(ctx context.Context, jobID domain.JobID, item domain.Item) (string, error)

func (f illustrateFunc) Illustrate(ctx context.Context, jobID domain.JobID, item domain.Item) (string, error) {
	return f(ctx, jobID, item)
}

func pages(n int) []domain.ItemInput {
	inputs := make([]domain.ItemInput, n)
	for i := range inputs {
		inputs[i] = domain.ItemInput{Narration: "narration " + string(rune('a'+i%26))}
	}
	return inputs
}

type harness struct {
	store     *JobStore
	bus       *EventBus
	scheduler *JobScheduler
	orch      *Orchestrator
}

func newHarness(t *testing.T, cfg OrchestratorConfig, describeWorkers, illustrateWorkers int) *harness {
	t.Helper()
	logger := testLogger()
	store := NewJobStore(logger, nil)
	bus := NewEventBus(logger)

	describePool := NewStagePool(logger, domain.StageDescribe, describeWorkers)
	illustratePool := NewStagePool(logger, domain.StageIllustrate, illustrateWorkers)
	t.Cleanup(func() {
		describePool.Shutdown()
		illustratePool.Shutdown()
	})

	runner := NewStageRunner(logger, store, bus, nil, describePool, illustratePool)
	scheduler := NewJobScheduler(logger, SchedulerConfig{MaxConcurrentJobs: 4})
	orch := NewOrchestrator(logger, store, runner, scheduler, bus, NewWorkspace(t.TempDir()), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	scheduler.Start(ctx, orch.Run)

	return &harness{store: store, bus: bus, scheduler: scheduler, orch: orch}
}

func (h *harness) waitForStatus(t *testing.T, id domain.JobID, want domain.JobStatus) domain.Job {
	t.Helper()
	require.Eventually(t, func() bool {
		status, ok := h.store.Status(id)
		return ok && status == want && !h.store.Active(id)
	}, 5*time.Second, 5*time.Millisecond, "job never reached %s", want)
	job, ok := h.store.Get(id)
	require.True(t, ok)
	return job
}
