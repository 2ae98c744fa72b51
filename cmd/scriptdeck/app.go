package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/manthysbr/scriptdeck/internal/adapters/export"
	"github.com/manthysbr/scriptdeck/internal/adapters/ingest"
	"github.com/manthysbr/scriptdeck/internal/adapters/providers"
	"github.com/manthysbr/scriptdeck/internal/adapters/sqlstore"
	"github.com/manthysbr/scriptdeck/internal/config"
	"github.com/manthysbr/scriptdeck/internal/core/domain"
	"github.com/manthysbr/scriptdeck/internal/core/ports"
	"github.com/manthysbr/scriptdeck/internal/core/services"
)

// app is the wired process: one store, two stage pools and the
// orchestrator on top, shared by serve and run.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	db        *sqlstore.Store
	store     *services.JobStore
	bus       *services.EventBus
	workspace *services.Workspace
	pools     []*services.StagePool
	scheduler *services.JobScheduler
	orch      *services.Orchestrator
	parser    *ingest.Parser
	settings  *config.SettingsStore

	metricsReader *sdkmetric.ManualReader
	meters        *sdkmetric.MeterProvider
}

func newLogger(cfg *config.Config, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.LogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Log.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(w, opts)), nil
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	var repo ports.Repository
	var settingsRepo config.SettingsRepository = config.NewMemorySettings()
	if cfg.Store.Driver != config.DriverMemory {
		db, err := sqlstore.Open(ctx, cfg.Store.Driver, cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to init repository: %w", err)
		}
		a.db = db
		repo = db
		settingsRepo = db
	}

	secret, err := config.NewSecretKey(cfg.Paths.DataDir)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to init secret key: %w", err)
	}
	a.settings, err = config.NewSettingsStore(ctx, logger, settingsRepo, secret, cfg.Providers)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to init settings store: %w", err)
	}

	a.store = services.NewJobStore(logger, repo)
	if n, err := a.store.Load(ctx); err != nil {
		a.close()
		return nil, err
	} else if n > 0 {
		logger.Info("jobs restored", "count", n)
	}

	a.bus = services.NewEventBus(logger)
	a.workspace = services.NewWorkspace(cfg.Paths.WorkspaceDir)
	a.pools = []*services.StagePool{
		services.NewStagePool(logger, domain.StageDescribe, cfg.Workers.Describe),
		services.NewStagePool(logger, domain.StageIllustrate, cfg.Workers.Illustrate),
	}
	a.metricsReader = sdkmetric.NewManualReader()
	a.meters = sdkmetric.NewMeterProvider(sdkmetric.WithReader(a.metricsReader))
	runner := services.NewStageRunner(logger, a.store, a.bus, services.NewStageMetricsFor(a.meters), a.pools...)
	a.scheduler = services.NewJobScheduler(logger, services.SchedulerConfig{
		MaxConcurrentJobs: cfg.Workers.MaxConcurrentJobs,
	})
	a.orch = services.NewOrchestrator(logger, a.store, runner, a.scheduler, a.bus, a.workspace, services.OrchestratorConfig{
		Illustrate:        cfg.Pipeline.Illustrate,
		DescribeTimeout:   cfg.DescribeTimeout(),
		IllustrateTimeout: cfg.IllustrateTimeout(),
	})
	a.orch.SetExporter(export.NewDeckWriter(logger, cfg.Paths.OutputDir))
	a.parser = ingest.NewParser(logger, nil)

	if err := a.applyProviders(a.settings.Providers()); err != nil {
		a.close()
		return nil, err
	}

	// Hot-reload: rebuild the collaborators whenever provider settings change.
	a.settings.OnChange(func(p domain.ProviderConfig) {
		if err := a.applyProviders(p); err != nil {
			logger.Error("failed to rebuild providers on settings change", "error", err)
			return
		}
		logger.Info("providers hot-reloaded from settings change")
	})
	return a, nil
}

// applyProviders builds the LLM and image clients and swaps them into the
// orchestrator and the script parser.
func (a *app) applyProviders(p domain.ProviderConfig) error {
	llm, image, err := providers.Build(&domain.AppConfig{Providers: p})
	if err != nil {
		return fmt.Errorf("failed to build providers from config: %w", err)
	}
	pipeline := services.NewPipeline(a.logger, llm, image, a.workspace, services.Prompts{
		Description: a.cfg.Pipeline.DescriptionPrompt,
		Image:       a.cfg.Pipeline.ImagePrompt,
	})
	a.orch.SetCollaborators(pipeline, pipeline)
	a.parser.SetLLM(llm)
	return nil
}

// start launches the scheduler loop. Runs stop being picked up once ctx is done.
func (a *app) start(ctx context.Context) {
	a.scheduler.Start(ctx, a.orch.Run)
}

// shutdown waits for in-flight runs, then stops the pools, logs the stage
// totals and closes the store.
func (a *app) shutdown() {
	a.scheduler.Wait()
	for _, p := range a.pools {
		p.Shutdown()
	}
	a.logStageTotals()
	a.close()
}

func (a *app) stageTotals() (map[string]int64, error) {
	var rm metricdata.ResourceMetrics
	if err := a.metricsReader.Collect(context.Background(), &rm); err != nil {
		return nil, err
	}
	return services.UnitTotals(rm), nil
}

func (a *app) logStageTotals() {
	totals, err := a.stageTotals()
	if err != nil {
		a.logger.Warn("failed to collect stage metrics", "error", err)
		return
	}
	if len(totals) == 0 {
		return
	}
	keys := make([]string, 0, len(totals))
	for k := range totals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make([]any, 0, 2*len(keys))
	for _, k := range keys {
		attrs = append(attrs, k, totals[k])
	}
	a.logger.Info("stage unit totals", attrs...)
}

func (a *app) close() {
	if a.meters != nil {
		if err := a.meters.Shutdown(context.Background()); err != nil {
			a.logger.Warn("failed to stop meter provider", "error", err)
		}
		a.meters = nil
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("failed to close store", "error", err)
		}
		a.db = nil
	}
}
