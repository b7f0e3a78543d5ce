package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/sync/errgroup"

	httpadapter "github.com/kirillkom/paperless-pipeline/internal/adapters/http"
	"github.com/kirillkom/paperless-pipeline/internal/config"
	"github.com/kirillkom/paperless-pipeline/internal/core/domain"
	"github.com/kirillkom/paperless-pipeline/internal/core/pipeline"
	"github.com/kirillkom/paperless-pipeline/internal/core/ports"
	"github.com/kirillkom/paperless-pipeline/internal/core/usecase"
	"github.com/kirillkom/paperless-pipeline/internal/observability/metrics"
)

// Deps are the infrastructure adapters an App is assembled from.
type Deps struct {
	Fabric     ports.MessageFabric
	Repo       ports.DocumentRepository
	Storage    ports.ObjectStorage
	Index      ports.SearchIndex
	Completer  ports.TextCompleter
	Guard      ports.DedupGuard
	Extractors map[domain.FileType]ports.TextExtractor
	Breakers   metrics.BreakerStateSource
	// Closers run in reverse order on App.Close.
	Closers []func() error
}

type App struct {
	Config config.Config

	Fabric    ports.MessageFabric
	Repo      ports.DocumentRepository
	Publisher *pipeline.Publisher
	Runner    *pipeline.Runner

	Ingest    *usecase.IngestDocumentUseCase
	Documents *usecase.DocumentService
	Search    *usecase.SearchUseCase
	Recovery  *usecase.RecoveryUseCase

	HTTPMetrics     *metrics.HTTPServerMetrics
	PipelineMetrics *metrics.PipelineMetrics

	service string
	stages  map[domain.Stage]pipeline.Stage
	closers []func() error
}

// New opens every adapter selected by cfg and assembles the App.
func New(ctx context.Context, cfg config.Config, service string) (*App, error) {
	deps, err := OpenDeps(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return Assemble(cfg, service, deps), nil
}

// Assemble wires use cases and stages over already opened adapters.
func Assemble(cfg config.Config, service string, deps Deps) *App {
	httpMetrics := metrics.NewHTTPServerMetrics(service)
	pipelineMetrics := metrics.NewPipelineMetrics(service, httpMetrics.Registry())
	if deps.Breakers != nil {
		metrics.RegisterBreakerStates(httpMetrics.Registry(), service, deps.Breakers)
	}

	publisher := pipeline.NewPublisher(deps.Fabric, cfg.Queues, pipelineMetrics)
	runner := pipeline.NewRunner(deps.Fabric, publisher, pipeline.RunnerConfig{
		Policy: pipeline.RetryPolicy{
			MaxAttempts: cfg.MaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
		},
		HandlerTimeout: cfg.HandlerTimeout,
	}, pipelineMetrics)

	extraction := usecase.NewExtractionStage(deps.Repo, deps.Storage, publisher, deps.Extractors, usecase.ExtractionConfig{})
	summarization := usecase.NewSummarizationStage(deps.Repo, deps.Completer, publisher, usecase.SummarizationConfig{
		SystemPrompt: cfg.SummaryPrompt,
	})
	consolidation := usecase.NewConsolidationStage(deps.Repo, publisher)
	indexing := usecase.NewIndexingStage(deps.Repo, deps.Index)
	failures := usecase.NewFailureRecorder(deps.Repo)

	stages := map[domain.Stage]pipeline.Stage{
		domain.StageExtraction: {
			Name:         domain.StageExtraction,
			Queue:        cfg.Queues.Extraction,
			Handle:       pipeline.JSON(extraction.Extract),
			OnDeadLetter: failures.For(domain.StageExtraction),
		},
		domain.StageSummarization: {
			Name:         domain.StageSummarization,
			Queue:        cfg.Queues.Summarization,
			Handle:       pipeline.JSON(summarization.Summarize),
			OnDeadLetter: failures.For(domain.StageSummarization),
		},
		domain.StageConsolidation: {
			Name:         domain.StageConsolidation,
			Queue:        cfg.Queues.Consolidation,
			Handle:       pipeline.JSON(consolidation.Consolidate),
			OnDeadLetter: failures.For(domain.StageConsolidation),
		},
		domain.StageIndexing: {
			Name:         domain.StageIndexing,
			Queue:        cfg.Queues.Indexing,
			Handle:       pipeline.JSON(indexing.Index),
			OnDeadLetter: failures.For(domain.StageIndexing),
		},
	}

	return &App{
		Config:    cfg,
		Fabric:    deps.Fabric,
		Repo:      deps.Repo,
		Publisher: publisher,
		Runner:    runner,

		Ingest: usecase.NewIngestDocumentUseCase(deps.Repo, deps.Storage, publisher, deps.Guard, usecase.IngestConfig{
			AllowedExtensions: cfg.AllowedExtensions,
			MaxSizeBytes:      cfg.MaxUploadBytes,
		}),
		Documents: usecase.NewDocumentService(deps.Repo, deps.Storage, publisher),
		Search:    usecase.NewSearchUseCase(deps.Index),
		Recovery: usecase.NewRecoveryUseCase(deps.Repo, publisher, pipelineMetrics, usecase.RecoveryConfig{
			PageSize:   cfg.ReindexPageSize,
			StaleAfter: cfg.ReconcileStaleAfter,
			Interval:   cfg.ReconcileInterval,
			Bucket:     deps.Storage.Location(),
		}),

		HTTPMetrics:     httpMetrics,
		PipelineMetrics: pipelineMetrics,

		service: service,
		stages:  stages,
		closers: deps.Closers,
	}
}

// RunStages consumes the given stages, plus the reconciliation sweeper when
// enabled, until ctx ends or one of them fails.
func (a *App) RunStages(ctx context.Context, stages []domain.Stage) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, name := range stages {
		stage, ok := a.stages[name]
		if !ok {
			return fmt.Errorf("%w: stage %q is not a consuming stage", domain.ErrInvalidInput, name)
		}
		g.Go(func() error {
			return a.Runner.Run(ctx, stage, a.Config.StageWorkers)
		})
	}
	if a.Config.ReconcileEnabled {
		g.Go(func() error {
			return a.Recovery.RunSweeper(ctx)
		})
	}
	return g.Wait()
}

func (a *App) HTTPHandler() (http.Handler, error) {
	router, err := httpadapter.NewRouter(a.Ingest, a.Documents, a.Documents, a.Search, a.Recovery, httpadapter.Options{
		ServiceName:    a.service,
		AdminAPIKey:    a.Config.AdminAPIKey,
		MaxUploadBytes: a.Config.MaxUploadBytes,
		RateLimitRPS:   a.Config.HTTPRateLimitRPS,
		RateLimitBurst: a.Config.HTTPRateLimitBurst,
		Metrics:        a.HTTPMetrics,
	})
	if err != nil {
		return nil, fmt.Errorf("build router: %w", err)
	}
	return router.Handler(), nil
}

func (a *App) Close() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		slog.Warn("shutdown_close_failed", "error", err)
	}
}
