package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kirillkom/paperless-pipeline/internal/config"
	"github.com/kirillkom/paperless-pipeline/internal/core/domain"
	"github.com/kirillkom/paperless-pipeline/internal/core/pipeline"
	"github.com/kirillkom/paperless-pipeline/internal/core/ports"
	"github.com/kirillkom/paperless-pipeline/internal/infrastructure/extractor/pdf"
	"github.com/kirillkom/paperless-pipeline/internal/infrastructure/extractor/plaintext"
	"github.com/kirillkom/paperless-pipeline/internal/infrastructure/extractor/spreadsheet"
	"github.com/kirillkom/paperless-pipeline/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/paperless-pipeline/internal/infrastructure/llm/openai"
	"github.com/kirillkom/paperless-pipeline/internal/infrastructure/llm/vertex"
	redislock "github.com/kirillkom/paperless-pipeline/internal/infrastructure/lock/redis"
	"github.com/kirillkom/paperless-pipeline/internal/infrastructure/ocr/tesseract"
	"github.com/kirillkom/paperless-pipeline/internal/infrastructure/queue/kafka"
	memqueue "github.com/kirillkom/paperless-pipeline/internal/infrastructure/queue/memory"
	"github.com/kirillkom/paperless-pipeline/internal/infrastructure/queue/nats"
	memrepo "github.com/kirillkom/paperless-pipeline/internal/infrastructure/repository/memory"
	"github.com/kirillkom/paperless-pipeline/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/paperless-pipeline/internal/infrastructure/resilience"
	"github.com/kirillkom/paperless-pipeline/internal/infrastructure/search/elastic"
	memsearch "github.com/kirillkom/paperless-pipeline/internal/infrastructure/search/memory"
	"github.com/kirillkom/paperless-pipeline/internal/infrastructure/storage/gcs"
	"github.com/kirillkom/paperless-pipeline/internal/infrastructure/storage/localfs"
)

// OpenDeps connects the adapters cfg selects. On error everything opened so
// far is closed again.
func OpenDeps(ctx context.Context, cfg config.Config) (deps Deps, err error) {
	defer func() {
		if err != nil {
			(&App{closers: deps.Closers}).Close()
		}
	}()

	resilienceCfg := resilience.DefaultConfig()
	resilienceCfg.BreakerEnabled = cfg.BreakerEnabled
	executor := resilience.NewExecutor(resilienceCfg)
	deps.Breakers = executor

	if deps.Repo, err = openRepository(ctx, cfg, &deps); err != nil {
		return deps, err
	}
	if deps.Storage, err = openStorage(ctx, cfg, executor, &deps); err != nil {
		return deps, err
	}
	if deps.Fabric, err = openFabric(ctx, cfg, executor); err != nil {
		return deps, err
	}
	deps.Closers = append(deps.Closers, deps.Fabric.Close)
	if deps.Index, err = openSearch(ctx, cfg, executor); err != nil {
		return deps, err
	}
	if deps.Completer, err = openCompleter(ctx, cfg, executor, &deps); err != nil {
		return deps, err
	}
	if cfg.RedisAddr != "" {
		guard, client, err := redislock.Connect(ctx, redislock.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.DedupLockTTL,
		})
		if err != nil {
			return deps, fmt.Errorf("init dedup guard: %w", err)
		}
		deps.Guard = guard
		deps.Closers = append(deps.Closers, client.Close)
	}
	deps.Extractors = Extractors(cfg)
	return deps, nil
}

func openRepository(ctx context.Context, cfg config.Config, deps *Deps) (ports.DocumentRepository, error) {
	if cfg.MetadataDriver == config.MetadataMemory {
		return memrepo.NewDocumentRepository(), nil
	}
	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	deps.Closers = append(deps.Closers, db.Close)
	repo := postgres.NewDocumentRepository(db)
	if err := repo.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return repo, nil
}

func openStorage(ctx context.Context, cfg config.Config, executor *resilience.Executor, deps *Deps) (ports.ObjectStorage, error) {
	if cfg.StorageDriver == config.StorageGCS {
		store, err := gcs.New(ctx, cfg.GCSBucket, executor)
		if err != nil {
			return nil, fmt.Errorf("init object storage: %w", err)
		}
		deps.Closers = append(deps.Closers, store.Close)
		return store, nil
	}
	store, err := localfs.New(cfg.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("init object storage: %w", err)
	}
	return store, nil
}

func openFabric(ctx context.Context, cfg config.Config, executor *resilience.Executor) (ports.MessageFabric, error) {
	switch cfg.QueueDriver {
	case config.QueueMemory:
		return memqueue.New(), nil
	case config.QueueKafka:
		fabric, err := kafka.New(kafka.Options{
			Brokers:            cfg.KafkaBrokers,
			GroupID:            cfg.KafkaGroupID,
			ResilienceExecutor: executor,
		})
		if err != nil {
			return nil, fmt.Errorf("init kafka fabric: %w", err)
		}
		return fabric, nil
	default:
		subjects := make([]string, 0, 8)
		for _, queue := range cfg.Queues.All() {
			subjects = append(subjects, queue, pipeline.DeadLetterQueue(queue))
		}
		fabric, err := nats.New(ctx, cfg.NATSURL, subjects, natsOptions(cfg, executor))
		if err != nil {
			return nil, fmt.Errorf("init nats fabric: %w", err)
		}
		return fabric, nil
	}
}

// natsMaxDeliverHeadroom keeps the server-side redelivery cap above the
// runner's retry ceiling, so the runner always gets to dead-letter first.
const natsMaxDeliverHeadroom = 5

func natsOptions(cfg config.Config, executor *resilience.Executor) nats.Options {
	return nats.Options{
		StreamName:         cfg.NATSStream,
		AckWait:            cfg.AckWait,
		MaxDeliver:         cfg.MaxAttempts + natsMaxDeliverHeadroom,
		ResilienceExecutor: executor,
	}
}

func openSearch(ctx context.Context, cfg config.Config, executor *resilience.Executor) (ports.SearchIndex, error) {
	if cfg.SearchDriver == config.SearchMemory {
		return memsearch.New(), nil
	}
	client := elastic.New(cfg.ElasticURL, cfg.ElasticIndex, elastic.Options{
		Username:           cfg.ElasticUsername,
		Password:           cfg.ElasticPassword,
		ResilienceExecutor: executor,
	})
	if err := client.EnsureIndex(ctx); err != nil {
		return nil, fmt.Errorf("ensure search index: %w", err)
	}
	return client, nil
}

// openCompleter returns a nil interface for the "none" provider so that
// summarization falls back to the placeholder.
func openCompleter(ctx context.Context, cfg config.Config, executor *resilience.Executor, deps *Deps) (ports.TextCompleter, error) {
	switch cfg.CompletionProvider {
	case config.CompletionNone:
		slog.Info("completion_disabled", "summary", "placeholder")
		return nil, nil
	case config.CompletionOllama:
		return ollama.New(cfg.OllamaURL, ollama.Options{
			Model:              cfg.CompletionModel,
			Temperature:        cfg.CompletionTemperature,
			MaxTokens:          cfg.CompletionMaxTokens,
			RequestsPerSecond:  cfg.CompletionRPS,
			ResilienceExecutor: executor,
		}), nil
	case config.CompletionVertex:
		client, err := vertex.New(ctx, vertex.Options{
			ProjectID:          cfg.VertexProject,
			Region:             cfg.VertexRegion,
			Model:              cfg.CompletionModel,
			Temperature:        float32(cfg.CompletionTemperature),
			MaxTokens:          int32(cfg.CompletionMaxTokens),
			RequestsPerSecond:  cfg.CompletionRPS,
			ResilienceExecutor: executor,
		})
		if err != nil {
			return nil, fmt.Errorf("init vertex client: %w", err)
		}
		deps.Closers = append(deps.Closers, client.Close)
		return client, nil
	default:
		if cfg.OpenAIAPIKey == "" {
			slog.Warn("completion_disabled", "reason", "OPENAI_API_KEY is empty", "summary", "placeholder")
			return nil, nil
		}
		client, err := openai.New(openai.Options{
			BaseURL:            cfg.OpenAIBaseURL,
			APIKey:             cfg.OpenAIAPIKey,
			Model:              cfg.CompletionModel,
			Temperature:        cfg.CompletionTemperature,
			MaxTokens:          cfg.CompletionMaxTokens,
			RequestsPerSecond:  cfg.CompletionRPS,
			ResilienceExecutor: executor,
		})
		if err != nil {
			return nil, fmt.Errorf("init openai client: %w", err)
		}
		return client, nil
	}
}

// Extractors maps each file type to its text extractor. Types without an
// entry get the unsupported-type placeholder.
func Extractors(cfg config.Config) map[domain.FileType]ports.TextExtractor {
	ocr := tesseract.New(tesseract.Options{Binary: cfg.TesseractBinary, Languages: cfg.TesseractLanguages})
	extractors := map[domain.FileType]ports.TextExtractor{
		domain.FileTypePDF:  pdf.New(ocr, pdf.Options{}),
		domain.FileTypeXLSX: spreadsheet.New(),
	}
	for _, ft := range []domain.FileType{
		domain.FileTypePNG, domain.FileTypeJPG, domain.FileTypeJPEG,
		domain.FileTypeGIF, domain.FileTypeTIFF, domain.FileTypeBMP,
	} {
		extractors[ft] = ocr
	}
	if cfg.PlainTextExtraction {
		extractors[domain.FileTypeTXT] = plaintext.New()
	}
	return extractors
}
