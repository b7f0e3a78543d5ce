package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/paperless-pipeline/internal/core/domain"
	"github.com/kirillkom/paperless-pipeline/internal/core/ports"
)

// Stage binds a stage name to its input queue and handler.
type Stage struct {
	Name   domain.Stage
	Queue  string
	Handle Handler
	// OnDeadLetter runs after the message was moved to the dead-letter queue.
	OnDeadLetter func(ctx context.Context, body []byte, cause error)
}

type RunnerConfig struct {
	Policy RetryPolicy
	// HandlerTimeout must stay below the fabric's redelivery timeout.
	HandlerTimeout time.Duration
}

// Runner applies the retry/dead-letter policy to deliveries of a stage.
type Runner struct {
	fabric    ports.MessageFabric
	publisher *Publisher
	cfg       RunnerConfig
	observer  ports.PipelineObserver
	now       func() time.Time
}

func NewRunner(fabric ports.MessageFabric, publisher *Publisher, cfg RunnerConfig, observer ports.PipelineObserver) *Runner {
	cfg.Policy = cfg.Policy.normalize()
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 2 * time.Minute
	}
	return &Runner{
		fabric:    fabric,
		publisher: publisher,
		cfg:       cfg,
		observer:  observer,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run consumes the stage's queue with the given number of workers until ctx ends.
func (r *Runner) Run(ctx context.Context, stage Stage, workers int) error {
	if stage.Handle == nil {
		return fmt.Errorf("pipeline: stage %s has no handler", stage.Name)
	}
	if workers <= 0 {
		workers = 1
	}
	slog.Info("stage_started", "stage", stage.Name, "queue", stage.Queue, "workers", workers)
	err := r.fabric.Consume(ctx, stage.Queue, workers, func(deliveryCtx context.Context, d ports.Delivery) {
		r.process(deliveryCtx, stage, d)
	})
	slog.Info("stage_stopped", "stage", stage.Name, "queue", stage.Queue)
	return err
}

func (r *Runner) process(ctx context.Context, stage Stage, d ports.Delivery) {
	start := time.Now()
	attempt := d.Attempt()
	if attempt < 1 {
		attempt = 1
	}

	handlerCtx, cancel := context.WithTimeout(ctx, r.cfg.HandlerTimeout)
	err := stage.Handle(handlerCtx, d.Body())
	cancel()

	if err != nil && IsShutdown(ctx, err) {
		// Leave it unacknowledged; the fabric redelivers after restart.
		r.observe(stage.Name, "interrupted", attempt, start)
		return
	}

	disposition := r.cfg.Policy.Decide(err, attempt)
	logAttrs := []any{
		"stage", stage.Name,
		"queue", stage.Queue,
		"attempt", attempt,
	}
	if id, ok := DocumentRef(d.Body()); ok {
		logAttrs = append(logAttrs, "document_id", id)
	}

	switch disposition {
	case Ack:
		if ackErr := d.Ack(ctx); ackErr != nil {
			slog.Warn("delivery_ack_failed", append(logAttrs, "error", ackErr)...)
		}
	case Retry:
		delay := r.cfg.Policy.Delay(attempt)
		slog.Warn("stage_failed_retrying", append(logAttrs, "delay_ms", delay.Milliseconds(), "error", err)...)
		if retryErr := d.Retry(ctx, delay); retryErr != nil {
			slog.Warn("delivery_retry_failed", append(logAttrs, "error", retryErr)...)
		}
	case DeadLetter:
		slog.Error("stage_dead_lettered", append(logAttrs, "error", err)...)
		if dlErr := r.deadLetter(ctx, stage, d, attempt, err); dlErr != nil {
			slog.Error("dead_letter_publish_failed", append(logAttrs, "error", dlErr)...)
			disposition = Retry
			if retryErr := d.Retry(ctx, r.cfg.Policy.Delay(attempt)); retryErr != nil {
				slog.Warn("delivery_retry_failed", append(logAttrs, "error", retryErr)...)
			}
			break
		}
		if stage.OnDeadLetter != nil {
			stage.OnDeadLetter(ctx, d.Body(), err)
		}
		if ackErr := d.Ack(ctx); ackErr != nil {
			slog.Warn("delivery_ack_failed", append(logAttrs, "error", ackErr)...)
		}
	}

	r.observe(stage.Name, disposition.String(), attempt, start)
}

func (r *Runner) deadLetter(ctx context.Context, stage Stage, d ports.Delivery, attempt int, cause error) error {
	if r.publisher == nil {
		return fmt.Errorf("pipeline: no publisher for dead letters")
	}
	return r.publisher.PublishDeadLetter(ctx, stage.Queue, domain.DeadLetter{
		Queue:    stage.Queue,
		Stage:    stage.Name,
		Attempts: attempt,
		Error:    cause.Error(),
		FailedAt: r.now(),
		Payload:  d.Body(),
	})
}

func (r *Runner) observe(stage domain.Stage, outcome string, attempt int, start time.Time) {
	if r.observer != nil {
		r.observer.ObserveDelivery(stage, outcome, attempt, time.Since(start))
	}
}
