// Package kafka implements the message fabric on Kafka topics, one topic per
// queue. Offsets are committed only after a delivery is acked or re-queued.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/kirillkom/paperless-pipeline/internal/core/domain"
	"github.com/kirillkom/paperless-pipeline/internal/core/ports"
	"github.com/kirillkom/paperless-pipeline/internal/infrastructure/resilience"
)

const (
	headerAttempt   = "x-attempt"
	headerNotBefore = "x-not-before"
)

type Options struct {
	Brokers            []string
	GroupID            string
	ResilienceExecutor *resilience.Executor
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageCommitter interface {
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

type Fabric struct {
	writer   messageWriter
	brokers  []string
	groupID  string
	executor *resilience.Executor
}

func New(options Options) (*Fabric, error) {
	if len(options.Brokers) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "kafka fabric", errors.New("at least one broker is required"))
	}
	groupID := options.GroupID
	if groupID == "" {
		groupID = "paperless-pipeline"
	}
	return &Fabric{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(options.Brokers...),
			Balancer:               &kafka.Hash{},
			BatchTimeout:           10 * time.Millisecond,
			MaxAttempts:            3,
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
		brokers:  options.Brokers,
		groupID:  groupID,
		executor: options.ResilienceExecutor,
	}, nil
}

func (f *Fabric) Close() error {
	return f.writer.Close()
}

func (f *Fabric) Publish(ctx context.Context, queue string, body []byte) error {
	return f.write(ctx, kafka.Message{
		Topic:   queue,
		Value:   body,
		Headers: []kafka.Header{{Key: headerAttempt, Value: []byte("1")}},
	})
}

func (f *Fabric) write(ctx context.Context, msg kafka.Message) error {
	call := func(ctx context.Context) error {
		if err := f.writer.WriteMessages(ctx, msg); err != nil {
			return fmt.Errorf("kafka write %s: %w", msg.Topic, err)
		}
		return nil
	}
	return resilience.WrapTemporary("kafka publish",
		resilience.Do(ctx, f.executor, "kafka.publish", call, classifyKafkaError),
		classifyKafkaError)
}

// Consume runs one group reader per worker; the group spreads partitions
// across them.
func (f *Fabric) Consume(ctx context.Context, queue string, workers int, handler ports.DeliveryHandler) error {
	if workers <= 0 {
		workers = 1
	}
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := range workers {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:     f.brokers,
			GroupID:     f.groupID + "-" + queue,
			Topic:       queue,
			MinBytes:    1,
			MaxBytes:    10e6,
			StartOffset: kafka.FirstOffset,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = f.consumeLoop(ctx, reader, handler)
		}()
	}
	slog.Info("kafka_consumer_started", "queue", queue, "workers", workers)
	wg.Wait()
	return errors.Join(errs...)
}

func (f *Fabric) consumeLoop(ctx context.Context, reader *kafka.Reader, handler ports.DeliveryHandler) error {
	defer func() {
		_ = reader.Close()
	}()
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			slog.Error("kafka_fetch_failed", "topic", reader.Config().Topic, "error", err)
			if !sleepCtx(ctx, time.Second) {
				return nil
			}
			continue
		}
		if wait := time.Until(notBefore(msg)); wait > 0 {
			if !sleepCtx(ctx, wait) {
				return nil
			}
		}
		handler(ctx, &delivery{fabric: f, committer: reader, msg: msg})
	}
}

type delivery struct {
	fabric    *Fabric
	committer messageCommitter
	msg       kafka.Message
}

func (d *delivery) Body() []byte { return d.msg.Value }

func (d *delivery) Attempt() int { return attemptOf(d.msg) }

func (d *delivery) Ack(ctx context.Context) error {
	if err := d.committer.CommitMessages(ctx, d.msg); err != nil {
		return fmt.Errorf("kafka commit: %w", err)
	}
	return nil
}

// Retry re-publishes the message with the next attempt number and a
// not-before time, then commits the original.
func (d *delivery) Retry(ctx context.Context, delay time.Duration) error {
	next := kafka.Message{
		Topic: d.msg.Topic,
		Key:   d.msg.Key,
		Value: d.msg.Value,
		Headers: []kafka.Header{
			{Key: headerAttempt, Value: []byte(strconv.Itoa(attemptOf(d.msg) + 1))},
			{Key: headerNotBefore, Value: []byte(strconv.FormatInt(time.Now().Add(delay).UnixMilli(), 10))},
		},
	}
	if err := d.fabric.write(ctx, next); err != nil {
		return err
	}
	return d.Ack(ctx)
}

func header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func attemptOf(msg kafka.Message) int {
	n, err := strconv.Atoi(header(msg, headerAttempt))
	if err != nil || n < 1 {
		return 1
	}
	return n
}

func notBefore(msg kafka.Message) time.Time {
	ms, err := strconv.ParseInt(header(msg, headerNotBefore), 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func classifyKafkaError(err error) resilience.ErrorClassification {
	if err == nil {
		return resilience.ErrorClassification{}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return resilience.ErrorClassification{}
	}
	if resilience.IsCircuitOpen(err) {
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	}
	var kerr kafka.Error
	if errors.As(err, &kerr) {
		return resilience.ErrorClassification{Retryable: kerr.Temporary(), RecordFailure: true}
	}
	// Dial and broker I/O failures surface as net errors.
	return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
}
