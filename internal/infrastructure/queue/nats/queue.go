// Package nats implements the message fabric on NATS JetStream: one work-queue
// stream holds every pipeline subject, and each queue gets a durable pull
// consumer with explicit acks.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/kirillkom/paperless-pipeline/internal/core/ports"
	"github.com/kirillkom/paperless-pipeline/internal/infrastructure/resilience"
)

type Fabric struct {
	conn     *nats.Conn
	js       jetstream.JetStream
	stream   string
	executor *resilience.Executor
	ackWait  time.Duration
	// maxDeliver is a server-side backstop above the runner's retry ceiling.
	maxDeliver int
}

type Options struct {
	StreamName           string
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	AckWait              time.Duration
	MaxDeliver           int
	ResilienceExecutor   *resilience.Executor
}

// New connects and ensures a stream covering subjects exists.
func New(ctx context.Context, url string, subjects []string, options Options) (*Fabric, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}
	stream := options.StreamName
	if stream == "" {
		stream = "PIPELINE"
	}
	ackWait := options.AckWait
	if ackWait <= 0 {
		ackWait = 5 * time.Minute
	}
	maxDeliver := options.MaxDeliver
	if maxDeliver <= 0 {
		maxDeliver = 20
	}

	conn, err := nats.Connect(
		url,
		nats.Name("paperless-pipeline"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	streamCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err = js.CreateOrUpdateStream(streamCtx, jetstream.StreamConfig{
		Name:      stream,
		Subjects:  subjects,
		Storage:   jetstream.FileStorage,
		Retention: jetstream.WorkQueuePolicy,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ensure stream %s: %w", stream, err)
	}

	return &Fabric{
		conn:       conn,
		js:         js,
		stream:     stream,
		executor:   options.ResilienceExecutor,
		ackWait:    ackWait,
		maxDeliver: maxDeliver,
	}, nil
}

func (f *Fabric) Close() error {
	if f.conn == nil {
		return nil
	}
	if err := f.conn.Drain(); err != nil {
		f.conn.Close()
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}

func (f *Fabric) Publish(ctx context.Context, queue string, body []byte) error {
	call := func(ctx context.Context) error {
		if _, err := f.js.Publish(ctx, queue, body); err != nil {
			return fmt.Errorf("jetstream publish %s: %w", queue, err)
		}
		return nil
	}
	if err := resilience.Do(ctx, f.executor, "nats.publish", call, classifyNATSError); err != nil {
		return resilience.WrapTemporary("nats publish", err, classifyNATSError)
	}
	return nil
}

// Consume pulls from the queue's durable consumer and hands each message to
// one of workers goroutines. It returns when ctx is cancelled and in-flight
// handlers have finished.
func (f *Fabric) Consume(ctx context.Context, queue string, workers int, handler ports.DeliveryHandler) error {
	if workers <= 0 {
		workers = 1
	}
	consumer, err := f.js.CreateOrUpdateConsumer(ctx, f.stream, jetstream.ConsumerConfig{
		Durable:       durableName(queue),
		FilterSubject: queue,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       f.ackWait,
		MaxDeliver:    f.maxDeliver,
		MaxAckPending: workers * 4,
	})
	if err != nil {
		return fmt.Errorf("ensure consumer for %s: %w", queue, err)
	}

	iter, err := consumer.Messages(jetstream.PullMaxMessages(workers))
	if err != nil {
		return fmt.Errorf("start pulling %s: %w", queue, err)
	}
	go func() {
		<-ctx.Done()
		iter.Stop()
	}()

	msgs := make(chan jetstream.Msg)
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for msg := range msgs {
				handler(ctx, delivery{msg: msg})
			}
		}()
	}

	slog.Info("nats_consumer_started", "queue", queue, "stream", f.stream, "workers", workers)
	var pullErr error
	for {
		msg, err := iter.Next()
		if err != nil {
			if !errors.Is(err, jetstream.ErrMsgIteratorClosed) && ctx.Err() == nil {
				pullErr = fmt.Errorf("pull %s: %w", queue, err)
			}
			break
		}
		msgs <- msg
	}
	close(msgs)
	wg.Wait()
	return pullErr
}

func durableName(queue string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_").Replace(queue)
}

type delivery struct {
	msg jetstream.Msg
}

func (d delivery) Body() []byte { return d.msg.Data() }

func (d delivery) Attempt() int {
	meta, err := d.msg.Metadata()
	if err != nil || meta.NumDelivered == 0 {
		return 1
	}
	return int(meta.NumDelivered)
}

func (d delivery) Ack(context.Context) error {
	if err := d.msg.Ack(); err != nil {
		return fmt.Errorf("jetstream ack: %w", err)
	}
	return nil
}

func (d delivery) Retry(_ context.Context, delay time.Duration) error {
	if err := d.msg.NakWithDelay(delay); err != nil {
		return fmt.Errorf("jetstream nak: %w", err)
	}
	return nil
}
