// Package memory is a process-local message fabric on watermill's Go channel
// pub/sub, used by the standalone binary and the end-to-end tests. Messages do
// not survive a restart; the reconciliation sweep re-drives whatever was lost.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/kirillkom/paperless-pipeline/internal/core/domain"
	"github.com/kirillkom/paperless-pipeline/internal/core/ports"
)

const metadataAttempt = "attempt"

var errClosed = errors.New("fabric closed")

type Fabric struct {
	pubSub *gochannel.GoChannel

	mu     sync.Mutex
	closed bool
	timers map[*time.Timer]struct{}
}

func New() *Fabric {
	return &Fabric{
		pubSub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer: 64,
				// Messages published before a consumer subscribes are replayed to it.
				Persistent: true,
			},
			watermill.NewStdLogger(false, false),
		),
		timers: make(map[*time.Timer]struct{}),
	}
}

func (f *Fabric) Publish(_ context.Context, queue string, body []byte) error {
	return f.publish(queue, body, 1)
}

func (f *Fabric) publish(queue string, body []byte, attempt int) error {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return domain.WrapError(domain.ErrTemporary, "memory publish", errClosed)
	}

	msg := message.NewMessage(watermill.NewUUID(), body)
	msg.Metadata.Set(metadataAttempt, strconv.Itoa(attempt))
	if err := f.pubSub.Publish(queue, msg); err != nil {
		return domain.WrapError(domain.ErrTemporary, "memory publish", fmt.Errorf("queue %s: %w", queue, err))
	}
	return nil
}

// Consume fans messages out to workers goroutines. A message is taken off the
// channel once a worker accepts it; Retry schedules a fresh copy.
func (f *Fabric) Consume(ctx context.Context, queue string, workers int, handler ports.DeliveryHandler) error {
	if workers <= 0 {
		workers = 1
	}
	msgs, err := f.pubSub.Subscribe(ctx, queue)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", queue, err)
	}

	work := make(chan *message.Message)
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for msg := range work {
				handler(ctx, &delivery{fabric: f, queue: queue, msg: msg})
			}
		}()
	}

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case msg, ok := <-msgs:
			if !ok {
				break loop
			}
			select {
			case work <- msg:
				msg.Ack()
			case <-ctx.Done():
				break loop
			}
		}
	}
	close(work)
	wg.Wait()
	return nil
}

func (f *Fabric) Close() error {
	f.mu.Lock()
	f.closed = true
	for timer := range f.timers {
		timer.Stop()
	}
	clear(f.timers)
	f.mu.Unlock()
	return f.pubSub.Close()
}

func (f *Fabric) requeueAfter(queue string, body []byte, attempt int, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return domain.WrapError(domain.ErrTemporary, "memory requeue", errClosed)
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		f.mu.Lock()
		delete(f.timers, timer)
		f.mu.Unlock()
		if err := f.publish(queue, body, attempt); err != nil {
			slog.Warn("memory_requeue_dropped", "queue", queue, "attempt", attempt, "error", err)
		}
	})
	f.timers[timer] = struct{}{}
	return nil
}

type delivery struct {
	fabric *Fabric
	queue  string
	msg    *message.Message
}

func (d *delivery) Body() []byte { return d.msg.Payload }

func (d *delivery) Attempt() int {
	n, err := strconv.Atoi(d.msg.Metadata.Get(metadataAttempt))
	if err != nil || n < 1 {
		return 1
	}
	return n
}

func (d *delivery) Ack(context.Context) error { return nil }

func (d *delivery) Retry(_ context.Context, delay time.Duration) error {
	return d.fabric.requeueAfter(d.queue, d.msg.Payload, d.Attempt()+1, delay)
}
