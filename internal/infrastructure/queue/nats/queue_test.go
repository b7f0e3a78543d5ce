package nats

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/kirillkom/paperless-pipeline/internal/core/domain"
	"github.com/kirillkom/paperless-pipeline/internal/infrastructure/resilience"
)

type msgFake struct {
	jetstream.Msg
	delivered uint64
	metaErr   error
	acked     bool
	nakDelay  time.Duration
}

func (m *msgFake) Data() []byte { return []byte(`{"documentId":1}`) }

func (m *msgFake) Metadata() (*jetstream.MsgMetadata, error) {
	if m.metaErr != nil {
		return nil, m.metaErr
	}
	return &jetstream.MsgMetadata{NumDelivered: m.delivered}, nil
}

func (m *msgFake) Ack() error {
	m.acked = true
	return nil
}

func (m *msgFake) NakWithDelay(d time.Duration) error {
	m.nakDelay = d
	return nil
}

func TestDeliveryMapsJetStreamMetadata(t *testing.T) {
	msg := &msgFake{delivered: 3}
	d := delivery{msg: msg}

	if d.Attempt() != 3 {
		t.Fatalf("Attempt() = %d, want 3", d.Attempt())
	}
	if err := d.Retry(context.Background(), 4*time.Second); err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if msg.nakDelay != 4*time.Second {
		t.Fatalf("nak delay = %s", msg.nakDelay)
	}
	if err := d.Ack(context.Background()); err != nil || !msg.acked {
		t.Fatalf("Ack() error = %v acked=%v", err, msg.acked)
	}
}

func TestDeliveryAttemptDefaultsToFirst(t *testing.T) {
	d := delivery{msg: &msgFake{metaErr: errors.New("not a jetstream message")}}
	if d.Attempt() != 1 {
		t.Fatalf("Attempt() = %d, want 1", d.Attempt())
	}
}

func TestDurableNameStripsSubjectTokens(t *testing.T) {
	if got := durableName("pipeline.summarization"); got != "pipeline_summarization" {
		t.Fatalf("durableName() = %q", got)
	}
}

func TestPublishErrorsClassifiedAsTemporary(t *testing.T) {
	err := resilience.WrapTemporary("nats publish", fmt.Errorf("publish: %w", nats.ErrNoServers), classifyNATSError)
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected ErrTemporary, got %v", err)
	}

	plain := errors.New("bad subject")
	if got := resilience.WrapTemporary("nats publish", plain, classifyNATSError); domain.IsKind(got, domain.ErrTemporary) {
		t.Fatalf("non-retryable error must not be temporary: %v", got)
	}

	if classifyNATSError(context.Canceled).RecordFailure {
		t.Fatal("cancellation must not count against the breaker")
	}
}
