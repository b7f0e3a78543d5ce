package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/kirillkom/paperless-pipeline/internal/core/domain"
)

type Disposition int

const (
	Ack Disposition = iota
	Retry
	DeadLetter
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "acked"
	case Retry:
		return "retried"
	case DeadLetter:
		return "dead_lettered"
	}
	return "unknown"
}

// RetryPolicy bounds redelivery of a failing message.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   2 * time.Second,
		MaxDelay:    time.Minute,
	}
}

func (p RetryPolicy) normalize() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// Decide maps a handler outcome on the given delivery attempt to what the
// fabric should do with the message.
func (p RetryPolicy) Decide(err error, attempt int) Disposition {
	if err == nil {
		return Ack
	}
	if domain.IsKind(err, domain.ErrPermanent) {
		return DeadLetter
	}
	if attempt >= p.normalize().MaxAttempts {
		return DeadLetter
	}
	return Retry
}

// Delay is the redelivery delay after the given failed attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	p = p.normalize()
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return delay
}

// IsShutdown reports errors caused by the worker's own context ending.
// Such deliveries are left for redelivery without counting as a failure.
func IsShutdown(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}
