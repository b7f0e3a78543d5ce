package bootstrap

import (
	"testing"
	"time"

	"github.com/kirillkom/paperless-pipeline/internal/config"
)

func TestNATSMaxDeliverFollowsMaxAttempts(t *testing.T) {
	for _, attempts := range []int{1, 5, 30} {
		cfg := config.Config{NATSStream: "PIPELINE", AckWait: time.Minute, MaxAttempts: attempts}
		opts := natsOptions(cfg, nil)
		if opts.MaxDeliver <= attempts {
			t.Fatalf("MaxAttempts=%d: MaxDeliver=%d must exceed the retry ceiling", attempts, opts.MaxDeliver)
		}
		if opts.StreamName != "PIPELINE" || opts.AckWait != time.Minute {
			t.Fatalf("options not carried over: %+v", opts)
		}
	}
}
