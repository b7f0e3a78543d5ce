package redis

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/kirillkom/paperless-pipeline/internal/core/domain"
)

type redisFake struct {
	goredis.Scripter

	mu      sync.Mutex
	values  map[string]string
	ttls    map[string]time.Duration
	setErr  error
	evalled []string
}

func newRedisFake() *redisFake {
	return &redisFake{values: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *redisFake) SetNX(_ context.Context, key string, value any, expiration time.Duration) *goredis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return goredis.NewBoolResult(false, f.setErr)
	}
	if _, held := f.values[key]; held {
		return goredis.NewBoolResult(false, nil)
	}
	f.values[key] = value.(string)
	f.ttls[key] = expiration
	return goredis.NewBoolResult(true, nil)
}

func (f *redisFake) EvalSha(_ context.Context, _ string, keys []string, args ...any) *goredis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evalled = append(f.evalled, keys[0])
	if f.values[keys[0]] == args[0].(string) {
		delete(f.values, keys[0])
		return goredis.NewCmdResult(int64(1), nil)
	}
	return goredis.NewCmdResult(int64(0), nil)
}

func TestAcquireAndRelease(t *testing.T) {
	fake := newRedisFake()
	guard := New(fake, time.Minute)
	key := domain.DedupKey{Filename: "contract.pdf", Author: "john@x.com"}

	release, err := guard.Acquire(context.Background(), key)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	lockKey := lockKeyFor(key)
	if !strings.HasPrefix(lockKey, keyPrefix) || fake.ttls[lockKey] != time.Minute {
		t.Fatalf("unexpected lock %q ttl %v", lockKey, fake.ttls[lockKey])
	}

	if _, err := guard.Acquire(context.Background(), key); !domain.IsKind(err, domain.ErrDuplicate) {
		t.Fatalf("second Acquire() error = %v, want ErrDuplicate", err)
	}

	release(context.Background())
	if _, held := fake.values[lockKey]; held {
		t.Fatal("lock still held after release")
	}
	if _, err := guard.Acquire(context.Background(), key); err != nil {
		t.Fatalf("Acquire() after release error = %v", err)
	}
}

func TestReleaseKeepsLockTakenOverByAnotherHolder(t *testing.T) {
	fake := newRedisFake()
	guard := New(fake, time.Minute)
	key := domain.DedupKey{Filename: "a.pdf", Author: "a"}

	release, err := guard.Acquire(context.Background(), key)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	// Simulate expiry followed by another holder.
	fake.values[lockKeyFor(key)] = "someone-else"

	release(context.Background())
	if fake.values[lockKeyFor(key)] != "someone-else" {
		t.Fatal("release removed a lock it no longer owned")
	}
}

func TestAcquireMapsRedisErrorsToTemporary(t *testing.T) {
	fake := newRedisFake()
	fake.setErr = errors.New("connection refused")
	guard := New(fake, 0)

	_, err := guard.Acquire(context.Background(), domain.DedupKey{Filename: "a.pdf", Author: "a"})
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("Acquire() error = %v, want ErrTemporary", err)
	}
	if guard.ttl != 30*time.Second {
		t.Fatalf("default ttl = %v", guard.ttl)
	}
}

func TestLockKeySeparatesFields(t *testing.T) {
	a := lockKeyFor(domain.DedupKey{Filename: "ab", Author: "c"})
	b := lockKeyFor(domain.DedupKey{Filename: "a", Author: "bc"})
	if a == b {
		t.Fatal("lock keys collide across field boundaries")
	}
}
