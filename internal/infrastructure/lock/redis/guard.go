// Package redis implements the ingestion dedup guard as a short-lived Redis
// lock per (filename, author) pair.
package redis

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/kirillkom/paperless-pipeline/internal/core/domain"
)

const keyPrefix = "dedup:"

// releaseScript deletes the lock only while it still carries our token.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type lockClient interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *goredis.BoolCmd
	goredis.Scripter
}

type Guard struct {
	client lockClient
	ttl    time.Duration
}

type Options struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// Connect dials Redis and verifies the connection with a PING.
func Connect(ctx context.Context, options Options) (*Guard, *goredis.Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     options.Addr,
		Password: options.Password,
		DB:       options.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	return New(rdb, options.TTL), rdb, nil
}

func New(client lockClient, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Guard{client: client, ttl: ttl}
}

// Acquire takes the lock for key or fails with domain.ErrDuplicate when a
// concurrent upload of the same pair holds it.
func (g *Guard) Acquire(ctx context.Context, key domain.DedupKey) (func(context.Context), error) {
	lockKey := lockKeyFor(key)
	token := uuid.NewString()

	ok, err := g.client.SetNX(ctx, lockKey, token, g.ttl).Result()
	if err != nil {
		return nil, domain.WrapError(domain.ErrTemporary, "dedup lock", fmt.Errorf("setnx: %w", err))
	}
	if !ok {
		return nil, domain.WrapError(domain.ErrDuplicate, "dedup lock",
			fmt.Errorf("upload of %q by %q already in progress", key.Filename, key.Author))
	}

	release := func(ctx context.Context) {
		if err := releaseScript.Run(ctx, g.client, []string{lockKey}, token).Err(); err != nil {
			slog.Warn("dedup_lock_release_failed", "key", lockKey, "error", err)
		}
	}
	return release, nil
}

func lockKeyFor(key domain.DedupKey) string {
	sum := sha256.Sum256([]byte(key.Filename + "\x00" + key.Author))
	return fmt.Sprintf("%s%x", keyPrefix, sum[:16])
}
