package middleware

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisWindow is a WindowCounter shared by every instance pointed at the
// same Redis. It counts in fixed windows keyed by the window start.
type RedisWindow struct {
	client redis.Cmdable
	prefix string
	now    func() time.Time
}

func NewRedisWindow(client redis.Cmdable, prefix string) *RedisWindow {
	if prefix == "" {
		prefix = "careguard:rl:"
	}
	return &RedisWindow{client: client, prefix: prefix, now: time.Now}
}

// NewRedisClient parses a redis:// URL and checks the connection.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = time.Second
	opts.WriteTimeout = time.Second
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (r *RedisWindow) Hit(ctx context.Context, key string, window time.Duration) (int, time.Time, error) {
	start := r.now().Truncate(window)
	reset := start.Add(window)
	k := r.prefix + key + ":" + strconv.FormatInt(start.Unix(), 10)

	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, k)
		pipe.PExpire(ctx, k, window)
		return nil
	})
	if err != nil {
		return 0, reset, fmt.Errorf("rate limit incr: %w", err)
	}
	return int(incr.Val()), reset, nil
}
