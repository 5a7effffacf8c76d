package metrics

import (
	"context"
	"errors"
	"net"

	"github.com/redis/go-redis/v9"
)

// RedisHook counts Redis commands issued through a client
type RedisHook struct {
	collector *Collector
}

// NewRedisHook creates a hook; install it with client.AddHook
func (c *Collector) NewRedisHook() *RedisHook {
	return &RedisHook{collector: c}
}

// DialHook passes dials through unchanged
func (h *RedisHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return next(ctx, network, addr)
	}
}

// ProcessHook records single commands
func (h *RedisHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		err := next(ctx, cmd)
		h.record(cmd)
		return err
	}
}

// ProcessPipelineHook records every command of a pipeline
func (h *RedisHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		err := next(ctx, cmds)
		for _, cmd := range cmds {
			h.record(cmd)
		}
		return err
	}
}

func (h *RedisHook) record(cmd redis.Cmder) {
	result := "ok"
	if err := cmd.Err(); err != nil && !errors.Is(err, redis.Nil) {
		result = "error"
	}
	h.collector.RedisOperations.WithLabelValues(cmd.Name(), result).Inc()
}
