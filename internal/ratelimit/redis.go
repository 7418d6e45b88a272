package ratelimit

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/r2r72/authcore/internal/clock"
)

// DefaultRedisPrefix namespaces limiter keys.
const DefaultRedisPrefix = "authcore:rl:"

// admitScript prunes, counts and records in one step.
// KEYS[1] = window key
// ARGV[1] = cutoff (unix micros, inclusive)
// ARGV[2] = now (unix micros)
// ARGV[3] = max attempts
// ARGV[4] = unique member
// ARGV[5] = key ttl in milliseconds
var admitScript = redis.NewScript(`
	redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
	local count = redis.call('ZCARD', KEYS[1])
	if count >= tonumber(ARGV[3]) then
		return 0
	end
	redis.call('ZADD', KEYS[1], ARGV[2], ARGV[4])
	redis.call('PEXPIRE', KEYS[1], ARGV[5])
	return 1
`)

// RedisSlidingWindow is a Limiter whose windows live in Redis sorted sets,
// shared by every process pointed at the same server. The Lua script runs
// atomically, which gives the same per-key serialization as SlidingWindow.
type RedisSlidingWindow struct {
	client redis.UniversalClient
	cfg    Config
	clock  clock.Clock
	prefix string
	logger *zap.Logger
}

// NewRedisSlidingWindow returns a Redis-backed sliding window limiter.
func NewRedisSlidingWindow(client redis.UniversalClient, cfg Config, clk clock.Clock, logger *zap.Logger) (*RedisSlidingWindow, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if client == nil {
		return nil, fmt.Errorf("%w: nil redis client", ErrInvalidConfig)
	}
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RedisSlidingWindow{
		client: client,
		cfg:    cfg,
		clock:  clk,
		prefix: DefaultRedisPrefix,
		logger: logger,
	}, nil
}

// Admit implements Limiter.
func (l *RedisSlidingWindow) Admit(ctx context.Context, key string) (bool, error) {
	now := l.clock.Now()
	nowMicros := now.UnixMicro()
	cutoff := now.Add(-l.cfg.Window).UnixMicro()
	member := strconv.FormatInt(nowMicros, 10) + ":" + uuid.NewString()

	res, err := admitScript.Run(ctx, l.client, []string{l.prefix + key},
		cutoff,
		nowMicros,
		l.cfg.MaxAttempts,
		member,
		l.cfg.Window.Milliseconds(),
	).Int64()
	if err != nil {
		l.logger.Warn("rate limit script failed", zap.Error(err))
		return false, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	return res == 1, nil
}
