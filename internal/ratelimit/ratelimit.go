package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/riteshkumar/carewallet/internal/errors"
)

var fixedWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

const defaultPrefix = "carewallet:rate_limit"

// Limiter is a fixed-window counter shared by every server instance through
// Redis. A nil client disables limiting.
type Limiter struct {
	client redis.UniversalClient
	prefix string
	limit  int
	window time.Duration
	logger *slog.Logger
}

func NewLimiter(client redis.UniversalClient, prefix string, limit int, window time.Duration, logger *slog.Logger) *Limiter {
	trimmed := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmed == "" {
		trimmed = defaultPrefix
	}
	return &Limiter{client: client, prefix: trimmed, limit: limit, window: window, logger: logger}
}

// Limit is the number of calls allowed per subject in one window.
func (l *Limiter) Limit() int {
	return l.limit
}

// NewClient parses a redis:// URL into a client.
func NewClient(rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

func (l *Limiter) key(scope, subject string) string {
	return fmt.Sprintf("%s:%s:%s", l.prefix, scope, subject)
}

// Allow counts one hit for subject in scope and returns ErrRateLimited once
// the window's limit is exceeded. Redis failures let the request through.
func (l *Limiter) Allow(ctx context.Context, scope, subject string) error {
	if l == nil || l.client == nil || l.limit <= 0 || l.window <= 0 {
		return nil
	}
	scope = strings.TrimSpace(scope)
	subject = strings.TrimSpace(subject)
	if scope == "" || subject == "" {
		return nil
	}

	windowMs := l.window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	raw, err := fixedWindowScript.Run(ctx, l.client, []string{l.key(scope, subject)}, windowMs).Result()
	if err != nil {
		l.logger.Error("rate limiter unavailable", "scope", scope, "error", err.Error())
		return nil
	}
	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		l.logger.Error("unexpected rate limiter response", "type", fmt.Sprintf("%T", raw))
		return nil
	}
	count, ok := values[0].(int64)
	if !ok {
		return nil
	}
	if count > int64(l.limit) {
		l.logger.Warn("rate limit exceeded", "scope", scope, "subject", subject, "count", count)
		return errors.ErrRateLimited
	}
	return nil
}
