// Package session tracks anonymous callers. Anonymous principals have no
// billing account; they get a small per-day allowance keyed by an opaque
// session id (typically a hash of IP + user agent set by the edge).
package session

import (
	"context"
	"fmt"

	"github.com/AaronL1011/polly-ai/internal/clock"
	"github.com/AaronL1011/polly-ai/internal/config"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Store interface {
	// Consume spends one unit of the session's daily allowance. ok is
	// false when the allowance is exhausted.
	Consume(ctx context.Context, sessionID string, dailyAllowance int) (remaining int, ok bool, err error)

	// Remaining reports the unspent allowance without consuming.
	Remaining(ctx context.Context, sessionID string, dailyAllowance int) (int, error)
}

type Params struct {
	fx.In

	Redis      *redis.Client
	Log        *zap.Logger
	Clock      clock.Clock
	BillingCfg *config.BillingConfigHolder
}

type redisStore struct {
	redis      *redis.Client
	log        *zap.Logger
	clock      clock.Clock
	billingCfg *config.BillingConfigHolder
}

func NewStore(p Params) Store {
	return &redisStore{
		redis:      p.Redis,
		log:        p.Log.Named("session.store"),
		clock:      p.Clock,
		billingCfg: p.BillingCfg,
	}
}

func (s *redisStore) Consume(ctx context.Context, sessionID string, dailyAllowance int) (int, bool, error) {
	key := s.key(sessionID)

	val, err := s.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, false, fmt.Errorf("consume session allowance: %w", err)
	}
	if val == 1 {
		ttl := s.billingCfg.Get().FreeTier.AnonymousSessTTL
		if err := s.redis.Expire(ctx, key, ttl).Err(); err != nil {
			s.log.Warn("failed to set session key expiry", zap.String("key", key), zap.Error(err))
		}
	}

	if val > int64(dailyAllowance) {
		return 0, false, nil
	}
	return dailyAllowance - int(val), true, nil
}

func (s *redisStore) Remaining(ctx context.Context, sessionID string, dailyAllowance int) (int, error) {
	val, err := s.redis.Get(ctx, s.key(sessionID)).Int64()
	if err != nil {
		if err == redis.Nil {
			return dailyAllowance, nil
		}
		return 0, err
	}
	remaining := dailyAllowance - int(val)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// key scopes the counter to the current UTC day, so the allowance rolls
// over at midnight without compensating writes.
func (s *redisStore) key(sessionID string) string {
	day := s.clock.Now().UTC().Format("2006-01-02")
	return fmt.Sprintf("session:free:%s:%s", sessionID, day)
}

func NewClient(cfg config.Config) (*redis.Client, error) {
	opt := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}

	return client, nil
}

var Module = fx.Module("session.store",
	fx.Provide(NewClient),
	fx.Provide(NewStore),
)
