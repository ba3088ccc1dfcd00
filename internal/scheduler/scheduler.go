// Package scheduler owns the periodic free-tier reset sweep. Accounts are
// also reset lazily on Authorize; the sweep keeps idle accounts fresh so
// balance reads never show a stale allowance for long.
package scheduler

import (
	"context"
	"errors"
	"time"

	accountdomain "github.com/AaronL1011/polly-ai/internal/account/domain"
	"github.com/AaronL1011/polly-ai/internal/clock"
	"github.com/AaronL1011/polly-ai/internal/config"
	obsmetrics "github.com/AaronL1011/polly-ai/internal/observability/metrics"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("scheduler requires db, logger, clock and billing config")

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	BillingCfg *config.BillingConfigHolder
	Metrics    *obsmetrics.Metrics `optional:"true"`
	Config     Config              `optional:"true"`
}

type Scheduler struct {
	db         *gorm.DB
	log        *zap.Logger
	cfg        Config
	clock      clock.Clock
	billingCfg *config.BillingConfigHolder
	metrics    *obsmetrics.Metrics
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.BillingCfg == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:         p.DB,
		log:        p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:        p.Config.withDefaults(),
		clock:      p.Clock,
		billingCfg: p.BillingCfg,
		metrics:    p.Metrics,
	}, nil
}

// dueAccount is the minimal row projection for a reset candidate.
type dueAccount struct {
	ID              snowflake.ID
	OwnerType       accountdomain.OwnerType
	FreeTierResetAt time.Time
}

// ResetDueFreeTiers sweeps accounts whose reset timestamp has passed and
// rolls their allowance forward. Each account reset is an independent
// guarded update, so a concurrent lazy reset on the request path simply
// wins the race and the sweep moves on.
func (s *Scheduler) ResetDueFreeTiers(ctx context.Context) (int, error) {
	total := 0
	for loop := 0; loop < s.cfg.MaxResetLoops; loop++ {
		batch, err := s.resetBatch(ctx)
		if err != nil {
			return total, err
		}
		total += batch
		if batch == 0 {
			break
		}
	}
	if total > 0 {
		s.log.Info("free-tier allowances reset", zap.Int("accounts", total))
		if s.metrics != nil {
			s.metrics.RecordFreeTierReset(total)
		}
	}
	return total, nil
}

func (s *Scheduler) resetBatch(ctx context.Context) (int, error) {
	now := s.clock.Now()
	freeTier := s.billingCfg.Get().FreeTier

	applied := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var due []dueAccount
		query := `SELECT id, owner_type, free_tier_reset_at
		 FROM billing_accounts
		 WHERE free_tier_reset_at <= ? AND disabled_at IS NULL
		 ORDER BY free_tier_reset_at ASC
		 LIMIT ?`
		if name := tx.Dialector.Name(); name == "postgres" || name == "mysql" {
			query += `
		 FOR UPDATE SKIP LOCKED`
		}
		if err := tx.Raw(query, now, s.cfg.BatchSize).Scan(&due).Error; err != nil {
			return err
		}

		for _, account := range due {
			allowance := freeTier.UserAllowance
			if account.OwnerType == accountdomain.OwnerTypeOrganization {
				allowance = freeTier.OrgAllowance
			}

			// Guarded by the stale timestamp: no double-reset when the
			// request path resets first.
			result := tx.Exec(
				`UPDATE billing_accounts
				 SET free_tier_remaining = ?,
				     free_tier_reset_at = ?,
				     updated_at = ?
				 WHERE id = ? AND free_tier_reset_at = ?`,
				allowance,
				now.Add(freeTier.ResetPeriod),
				now,
				account.ID,
				account.FreeTierResetAt,
			)
			if result.Error != nil {
				return result.Error
			}
			applied += int(result.RowsAffected)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return applied, nil
}

func (s *Scheduler) run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			jobCtx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
			if _, err := s.ResetDueFreeTiers(jobCtx); err != nil {
				s.log.Error("free-tier reset sweep failed", zap.Error(err))
			}
			cancel()
		}
	}
}

func start(lc fx.Lifecycle, s *Scheduler) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go s.run(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

var Module = fx.Module("scheduler",
	fx.Provide(New),
	fx.Invoke(start),
)
