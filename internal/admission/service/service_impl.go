package service

import (
	"context"
	"strings"

	accountdomain "github.com/AaronL1011/polly-ai/internal/account/domain"
	admissiondomain "github.com/AaronL1011/polly-ai/internal/admission/domain"
	"github.com/AaronL1011/polly-ai/internal/clock"
	"github.com/AaronL1011/polly-ai/internal/config"
	"github.com/AaronL1011/polly-ai/internal/costing"
	ledgerdomain "github.com/AaronL1011/polly-ai/internal/ledger/domain"
	obsmetrics "github.com/AaronL1011/polly-ai/internal/observability/metrics"
	"github.com/AaronL1011/polly-ai/internal/session"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	AccountSvc accountdomain.Service
	BillingCfg *config.BillingConfigHolder
	Sessions   session.Store       `optional:"true"`
	Metrics    *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	clock      clock.Clock
	accountSvc accountdomain.Service
	billingCfg *config.BillingConfigHolder
	sessions   session.Store
	metrics    *obsmetrics.Metrics
}

func NewService(p Params) admissiondomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("admission.service"),
		clock:      p.Clock,
		accountSvc: p.AccountSvc,
		billingCfg: p.BillingCfg,
		sessions:   p.Sessions,
		metrics:    p.Metrics,
	}
}

func (s *Service) Authorize(ctx context.Context, owner accountdomain.Owner, estimatedCredits int64) (ledgerdomain.Decision, *accountdomain.BillingAccount, error) {
	if estimatedCredits < 0 {
		return ledgerdomain.Decision{}, nil, admissiondomain.ErrInvalidEstimate
	}

	account, err := s.accountSvc.GetOrCreate(ctx, owner)
	if err != nil {
		return ledgerdomain.Decision{}, nil, err
	}
	if account.Disabled() {
		return s.deny(admissiondomain.DeniedAccountDisabled), account, nil
	}

	account, err = s.maybeResetFreeTier(ctx, account)
	if err != nil {
		return ledgerdomain.Decision{}, nil, err
	}

	// One free-tier unit admits the action regardless of estimated cost.
	// The conditional decrement is the serialization point: two racing
	// requests against one remaining unit see exactly one row update.
	consumed, err := s.consumeFreeTier(ctx, account.ID)
	if err != nil {
		return ledgerdomain.Decision{}, nil, err
	}
	if consumed {
		return s.decide(ledgerdomain.Decision{Kind: ledgerdomain.DecisionFreeTier}), account, nil
	}

	// Advisory balance check against a fresh snapshot. The binding check
	// happens again at commit time under the account lock.
	account, err = s.accountSvc.GetByID(ctx, account.ID)
	if err != nil {
		return ledgerdomain.Decision{}, nil, err
	}
	if account.Credits >= estimatedCredits {
		return s.decide(ledgerdomain.Decision{
			Kind:             ledgerdomain.DecisionCharge,
			EstimatedCredits: estimatedCredits,
		}), account, nil
	}

	return s.deny(admissiondomain.DeniedInsufficientFunds), account, nil
}

func (s *Service) AuthorizeAnonymous(ctx context.Context, sessionID string) (ledgerdomain.Decision, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" || s.sessions == nil {
		return ledgerdomain.Decision{}, admissiondomain.ErrInvalidSession
	}

	cfg := s.billingCfg.Get().FreeTier
	_, ok, err := s.sessions.Consume(ctx, sessionID, cfg.AnonymousDaily)
	if err != nil {
		return ledgerdomain.Decision{}, err
	}
	if !ok {
		return s.deny(admissiondomain.DeniedFreeTierExhausted), nil
	}
	return s.decide(ledgerdomain.Decision{Kind: ledgerdomain.DecisionFreeTier}), nil
}

func (s *Service) AnonymousRemaining(ctx context.Context, sessionID string) (int, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" || s.sessions == nil {
		return 0, admissiondomain.ErrInvalidSession
	}
	return s.sessions.Remaining(ctx, sessionID, s.billingCfg.Get().FreeTier.AnonymousDaily)
}

func (s *Service) ReleaseFreeTier(ctx context.Context, accountID snowflake.ID) error {
	account, err := s.accountSvc.GetByID(ctx, accountID)
	if err != nil {
		return err
	}

	allowance := s.allowanceFor(account.OwnerType)
	result := s.db.WithContext(ctx).Exec(
		`UPDATE billing_accounts
		 SET free_tier_remaining = free_tier_remaining + 1,
		     updated_at = ?
		 WHERE id = ? AND free_tier_remaining < ?`,
		s.clock.Now(), accountID, allowance,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		s.log.Debug("free-tier release skipped, allowance already full",
			zap.String("account_id", accountID.String()))
	}
	return nil
}

func (s *Service) EstimateCredits(usage costing.Usage, cached bool) (int64, costing.CostBreakdown, error) {
	billing := s.billingCfg.Get()
	breakdown, err := costing.Compute(usage, costing.RatesFrom(billing.Rates), billing.Margin, cached)
	if err != nil {
		return 0, costing.CostBreakdown{}, err
	}
	return breakdown.TotalCredits, breakdown, nil
}

// maybeResetFreeTier applies an overdue allowance reset. The UPDATE is
// guarded by the stale reset timestamp: of two concurrent triggers only
// one applies, the other sees zero rows affected and re-reads.
func (s *Service) maybeResetFreeTier(ctx context.Context, account *accountdomain.BillingAccount) (*accountdomain.BillingAccount, error) {
	now := s.clock.Now()
	if now.Before(account.FreeTierResetAt) {
		return account, nil
	}

	cfg := s.billingCfg.Get().FreeTier
	result := s.db.WithContext(ctx).Exec(
		`UPDATE billing_accounts
		 SET free_tier_remaining = ?,
		     free_tier_reset_at = ?,
		     updated_at = ?
		 WHERE id = ? AND free_tier_reset_at = ?`,
		s.allowanceFor(account.OwnerType),
		now.Add(cfg.ResetPeriod),
		now,
		account.ID,
		account.FreeTierResetAt,
	)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected > 0 && s.metrics != nil {
		s.metrics.RecordFreeTierReset(1)
	}

	return s.accountSvc.GetByID(ctx, account.ID)
}

func (s *Service) consumeFreeTier(ctx context.Context, accountID snowflake.ID) (bool, error) {
	result := s.db.WithContext(ctx).Exec(
		`UPDATE billing_accounts
		 SET free_tier_remaining = free_tier_remaining - 1,
		     updated_at = ?
		 WHERE id = ? AND free_tier_remaining > 0`,
		s.clock.Now(), accountID,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (s *Service) allowanceFor(ownerType accountdomain.OwnerType) int {
	cfg := s.billingCfg.Get().FreeTier
	if ownerType == accountdomain.OwnerTypeOrganization {
		return cfg.OrgAllowance
	}
	return cfg.UserAllowance
}

func (s *Service) decide(d ledgerdomain.Decision) ledgerdomain.Decision {
	if s.metrics != nil {
		s.metrics.RecordDecision(string(d.Kind))
	}
	return d
}

func (s *Service) deny(reason string) ledgerdomain.Decision {
	return s.decide(ledgerdomain.Decision{Kind: ledgerdomain.DecisionDenied, Reason: reason})
}
