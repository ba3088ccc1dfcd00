package service

import (
	"context"
	"errors"

	accountdomain "github.com/AaronL1011/polly-ai/internal/account/domain"
	"github.com/AaronL1011/polly-ai/internal/clock"
	"github.com/AaronL1011/polly-ai/internal/config"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	BillingCfg *config.BillingConfigHolder
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	billingCfg *config.BillingConfigHolder
}

func NewService(p Params) accountdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("account.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		billingCfg: p.BillingCfg,
	}
}

func (s *Service) GetOrCreate(ctx context.Context, owner accountdomain.Owner) (*accountdomain.BillingAccount, error) {
	if !owner.Valid() {
		return nil, accountdomain.ErrInvalidOwner
	}

	existing, err := s.findByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	now := s.clock.Now()
	account := &accountdomain.BillingAccount{
		ID:                s.genID.Generate(),
		OwnerType:         owner.Type(),
		Credits:           0,
		FreeTierRemaining: s.allowanceFor(owner.Type()),
		FreeTierResetAt:   now.Add(s.billingCfg.Get().FreeTier.ResetPeriod),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	ownerID := owner.ID()
	switch owner.Type() {
	case accountdomain.OwnerTypeUser:
		account.UserID = &ownerID
	case accountdomain.OwnerTypeOrganization:
		account.OrgID = &ownerID
	}

	// Concurrent first-use races resolve on the unique owner index: the
	// loser's insert is a no-op and we re-read the winner's row.
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(account)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return s.GetByOwner(ctx, owner)
	}

	s.log.Info("billing account created",
		zap.String("account_id", account.ID.String()),
		zap.String("owner_type", string(owner.Type())),
		zap.String("owner_id", ownerID.String()),
	)
	return account, nil
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (*accountdomain.BillingAccount, error) {
	var account accountdomain.BillingAccount
	err := s.db.WithContext(ctx).First(&account, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, accountdomain.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (s *Service) GetByOwner(ctx context.Context, owner accountdomain.Owner) (*accountdomain.BillingAccount, error) {
	if !owner.Valid() {
		return nil, accountdomain.ErrInvalidOwner
	}
	account, err := s.findByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, accountdomain.ErrAccountNotFound
	}
	return account, nil
}

func (s *Service) GetBalance(ctx context.Context, owner accountdomain.Owner) (accountdomain.Balance, error) {
	account, err := s.GetOrCreate(ctx, owner)
	if err != nil {
		return accountdomain.Balance{}, err
	}
	return accountdomain.Balance{
		AccountID:         account.ID,
		Credits:           account.Credits,
		LifetimeCredits:   account.LifetimeCredits,
		LifetimeUsage:     account.LifetimeUsage,
		FreeTierRemaining: account.FreeTierRemaining,
		FreeTierResetAt:   account.FreeTierResetAt,
	}, nil
}

func (s *Service) Disable(ctx context.Context, accountID snowflake.ID) error {
	now := s.clock.Now()
	result := s.db.WithContext(ctx).
		Model(&accountdomain.BillingAccount{}).
		Where("id = ? AND disabled_at IS NULL", accountID).
		Updates(map[string]any{"disabled_at": now, "updated_at": now})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return accountdomain.ErrAccountNotFound
	}
	return nil
}

func (s *Service) SetExternalPaymentRef(ctx context.Context, accountID snowflake.ID, ref string) error {
	result := s.db.WithContext(ctx).
		Model(&accountdomain.BillingAccount{}).
		Where("id = ?", accountID).
		Updates(map[string]any{"external_payment_ref": ref, "updated_at": s.clock.Now()})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return accountdomain.ErrAccountNotFound
	}
	return nil
}

func (s *Service) findByOwner(ctx context.Context, owner accountdomain.Owner) (*accountdomain.BillingAccount, error) {
	query := s.db.WithContext(ctx)
	switch owner.Type() {
	case accountdomain.OwnerTypeUser:
		query = query.Where("user_id = ?", owner.ID())
	case accountdomain.OwnerTypeOrganization:
		query = query.Where("org_id = ?", owner.ID())
	}

	var account accountdomain.BillingAccount
	err := query.First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (s *Service) allowanceFor(ownerType accountdomain.OwnerType) int {
	cfg := s.billingCfg.Get().FreeTier
	if ownerType == accountdomain.OwnerTypeOrganization {
		return cfg.OrgAllowance
	}
	return cfg.UserAllowance
}
