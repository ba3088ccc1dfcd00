package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/AaronL1011/polly-ai/internal/clock"
	"github.com/AaronL1011/polly-ai/internal/config"
	"github.com/AaronL1011/polly-ai/internal/costing"
	ledgerdomain "github.com/AaronL1011/polly-ai/internal/ledger/domain"
	obsmetrics "github.com/AaronL1011/polly-ai/internal/observability/metrics"
	"github.com/AaronL1011/polly-ai/pkg/db"
	"github.com/AaronL1011/polly-ai/pkg/db/pagination"

	accountdomain "github.com/AaronL1011/polly-ai/internal/account/domain"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// maxCommitAttempts bounds internal retries on serialization conflicts
// before the failure escalates as transient.
const maxCommitAttempts = 3

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	BillingCfg *config.BillingConfigHolder
	Metrics    *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	billingCfg *config.BillingConfigHolder
	metrics    *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		billingCfg: p.BillingCfg,
		metrics:    p.Metrics,
	}
}

func (s *Service) Commit(ctx context.Context, req ledgerdomain.CommitRequest) (ledgerdomain.CommitResult, error) {
	if req.AccountID == 0 {
		return ledgerdomain.CommitResult{}, ledgerdomain.ErrInvalidAccount
	}
	switch req.Decision.Kind {
	case ledgerdomain.DecisionFreeTier, ledgerdomain.DecisionCharge:
	default:
		return ledgerdomain.CommitResult{}, ledgerdomain.ErrInvalidDecision
	}
	if strings.TrimSpace(req.Draft.IdempotencyKey) == "" {
		return ledgerdomain.CommitResult{}, ledgerdomain.ErrInvalidIdempotency
	}
	if req.Draft.EventType == "" {
		req.Draft.EventType = ledgerdomain.UsageEventTypeQuery
	}

	var (
		result  ledgerdomain.CommitResult
		lastErr error
	)
	for attempt := 0; attempt < maxCommitAttempts; attempt++ {
		res, err := s.commitOnce(ctx, req)
		if err == nil {
			result = res
			s.recordCommit(res)
			return result, nil
		}
		if isSerializationErr(err) {
			lastErr = err
			s.log.Warn("commit serialization conflict, retrying",
				zap.String("account_id", req.AccountID.String()),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			continue
		}
		return ledgerdomain.CommitResult{}, err
	}
	return ledgerdomain.CommitResult{}, fmt.Errorf("%w: %v", ledgerdomain.ErrTransientFailure, lastErr)
}

func (s *Service) commitOnce(ctx context.Context, req ledgerdomain.CommitRequest) (ledgerdomain.CommitResult, error) {
	var result ledgerdomain.CommitResult

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := s.lockAccount(ctx, tx, req.AccountID)
		if err != nil {
			return err
		}

		billing := s.billingCfg.Get()
		cost, err := costing.Compute(req.Draft.Usage, costing.RatesFrom(billing.Rates), billing.Margin, req.Draft.Cached)
		if err != nil {
			return err
		}

		var charged int64
		if req.Decision.Kind == ledgerdomain.DecisionCharge {
			charged = cost.TotalCredits
		}

		// Re-validate against the actual cost under the lock. Driving the
		// balance to exactly zero is allowed; below zero never is.
		if account.Credits-charged < 0 {
			return ledgerdomain.ErrInsufficientFunds
		}

		now := s.clock.Now()
		occurredAt := req.Draft.OccurredAt
		if occurredAt.IsZero() {
			occurredAt = now
		}

		costJSON, err := json.Marshal(cost)
		if err != nil {
			return fmt.Errorf("marshal cost breakdown: %w", err)
		}

		event := &ledgerdomain.UsageEvent{
			ID:               s.genID.Generate(),
			BillingAccountID: account.ID,
			ActorUserID:      req.ActorUserID,
			EventType:        req.Draft.EventType,
			Cached:           req.Draft.Cached,
			Cost:             datatypes.JSON(costJSON),
			CreditsCharged:   charged,
			IdempotencyKey:   strings.TrimSpace(req.Draft.IdempotencyKey),
			OccurredAt:       occurredAt,
			CreatedAt:        now,
		}
		if req.Draft.QueryHash != "" {
			event.QueryHash = &req.Draft.QueryHash
		}
		if req.Draft.QueryPreview != "" {
			preview := truncatePreview(req.Draft.QueryPreview)
			event.QueryPreview = &preview
		}

		inserted := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(event)
		if inserted.Error != nil && !db.IsDuplicateKeyErr(inserted.Error) {
			return inserted.Error
		}
		if inserted.Error != nil || inserted.RowsAffected == 0 {
			// Replay of an already-committed action, whether the dialect
			// reported the conflict as a no-op or an error: return the
			// stored outcome untouched so retries cannot double-charge.
			return s.loadReplay(ctx, tx, account, event.IdempotencyKey, &result)
		}

		if charged > 0 {
			txn := &ledgerdomain.CreditTransaction{
				ID:               s.genID.Generate(),
				BillingAccountID: account.ID,
				Amount:           -charged,
				Kind:             ledgerdomain.TransactionKindUsage,
				Reference:        event.ID.String(),
				BalanceAfter:     account.Credits - charged,
				OccurredAt:       now,
				CreatedAt:        now,
			}
			if err := tx.Create(txn).Error; err != nil {
				return err
			}
			if err := tx.Model(&accountdomain.BillingAccount{}).
				Where("id = ?", account.ID).
				Updates(map[string]any{
					"credits":        gorm.Expr("credits - ?", charged),
					"lifetime_usage": gorm.Expr("lifetime_usage + ?", charged),
					"updated_at":     now,
				}).Error; err != nil {
				return err
			}
			result.Transaction = txn
			result.NewBalance = account.Credits - charged
		} else {
			result.NewBalance = account.Credits
		}

		result.Event = event
		return nil
	})
	if err != nil {
		return ledgerdomain.CommitResult{}, err
	}
	return result, nil
}

func (s *Service) Grant(ctx context.Context, req ledgerdomain.GrantRequest) (*ledgerdomain.CreditTransaction, error) {
	if req.AccountID == 0 {
		return nil, ledgerdomain.ErrInvalidAccount
	}
	if strings.TrimSpace(req.Reference) == "" {
		return nil, ledgerdomain.ErrInvalidReference
	}
	if err := validateGrantAmount(req.Kind, req.Amount); err != nil {
		return nil, err
	}

	var (
		txn     *ledgerdomain.CreditTransaction
		lastErr error
	)
	for attempt := 0; attempt < maxCommitAttempts; attempt++ {
		applied, err := s.grantOnce(ctx, req)
		if err == nil {
			if s.metrics != nil {
				s.metrics.RecordGrant(string(req.Kind))
			}
			txn = applied
			return txn, nil
		}
		if isSerializationErr(err) {
			lastErr = err
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("%w: %v", ledgerdomain.ErrTransientFailure, lastErr)
}

func (s *Service) grantOnce(ctx context.Context, req ledgerdomain.GrantRequest) (*ledgerdomain.CreditTransaction, error) {
	var out *ledgerdomain.CreditTransaction

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := s.lockAccount(ctx, tx, req.AccountID)
		if err != nil {
			return err
		}

		balanceAfter := account.Credits + req.Amount
		if balanceAfter < 0 {
			return ledgerdomain.ErrInsufficientFunds
		}

		now := s.clock.Now()
		txn := &ledgerdomain.CreditTransaction{
			ID:               s.genID.Generate(),
			BillingAccountID: account.ID,
			Amount:           req.Amount,
			Kind:             req.Kind,
			Reference:        strings.TrimSpace(req.Reference),
			BalanceAfter:     balanceAfter,
			OccurredAt:       now,
			CreatedAt:        now,
		}
		if req.Description != "" {
			txn.Description = &req.Description
		}

		inserted := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(txn)
		if inserted.Error != nil && !db.IsDuplicateKeyErr(inserted.Error) {
			return inserted.Error
		}
		if inserted.Error != nil || inserted.RowsAffected == 0 {
			// Same external reference already applied: success-replay.
			var existing ledgerdomain.CreditTransaction
			if err := tx.Where(
				"billing_account_id = ? AND kind = ? AND reference = ?",
				account.ID, req.Kind, txn.Reference,
			).First(&existing).Error; err != nil {
				return err
			}
			out = &existing
			return nil
		}

		updates := map[string]any{
			"credits":    balanceAfter,
			"updated_at": now,
		}
		if req.Amount > 0 {
			updates["lifetime_credits"] = gorm.Expr("lifetime_credits + ?", req.Amount)
		}
		if err := tx.Model(&accountdomain.BillingAccount{}).
			Where("id = ?", account.ID).
			Updates(updates).Error; err != nil {
			return err
		}

		out = txn
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) ListTransactions(ctx context.Context, req ledgerdomain.ListTransactionsRequest) (ledgerdomain.ListTransactionsResponse, error) {
	if req.AccountID == 0 {
		return ledgerdomain.ListTransactionsResponse{}, ledgerdomain.ErrInvalidAccount
	}

	limit := pagination.Clamp(req.PageSize)
	query := s.db.WithContext(ctx).
		Where("billing_account_id = ?", req.AccountID).
		Order("id DESC").
		Limit(limit + 1)
	if req.Kind != "" {
		query = query.Where("kind = ?", req.Kind)
	}
	if cursor := decodeCursorID(req.PageToken); cursor != 0 {
		query = query.Where("id < ?", cursor)
	}

	var rows []ledgerdomain.CreditTransaction
	if err := query.Find(&rows).Error; err != nil {
		return ledgerdomain.ListTransactionsResponse{}, err
	}

	resp := ledgerdomain.ListTransactionsResponse{}
	resp.PageInfo, rows = pageOf(rows, limit, func(t ledgerdomain.CreditTransaction) snowflake.ID { return t.ID })
	resp.Transactions = rows
	return resp, nil
}

func (s *Service) ListUsageEvents(ctx context.Context, req ledgerdomain.ListUsageEventsRequest) (ledgerdomain.ListUsageEventsResponse, error) {
	if req.AccountID == 0 {
		return ledgerdomain.ListUsageEventsResponse{}, ledgerdomain.ErrInvalidAccount
	}

	limit := pagination.Clamp(req.PageSize)
	query := s.db.WithContext(ctx).
		Where("billing_account_id = ?", req.AccountID).
		Order("id DESC").
		Limit(limit + 1)
	if req.EventType != "" {
		query = query.Where("event_type = ?", req.EventType)
	}
	if cursor := decodeCursorID(req.PageToken); cursor != 0 {
		query = query.Where("id < ?", cursor)
	}

	var rows []ledgerdomain.UsageEvent
	if err := query.Find(&rows).Error; err != nil {
		return ledgerdomain.ListUsageEventsResponse{}, err
	}

	resp := ledgerdomain.ListUsageEventsResponse{}
	resp.PageInfo, rows = pageOf(rows, limit, func(e ledgerdomain.UsageEvent) snowflake.ID { return e.ID })
	resp.Events = rows
	return resp, nil
}

// lockAccount reads the account row under a row-level lock. The lock is
// held only for the enclosing read-modify-write transaction, never across
// external work. sqlite has no FOR UPDATE; its single-writer model covers
// the same guarantee there.
func (s *Service) lockAccount(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*accountdomain.BillingAccount, error) {
	query := tx.WithContext(ctx)
	if name := tx.Dialector.Name(); name == "postgres" || name == "mysql" {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var account accountdomain.BillingAccount
	err := query.First(&account, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ledgerdomain.ErrInvalidAccount
	}
	if err != nil {
		return nil, err
	}
	if account.Disabled() {
		return nil, ledgerdomain.ErrAccountDisabled
	}
	return &account, nil
}

func (s *Service) loadReplay(
	ctx context.Context,
	tx *gorm.DB,
	account *accountdomain.BillingAccount,
	idempotencyKey string,
	result *ledgerdomain.CommitResult,
) error {
	var existing ledgerdomain.UsageEvent
	if err := tx.WithContext(ctx).Where(
		"billing_account_id = ? AND idempotency_key = ?",
		account.ID, idempotencyKey,
	).First(&existing).Error; err != nil {
		return err
	}

	result.Event = &existing
	result.NewBalance = account.Credits
	result.Replayed = true

	if existing.CreditsCharged > 0 {
		var txn ledgerdomain.CreditTransaction
		err := tx.WithContext(ctx).Where(
			"billing_account_id = ? AND kind = ? AND reference = ?",
			account.ID, ledgerdomain.TransactionKindUsage, existing.ID.String(),
		).First(&txn).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err == nil {
			result.Transaction = &txn
		}
	}
	return nil
}

func (s *Service) recordCommit(res ledgerdomain.CommitResult) {
	if s.metrics == nil {
		return
	}
	switch {
	case res.Replayed:
		s.metrics.RecordCommit("replayed")
	case res.Transaction != nil:
		s.metrics.RecordCommit("charged")
	default:
		s.metrics.RecordCommit("free")
	}
}

func validateGrantAmount(kind ledgerdomain.TransactionKind, amount int64) error {
	if amount == 0 {
		return ledgerdomain.ErrInvalidAmount
	}
	switch kind {
	case ledgerdomain.TransactionKindPurchase, ledgerdomain.TransactionKindGrant:
		if amount < 0 {
			return ledgerdomain.ErrInvalidAmount
		}
	case ledgerdomain.TransactionKindRefund, ledgerdomain.TransactionKindAdjustment:
		// Sign is always explicit for these, never inferred.
	default:
		return ledgerdomain.ErrInvalidKind
	}
	return nil
}

func isSerializationErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ledgerdomain.ErrConcurrentConflict) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "could not serialize access") ||
		strings.Contains(msg, "deadlock detected") ||
		strings.Contains(msg, "Deadlock found") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

func decodeCursorID(token string) snowflake.ID {
	if token == "" {
		return 0
	}
	cursor, err := pagination.DecodeCursor(token)
	if err != nil || cursor.ID == "" {
		return 0
	}
	id, err := snowflake.ParseString(cursor.ID)
	if err != nil {
		return 0
	}
	return id
}

func pageOf[T any](rows []T, limit int, idOf func(T) snowflake.ID) (pagination.PageInfo, []T) {
	info := pagination.PageInfo{}
	if len(rows) > limit {
		info.HasMore = true
		rows = rows[:limit]
	}
	if info.HasMore && len(rows) > 0 {
		token, err := pagination.EncodeCursor(pagination.Cursor{ID: idOf(rows[len(rows)-1]).String()})
		if err == nil {
			info.NextPageToken = token
		}
	}
	return info, rows
}

func truncatePreview(query string) string {
	const max = 50
	if len(query) <= max {
		return query
	}
	// Back off to a rune boundary so the stored preview stays valid UTF-8.
	cut := max
	for cut > 0 && !utf8.RuneStart(query[cut]) {
		cut--
	}
	return query[:cut] + "..."
}
