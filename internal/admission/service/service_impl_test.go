package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	accountdomain "github.com/AaronL1011/polly-ai/internal/account/domain"
	accountservice "github.com/AaronL1011/polly-ai/internal/account/service"
	admissiondomain "github.com/AaronL1011/polly-ai/internal/admission/domain"
	"github.com/AaronL1011/polly-ai/internal/clock"
	"github.com/AaronL1011/polly-ai/internal/config"
	"github.com/AaronL1011/polly-ai/internal/costing"
	ledgerdomain "github.com/AaronL1011/polly-ai/internal/ledger/domain"
	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fakeSessionStore struct {
	counts map[string]int
}

func (s *fakeSessionStore) Consume(_ context.Context, sessionID string, dailyAllowance int) (int, bool, error) {
	if s.counts == nil {
		s.counts = map[string]int{}
	}
	s.counts[sessionID]++
	used := s.counts[sessionID]
	if used > dailyAllowance {
		return 0, false, nil
	}
	return dailyAllowance - used, true, nil
}

func (s *fakeSessionStore) Remaining(_ context.Context, sessionID string, dailyAllowance int) (int, error) {
	remaining := dailyAllowance - s.counts[sessionID]
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

type admissionFixture struct {
	db         *gorm.DB
	svc        admissiondomain.Service
	accountSvc accountdomain.Service
	clock      *clock.FakeClock
	sessions   *fakeSessionStore
}

func newAdmissionFixture(t *testing.T, billing config.BillingConfig) *admissionFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	dbConn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	sqlDB, err := dbConn.DB()
	if err != nil {
		t.Fatalf("failed to get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := dbConn.AutoMigrate(&accountdomain.BillingAccount{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("failed to create snowflake node: %v", err)
	}
	fakeClock := clock.NewFakeClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	holder := config.NewHolderFromConfig(billing)

	accountSvc := accountservice.NewService(accountservice.Params{
		DB:         dbConn,
		Log:        zap.NewNop(),
		GenID:      node,
		Clock:      fakeClock,
		BillingCfg: holder,
	})
	sessions := &fakeSessionStore{}
	svc := NewService(Params{
		DB:         dbConn,
		Log:        zap.NewNop(),
		Clock:      fakeClock,
		AccountSvc: accountSvc,
		BillingCfg: holder,
		Sessions:   sessions,
	})

	return &admissionFixture{db: dbConn, svc: svc, accountSvc: accountSvc, clock: fakeClock, sessions: sessions}
}

func (f *admissionFixture) setCredits(t *testing.T, accountID snowflake.ID, credits int64) {
	t.Helper()
	if err := f.db.Model(&accountdomain.BillingAccount{}).
		Where("id = ?", accountID).
		Update("credits", credits).Error; err != nil {
		t.Fatalf("set credits: %v", err)
	}
}

func TestAuthorizeConsumesFreeTierFirst(t *testing.T) {
	f := newAdmissionFixture(t, config.DefaultBillingConfig())
	owner := accountdomain.UserOwner(snowflake.ID(1001))

	decision, account, err := f.svc.Authorize(context.Background(), owner, 50)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if decision.Kind != ledgerdomain.DecisionFreeTier {
		t.Fatalf("expected free tier, got %+v", decision)
	}

	refreshed, err := f.accountSvc.GetByID(context.Background(), account.ID)
	if err != nil {
		t.Fatalf("reload account: %v", err)
	}
	if refreshed.FreeTierRemaining != 99 {
		t.Fatalf("expected 99 remaining, got %d", refreshed.FreeTierRemaining)
	}
}

func TestAuthorizeChargesWhenFreeTierExhausted(t *testing.T) {
	billing := config.DefaultBillingConfig()
	billing.FreeTier.UserAllowance = 1
	f := newAdmissionFixture(t, billing)
	owner := accountdomain.UserOwner(snowflake.ID(2002))
	ctx := context.Background()

	decision, account, err := f.svc.Authorize(ctx, owner, 10)
	if err != nil {
		t.Fatalf("first authorize: %v", err)
	}
	if decision.Kind != ledgerdomain.DecisionFreeTier {
		t.Fatalf("expected free tier, got %+v", decision)
	}

	f.setCredits(t, account.ID, 25)

	decision, _, err = f.svc.Authorize(ctx, owner, 10)
	if err != nil {
		t.Fatalf("second authorize: %v", err)
	}
	if decision.Kind != ledgerdomain.DecisionCharge {
		t.Fatalf("expected charge, got %+v", decision)
	}
	if decision.EstimatedCredits != 10 {
		t.Fatalf("expected estimate 10, got %d", decision.EstimatedCredits)
	}
}

func TestAuthorizeDeniesOnInsufficientFunds(t *testing.T) {
	billing := config.DefaultBillingConfig()
	billing.FreeTier.UserAllowance = 1
	f := newAdmissionFixture(t, billing)
	owner := accountdomain.UserOwner(snowflake.ID(3003))
	ctx := context.Background()

	// Free tier covers the first request only; with zero credits the
	// second is refused.
	if _, _, err := f.svc.Authorize(ctx, owner, 10); err != nil {
		t.Fatalf("first authorize: %v", err)
	}

	decision, _, err := f.svc.Authorize(ctx, owner, 10)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if decision.Kind != ledgerdomain.DecisionDenied {
		t.Fatalf("expected denied, got %+v", decision)
	}
	if decision.Reason != admissiondomain.DeniedInsufficientFunds {
		t.Fatalf("unexpected reason %q", decision.Reason)
	}
}

func TestAuthorizeDeniesDisabledAccount(t *testing.T) {
	f := newAdmissionFixture(t, config.DefaultBillingConfig())
	owner := accountdomain.UserOwner(snowflake.ID(4004))
	ctx := context.Background()

	account, err := f.accountSvc.GetOrCreate(ctx, owner)
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if err := f.accountSvc.Disable(ctx, account.ID); err != nil {
		t.Fatalf("disable: %v", err)
	}

	decision, _, err := f.svc.Authorize(ctx, owner, 0)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if decision.Kind != ledgerdomain.DecisionDenied || decision.Reason != admissiondomain.DeniedAccountDisabled {
		t.Fatalf("expected disabled denial, got %+v", decision)
	}
}

func TestAuthorizeRejectsNegativeEstimate(t *testing.T) {
	f := newAdmissionFixture(t, config.DefaultBillingConfig())

	_, _, err := f.svc.Authorize(context.Background(), accountdomain.UserOwner(snowflake.ID(5005)), -1)
	if err != admissiondomain.ErrInvalidEstimate {
		t.Fatalf("expected ErrInvalidEstimate, got %v", err)
	}
}

func TestAuthorizeLazilyResetsOverdueAllowance(t *testing.T) {
	billing := config.DefaultBillingConfig()
	billing.FreeTier.UserAllowance = 2
	f := newAdmissionFixture(t, billing)
	owner := accountdomain.UserOwner(snowflake.ID(6006))
	ctx := context.Background()

	// Burn the whole allowance.
	for i := 0; i < 2; i++ {
		decision, _, err := f.svc.Authorize(ctx, owner, 10)
		if err != nil {
			t.Fatalf("authorize %d: %v", i, err)
		}
		if decision.Kind != ledgerdomain.DecisionFreeTier {
			t.Fatalf("authorize %d: expected free tier, got %+v", i, decision)
		}
	}

	decision, account, err := f.svc.Authorize(ctx, owner, 10)
	if err != nil {
		t.Fatalf("exhausted authorize: %v", err)
	}
	if decision.Kind != ledgerdomain.DecisionDenied {
		t.Fatalf("expected denial once exhausted, got %+v", decision)
	}
	staleResetAt := account.FreeTierResetAt

	// Crossing the reset boundary restores the allowance on the next
	// request without waiting for the sweep.
	f.clock.Advance(31 * 24 * time.Hour)

	decision, account, err = f.svc.Authorize(ctx, owner, 10)
	if err != nil {
		t.Fatalf("post-reset authorize: %v", err)
	}
	if decision.Kind != ledgerdomain.DecisionFreeTier {
		t.Fatalf("expected free tier after reset, got %+v", decision)
	}

	refreshed, err := f.accountSvc.GetByID(ctx, account.ID)
	if err != nil {
		t.Fatalf("reload account: %v", err)
	}
	if refreshed.FreeTierRemaining != 1 {
		t.Fatalf("expected 1 remaining after reset and consume, got %d", refreshed.FreeTierRemaining)
	}
	if !refreshed.FreeTierResetAt.After(staleResetAt) {
		t.Fatal("expected reset timestamp pushed forward")
	}
}

func TestReleaseFreeTierBoundedByAllowance(t *testing.T) {
	f := newAdmissionFixture(t, config.DefaultBillingConfig())
	owner := accountdomain.UserOwner(snowflake.ID(7007))
	ctx := context.Background()

	_, account, err := f.svc.Authorize(ctx, owner, 0)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}

	if err := f.svc.ReleaseFreeTier(ctx, account.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	refreshed, err := f.accountSvc.GetByID(ctx, account.ID)
	if err != nil {
		t.Fatalf("reload account: %v", err)
	}
	if refreshed.FreeTierRemaining != 100 {
		t.Fatalf("expected unit restored, got %d", refreshed.FreeTierRemaining)
	}

	// A second release with the allowance already full is a no-op.
	if err := f.svc.ReleaseFreeTier(ctx, account.ID); err != nil {
		t.Fatalf("second release: %v", err)
	}
	refreshed, err = f.accountSvc.GetByID(ctx, account.ID)
	if err != nil {
		t.Fatalf("reload account: %v", err)
	}
	if refreshed.FreeTierRemaining != 100 {
		t.Fatalf("expected allowance capped, got %d", refreshed.FreeTierRemaining)
	}
}

func TestAuthorizeAnonymous(t *testing.T) {
	billing := config.DefaultBillingConfig()
	billing.FreeTier.AnonymousDaily = 2
	f := newAdmissionFixture(t, billing)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		decision, err := f.svc.AuthorizeAnonymous(ctx, "sess-1")
		if err != nil {
			t.Fatalf("authorize %d: %v", i, err)
		}
		if decision.Kind != ledgerdomain.DecisionFreeTier {
			t.Fatalf("authorize %d: expected free tier, got %+v", i, decision)
		}
	}

	decision, err := f.svc.AuthorizeAnonymous(ctx, "sess-1")
	if err != nil {
		t.Fatalf("exhausted authorize: %v", err)
	}
	if decision.Kind != ledgerdomain.DecisionDenied || decision.Reason != admissiondomain.DeniedFreeTierExhausted {
		t.Fatalf("expected exhausted denial, got %+v", decision)
	}

	// Another session still has its own allowance.
	decision, err = f.svc.AuthorizeAnonymous(ctx, "sess-2")
	if err != nil {
		t.Fatalf("other session: %v", err)
	}
	if decision.Kind != ledgerdomain.DecisionFreeTier {
		t.Fatalf("expected free tier for fresh session, got %+v", decision)
	}
}

func TestAuthorizeAnonymousRejectsEmptySession(t *testing.T) {
	f := newAdmissionFixture(t, config.DefaultBillingConfig())

	_, err := f.svc.AuthorizeAnonymous(context.Background(), "   ")
	if err != admissiondomain.ErrInvalidSession {
		t.Fatalf("expected ErrInvalidSession, got %v", err)
	}
}

func TestEstimateCredits(t *testing.T) {
	f := newAdmissionFixture(t, config.DefaultBillingConfig())

	estimate, breakdown, err := f.svc.EstimateCredits(costing.Usage{
		EmbeddingTokens: 1000,
		LLMInputTokens:  1000,
		LLMOutputTokens: 1000,
		VectorQueries:   10,
	}, false)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if estimate != 8 {
		t.Fatalf("expected 8 credits, got %d", estimate)
	}
	if breakdown.TotalCredits != estimate {
		t.Fatalf("breakdown out of step: %+v", breakdown)
	}

	cachedEstimate, _, err := f.svc.EstimateCredits(costing.Usage{LLMInputTokens: 100000}, true)
	if err != nil {
		t.Fatalf("cached estimate: %v", err)
	}
	if cachedEstimate != 0 {
		t.Fatalf("expected free cached estimate, got %d", cachedEstimate)
	}
}

func TestAuthorizeConcurrentSingleFreeUnit(t *testing.T) {
	billing := config.DefaultBillingConfig()
	billing.FreeTier.UserAllowance = 1
	f := newAdmissionFixture(t, billing)
	owner := accountdomain.UserOwner(snowflake.ID(8008))
	ctx := context.Background()

	// Provision up front so the goroutines race purely over the one unit.
	account, err := f.accountSvc.GetOrCreate(ctx, owner)
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}

	const workers = 8
	decisions := make([]ledgerdomain.Decision, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			decisions[i], _, errs[i] = f.svc.Authorize(ctx, owner, 10)
		}(i)
	}
	wg.Wait()

	var free, denied int
	for i, decision := range decisions {
		if errs[i] != nil {
			t.Fatalf("authorize %d: %v", i, errs[i])
		}
		switch decision.Kind {
		case ledgerdomain.DecisionFreeTier:
			free++
		case ledgerdomain.DecisionDenied:
			if decision.Reason != admissiondomain.DeniedInsufficientFunds {
				t.Fatalf("unexpected denial reason %q", decision.Reason)
			}
			denied++
		default:
			t.Fatalf("unexpected decision %+v", decision)
		}
	}
	if free != 1 {
		t.Fatalf("expected exactly one free-tier admission, got %d", free)
	}
	if denied != workers-1 {
		t.Fatalf("expected %d denials, got %d", workers-1, denied)
	}

	refreshed, err := f.accountSvc.GetByID(ctx, account.ID)
	if err != nil {
		t.Fatalf("reload account: %v", err)
	}
	if refreshed.FreeTierRemaining != 0 {
		t.Fatalf("expected 0 remaining, got %d", refreshed.FreeTierRemaining)
	}
}

func TestAuthorizeConcurrentResetAppliesOnce(t *testing.T) {
	billing := config.DefaultBillingConfig()
	billing.FreeTier.UserAllowance = 5
	f := newAdmissionFixture(t, billing)
	owner := accountdomain.UserOwner(snowflake.ID(9009))
	ctx := context.Background()

	account, err := f.accountSvc.GetOrCreate(ctx, owner)
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}

	// Drain the allowance and backdate the reset so every goroutine sees
	// an overdue account. The guarded reset must refill exactly once.
	staleResetAt := f.clock.Now().Add(-time.Hour)
	if err := f.db.Model(&accountdomain.BillingAccount{}).
		Where("id = ?", account.ID).
		Updates(map[string]any{
			"free_tier_remaining": 0,
			"free_tier_reset_at":  staleResetAt,
		}).Error; err != nil {
		t.Fatalf("backdate account: %v", err)
	}

	const workers = 8
	decisions := make([]ledgerdomain.Decision, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			decisions[i], _, errs[i] = f.svc.Authorize(ctx, owner, 10)
		}(i)
	}
	wg.Wait()

	var free, denied int
	for i, decision := range decisions {
		if errs[i] != nil {
			t.Fatalf("authorize %d: %v", i, errs[i])
		}
		switch decision.Kind {
		case ledgerdomain.DecisionFreeTier:
			free++
		case ledgerdomain.DecisionDenied:
			denied++
		default:
			t.Fatalf("unexpected decision %+v", decision)
		}
	}
	if free != 5 {
		t.Fatalf("expected the refilled allowance to admit 5 requests, got %d", free)
	}
	if denied != workers-5 {
		t.Fatalf("expected %d denials, got %d", workers-5, denied)
	}

	refreshed, err := f.accountSvc.GetByID(ctx, account.ID)
	if err != nil {
		t.Fatalf("reload account: %v", err)
	}
	if refreshed.FreeTierRemaining != 0 {
		t.Fatalf("expected 0 remaining after consumption, got %d", refreshed.FreeTierRemaining)
	}
	if !refreshed.FreeTierResetAt.After(staleResetAt) {
		t.Fatal("expected reset timestamp pushed forward exactly once")
	}
}

func TestAnonymousRemaining(t *testing.T) {
	billing := config.DefaultBillingConfig()
	billing.FreeTier.AnonymousDaily = 3
	f := newAdmissionFixture(t, billing)
	ctx := context.Background()

	remaining, err := f.svc.AnonymousRemaining(ctx, "sess-bal")
	if err != nil {
		t.Fatalf("remaining: %v", err)
	}
	if remaining != 3 {
		t.Fatalf("expected full allowance 3, got %d", remaining)
	}

	if _, err := f.svc.AuthorizeAnonymous(ctx, "sess-bal"); err != nil {
		t.Fatalf("authorize: %v", err)
	}

	remaining, err = f.svc.AnonymousRemaining(ctx, "sess-bal")
	if err != nil {
		t.Fatalf("remaining after consume: %v", err)
	}
	if remaining != 2 {
		t.Fatalf("expected 2 remaining, got %d", remaining)
	}

	if _, err := f.svc.AnonymousRemaining(ctx, "  "); err != admissiondomain.ErrInvalidSession {
		t.Fatalf("expected ErrInvalidSession, got %v", err)
	}
}
