package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	accountdomain "github.com/AaronL1011/polly-ai/internal/account/domain"
	"github.com/AaronL1011/polly-ai/internal/clock"
	"github.com/AaronL1011/polly-ai/internal/config"
	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type schedulerFixture struct {
	db    *gorm.DB
	s     *Scheduler
	node  *snowflake.Node
	clock *clock.FakeClock
}

func newSchedulerFixture(t *testing.T, cfg Config, billing config.BillingConfig) *schedulerFixture {
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

	s, err := New(Params{
		DB:         dbConn,
		Log:        zap.NewNop(),
		Clock:      fakeClock,
		BillingCfg: config.NewHolderFromConfig(billing),
		Config:     cfg,
	})
	if err != nil {
		t.Fatalf("failed to build scheduler: %v", err)
	}
	return &schedulerFixture{db: dbConn, s: s, node: node, clock: fakeClock}
}

func (f *schedulerFixture) createAccount(t *testing.T, ownerType accountdomain.OwnerType, remaining int, resetAt time.Time) snowflake.ID {
	t.Helper()

	ownerID := f.node.Generate()
	account := &accountdomain.BillingAccount{
		ID:                f.node.Generate(),
		OwnerType:         ownerType,
		FreeTierRemaining: remaining,
		FreeTierResetAt:   resetAt,
		CreatedAt:         f.clock.Now(),
		UpdatedAt:         f.clock.Now(),
	}
	if ownerType == accountdomain.OwnerTypeOrganization {
		account.OrgID = &ownerID
	} else {
		account.UserID = &ownerID
	}
	if err := f.db.Create(account).Error; err != nil {
		t.Fatalf("failed to create account: %v", err)
	}
	return account.ID
}

func TestResetDueFreeTiers(t *testing.T) {
	f := newSchedulerFixture(t, DefaultConfig(), config.DefaultBillingConfig())
	ctx := context.Background()

	dueAt := f.clock.Now().Add(-time.Hour)
	futureAt := f.clock.Now().Add(24 * time.Hour)

	dueID := f.createAccount(t, accountdomain.OwnerTypeUser, 0, dueAt)
	freshID := f.createAccount(t, accountdomain.OwnerTypeUser, 42, futureAt)

	reset, err := f.s.ResetDueFreeTiers(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if reset != 1 {
		t.Fatalf("expected 1 reset, got %d", reset)
	}

	var due accountdomain.BillingAccount
	if err := f.db.First(&due, "id = ?", dueID).Error; err != nil {
		t.Fatalf("reload due account: %v", err)
	}
	if due.FreeTierRemaining != 100 {
		t.Fatalf("expected restored allowance, got %d", due.FreeTierRemaining)
	}
	wantNext := f.clock.Now().Add(30 * 24 * time.Hour)
	if !due.FreeTierResetAt.Equal(wantNext) {
		t.Fatalf("expected next reset %v, got %v", wantNext, due.FreeTierResetAt)
	}

	var fresh accountdomain.BillingAccount
	if err := f.db.First(&fresh, "id = ?", freshID).Error; err != nil {
		t.Fatalf("reload fresh account: %v", err)
	}
	if fresh.FreeTierRemaining != 42 {
		t.Fatalf("expected fresh account untouched, got %d", fresh.FreeTierRemaining)
	}
}

func TestResetSkipsDisabledAccounts(t *testing.T) {
	f := newSchedulerFixture(t, DefaultConfig(), config.DefaultBillingConfig())
	ctx := context.Background()

	dueAt := f.clock.Now().Add(-time.Hour)
	id := f.createAccount(t, accountdomain.OwnerTypeUser, 0, dueAt)
	now := f.clock.Now()
	if err := f.db.Model(&accountdomain.BillingAccount{}).
		Where("id = ?", id).
		Update("disabled_at", now).Error; err != nil {
		t.Fatalf("disable account: %v", err)
	}

	reset, err := f.s.ResetDueFreeTiers(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if reset != 0 {
		t.Fatalf("expected no resets, got %d", reset)
	}
}

func TestResetSweepDrainsInBatches(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSize = 2
	f := newSchedulerFixture(t, cfg, config.DefaultBillingConfig())
	ctx := context.Background()

	dueAt := f.clock.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		f.createAccount(t, accountdomain.OwnerTypeUser, 0, dueAt)
	}

	reset, err := f.s.ResetDueFreeTiers(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if reset != 5 {
		t.Fatalf("expected 5 resets across batches, got %d", reset)
	}
}

func TestResetUsesOrgAllowance(t *testing.T) {
	billing := config.DefaultBillingConfig()
	billing.FreeTier.OrgAllowance = 250
	f := newSchedulerFixture(t, DefaultConfig(), billing)
	ctx := context.Background()

	id := f.createAccount(t, accountdomain.OwnerTypeOrganization, 3, f.clock.Now().Add(-time.Minute))

	if _, err := f.s.ResetDueFreeTiers(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	var account accountdomain.BillingAccount
	if err := f.db.First(&account, "id = ?", id).Error; err != nil {
		t.Fatalf("reload account: %v", err)
	}
	if account.FreeTierRemaining != 250 {
		t.Fatalf("expected org allowance, got %d", account.FreeTierRemaining)
	}
}

func TestResetAdvancesWithFakeClock(t *testing.T) {
	f := newSchedulerFixture(t, DefaultConfig(), config.DefaultBillingConfig())
	ctx := context.Background()

	id := f.createAccount(t, accountdomain.OwnerTypeUser, 0, f.clock.Now().Add(24*time.Hour))

	// Not due yet.
	reset, err := f.s.ResetDueFreeTiers(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if reset != 0 {
		t.Fatalf("expected no resets before due time, got %d", reset)
	}

	f.clock.Advance(25 * time.Hour)

	reset, err = f.s.ResetDueFreeTiers(ctx)
	if err != nil {
		t.Fatalf("sweep after advance: %v", err)
	}
	if reset != 1 {
		t.Fatalf("expected 1 reset after advance, got %d", reset)
	}

	var account accountdomain.BillingAccount
	if err := f.db.First(&account, "id = ?", id).Error; err != nil {
		t.Fatalf("reload account: %v", err)
	}
	if !account.FreeTierResetAt.After(f.clock.Now()) {
		t.Fatal("expected reset timestamp in the future")
	}
}
