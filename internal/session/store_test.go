package session

import (
	"context"
	"testing"
	"time"

	"github.com/AaronL1011/polly-ai/internal/clock"
	"github.com/AaronL1011/polly-ai/internal/config"
	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) (Store, *miniredis.Miniredis, *clock.FakeClock) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	fakeClock := clock.NewFakeClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))

	store := NewStore(Params{
		Redis:      client,
		Log:        zap.NewNop(),
		Clock:      fakeClock,
		BillingCfg: config.NewHolderFromConfig(config.DefaultBillingConfig()),
	})
	return store, mr, fakeClock
}

func TestConsumeDailyAllowance(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		remaining, ok, err := store.Consume(ctx, "sess-1", 3)
		if err != nil {
			t.Fatalf("consume %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("consume %d: expected allowance left", i)
		}
		if remaining != 3-i-1 {
			t.Fatalf("consume %d: expected %d remaining, got %d", i, 3-i-1, remaining)
		}
	}

	_, ok, err := store.Consume(ctx, "sess-1", 3)
	if err != nil {
		t.Fatalf("consume exhausted: %v", err)
	}
	if ok {
		t.Fatal("expected allowance exhausted")
	}
}

func TestConsumeIsolatesSessions(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	if _, ok, err := store.Consume(ctx, "sess-a", 1); err != nil || !ok {
		t.Fatalf("sess-a consume: ok=%v err=%v", ok, err)
	}
	if _, ok, err := store.Consume(ctx, "sess-a", 1); err != nil || ok {
		t.Fatalf("sess-a should be exhausted: ok=%v err=%v", ok, err)
	}
	if _, ok, err := store.Consume(ctx, "sess-b", 1); err != nil || !ok {
		t.Fatalf("sess-b has its own allowance: ok=%v err=%v", ok, err)
	}
}

func TestAllowanceRollsOverAtMidnightUTC(t *testing.T) {
	store, _, fakeClock := newTestStore(t)
	ctx := context.Background()

	if _, ok, err := store.Consume(ctx, "sess-1", 1); err != nil || !ok {
		t.Fatalf("consume: ok=%v err=%v", ok, err)
	}
	if _, ok, err := store.Consume(ctx, "sess-1", 1); err != nil || ok {
		t.Fatalf("expected exhausted: ok=%v err=%v", ok, err)
	}

	// Next UTC day gets a fresh counter under a new key.
	fakeClock.Advance(24 * time.Hour)

	if _, ok, err := store.Consume(ctx, "sess-1", 1); err != nil || !ok {
		t.Fatalf("expected fresh allowance after rollover: ok=%v err=%v", ok, err)
	}
}

func TestRemaining(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	remaining, err := store.Remaining(ctx, "sess-1", 5)
	if err != nil {
		t.Fatalf("remaining: %v", err)
	}
	if remaining != 5 {
		t.Fatalf("expected untouched allowance, got %d", remaining)
	}

	if _, _, err := store.Consume(ctx, "sess-1", 5); err != nil {
		t.Fatalf("consume: %v", err)
	}
	remaining, err = store.Remaining(ctx, "sess-1", 5)
	if err != nil {
		t.Fatalf("remaining: %v", err)
	}
	if remaining != 4 {
		t.Fatalf("expected 4 remaining, got %d", remaining)
	}
}

func TestSessionKeyExpires(t *testing.T) {
	store, mr, fakeClock := newTestStore(t)
	ctx := context.Background()

	if _, _, err := store.Consume(ctx, "sess-ttl", 5); err != nil {
		t.Fatalf("consume: %v", err)
	}

	day := fakeClock.Now().UTC().Format("2006-01-02")
	key := "session:free:sess-ttl:" + day
	ttl := mr.TTL(key)
	if ttl <= 0 {
		t.Fatalf("expected expiry on session key, got %v", ttl)
	}
}
