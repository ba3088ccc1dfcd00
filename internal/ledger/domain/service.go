package domain

import (
	"context"
	"errors"
	"time"

	"github.com/AaronL1011/polly-ai/internal/costing"
	"github.com/AaronL1011/polly-ai/pkg/db/pagination"
	"github.com/bwmarrin/snowflake"
)

// DecisionKind is the admission outcome for a unit of work.
type DecisionKind string

const (
	DecisionFreeTier DecisionKind = "free_tier"
	DecisionCharge   DecisionKind = "charge"
	DecisionDenied   DecisionKind = "denied"
)

// Decision is produced by the admission controller before the external
// work runs and presented back to the ledger at commit time. It carries
// the estimate, not the authoritative amount: Commit re-prices against
// actual usage and re-validates sufficiency under the account lock.
type Decision struct {
	Kind             DecisionKind `json:"kind"`
	EstimatedCredits int64        `json:"estimated_credits,omitempty"`
	Reason           string       `json:"reason,omitempty"`
}

// UsageEventDraft describes the completed work to be recorded. The
// idempotency key identifies the action across retries; replaying the same
// key never double-charges.
type UsageEventDraft struct {
	IdempotencyKey string
	EventType      UsageEventType
	Cached         bool
	Usage          costing.Usage
	QueryHash      string
	QueryPreview   string
	OccurredAt     time.Time
}

type CommitRequest struct {
	AccountID   snowflake.ID
	ActorUserID *snowflake.ID
	Draft       UsageEventDraft
	Decision    Decision
}

type CommitResult struct {
	Event       *UsageEvent        `json:"event"`
	Transaction *CreditTransaction `json:"transaction,omitempty"`
	NewBalance  int64              `json:"new_balance"`
	Replayed    bool               `json:"replayed"`
}

type GrantRequest struct {
	AccountID snowflake.ID
	Amount    int64
	Kind      TransactionKind
	// Reference is the idempotency key: an external payment id for
	// purchases, the original transaction id for refunds, an operator
	// note id for adjustments.
	Reference   string
	Description string
}

type ListTransactionsRequest struct {
	AccountID snowflake.ID
	Kind      TransactionKind
	pagination.Pagination
}

type ListTransactionsResponse struct {
	pagination.PageInfo
	Transactions []CreditTransaction `json:"transactions"`
}

type ListUsageEventsRequest struct {
	AccountID snowflake.ID
	EventType UsageEventType
	pagination.Pagination
}

type ListUsageEventsResponse struct {
	pagination.PageInfo
	Events []UsageEvent `json:"events"`
}

// Service is the sole writer of billing account balances. Commit and Grant
// apply fully or not at all; partial ledger state is never observable.
type Service interface {
	Commit(context.Context, CommitRequest) (CommitResult, error)
	Grant(context.Context, GrantRequest) (*CreditTransaction, error)
	ListTransactions(context.Context, ListTransactionsRequest) (ListTransactionsResponse, error)
	ListUsageEvents(context.Context, ListUsageEventsRequest) (ListUsageEventsResponse, error)
}

var (
	ErrInvalidAccount     = errors.New("invalid_account")
	ErrInvalidDecision    = errors.New("invalid_decision")
	ErrInvalidIdempotency = errors.New("invalid_idempotency_key")
	ErrInvalidAmount      = errors.New("invalid_amount")
	ErrInvalidKind        = errors.New("invalid_transaction_kind")
	ErrInvalidReference   = errors.New("invalid_reference")
	ErrInsufficientFunds  = errors.New("insufficient_funds")
	ErrAccountDisabled    = errors.New("account_disabled")
	ErrConcurrentConflict = errors.New("concurrent_modification")
	ErrTransientFailure   = errors.New("transient_failure")
)
