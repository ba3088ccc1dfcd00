// Package domain contains the append-only billing records. Rows here are
// never updated or deleted once written; the account balance is always
// reconstructible as the running sum of credit transactions.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// UsageEventType distinguishes what kind of pipeline work was billed.
type UsageEventType string

const (
	UsageEventTypeQuery     UsageEventType = "query"
	UsageEventTypeIngestion UsageEventType = "ingestion"
)

// UsageEvent records one billable action against a billing account.
type UsageEvent struct {
	ID               snowflake.ID   `gorm:"primaryKey" json:"id"`
	BillingAccountID snowflake.ID   `gorm:"not null;index;uniqueIndex:ux_usage_events_idem,priority:1" json:"billing_account_id"`
	ActorUserID      *snowflake.ID  `gorm:"index" json:"actor_user_id,omitempty"`
	EventType        UsageEventType `gorm:"type:text;not null" json:"event_type"`
	Cached           bool           `gorm:"not null;default:false" json:"cached"`

	// Cost is the full CostBreakdown serialized as JSON.
	Cost           datatypes.JSON `gorm:"type:jsonb" json:"cost"`
	CreditsCharged int64          `gorm:"not null;default:0" json:"credits_charged"`

	QueryHash    *string `gorm:"type:text" json:"query_hash,omitempty"`
	QueryPreview *string `gorm:"type:text" json:"query_preview,omitempty"`

	IdempotencyKey string    `gorm:"type:text;not null;uniqueIndex:ux_usage_events_idem,priority:2" json:"idempotency_key"`
	OccurredAt     time.Time `gorm:"not null;index" json:"occurred_at"`
	CreatedAt      time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (UsageEvent) TableName() string { return "usage_events" }

// TransactionKind classifies a balance-affecting movement.
type TransactionKind string

const (
	TransactionKindPurchase   TransactionKind = "purchase"
	TransactionKindUsage      TransactionKind = "usage"
	TransactionKindRefund     TransactionKind = "refund"
	TransactionKindGrant      TransactionKind = "grant"
	TransactionKindAdjustment TransactionKind = "adjustment"
)

// CreditTransaction records one movement of credits. For a given account,
// ordering transactions by time reconstructs the balance exactly:
// balance_after[i] = balance_after[i-1] + amount[i].
type CreditTransaction struct {
	ID               snowflake.ID    `gorm:"primaryKey" json:"id"`
	BillingAccountID snowflake.ID    `gorm:"not null;index;uniqueIndex:ux_credit_tx_ref,priority:1" json:"billing_account_id"`
	Amount           int64           `gorm:"not null" json:"amount"` // positive = credit added, negative = consumed
	Kind             TransactionKind `gorm:"type:text;not null;uniqueIndex:ux_credit_tx_ref,priority:2" json:"kind"`

	// Reference links to the usage event for kind=usage, or to an external
	// payment/refund id otherwise. Uniqueness per (account, kind,
	// reference) is what makes replays no-ops.
	Reference string `gorm:"type:text;not null;uniqueIndex:ux_credit_tx_ref,priority:3" json:"reference"`

	BalanceAfter int64     `gorm:"not null" json:"balance_after"`
	Description  *string   `gorm:"type:text" json:"description,omitempty"`
	OccurredAt   time.Time `gorm:"not null;index" json:"occurred_at"`
	CreatedAt    time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (CreditTransaction) TableName() string { return "credit_transactions" }
