// Package domain holds the billing account model and the registry contract.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// OwnerType discriminates the account owner union.
type OwnerType string

const (
	OwnerTypeUser         OwnerType = "user"
	OwnerTypeOrganization OwnerType = "organization"
)

// Owner is a tagged union: exactly one principal kind backs an account.
// The zero value is invalid, which makes "no owner" unrepresentable for
// callers that go through the constructors.
type Owner struct {
	kind OwnerType
	id   snowflake.ID
}

func UserOwner(userID snowflake.ID) Owner {
	return Owner{kind: OwnerTypeUser, id: userID}
}

func OrgOwner(orgID snowflake.ID) Owner {
	return Owner{kind: OwnerTypeOrganization, id: orgID}
}

func (o Owner) Type() OwnerType { return o.kind }

func (o Owner) ID() snowflake.ID { return o.id }

func (o Owner) Valid() bool {
	return o.id != 0 && (o.kind == OwnerTypeUser || o.kind == OwnerTypeOrganization)
}

// BillingAccount is the ledger-tracked entity holding a credit balance and
// free-tier allowance. Balance mutations happen exclusively in the ledger
// service; everything else reads.
type BillingAccount struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	OwnerType OwnerType    `gorm:"type:text;not null" json:"owner_type"`

	// Exactly one of UserID / OrgID is set; the pair is also guarded by a
	// CHECK constraint in the schema.
	UserID *snowflake.ID `gorm:"uniqueIndex:ux_billing_accounts_user" json:"user_id,omitempty"`
	OrgID  *snowflake.ID `gorm:"uniqueIndex:ux_billing_accounts_org" json:"organization_id,omitempty"`

	Credits         int64 `gorm:"not null;default:0" json:"credits"`
	LifetimeCredits int64 `gorm:"not null;default:0" json:"lifetime_credits"`
	LifetimeUsage   int64 `gorm:"not null;default:0" json:"lifetime_usage"`

	FreeTierRemaining int       `gorm:"not null;default:0" json:"free_tier_remaining"`
	FreeTierResetAt   time.Time `gorm:"not null" json:"free_tier_reset_at"`

	ExternalPaymentRef *string `gorm:"type:text" json:"external_payment_ref,omitempty"`

	DisabledAt *time.Time `json:"disabled_at,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (BillingAccount) TableName() string { return "billing_accounts" }

func (a *BillingAccount) Owner() Owner {
	switch a.OwnerType {
	case OwnerTypeUser:
		if a.UserID != nil {
			return UserOwner(*a.UserID)
		}
	case OwnerTypeOrganization:
		if a.OrgID != nil {
			return OrgOwner(*a.OrgID)
		}
	}
	return Owner{}
}

func (a *BillingAccount) Disabled() bool { return a.DisabledAt != nil }

// Balance is the read-only snapshot served to the dashboard.
type Balance struct {
	AccountID         snowflake.ID `json:"account_id"`
	Credits           int64        `json:"credits"`
	LifetimeCredits   int64        `json:"lifetime_credits"`
	LifetimeUsage     int64        `json:"lifetime_usage"`
	FreeTierRemaining int          `json:"free_tier_remaining"`
	FreeTierResetAt   time.Time    `json:"free_tier_reset_at"`
}
