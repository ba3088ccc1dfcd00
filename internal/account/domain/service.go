package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	// GetOrCreate returns the account for the owner, provisioning it with
	// zero credits and the configured free-tier allowance on first use.
	GetOrCreate(context.Context, Owner) (*BillingAccount, error)

	GetByID(context.Context, snowflake.ID) (*BillingAccount, error)
	GetByOwner(context.Context, Owner) (*BillingAccount, error)
	GetBalance(context.Context, Owner) (Balance, error)

	// Disable soft-disables an account. History referencing the account is
	// never deleted.
	Disable(context.Context, snowflake.ID) error

	// SetExternalPaymentRef links the account to a payment-provider
	// customer record. Never required for core logic.
	SetExternalPaymentRef(ctx context.Context, accountID snowflake.ID, ref string) error
}

var (
	ErrInvalidOwner    = errors.New("invalid_owner")
	ErrAccountNotFound = errors.New("account_not_found")
	ErrAccountDisabled = errors.New("account_disabled")
)
