// Package domain defines the admission contract: the advisory check that
// runs before expensive pipeline work is executed.
package domain

import (
	"context"
	"errors"

	accountdomain "github.com/AaronL1011/polly-ai/internal/account/domain"
	"github.com/AaronL1011/polly-ai/internal/costing"
	ledgerdomain "github.com/AaronL1011/polly-ai/internal/ledger/domain"
	"github.com/bwmarrin/snowflake"
)

type Service interface {
	// Authorize decides whether a unit of work may proceed for the owner's
	// account. It is advisory: no lock is held afterwards, and the ledger
	// re-validates sufficiency at commit time. A free-tier unit, when
	// available, admits the action regardless of estimated cost.
	Authorize(ctx context.Context, owner accountdomain.Owner, estimatedCredits int64) (ledgerdomain.Decision, *accountdomain.BillingAccount, error)

	// AuthorizeAnonymous admits unauthenticated callers against a
	// per-session daily allowance instead of a billing account.
	AuthorizeAnonymous(ctx context.Context, sessionID string) (ledgerdomain.Decision, error)

	// AnonymousRemaining reports the session's unspent daily allowance
	// without consuming a unit.
	AnonymousRemaining(ctx context.Context, sessionID string) (int, error)

	// ReleaseFreeTier hands back a free-tier unit consumed by Authorize
	// when the external work was cancelled before commit. Restoration is a
	// caller policy, never automatic.
	ReleaseFreeTier(ctx context.Context, accountID snowflake.ID) error

	// EstimateCredits prices raw usage under the current billing policy.
	// Pure read; safe to call speculatively.
	EstimateCredits(usage costing.Usage, cached bool) (int64, costing.CostBreakdown, error)
}

const (
	DeniedInsufficientFunds = "insufficient_funds"
	DeniedFreeTierExhausted = "free_tier_exhausted"
	DeniedAccountDisabled   = "account_disabled"
)

var (
	ErrInvalidEstimate = errors.New("invalid_estimate")
	ErrInvalidSession  = errors.New("invalid_session")
)
