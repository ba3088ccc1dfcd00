package migration

import (
	accountdomain "github.com/AaronL1011/polly-ai/internal/account/domain"
	ledgerdomain "github.com/AaronL1011/polly-ai/internal/ledger/domain"
)

// models lists every persisted type for dialects that migrate via gorm
// instead of the embedded SQL.
func models() []any {
	return []any{
		&accountdomain.BillingAccount{},
		&ledgerdomain.UsageEvent{},
		&ledgerdomain.CreditTransaction{},
	}
}
