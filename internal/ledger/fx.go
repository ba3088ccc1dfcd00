package ledger

import (
	"github.com/AaronL1011/polly-ai/internal/ledger/service"
	"go.uber.org/fx"
)

var Module = fx.Module("ledger.service",
	fx.Provide(service.NewService),
)
