package account

import (
	"github.com/AaronL1011/polly-ai/internal/account/service"
	"go.uber.org/fx"
)

var Module = fx.Module("account.service",
	fx.Provide(service.NewService),
)
