package admission

import (
	"github.com/AaronL1011/polly-ai/internal/admission/service"
	"go.uber.org/fx"
)

var Module = fx.Module("admission.service",
	fx.Provide(service.NewService),
)
