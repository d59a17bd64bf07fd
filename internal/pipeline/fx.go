package pipeline

import (
	"github.com/chowline/recon/internal/pipeline/service"
	"go.uber.org/fx"
)

// Module provides the webhook processing pipeline.
var Module = fx.Module("pipeline",
	fx.Provide(service.NewService),
)
