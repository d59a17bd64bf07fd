package idempotency

import (
	"github.com/chowline/recon/internal/idempotency/repository"
	"github.com/chowline/recon/internal/idempotency/service"
	"go.uber.org/fx"
)

var Module = fx.Module("idempotency",
	fx.Provide(service.ProvideConfig),
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
