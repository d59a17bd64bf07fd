package reconcile

import (
	"github.com/chowline/recon/internal/reconcile/repository"
	"github.com/chowline/recon/internal/reconcile/service"
	"go.uber.org/fx"
)

var Module = fx.Module("reconcile",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
