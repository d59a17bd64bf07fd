package notification

import (
	"github.com/chowline/recon/internal/notification/repository"
	"github.com/chowline/recon/internal/notification/service"
	"go.uber.org/fx"
)

var Module = fx.Module("notification",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
