package resolution

import (
	"github.com/chowline/recon/internal/resolution/service"
	"go.uber.org/fx"
)

var Module = fx.Module("resolution",
	fx.Provide(service.NewService),
)
