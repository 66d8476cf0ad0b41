package identity

import (
	"github.com/smallbiznis/payflow/internal/identity/repository"
	"github.com/smallbiznis/payflow/internal/identity/service"
	"go.uber.org/fx"
)

var Module = fx.Module("identity",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
