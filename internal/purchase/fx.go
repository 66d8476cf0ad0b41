package purchase

import (
	"github.com/smallbiznis/payflow/internal/purchase/repository"
	"github.com/smallbiznis/payflow/internal/purchase/service"
	"go.uber.org/fx"
)

var Module = fx.Module("purchase.service",
	fx.Provide(repository.NewGormLedger),
	fx.Provide(service.NewService),
)
