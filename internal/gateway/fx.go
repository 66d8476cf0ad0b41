package gateway

import (
	"github.com/smallbiznis/payflow/internal/gateway/adapters"
	"github.com/smallbiznis/payflow/internal/gateway/adapters/mock"
	"github.com/smallbiznis/payflow/internal/gateway/adapters/myfatoorah"
	"github.com/smallbiznis/payflow/internal/gateway/domain"
	gatewayservice "github.com/smallbiznis/payflow/internal/gateway/service"
	"go.uber.org/fx"
)

var Module = fx.Module("gateway.service",
	fx.Provide(func() *adapters.Registry {
		return adapters.NewRegistry(
			myfatoorah.NewFactory(),
			mock.NewFactory(),
		)
	}),
	fx.Provide(gatewayservice.NewService),
	fx.Provide(func(s *gatewayservice.Service) domain.Port { return s }),
	fx.Provide(func(s *gatewayservice.Service) domain.HealthChecker { return s }),
)
