package settings

import (
	gatewaydomain "github.com/smallbiznis/payflow/internal/gateway/domain"
	"github.com/smallbiznis/payflow/internal/settings/domain"
	"github.com/smallbiznis/payflow/internal/settings/repository"
	"github.com/smallbiznis/payflow/internal/settings/service"
	"go.uber.org/fx"
)

var Module = fx.Module("settings.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(func(s *service.Service) domain.Service { return s }),
	fx.Provide(func(s *service.Service) gatewaydomain.CredentialResolver { return s }),
)
