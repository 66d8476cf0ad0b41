package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/payflow/internal/audit"
	"github.com/smallbiznis/payflow/internal/authorization"
	"github.com/smallbiznis/payflow/internal/catalog"
	"github.com/smallbiznis/payflow/internal/clock"
	"github.com/smallbiznis/payflow/internal/config"
	"github.com/smallbiznis/payflow/internal/fulfillment"
	"github.com/smallbiznis/payflow/internal/gateway"
	"github.com/smallbiznis/payflow/internal/identity"
	"github.com/smallbiznis/payflow/internal/migration"
	"github.com/smallbiznis/payflow/internal/observability"
	"github.com/smallbiznis/payflow/internal/providers"
	"github.com/smallbiznis/payflow/internal/purchase"
	"github.com/smallbiznis/payflow/internal/ratelimit"
	"github.com/smallbiznis/payflow/internal/reconcile"
	"github.com/smallbiznis/payflow/internal/server"
	"github.com/smallbiznis/payflow/internal/settings"
	"github.com/smallbiznis/payflow/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Boundaries
		identity.Module,
		catalog.Module,
		settings.Module,
		audit.Module,

		// Purchase flow
		gateway.Module,
		purchase.Module,
		reconcile.Module,
		fulfillment.Module,
		providers.Module,
		ratelimit.Module,
		authorization.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
