package main

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/payflow/internal/clock"
	"github.com/smallbiznis/payflow/internal/config"
	"github.com/smallbiznis/payflow/internal/observability"
	"github.com/smallbiznis/payflow/pkg/db"
	"go.uber.org/fx"
)

const (
	appStartTimeout = 30 * time.Second
	appStopTimeout  = 15 * time.Second

	cliSnowflakeNode = 3
)

// runWithApp starts a short-lived fx application around fn. The populate
// targets passed in opts are ready by the time fn runs.
func runWithApp(ctx context.Context, fn func(ctx context.Context) error, opts ...fx.Option) error {
	base := []fx.Option{
		fx.NopLogger,
		config.Module,
		observability.Module,
		fx.Provide(registerSnowflake),
		db.Module,
		clock.Module,
	}
	app := fx.New(append(base, opts...)...)
	if err := app.Err(); err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(ctx, appStartTimeout)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), appStopTimeout)
		defer cancel()
		_ = app.Stop(stopCtx)
	}()

	return fn(ctx)
}

func registerSnowflake() (*snowflake.Node, error) {
	return snowflake.NewNode(cliSnowflakeNode)
}
