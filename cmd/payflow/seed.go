package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/smallbiznis/payflow/internal/config"
	identityservice "github.com/smallbiznis/payflow/internal/identity/service"
	"github.com/smallbiznis/payflow/internal/seed"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

func seedCmd() *cobra.Command {
	var tokenTTL time.Duration

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Insert development users and a sample resource",
		Long: `Insert an admin, a buyer and one published resource. Rows that already
exist are left untouched. When AUTH_JWT_SECRET is set, bearer tokens for
both users are printed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				cfg  config.Config
				conn *gorm.DB
			)
			return runWithApp(cmd.Context(), func(ctx context.Context) error {
				if cfg.IsProduction() {
					return errors.New("seed is disabled in production")
				}
				if err := seed.EnsureDevData(ctx, conn); err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, "development data ready")

				for _, userID := range []string{seed.DefaultAdminID, seed.DefaultBuyerID} {
					now := time.Now().UTC()
					token, err := identityservice.IssueToken(cfg.AuthJWTSecret, userID, jwt.RegisteredClaims{
						Subject:   userID,
						IssuedAt:  jwt.NewNumericDate(now),
						ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
					})
					if err != nil {
						fmt.Fprintf(out, "no token for %s: %v\n", userID, err)
						continue
					}
					fmt.Fprintf(out, "%s token: %s\n", userID, token)
				}
				return nil
			}, fx.Populate(&cfg, &conn))
		},
	}

	cmd.Flags().DurationVar(&tokenTTL, "token-ttl", 24*time.Hour, "lifetime of the printed bearer tokens")
	return cmd
}
