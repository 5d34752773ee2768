package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tcmartin/stepflow/pkg/services"
)

func tokenCmd() *cobra.Command {
	var (
		subject string
		scope   string
		hours   int
		hash    string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a JWT for the API, or hash a static API token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if hash != "" {
				hashed, err := services.HashToken(hash)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), hashed)
				return nil
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("no jwt secret configured (set auth.jwt_secret or STEPFLOW_JWT_SECRET)")
			}
			if hours <= 0 {
				hours = cfg.Auth.TokenExpiration
			}

			token, err := services.NewJWTService(cfg.Auth.JWTSecret, hours).GenerateToken(subject, scope)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "cli", "Token subject")
	cmd.Flags().StringVar(&scope, "scope", "", "Token scope")
	cmd.Flags().IntVar(&hours, "hours", 0, "Expiration in hours (default from config)")
	cmd.Flags().StringVar(&hash, "hash", "", "Print the bcrypt hash of this API token for auth.api_token_hashes")
	return cmd
}
