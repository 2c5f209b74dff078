package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"escrowflow/auth"
	"escrowflow/db"
)

func operatorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "operator",
		Short: "Manage API operators",
	}
	cmd.AddCommand(operatorCreateCmd())
	return cmd
}

func operatorCreateCmd() *cobra.Command {
	var (
		email    string
		fullName string
		role     string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an operator; the password is read from OPERATOR_PASSWORD",
		RunE: func(cmd *cobra.Command, args []string) error {
			password := os.Getenv("OPERATOR_PASSWORD")
			if password == "" {
				return fmt.Errorf("OPERATOR_PASSWORD is required")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required")
			}

			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: 1})
			if err != nil {
				return err
			}
			defer pool.Close()

			svc := auth.NewService(auth.NewRepository(pool), cfg.JWTSecret, cfg.TokenTTL)
			op, err := svc.Register(ctx, auth.RegisterRequest{
				Email:    email,
				Password: password,
				FullName: fullName,
				Role:     auth.Role(role),
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created operator %s (%s, role %s)\n", op.ID, op.Email, op.Role)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "operator email")
	cmd.Flags().StringVar(&fullName, "name", "", "operator full name")
	cmd.Flags().StringVar(&role, "role", string(auth.RoleOperator), "operator, checkout or delivery_tracker")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}
