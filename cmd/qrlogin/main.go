package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"qrlogin/cmd/identity"
	"qrlogin/cmd/internal/app"
	"qrlogin/cmd/internal/auth/session"
	"qrlogin/cmd/internal/db"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var envFile string

	cmd := &cobra.Command{
		Use:           "qrlogin",
		Short:         "QR code remote login server and admin tools",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnvFile(envFile, cmd.Flags().Changed("env-file"))
		},
	}

	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Dotenv file to load before reading QRLOGIN_* settings")

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newMigrateCommand())
	cmd.AddCommand(newUserCommand())
	cmd.AddCommand(newPurgeCommand())
	return cmd
}

// loadEnvFile applies a dotenv file without overriding variables already set.
// A missing default file is ignored; an explicitly requested one must exist.
func loadEnvFile(path string, explicit bool) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// openPool connects using QRLOGIN_DATABASE_URL; admin commands need Postgres.
func openPool(ctx context.Context) (*pgxpool.Pool, error) {
	cfg := app.LoadConfig()
	if cfg.DatabaseURL == "" {
		return nil, errors.New("QRLOGIN_DATABASE_URL is required")
	}
	pool, err := app.NewDBPool(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	return pool, nil
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server (in-memory stores when no database is configured)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.Run(commandContext(cmd))
		},
	}
}

func newMigrateCommand() *cobra.Command {
	var statusOnly bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply embedded schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			if !statusOnly {
				if err := db.Migrate(ctx, pool); err != nil {
					return fmt.Errorf("migrate: %w", err)
				}
			}
			v, err := db.Version(ctx, pool)
			if err != nil {
				return fmt.Errorf("schema version: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version: %d\n", v)
			return nil
		},
	}

	cmd.Flags().BoolVar(&statusOnly, "status", false, "Only print the current schema version")
	return cmd
}

func newUserCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users that can claim login sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newUserCreateCommand())
	cmd.AddCommand(newUserRotateTokenCommand())
	return cmd
}

func newUserCreateCommand() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user and print its mobile token once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			users, err := identity.NewPostgresStore(pool)
			if err != nil {
				return err
			}
			res, err := users.CreateUser(ctx, identity.CreateUserInput{DisplayName: name, Now: time.Now().UTC()})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "user id:      %s\n", res.User.ID)
			fmt.Fprintf(out, "display name: %s\n", res.User.DisplayName)
			fmt.Fprintf(out, "mobile token: %s\n", res.MobileToken)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Display name shown to the browser after a claim")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newUserRotateTokenCommand() *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "rotate-token",
		Short: "Replace a user's mobile token and print the new one",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			users, err := identity.NewPostgresStore(pool)
			if err != nil {
				return err
			}
			tok, err := users.RotateMobileToken(ctx, userID, time.Now().UTC())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "mobile token: %s\n", tok)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "id", "", "User id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newPurgeCommand() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete sessions that expired before now minus --older-than",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan < 0 {
				return errors.New("--older-than must not be negative")
			}
			ctx := commandContext(cmd)
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			store, err := session.NewPostgresStore(pool)
			if err != nil {
				return err
			}
			cutoff := time.Now().UTC().Add(-olderThan)
			n, err := store.PurgeExpiredBefore(ctx, cutoff)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d sessions expired before %s\n", n, cutoff.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 24*time.Hour, "Retention window past expiry")
	return cmd
}
