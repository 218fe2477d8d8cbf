package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/boddenberg/crm-bfa-go/internal/app"
	"github.com/boddenberg/crm-bfa-go/internal/config"
	"github.com/boddenberg/crm-bfa-go/internal/domain"
	"github.com/boddenberg/crm-bfa-go/internal/infra/observability"
	"github.com/boddenberg/crm-bfa-go/internal/infra/postgres"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type options struct {
	configPath string
	logLevel   string
	timeout    time.Duration
}

func rootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Dealer CRM admin CLI",
		Long: `crmctl drives the dealer CRM core from a terminal.

Configuration comes from the same environment variables as crm-bfa, with an
optional YAML overlay given by --config.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "Overall command timeout")

	cmd.AddCommand(
		migrateCmd(opts),
		resolveCmd(opts),
		scopeCmd(opts),
		convertCmd(opts),
		tokenCmd(opts),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", appName, Version)
			},
		},
	)
	return cmd
}

func (o *options) load() (*config.Config, *zap.Logger, error) {
	_ = config.LoadDotEnv(".env")
	cfg, err := config.LoadWithFile(o.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, observability.NewLogger(o.logLevel), nil
}

// withApp runs fn against freshly wired services and closes them afterwards.
func (o *options) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, logger, err := o.load()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
	defer cancel()

	a, err := app.New(ctx, cfg, observability.NewMetrics(), logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ============================================================
// migrate
// ============================================================

func migrateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate up|down",
		Short:     "Apply or revert the PostgreSQL document store schema",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(postgres.Up), string(postgres.Down)},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer logger.Sync()
			if cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is not set")
			}
			dir := postgres.Direction(args[0])
			if err := postgres.Migrate(cfg.DatabaseURL, dir); err != nil {
				return fmt.Errorf("migrate %s: %w", dir, err)
			}
			logger.Info("migrations applied", zap.String("direction", string(dir)))
			fmt.Fprintf(cmd.OutOrStdout(), "migrate %s: ok\n", dir)
			return nil
		},
	}
}

// ============================================================
// resolve / scope
// ============================================================

func resolveCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <email>",
		Short: "Resolve a principal email to its tenant profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				profile, err := a.Services.Profiles.ResolveProfile(ctx, domain.Principal{Email: args[0]})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), profile)
			})
		},
	}
}

func scopeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "scope <email>",
		Short: "Compute the access scope of a principal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				profile, err := a.Services.Profiles.ResolveProfile(ctx, domain.Principal{Email: args[0]})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), a.Services.Scope.ComputeScope(ctx, profile))
			})
		},
	}
}

// ============================================================
// convert
// ============================================================

func convertCmd(opts *options) *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "convert <companyId> <prospectId>",
		Short: "Convert a prospect into a deal",
		Long: `Copies the prospect and its sub-collections into a deal, then deletes the
prospect. Re-running after a partial failure resumes the conversion.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				profile, err := a.Services.Profiles.ResolveProfile(ctx, domain.Principal{Email: actor})
				if err != nil {
					return err
				}
				result, err := a.Services.Lifecycle.ConvertToDeal(ctx, profile, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "as", "", "Email of the acting user")
	_ = cmd.MarkFlagRequired("as")
	return cmd
}

// ============================================================
// token
// ============================================================

func tokenCmd(opts *options) *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <email>",
		Short: "Sign a development access token for a principal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.load()
			if err != nil {
				return err
			}
			tok, err := app.TokenVerifier(cfg).Sign(domain.Principal{Subject: subject, Email: args[0]}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "sub", "", "Token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	return cmd
}
