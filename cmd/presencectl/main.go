package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/presencectl/internal/admin"
	"github.com/danmuck/presencectl/internal/app"
	"github.com/danmuck/presencectl/internal/host"
	"github.com/danmuck/presencectl/internal/logging"
	"github.com/danmuck/presencectl/internal/observability"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const defaultConfigPath = "cmd/presencectl/ex.config.toml"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "presencectl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "presencectl",
		Short:         "presencectl keeps sessions alive and presence honest",
		Long:          `presencectl retries pending endpoint connections on user activity, announces presence once negotiation settles, and surfaces certificate verification failures as a single recovery prompt.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", defaultConfigPath, "path to the toml config file")

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "connect endpoints and serve the admin surface",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadRunConfig(cfgPath)
			if err != nil {
				return err
			}
			if err := cfg.validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "check-config",
		Short: "load and validate a config file without connecting",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadRunConfig(cfgPath)
			if err != nil {
				return err
			}
			if err := cfg.validate(); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "config ok: %s\n", cfgPath)
			fmt.Fprintf(out, "  primary:  %s\n", cfg.App.Primary.Address)
			if cfg.App.Folder.Address != "" {
				fmt.Fprintf(out, "  folder:   %s\n", cfg.App.Folder.Address)
			}
			fmt.Fprintf(out, "  presence: enabled=%t url=%q\n", cfg.App.Presence.Enabled, cfg.App.Presence.URL)
			fmt.Fprintf(out, "  security: mode=%s tls=%t pinning=%t\n",
				cfg.App.Primary.Session.SecurityMode,
				cfg.App.Primary.Session.TLS.Enabled,
				cfg.App.Primary.Session.Pinning.Enabled)
			fmt.Fprintf(out, "  admin:    %s\n", cfg.Admin.Addr)
			return nil
		},
	})
	return root
}

func run(ctx context.Context, cfg runConfig) error {
	logging.ConfigureRuntime()
	observability.InitLogger(cfg.App.Name, cfg.Host.Name)
	observability.RegisterMetrics()

	application, err := app.New(cfg.App)
	if err != nil {
		return err
	}
	defer func() {
		if err := application.Close(); err != nil {
			log.Warn().Err(err).Msg("presencectl.shutdown incomplete")
		}
	}()
	application.Start()

	surface := admin.NewSurface()
	activity := host.NewActivity(cfg.Host, host.Deps{
		Resolver:  application,
		Bus:       application.Bus(),
		Presenter: surface,
		Navigator: surface,
		Notifier:  surface,
		Accounts:  application,
	})
	defer activity.Destroy()
	if err := activity.Create(); err != nil {
		return err
	}
	if err := activity.Resume(); err != nil {
		return err
	}

	srv := admin.New(cfg.Admin, surface, activity, application)
	log.Info().
		Str("host", cfg.Host.Name).
		Str("admin", cfg.Admin.Addr).
		Msg("presencectl.running")
	return srv.Serve(ctx)
}
