// Package main is the autoforge process entry point: it wires
// internal/app from environment configuration and runs either the
// combined API+dispatcher process (serve) or a dispatcher-only worker
// (worker), until SIGINT/SIGTERM, draining in-flight tasks before exit.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/autoforge/autoforge/internal/app"
	"github.com/autoforge/autoforge/pkg/api"
	"github.com/autoforge/autoforge/pkg/config"
	"github.com/autoforge/autoforge/pkg/database"
	"github.com/autoforge/autoforge/pkg/events"
	"github.com/autoforge/autoforge/pkg/gitexport"
	"github.com/autoforge/autoforge/pkg/version"
)

var envFile string

func main() {
	rootCmd := &cobra.Command{
		Use:           "autoforge",
		Short:         "Multi-agent code generation orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "path to an optional .env file")

	rootCmd.AddCommand(serveCmd(), workerCmd(), migrateCmd(), versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "autoforge: %v\n", err)
		os.Exit(1)
	}
}

// serveCmd loads configuration, starts the Governor's dispatcher loop
// and the HTTP+WebSocket API in front of it, and blocks until an
// interrupt or termination signal, then drains. This is the
// single-process deployment shape; workerCmd splits the dispatcher out
// for horizontally-scaled task execution behind a shared database.
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and task dispatcher until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(envFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg)
			if err != nil {
				return fmt.Errorf("build app: %w", err)
			}
			defer a.Close()

			requeued, err := a.Start(ctx)
			if err != nil {
				return fmt.Errorf("start dispatcher: %w", err)
			}
			slog.Info("autoforge: dispatcher started", "version", version.Full(), "requeued_on_boot", requeued)

			var git gitexport.GitProvider
			if cfg.GitHubToken != "" {
				git = gitexport.NewGitHubProvider(cfg.GitHubToken)
			}
			connMgr := events.NewManager(cfg.AllowedOrigins)
			srv := api.NewServer(a, connMgr, git)
			router := srv.NewRouter(api.RouterConfig{AppAPIKey: cfg.AppAPIKey, AllowedOrigins: cfg.AllowedOrigins})

			httpSrv := &http.Server{Addr: ":" + cfg.HTTPPort, Handler: router}
			go func() {
				slog.Info("autoforge: http server listening", "addr", httpSrv.Addr, "git_export_enabled", git != nil)
				if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					slog.Error("autoforge: http server error", "error", err)
				}
			}()

			<-ctx.Done()
			slog.Info("autoforge: signal received, draining in-flight tasks")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := httpSrv.Shutdown(shutdownCtx); err != nil {
				slog.Warn("autoforge: http server shutdown error", "error", err)
			}
			a.Stop()
			slog.Info("autoforge: drained, exiting")
			return nil
		},
	}
}

// workerCmd runs only the Governor's dispatcher loop, with no HTTP
// surface at all. Deployments that want to scale task execution
// independently of the API tier (e.g. one serve replica behind a load
// balancer, N worker replicas pulling from the same DATABASE_URL) run
// this instead of serve on the worker replicas.
func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the task dispatcher loop only, without the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(envFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg)
			if err != nil {
				return fmt.Errorf("build app: %w", err)
			}
			defer a.Close()

			requeued, err := a.Start(ctx)
			if err != nil {
				return fmt.Errorf("start dispatcher: %w", err)
			}
			slog.Info("autoforge: worker dispatcher started", "version", version.Full(), "requeued_on_boot", requeued)

			<-ctx.Done()
			slog.Info("autoforge: signal received, draining in-flight tasks")
			a.Stop()
			slog.Info("autoforge: drained, exiting")
			return nil
		},
	}
}

// migrateCmd applies pending schema migrations against DATABASE_URL and
// exits, for use as a standalone pre-deploy step ahead of `serve`.
func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(envFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required for migrate")
			}

			pool, err := database.Open(cmd.Context(), database.Config{DSN: cfg.DatabaseURL})
			if err != nil {
				return fmt.Errorf("apply migrations: %w", err)
			}
			pool.Close()
			slog.Info("autoforge: migrations applied")
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version string",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(os.Stdout, version.Full())
		},
	}
}
