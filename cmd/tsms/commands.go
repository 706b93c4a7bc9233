package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/iamrgalisanao/tsms-dev-sub004/internal/config"
	"github.com/iamrgalisanao/tsms-dev-sub004/internal/services"
	"github.com/iamrgalisanao/tsms-dev-sub004/internal/utils"
)

type loader func() (*config.Config, error)

// withApp loads configuration, wires the app and runs fn with it.
func withApp(cmd *cobra.Command, load loader, fn func(ctx context.Context, a *app) error) error {
	cfg, err := load()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func serveCmd(load loader) *cobra.Command {
	var noSchedule bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run scheduled forwarding jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, load, func(ctx context.Context, a *app) error {
				if err := a.store.Migrate(ctx); err != nil {
					return err
				}

				ctx, cancel := context.WithCancel(ctx)
				defer cancel()

				var scheduler *services.Scheduler
				if a.cfg.Schedule.Enabled && !noSchedule {
					s, err := services.NewScheduler(a.engine, a.cfg.Schedule, a.cfg.Performance, utils.WithSubsystem(a.logger, "scheduler"))
					if err != nil {
						return err
					}
					s.Start(ctx)
					scheduler = s
				}

				server := &http.Server{
					Addr:         ":" + a.cfg.Port,
					Handler:      a.router().Handler(),
					ReadTimeout:  15 * time.Second,
					WriteTimeout: 15 * time.Second,
					IdleTimeout:  60 * time.Second,
				}

				serveErr := make(chan error, 1)
				go func() {
					a.logger.Info("server.starting", "port", a.cfg.Port, "scheduler", scheduler != nil)
					if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						serveErr <- err
					}
					close(serveErr)
				}()

				quit := make(chan os.Signal, 1)
				signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
				defer signal.Stop(quit)

				select {
				case err, ok := <-serveErr:
					if ok {
						return fmt.Errorf("server failed: %w", err)
					}
				case <-quit:
				}

				a.logger.Info("server.shutting_down")
				cancel()
				if scheduler != nil {
					scheduler.Stop()
				}
				shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
				defer stop()
				if err := server.Shutdown(shutdownCtx); err != nil {
					return fmt.Errorf("server forced to shutdown: %w", err)
				}
				a.logger.Info("server.exited")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&noSchedule, "no-schedule", false, "serve the API without running scheduled jobs")
	return cmd
}

func migrateCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, load, func(ctx context.Context, a *app) error {
				if err := a.store.Migrate(ctx); err != nil {
					return err
				}
				a.logger.Info("database.migrated")
				return nil
			})
		},
	}
}

func dispatchCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch",
		Short: "Forward pending transactions that have not been attempted yet",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, load, func(ctx context.Context, a *app) error {
				summary, err := a.engine.DispatchPending(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, summary)
			})
		},
	}
}

func retryCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Retry failed forwards whose backoff has elapsed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, load, func(ctx context.Context, a *app) error {
				summary, err := a.engine.RetryFailed(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, summary)
			})
		},
	}
}

func healthCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Report forwarding queue health",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, load, func(ctx context.Context, a *app) error {
				report, err := a.engine.HealthSnapshot(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, report)
			})
		},
	}
}

func cleanupCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete completed and exhausted forwards past their retention",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, load, func(ctx context.Context, a *app) error {
				result, err := a.engine.Cleanup(ctx, a.cfg.Performance)
				if err != nil {
					return err
				}
				return printJSON(cmd, result)
			})
		},
	}
}
