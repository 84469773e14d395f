// Package main provides the homeledger scheduler, which fires the daily
// inventory expiry sweep and archives finished executions.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dukex/homeledger/pkg/cmd"
	"github.com/dukex/homeledger/pkg/log"
	"github.com/dukex/homeledger/pkg/otelhelper"
	"github.com/dukex/homeledger/pkg/scheduler"
	cli "github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := log.WithModule("scheduler")

	command := &cli.Command{
		Name:                  "homeledger-scheduler",
		Usage:                 "Fire the daily expiry sweep and archive finished executions",
		EnableShellCompletion: true,
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:    "archive-cron",
				Usage:   "Cron expression of the execution archive job",
				Value:   scheduler.DefaultArchiveCron,
				Sources: cli.EnvVars("ARCHIVE_CRON"),
			},
			&cli.DurationFlag{
				Name:    "retention",
				Usage:   "How long finished executions stay live before they are archived",
				Value:   scheduler.DefaultRetention,
				Sources: cli.EnvVars("EXECUTION_RETENTION"),
			},
			&cli.StringFlag{
				Name:    "recovery-cron",
				Usage:   "Cron expression of the job resuming executions left by stopped engines",
				Value:   scheduler.DefaultRecoveryCron,
				Sources: cli.EnvVars("RECOVERY_CRON"),
			},
		}, append(cmd.SweepFlags(), cmd.RuntimeFlags()...)...),
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))
			logger = log.WithModule("scheduler")

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			if command.Bool("tracing") {
				shutdownTracing, err := otelhelper.Setup(ctx, "homeledger-scheduler")
				if err != nil {
					return fmt.Errorf("failed to set up tracing: %w", err)
				}

				defer func() {
					if err := shutdownTracing(context.Background()); err != nil {
						logger.Error("Failed to shut down tracing", "error", err)
					}
				}()
			}

			runtime, err := cmd.NewRuntime(ctx, logger, cmd.ConfigFromCommand(command))
			if err != nil {
				return err
			}

			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()

				if err := runtime.Close(shutdownCtx); err != nil {
					logger.Error("Failed to close runtime", "error", err)
				}
			}()

			sweep, err := cmd.NewDailySweep(runtime.Engine, command, logger, scheduler.WithRunOnStart())
			if err != nil {
				return err
			}

			archive, err := scheduler.NewArchiveJob(
				runtime.Persistence.Executions(),
				command.String("archive-cron"),
				command.Duration("retention"),
				logger,
			)
			if err != nil {
				return err
			}

			recovery, err := scheduler.NewRecoveryJob(runtime.Engine, command.String("recovery-cron"), logger)
			if err != nil {
				return err
			}

			if _, err := runtime.Engine.Recover(ctx); err != nil {
				return fmt.Errorf("failed to recover executions: %w", err)
			}

			group, ctx := errgroup.WithContext(ctx)
			group.Go(func() error { return runtime.Relay.Run(ctx) })
			group.Go(func() error { return sweep.Run(ctx) })
			group.Go(func() error { return archive.Run(ctx) })
			group.Go(func() error { return recovery.Run(ctx) })

			if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}

			return nil
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		logger.Error("homeledger-scheduler stopped", "error", err)
		os.Exit(1)
	}
}
