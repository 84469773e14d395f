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
	"github.com/gofiber/fiber/v3"
	cli "github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

const (
	defaultPort     = 9091
	shutdownTimeout = 30 * time.Second
)

func main() {
	logger := log.WithModule("api")

	command := &cli.Command{
		Name:                  "homeledger-api",
		Usage:                 "Start, inspect and cancel household workflow executions",
		EnableShellCompletion: true,
		Flags: append([]cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.BoolFlag{
				Name:    "scheduler",
				Usage:   "Also fire the daily expiry sweep from this process",
				Sources: cli.EnvVars("ENABLE_SCHEDULER"),
			},
		}, append(cmd.SweepFlags(), cmd.RuntimeFlags()...)...),
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))
			logger = log.WithModule("api")

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.InfoContext(ctx, "Initializing homeledger API")

			if command.Bool("tracing") {
				shutdownTracing, err := otelhelper.Setup(ctx, "homeledger-api")
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

			var sweep *scheduler.DailySweep
			if command.Bool("scheduler") {
				sweep, err = cmd.NewDailySweep(runtime.Engine, command, logger)
				if err != nil {
					return errors.Join(err, runtime.Close(context.Background()))
				}
			}

			api := NewAPI(logger, runtime.Persistence, runtime.Engine, runtime.DeadLetters, runtime.Registry)
			app := api.App()

			group, ctx := errgroup.WithContext(ctx)

			group.Go(func() error {
				return app.Listen(fmt.Sprintf(":%d", command.Int("port")), fiber.ListenConfig{
					DisableStartupMessage: true,
				})
			})

			group.Go(func() error {
				return runtime.Relay.Run(ctx)
			})

			group.Go(func() error {
				resumed, err := runtime.Engine.Recover(ctx)
				if err != nil {
					return fmt.Errorf("failed to recover executions: %w", err)
				}

				logger.InfoContext(ctx, "Recovered unfinished executions", "count", resumed)

				return nil
			})

			if sweep != nil {
				group.Go(func() error {
					return sweep.Run(ctx)
				})
			}

			group.Go(func() error {
				<-ctx.Done()

				logger.Info("Shutting down homeledger API")

				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()

				return errors.Join(app.ShutdownWithContext(shutdownCtx), runtime.Close(shutdownCtx))
			})

			err = group.Wait()
			if errors.Is(err, context.Canceled) {
				return nil
			}

			return err
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		logger.Error("homeledger-api stopped", "error", err)
		os.Exit(1)
	}
}
