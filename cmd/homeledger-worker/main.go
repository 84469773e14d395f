// Package main provides the homeledger event worker.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dukex/homeledger/pkg/cmd"
	"github.com/dukex/homeledger/pkg/log"
	"github.com/dukex/homeledger/pkg/otelhelper"
	cli "github.com/urfave/cli/v3"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := log.WithModule("worker")

	command := &cli.Command{
		Name:                  "homeledger-worker",
		Usage:                 "Consume household events and record dead letters",
		EnableShellCompletion: true,
		Flags:                 cmd.RuntimeFlags(),
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))
			logger = log.WithModule("worker")

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.InfoContext(ctx, "Initializing homeledger worker")

			if command.Bool("tracing") {
				shutdownTracing, err := otelhelper.Setup(ctx, "homeledger-worker")
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

			consumer, err := runtime.NewConsumer()
			if err != nil {
				return fmt.Errorf("failed to create consumer: %w", err)
			}

			NewNotifications(logger).Register(consumer)
			consumer.HandleDeadLetters(runtime.DeadLetters)

			logger.InfoContext(ctx, "Worker consuming events")

			return consumer.Run(ctx)
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		logger.Error("homeledger-worker stopped", "error", err)
		os.Exit(1)
	}
}
