package cmd

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/homeledger/pkg/scheduler"
	"github.com/dukex/homeledger/pkg/workflows"
	cli "github.com/urfave/cli/v3"
)

// SweepFlags configure the daily expiry sweep. Every binary that can fire the
// sweep reads them, so all of them build the same input for a calendar day.
func SweepFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "sweep-cron",
			Usage:   "Cron expression of the daily expiry sweep",
			Value:   scheduler.DefaultCron,
			Sources: cli.EnvVars("SWEEP_CRON"),
		},
		&cli.StringFlag{
			Name:    "timezone",
			Usage:   "IANA time zone deciding the sweep's calendar day",
			Value:   "UTC",
			Sources: cli.EnvVars("TZ_NAME"),
		},
		&cli.IntFlag{
			Name:    "horizon-days",
			Usage:   "Days ahead of today a unit counts as expiring",
			Value:   workflows.DefaultHorizonDays,
			Sources: cli.EnvVars("SWEEP_HORIZON_DAYS"),
		},
	}
}

// NewDailySweep builds the sweep from SweepFlags. extra options are applied
// after the shared ones.
func NewDailySweep(
	starter scheduler.Starter,
	command *cli.Command,
	logger *slog.Logger,
	extra ...scheduler.Option,
) (*scheduler.DailySweep, error) {
	location, err := time.LoadLocation(command.String("timezone"))
	if err != nil {
		return nil, fmt.Errorf("invalid timezone: %w", err)
	}

	opts := append([]scheduler.Option{
		scheduler.WithLocation(location),
		scheduler.WithHorizon(command.Int("horizon-days")),
	}, extra...)

	return scheduler.NewDailySweep(starter, command.String("sweep-cron"), logger, opts...)
}
