package cmd

import (
	"github.com/dukex/homeledger/pkg/workflow"
	cli "github.com/urfave/cli/v3"
)

// RuntimeFlags are the backend flags every binary accepts.
func RuntimeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "database-url",
			Usage:    "Database connection URL (postgres://... or memory://)",
			Required: true,
			Sources:  cli.EnvVars("DATABASE_URL"),
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "Redis URL for the idempotency store; the database is used when empty",
			Sources: cli.EnvVars("REDIS_URL"),
		},
		&cli.StringFlag{
			Name:    "event-bus",
			Usage:   "Event bus type (kafka, gochannel)",
			Value:   "kafka",
			Sources: cli.EnvVars("EVENT_BUS_TYPE"),
		},
		&cli.StringFlag{
			Name:    "kafka-brokers",
			Usage:   "Comma separated Kafka brokers",
			Value:   "localhost:9092",
			Sources: cli.EnvVars("KAFKA_BROKERS"),
		},
		&cli.StringFlag{
			Name:    "consumer-group",
			Usage:   "Kafka consumer group",
			Value:   "homeledger",
			Sources: cli.EnvVars("CONSUMER_GROUP"),
		},
		&cli.IntFlag{
			Name:    "import-segment-size",
			Usage:   "Import batches run before an execution continues as new (0 keeps the default)",
			Sources: cli.EnvVars("IMPORT_SEGMENT_SIZE"),
		},
		&cli.DurationFlag{
			Name:    "execution-lease",
			Usage:   "How long an execution stays claimed by an engine that stopped renewing it",
			Value:   workflow.DefaultLease,
			Sources: cli.EnvVars("EXECUTION_LEASE"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   "info",
			Sources: cli.EnvVars("LOG_LEVEL"),
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "Log format (text, json)",
			Value:   "text",
			Sources: cli.EnvVars("LOG_FORMAT"),
		},
		&cli.BoolFlag{
			Name:    "tracing",
			Usage:   "Export traces over OTLP/HTTP (configured with OTEL_EXPORTER_OTLP_* variables)",
			Sources: cli.EnvVars("TRACING_ENABLED"),
		},
	}
}

// ConfigFromCommand reads the runtime flags.
func ConfigFromCommand(command *cli.Command) Config {
	return Config{
		DatabaseURL:       command.String("database-url"),
		RedisURL:          command.String("redis-url"),
		EventBus:          command.String("event-bus"),
		KafkaBrokers:      command.String("kafka-brokers"),
		ConsumerGroup:     command.String("consumer-group"),
		ImportSegmentSize: command.Int("import-segment-size"),
		ExecutionLease:    command.Duration("execution-lease"),
	}
}
