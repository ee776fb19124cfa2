package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/dukex/pipelit/pkg/cmd"
	"github.com/dukex/pipelit/pkg/engine"
	"github.com/dukex/pipelit/pkg/log"
	"github.com/dukex/pipelit/pkg/otelhelper"
	"github.com/dukex/pipelit/pkg/queue"
	"github.com/dukex/pipelit/pkg/recovery"
	"github.com/dukex/pipelit/pkg/scheduler"
	"github.com/dukex/pipelit/pkg/statestore"
	"github.com/google/uuid"
	"github.com/urfave/cli/v3"
)

func NewRunCommand() *cli.Command {
	return &cli.Command{
		Name:    "run",
		Aliases: []string{"r"},
		Usage:   "Start a worker",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Value:   "",
				Sources: cli.EnvVars("WORKER_ID"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL for execution state and the job queue",
				Value:   "redis://localhost:6379/0",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (kafka, gochannel)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Comma separated Kafka brokers",
				Value:   "localhost:9092",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.StringFlag{
				Name:    "plugins-path",
				Usage:   "Path to the directory containing node plugins",
				Value:   "",
				Sources: cli.EnvVars("PLUGINS_PATH"),
			},
			&cli.IntFlag{
				Name:    "concurrency",
				Usage:   "Number of jobs executed in parallel",
				Value:   8,
				Sources: cli.EnvVars("WORKER_CONCURRENCY"),
			},
			&cli.DurationFlag{
				Name:    "poll-interval",
				Usage:   "How often an idle worker polls the queue",
				Value:   500 * time.Millisecond,
				Sources: cli.EnvVars("POLL_INTERVAL"),
			},
			&cli.IntFlag{
				Name:    "max-node-retries",
				Usage:   "Attempts per node before the execution fails",
				Value:   engine.DefaultMaxNodeRetries,
				Sources: cli.EnvVars("MAX_NODE_RETRIES"),
			},
			&cli.DurationFlag{
				Name:    "state-ttl",
				Usage:   "Lifetime of execution state in Redis",
				Value:   engine.DefaultStateTTL,
				Sources: cli.EnvVars("STATE_TTL"),
			},
			&cli.DurationFlag{
				Name:    "confirmation-ttl",
				Usage:   "How long a confirmation waits for an answer",
				Value:   engine.DefaultConfirmationTTL,
				Sources: cli.EnvVars("CONFIRMATION_TTL"),
			},
			&cli.DurationFlag{
				Name:    "child-timeout",
				Usage:   "How long a parent waits for a child execution",
				Value:   engine.DefaultChildTimeout,
				Sources: cli.EnvVars("CHILD_TIMEOUT"),
			},
			&cli.DurationFlag{
				Name:    "zombie-threshold",
				Usage:   "Running executions older than this are failed as stalled",
				Value:   recovery.DefaultThreshold,
				Sources: cli.EnvVars("ZOMBIE_THRESHOLD"),
			},
			&cli.StringFlag{
				Name:    "recovery-schedule",
				Usage:   "Cron schedule of zombie recovery",
				Value:   "@every 5m",
				Sources: cli.EnvVars("RECOVERY_SCHEDULE"),
			},
			&cli.StringFlag{
				Name:    "child-sweep-schedule",
				Usage:   "Cron schedule of the child deadline sweep",
				Value:   "@every 1m",
				Sources: cli.EnvVars("CHILD_SWEEP_SCHEDULE"),
			},
			&cli.StringFlag{
				Name:    "confirmation-sweep-schedule",
				Usage:   "Cron schedule of confirmation expiry",
				Value:   "@every 1m",
				Sources: cli.EnvVars("CONFIRMATION_SWEEP_SCHEDULE"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Export traces over OTLP (configured by the OTEL_EXPORTER_OTLP_* variables)",
				Value:   false,
				Sources: cli.EnvVars("TRACING_ENABLED"),
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
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			workerID := command.String("worker-id")
			if workerID == "" {
				workerID = fmt.Sprintf("worker-%s", uuid.New().String()[:8])
			}

			logger := log.WithModule("pipelit-worker").With("worker_id", workerID)

			logger.InfoContext(ctx, "Initializing Pipelit Worker")

			tracer := otelhelper.NoopTracer()

			if command.Bool("tracing") {
				t, shutdown, err := otelhelper.NewTracer(ctx, "pipelit-worker")
				if err != nil {
					return fmt.Errorf("failed to initialize tracer: %w", err)
				}

				defer func() {
					if err := shutdown(context.Background()); err != nil {
						logger.Error("Failed to shutdown tracer provider", "error", err)
					}
				}()

				tracer = t
			}

			registry := cmd.NewRegistry(logger, command.String("plugins-path"))

			eventBus := cmd.NewEventBus(command.String("event-bus"), command.String("kafka-brokers"), "pipelit-worker", logger)
			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.Error("Failed to close event bus", "error", err)
				}
			}()

			persistence := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			defer func() {
				if err := persistence.Close(context.Background()); err != nil {
					logger.Error("Failed to close persistence", "error", err)
				}
			}()

			client := cmd.NewRedis(ctx, logger, command.String("redis-url"))
			defer func() {
				if err := client.Close(); err != nil {
					logger.Error("Failed to close redis client", "error", err)
				}
			}()

			config := engine.Config{
				MaxNodeRetries:  command.Int("max-node-retries"),
				StateTTL:        command.Duration("state-ttl"),
				ConfirmationTTL: command.Duration("confirmation-ttl"),
				ChildTimeout:    command.Duration("child-timeout"),
			}

			store := statestore.NewRedisStore(client, logger, statestore.WithTTL(config.StateTTL))
			jobs := queue.NewRedisQueue(client, logger, statestore.DefaultPrefix)

			eng := engine.New(config, engine.Dependencies{
				Persistence: persistence,
				Store:       store,
				Queue:       jobs,
				Publisher:   eventBus,
				Registry:    registry,
				Tracer:      tracer,
				Logger:      logger,
			})

			worker, err := NewWorkerManager(
				workerID,
				logger,
				eng,
				scheduler.New(persistence, jobs, eng, eventBus, logger),
				recovery.New(persistence, store, eventBus, logger, command.Duration("zombie-threshold")),
				queue.NewConsumer(jobs, logger, command.Int("concurrency"), command.Duration("poll-interval")),
				Schedules{
					Recovery:     command.String("recovery-schedule"),
					ChildSweep:   command.String("child-sweep-schedule"),
					Confirmation: command.String("confirmation-sweep-schedule"),
				},
			)
			if err != nil {
				return err
			}

			if err := worker.Start(ctx); err != nil {
				logger.ErrorContext(ctx, "Worker stopped with error", "error", err)

				return err
			}

			return nil
		},
	}
}
