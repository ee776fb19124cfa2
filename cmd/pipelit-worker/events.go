package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/dukex/pipelit/pkg/cmd"
	"github.com/dukex/pipelit/pkg/eventbus"
	"github.com/dukex/pipelit/pkg/events"
	"github.com/dukex/pipelit/pkg/log"
	"github.com/urfave/cli/v3"
)

var tailedEvents = []events.EventType{
	events.NodeStatusEvent,
	events.ExecutionStartedEvent,
	events.ExecutionInterruptedEvent,
	events.ExecutionCompletedEvent,
	events.ExecutionFailedEvent,
	events.ExecutionCancelledEvent,
	events.ScheduledJobTransitionEvent,
}

func NewEventsCommand() *cli.Command {
	return &cli.Command{
		Name:    "events",
		Aliases: []string{"e"},
		Usage:   "Print execution events as JSON lines",
		Flags: []cli.Flag{
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
				Name:  "channel",
				Usage: "Only print events of this channel, e.g. execution:<id> or workflow:<id>",
				Value: "",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "warn",
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

			logger := log.WithModule("pipelit-events")

			eventBus := cmd.NewEventBus(command.String("event-bus"), command.String("kafka-brokers"), "pipelit-events", logger)
			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.Error("Failed to close event bus", "error", err)
				}
			}()

			err := tail(ctx, eventBus, newEventPrinter(os.Stdout, command.String("channel")))
			if err != nil {
				return err
			}

			<-ctx.Done()

			return nil
		},
	}
}

func tail(ctx context.Context, subscriber eventbus.EventSubscriber, handler eventbus.EventHandler) error {
	for _, eventType := range tailedEvents {
		err := subscriber.Handle(eventType, handler)
		if err != nil {
			return fmt.Errorf("failed to handle %s: %w", eventType, err)
		}
	}

	return subscriber.Subscribe(ctx)
}

type printedEvent struct {
	Channel string `json:"channel"`
	Event   any    `json:"event"`
}

// newEventPrinter writes one JSON line per event. An empty channel prints every channel.
func newEventPrinter(out io.Writer, channel string) eventbus.EventHandler {
	var mu sync.Mutex

	encoder := json.NewEncoder(out)

	return func(_ context.Context, key string, event any) error {
		if channel != "" && !strings.EqualFold(key, channel) {
			return nil
		}

		mu.Lock()
		defer mu.Unlock()

		return encoder.Encode(printedEvent{Channel: key, Event: event})
	}
}
