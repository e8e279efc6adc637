package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/next-trace/scg-cqrs-bus/adapters/kafka"
	"github.com/next-trace/scg-cqrs-bus/adapters/nats"
	"github.com/next-trace/scg-cqrs-bus/adapters/rabbitmq"
	"github.com/next-trace/scg-cqrs-bus/config"
	cbus "github.com/next-trace/scg-cqrs-bus/contract/bus"
)

// rawEvent builds the envelope of a hand-written event.
func rawEvent(name, data string) (cbus.Message, error) {
	if name == "" {
		return cbus.Message{}, fmt.Errorf("event name required")
	}

	if data != "" && !json.Valid([]byte(data)) {
		return cbus.Message{}, fmt.Errorf("attributes of %s are not valid JSON", name)
	}

	return cbus.Message{
		ID:         uuid.NewString(),
		Type:       name,
		OccurredOn: time.Now().UTC(),
		Attributes: json.RawMessage(data),
	}, nil
}

// openPublisher returns the publisher of transport and its cleanup.
func openPublisher(ctx context.Context, cfg *config.Config, transport string) (cbus.AsyncPublisher, func(), error) {
	switch transport {
	case "rabbitmq":
		eb, err := rabbitmq.NewEventBus(cfg.ToEventBusConfig(cfg.Logger()))
		if err != nil {
			return nil, nil, err
		}

		if err := eb.Initialize(ctx); err != nil {
			return nil, nil, err
		}

		return eb, func() { _ = eb.CloseConnection(context.WithoutCancel(ctx)) }, nil //nolint:errcheck // best-effort shutdown
	case "nats":
		return nats.NewWithNATS(cfg.ToNATSConfig())
	case "kafka":
		return kafka.NewWithKgo(cfg.ToKafkaConfig())
	default:
		return nil, nil, fmt.Errorf("unknown transport %q: want rabbitmq, nats or kafka", transport)
	}
}

func newPublishCmd() *cobra.Command {
	var (
		transport string
		data      string
	)

	cmd := &cobra.Command{
		Use:   "publish EVENT",
		Short: "Publish an async event with raw JSON attributes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := rawEvent(args[0], data)
			if err != nil {
				return err
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			pub, cleanup, err := openPublisher(cmd.Context(), cfg, transport)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := pub.Publish(cmd.Context(), msg); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "published %s id=%s via %s\n", msg.Type, msg.ID, transport)

			return nil
		},
	}

	cmd.Flags().StringVar(&transport, "transport", "rabbitmq", "rabbitmq, nats or kafka")
	cmd.Flags().StringVar(&data, "data", "", "JSON attributes of the event")

	return cmd
}
