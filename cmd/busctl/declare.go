package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/next-trace/scg-cqrs-bus/adapters/rabbitmq"
	"github.com/next-trace/scg-cqrs-bus/config"
)

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}

	return config.Load(path)
}

func newDeclareCmd() *cobra.Command {
	var handlers []string

	cmd := &cobra.Command{
		Use:   "declare",
		Short: "Declare the exchanges, retry and dead-letter queues, and optional handler queues",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			queues := make([]rabbitmq.QueueSpec, 0, len(handlers))
			names := rabbitmq.NamesFor(cfg.RabbitMQ.Prefix)

			for _, h := range handlers {
				meta, err := parseHandler(h)
				if err != nil {
					return err
				}

				queues = append(queues, names.QueueSpec(names.HandlerTopology(meta)))
			}

			logger := cfg.Logger()

			eb, err := rabbitmq.NewEventBus(cfg.ToEventBusConfig(logger))
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if err := eb.Initialize(ctx); err != nil {
				return err
			}
			defer eb.CloseConnection(context.WithoutCancel(ctx)) //nolint:errcheck // best-effort shutdown

			if len(queues) > 0 {
				if err := eb.Connection().DeclareTopology(queues...); err != nil {
					return err
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "declared topology for %s (%d handler queues)\n", names.Prefix, len(queues))

			return nil
		},
	}

	cmd.Flags().StringArrayVar(&handlers, "handler", nil, "handler queue to declare as prefix/event/action (repeatable)")

	return cmd
}
