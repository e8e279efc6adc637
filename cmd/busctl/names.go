package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/next-trace/scg-cqrs-bus/adapters/rabbitmq"
	cbus "github.com/next-trace/scg-cqrs-bus/contract/bus"
)

// parseHandler reads "prefix/event/action".
func parseHandler(s string) (cbus.EventMetadata, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return cbus.EventMetadata{}, fmt.Errorf("handler %q: want prefix/event/action", s)
	}

	meta := cbus.EventMetadata{Prefix: parts[0], EventName: parts[1], ActionName: parts[2]}

	return meta, meta.Validate()
}

func newNamesCmd() *cobra.Command {
	var handlers []string

	cmd := &cobra.Command{
		Use:   "names PREFIX",
		Short: "Print the exchanges and queues derived from a prefix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n := rabbitmq.NamesFor(args[0])
			out := cmd.OutOrStdout()

			fmt.Fprintf(out, "domain exchange:      %s\n", n.DomainExchange)
			fmt.Fprintf(out, "retry exchange:       %s\n", n.RetryExchange)
			fmt.Fprintf(out, "dead-letter exchange: %s\n", n.DeadLetterExchange)
			fmt.Fprintf(out, "retry queue:          %s\n", n.RetryQueue)
			fmt.Fprintf(out, "dead-letter queue:    %s\n", n.DeadLetterQueue)

			for _, h := range handlers {
				meta, err := parseHandler(h)
				if err != nil {
					return err
				}

				t := n.HandlerTopology(meta)
				fmt.Fprintf(out, "handler %s: queue=%s key=%s retry-key=%s\n", h, t.Queue, t.RoutingKey, t.RetryRoutingKey)
			}

			return nil
		},
	}

	cmd.Flags().StringArrayVar(&handlers, "handler", nil, "handler as prefix/event/action (repeatable)")

	return cmd
}
