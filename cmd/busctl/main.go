// Command busctl is an operator tool for the RabbitMQ topology and for
// publishing events by hand.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "busctl",
		Short:         "Inspect and operate the event bus",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("config", "", "path to the YAML config file (CQRS_* env vars override it)")

	root.AddCommand(newNamesCmd(), newDeclareCmd(), newPublishCmd())

	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "busctl:", err)
		os.Exit(1)
	}
}
