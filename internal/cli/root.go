package cli

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root rategate command.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "rategate",
		Short: "In-process request admission control",
		Long: `Rategate decides, per identifier, whether a request may proceed based on a
configurable rate over a time window. It ships fixed window, sliding window,
and token bucket algorithms over a shared counter/block cache, with an
optional Redis backend for multi-replica deployments.`,
		SilenceUsage: true,
	}

	root.AddCommand(
		newServeCmd(),
		newSimulateCmd(),
		newLoadCmd(),
	)

	return root
}
