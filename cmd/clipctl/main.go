// Command clipctl builds goclip bundles and maintains the artifact cache.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version will be set at build time via -ldflags
var Version = "v0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "clipctl",
		Short:         "Build goclip bundles and manage the artifact cache",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newDiffCmd(),
		newApplyCmd(),
		newBundleCmd(),
		newCacheCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Show version information",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "clipctl %s\n", Version)
			},
		},
	)
	return root
}
