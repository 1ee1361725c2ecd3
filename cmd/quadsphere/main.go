// Command quadsphere runs the sphere builder headless.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var logLevel string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "quadsphere",
		Short: "Quadtree sphere builder",
		Long: `Builds a cube-sphere quadtree around points of interest and runs the
staged patch pipeline over every change.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.AddCommand(newSimulateCmd(), newConfigCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
