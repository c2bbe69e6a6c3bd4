// Command ocapd is the ocap kernel daemon: a thin cobra CLI wrapping the
// router/store/subcluster wiring in serve.go and a handful of convenience
// pass-throughs to the JSON-RPC control plane (spec.md §6 "CLI. Not part
// of the core; documented only as a thin pass-through").
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "ocapd",
		Short: "ocap kernel daemon",
		Long:  "Run the object-capability kernel: vat worker lifecycle, message routing, distributed GC, and the operator JSON-RPC surface.",
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to a YAML config file")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(launchCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
