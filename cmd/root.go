package cmd

import (
	"fmt"
	"os"

	"github.com/hlogdb/hlogdb/cmd/bench"
	"github.com/hlogdb/hlogdb/cmd/serve"
	"github.com/spf13/cobra"
)

const Version = "0.1.0"

var (
	// RootCmd represents the base command when called without any subcommands.
	RootCmd = &cobra.Command{
		Use:   "hlogdb",
		Short: "embedded hybrid-log key-value store",
		Long: fmt.Sprintf(`hlogdb (v%s)

A single-node, embeddable key-value store built around a hybrid
mutable/read-only/on-device log, a lock-free hash index, and
epoch-protected, session-based concurrency.`, Version),
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of hlogdb",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("hlogdb v%s\n", Version)
		},
	}
)

func init() {
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(bench.BenchCmd)
	RootCmd.AddCommand(versionCmd)
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main(). It only needs to
// happen once to RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
