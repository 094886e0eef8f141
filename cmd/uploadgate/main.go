package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "uploadgate",
		Short: "Upload security and transfer service",
		Long: `Uploadgate is the upload security and transfer pipeline for the
data-collection portal.

It validates submitted files for threats, rate-limits clients,
tracks upload state, and moves scanned uploads from staging into
durable storage when the scan service calls back.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
