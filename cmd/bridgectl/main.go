// Command bridgectl is the operator CLI for the bridging engine: retention
// sweeps, aggregate flushing, and cache lookups.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/householdiq-systems/householdiq/internal/config"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "bridgectl",
	Short: "HouseholdIQ bridging engine operator CLI",
	Long: `bridgectl is the operator command-line interface for the HouseholdIQ
bridging engine.

Run retention sweeps, flush buffered daily aggregates through the privacy
guard, and inspect the identity cache.`,
	Version: "0.1.0",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")

	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(flushCmd)
	rootCmd.AddCommand(lookupCmd)
}

func initConfig() {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: could not load config: %v\n", err)
		os.Exit(1)
	}
}
