package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"example.com/backstage/services/assetledger/config"
)

var (
	cfgFile string
	cfg     config.Config
)

var rootCmd = &cobra.Command{
	Use:   "assetledger",
	Short: "Tamper-evident asset event ledger",
	Long: `Asset ledger service: an append-only, hash-chained and signed record of
physical asset events with derived projections.

Functions:
- Accept asset events over HTTP with optimistic concurrency and idempotency
- Serve projections, chain tips and paged history per tenant
- Audit stored chains and quarantine assets whose history was altered
- Deliver committed events to webhooks, Service Bus and Elasticsearch`,
	SilenceUsage: true,
}

// Execute executes the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
}

func initConfig() {
	var err error

	if cfgFile != "" {
		config.SetConfigFile(cfgFile)
	}

	cfg, err = config.LoadConfig()
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	config.ConfigureLogging(cfg)
}
