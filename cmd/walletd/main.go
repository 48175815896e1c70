package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chainsafe/wallet-reconciler/pkg/app"
	"github.com/chainsafe/wallet-reconciler/pkg/app/api"
	"github.com/chainsafe/wallet-reconciler/pkg/config"
	"github.com/chainsafe/wallet-reconciler/pkg/history"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

const commandTimeout = 30 * time.Second

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:          "walletd",
		Short:        "Local wallet daemon reconciling a ledger backend with an on-chain signer",
		SilenceUsage: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the wallet HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			var runner app.Runner = api.NewServer(cfg)
			return runner.Run()
		},
	}

	ratesCmd = &cobra.Command{
		Use:   "rates",
		Short: "Fetch and print the current exchange rates",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadWithLogger()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()
			return printJSON(api.NewRateCache(&cfg.Rates, logger).GetRates(ctx))
		},
	}

	txCmd = &cobra.Command{
		Use:   "tx <hash>",
		Short: "Look up a transaction in the ledger backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadWithLogger()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			rec := history.NewReconciler(api.NewLedger(&cfg.Backend, logger), cfg.History.Limit, cfg.Chain.Decimals, logger)
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()
			details, err := rec.Lookup(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(details)
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the walletd version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML configuration file; WALLETD_* environment variables override it")
	rootCmd.AddCommand(serveCmd, ratesCmd, txCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadWithLogger() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}
	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("setup logger: %w", err)
	}
	return cfg, logger, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
