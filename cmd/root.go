package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/precodata/preco-cli/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "preco",
	Short: "Fuel price collection pipeline",
	Long:  "Collects fuel prices from the precodahora endpoint (session bootstrap, CSRF discovery, rate-limit-aware retries), writes provenance-stamped JSONL batches, loads them into a local warehouse, and serves a query API.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
