package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/precodata/preco-cli/internal/loader"
)

var (
	loadDir     string
	loadWorkers int
)

var loadCmd = &cobra.Command{
	Use:   "load",
	Short: "Load collected batches into the warehouse",
	Long:  "Walks the output directory for batch manifests, skips runs already in the load log, and bulk-inserts the rest.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("load"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		dir := loadDir
		if dir == "" {
			dir = cfg.Collect.OutDir
		}

		sum, err := loader.New(st, loadWorkers).LoadAll(ctx, dir)
		if err != nil {
			return eris.Wrap(err, "load batches")
		}

		if sum.BatchesFailed > 0 {
			zap.L().Warn("some batches failed to load",
				zap.Int("failed", sum.BatchesFailed),
			)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(sum)
	},
}

func init() {
	loadCmd.Flags().StringVar(&loadDir, "dir", "", "batch directory (default from config)")
	loadCmd.Flags().IntVar(&loadWorkers, "workers", 4, "parallel batch loads")
	rootCmd.AddCommand(loadCmd)
}
