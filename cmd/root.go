package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openonco/coverage-watch/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "coverage-watch",
	Short: "MRD/ctDNA coverage and evidence discovery pipeline",
	Long:  "Crawls payer policy pages and publication feeds, triages candidate documents, extracts structured coverage facts via Claude, and reconciles them into a guidance store.",
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
