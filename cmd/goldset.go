package main

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/openonco/coverage-watch/internal/extractor"
	"github.com/openonco/coverage-watch/internal/goldset"
	anthropicpkg "github.com/openonco/coverage-watch/pkg/anthropic"
)

var (
	goldsetFixtures  string
	goldsetThreshold float64
)

var goldsetCmd = &cobra.Command{
	Use:   "goldset",
	Short: "Score the extractor against the curated gold-set fixtures",
	Long:  "Runs the live extractor over the fixture corpus and compares results to hand-authored expectations. Exits non-zero below the accuracy threshold; intended as an offline deployment gate.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if cfg.Anthropic.Key == "" {
			return eris.New("anthropic key not configured (COVERAGE_WATCH_ANTHROPIC_KEY)")
		}

		fixturesPath := goldsetFixtures
		if fixturesPath == "" {
			fixturesPath = cfg.Goldset.FixturesPath
		}
		var (
			fixtures []goldset.Fixture
			err      error
		)
		if fixturesPath == "" {
			fixtures, err = goldset.DefaultFixtures()
		} else {
			fixtures, err = goldset.LoadFixtures(fixturesPath)
		}
		if err != nil {
			return err
		}

		snap, err := loadOntology()
		if err != nil {
			return err
		}
		ex := extractor.New(anthropicpkg.NewClient(cfg.Anthropic.Key), snap, extractor.Config{
			Model:      cfg.Anthropic.Model,
			MaxTokens:  cfg.Anthropic.MaxTokens,
			Timeout:    time.Duration(cfg.Extract.TimeoutSecs) * time.Second,
			MaxRetries: cfg.Extract.MaxRetries,
		})

		threshold := goldsetThreshold
		if threshold == 0 {
			threshold = cfg.Goldset.Threshold
		}

		report := goldset.Run(ctx, ex, fixtures)
		fmt.Print(report.Render(threshold))

		if !report.Passes(threshold) {
			return eris.Errorf("gold-set accuracy %.1f%% below threshold %.1f%%",
				report.Accuracy()*100, threshold*100)
		}
		return nil
	},
}

func init() {
	goldsetCmd.Flags().StringVar(&goldsetFixtures, "fixtures", "", "fixtures YAML path (default embedded corpus)")
	goldsetCmd.Flags().Float64Var(&goldsetThreshold, "threshold", 0, "accuracy threshold (default from config)")
	rootCmd.AddCommand(goldsetCmd)
}
