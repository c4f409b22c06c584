package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openonco/coverage-watch/internal/notify"
)

var runTimeoutMins int

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one full discovery pass and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		timeoutMins := runTimeoutMins
		if timeoutMins == 0 {
			timeoutMins = cfg.Schedule.RunTimeoutMins
		}
		runCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMins)*time.Minute)
		defer cancel()

		stats, err := env.Pipeline.Run(runCtx)
		if err != nil {
			return eris.Wrap(err, "pipeline run")
		}

		zap.L().Info("run complete",
			zap.String("run_id", stats.RunID),
			zap.String("summary", notify.Summary(stats)),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	},
}

func init() {
	runCmd.Flags().IntVar(&runTimeoutMins, "timeout", 0, "run timeout in minutes (default from config)")
	rootCmd.AddCommand(runCmd)
}
