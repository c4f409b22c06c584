package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/openonco/coverage-watch/internal/model"
	"github.com/openonco/coverage-watch/internal/notify"
	"github.com/openonco/coverage-watch/internal/queue"
	"github.com/openonco/coverage-watch/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show last run, queue depths, and source health",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		// Read-only: no inference client needed, just the store.
		st, err := store.NewSQLite(cfg.Store.Path)
		if err != nil {
			return eris.Wrap(err, "open store")
		}
		defer st.Close()
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		lastRun, err := st.LastRunStats(ctx)
		if err != nil {
			return eris.Wrap(err, "load last run")
		}

		queueStatus, err := queue.New(st.DB()).Status(ctx)
		if err != nil {
			return eris.Wrap(err, "load queue status")
		}

		sources, err := st.ListSources(ctx)
		if err != nil {
			return eris.Wrap(err, "list sources")
		}
		health := make([]model.SourceHealth, 0, len(sources))
		for i := range sources {
			health = append(health, sources[i].Health())
		}

		out := struct {
			LastRun     *model.RunStats      `json:"last_run,omitempty"`
			LastSummary string               `json:"last_summary,omitempty"`
			Queue       model.QueueStatus    `json:"queue"`
			Sources     []model.SourceHealth `json:"sources"`
		}{
			LastRun: lastRun,
			Queue:   queueStatus,
			Sources: health,
		}
		if lastRun != nil {
			out.LastSummary = notify.Summary(lastRun)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
