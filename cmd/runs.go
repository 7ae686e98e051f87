package cmd

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/tidewatch/tidewatch/internal/config"
	"github.com/tidewatch/tidewatch/internal/subagent"
)

var runsAll bool

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List tracked subagent runs",
	RunE:  listRuns,
}

func init() {
	runsCmd.Flags().BoolVarP(&runsAll, "all", "a", false, "Include ended runs")
}

func listRuns(_ *cobra.Command, _ []string) error {
	storePath := filepath.Join(config.DataDir(), "subagents", "runs.json")
	registry := subagent.NewRegistry(subagent.Options{StorePath: storePath})
	defer registry.Close()

	if err := registry.RestoreFromDisk(); err != nil {
		return fmt.Errorf("restore run table: %w", err)
	}

	runs := registry.List()
	shown := 0
	for _, rec := range runs {
		if rec.Ended() && !runsAll {
			continue
		}
		shown++

		state := "running"
		if rec.Ended() {
			state = rec.Outcome.Status
			if rec.EndedReason != "" {
				state += " (" + rec.EndedReason + ")"
			}
		} else if rec.StartedAtMs == nil {
			state = "pending"
		}

		label := rec.Label
		if label == "" {
			label = rec.Task
		}
		if len(label) > 60 {
			label = label[:57] + "..."
		}

		created := time.UnixMilli(rec.CreatedAtMs).Format("2006-01-02 15:04:05")
		fmt.Printf("%-36s  %-18s  %-19s  %s\n", rec.RunID, state, created, label)
	}

	if shown == 0 {
		if runsAll {
			fmt.Println("No tracked runs.")
		} else {
			fmt.Println("No active runs. Use --all to include ended runs.")
		}
	}
	return nil
}
