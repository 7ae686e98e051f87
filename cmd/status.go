package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tidewatch/tidewatch/internal/config"
	"github.com/tidewatch/tidewatch/internal/subagent"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show tidewatch status",
	RunE:  runStatus,
}

func runStatus(_ *cobra.Command, _ []string) error {
	cfgPath := config.ConfigPath()

	fmt.Printf("%s tidewatch Status\n\n", logo)

	_, statErr := os.Stat(cfgPath)
	cfgMark := "✗"
	if statErr == nil {
		cfgMark = "✓"
	}
	fmt.Printf("Config:    %s %s\n", cfgPath, cfgMark)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  (could not load config: %v)\n", err)
		return nil
	}

	ws := cfg.WorkspacePath()
	_, wsErr := os.Stat(ws)
	wsMark := "✗"
	if wsErr == nil {
		wsMark = "✓"
	}
	fmt.Printf("Workspace: %s %s\n", ws, wsMark)
	fmt.Printf("Gateway:   %s\n", cfg.Gateway.URL)
	fmt.Printf("Schedule:  %s\n\n", cfg.MaintenanceSchedule)

	storePath := filepath.Join(config.DataDir(), "subagents", "runs.json")
	registry := subagent.NewRegistry(subagent.Options{StorePath: storePath})
	defer registry.Close()
	if err := registry.RestoreFromDisk(); err != nil {
		fmt.Printf("Runs:      (could not load run table: %v)\n", err)
		return nil
	}

	total := len(registry.List())
	active := registry.ActiveCount()
	fmt.Printf("Runs:      %d tracked, %d active\n", total, active)
	return nil
}
