package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mediasync/statesync/internal/export"
)

func newExportCmd() *cobra.Command {
	var (
		backendName string
		dryRun      bool
		ignoreDate  bool
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Plan and enqueue converging actions for one backend",
		Long: `Loads every canonical record from storage and runs the Export Planner
against backendName, enqueueing a PlayedItems action for every record that
diverges from that backend's own reported state.

Examples:
  statesyncctl export --backend plex
  statesyncctl export --backend jellyfin --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(backendName, dryRun, ignoreDate)
		},
	}

	cmd.Flags().StringVar(&backendName, "backend", "", "backend name to export to (required)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "log planned actions without enqueueing them (DRY_RUN)")
	cmd.Flags().BoolVar(&ignoreDate, "ignore-date", false, "disable the after-timestamp gate (IGNORE_DATE)")
	cmd.MarkFlagRequired("backend")

	return cmd
}

func runExport(backendName string, dryRun, ignoreDate bool) error {
	app, err := openApp()
	if err != nil {
		return err
	}
	defer app.Close()

	ctx := context.Background()

	entities, err := app.Storage.GetAll(ctx, nil)
	if err != nil {
		return fmt.Errorf("loading canonical state: %w", err)
	}

	summary, err := app.Planner.Plan(ctx, backendName, entities, export.PlanOptions{
		DryRun:     dryRun,
		IgnoreDate: ignoreDate,
	})
	if err != nil {
		return fmt.Errorf("planning export for %s: %w", backendName, err)
	}

	fmt.Printf("export %s: %d records considered, enqueued=%d planned=%d skipped=%d\n",
		backendName, len(entities), summary.Enqueued, summary.Planned, summary.Skipped)
	return nil
}
