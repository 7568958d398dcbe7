package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mediasync/statesync/internal/appctx"
	"github.com/mediasync/statesync/internal/backend"
	"github.com/mediasync/statesync/internal/mapper"
)

func newImportCmd() *cobra.Command {
	var (
		backendName  string
		metadataOnly bool
		since        int64
	)

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import one backend's current library into canonical state",
		Long: `Fetch every item a backend reports (optionally since a given unix
timestamp) and feed it through Mapper.Add, committing the resulting change
set in one transaction.

Examples:
  statesyncctl import --backend plex
  statesyncctl import --backend jellyfin --metadata-only
  statesyncctl import --backend emby --since 1700000000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(backendName, metadataOnly, since)
		},
	}

	cmd.Flags().StringVar(&backendName, "backend", "", "backend name to import from (required)")
	cmd.Flags().BoolVar(&metadataOnly, "metadata-only", false, "only update existing records' metadata (IMPORT_METADATA_ONLY)")
	cmd.Flags().Int64Var(&since, "since", 0, "only fetch items changed after this unix timestamp")
	cmd.MarkFlagRequired("backend")

	return cmd
}

func runImport(backendName string, metadataOnly bool, since int64) error {
	app, err := openApp()
	if err != nil {
		return err
	}
	defer app.Close()

	ctx := context.Background()
	processed, rejected, err := importBackend(ctx, app, backendName, metadataOnly, since)
	if err != nil {
		return err
	}

	result, err := app.Mapper.Commit(ctx)
	if err != nil {
		return fmt.Errorf("committing imported state: %w", err)
	}

	fmt.Printf("import %s: %d processed, %d rejected (no guid / unknown title under --metadata-only)\n", backendName, processed, rejected)
	for typ, counts := range result {
		fmt.Printf("  %s: added=%d updated=%d failed=%d\n", typ, counts.Added, counts.Updated, counts.Failed)
	}
	return nil
}

// importBackend lists backendName's items and feeds each through
// Mapper.Add, the same ingestion pipeline the webhook handler and
// statesyncd's scheduled reconcile both drive. It does not Commit — callers
// decide the commit boundary (a single backend import vs. a full reconcile
// across every configured backend).
func importBackend(ctx context.Context, app *appctx.App, backendName string, metadataOnly bool, since int64) (processed, rejected int, err error) {
	client, ok := app.Backends[backendName]
	if !ok {
		return 0, 0, fmt.Errorf("unknown or disabled backend %q", backendName)
	}

	opts := backend.ListOptions{Since: since}
	items, err := client.ListItems(ctx, opts)
	if err != nil {
		return 0, 0, fmt.Errorf("listing items from %s: %w", backendName, err)
	}

	addOpts := mapperOptionsFor(metadataOnly)
	knownBackends := app.Config.KnownBackends()
	for _, item := range items {
		updated := item.ReportedAt()
		if updated == 0 {
			rejected++
			continue
		}
		entity := item.ToState(backendName, updated)
		if err := entity.Validate(knownBackends); err != nil {
			rejected++
			continue
		}
		outcome, addErr := app.Mapper.Add(ctx, entity, addOpts)
		if addErr != nil {
			return processed, rejected, fmt.Errorf("mapper add failed for %s item %s: %w", backendName, item.ID, addErr)
		}
		if outcome == mapper.OutcomeFailedNoGUID || outcome == mapper.OutcomeFailedNotFound {
			rejected++
			continue
		}
		processed++
	}
	return processed, rejected, nil
}

// mapperOptionsFor resolves the per-call AddOptions a CLI flag set implies.
func mapperOptionsFor(metadataOnly bool) mapper.AddOptions {
	if !metadataOnly {
		return mapper.AddOptions{}
	}
	v := true
	return mapper.AddOptions{ImportMetadataOnly: &v}
}
