package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mediasync/statesync/internal/watchstate"
)

func newConflictsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List canonical records whose per-backend metadata disagrees with canonical state",
		Long: `Scans every canonical record and reports the ones where a backend's
own reported watched flag (§3.2's BackendMeta) no longer matches the
canonical watched flag. These are the records most likely to trigger the
taint/re-process path (§4.3) on that backend's next observation — useful
to review before a scheduled reconcile runs unattended.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConflicts()
		},
	}
	return cmd
}

func runConflicts() error {
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

	found := 0
	for _, e := range entities {
		for backendName, meta := range e.Metadata {
			if meta.Watched == e.Watched {
				continue
			}
			found++
			fmt.Printf("%s %q (%d): canonical watched=%v, %s reports watched=%v\n",
				labelFor(e), e.Title, derefID(e), e.Watched, backendName, meta.Watched)
		}
	}

	if found == 0 {
		fmt.Println("no conflicting per-backend metadata found")
	} else {
		fmt.Printf("%d conflicting backend observation(s) in %d record(s) scanned\n", found, len(entities))
	}
	return nil
}

func labelFor(s *watchstate.State) string {
	if s.Type == watchstate.MediaTypeEpisode {
		return fmt.Sprintf("episode S%02dE%02d of", s.Season, s.Episode)
	}
	return "movie"
}

func derefID(s *watchstate.State) int64 {
	if s.ID == nil {
		return 0
	}
	return *s.ID
}
