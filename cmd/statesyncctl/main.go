// Command statesyncctl is the one-shot counterpart to statesyncd: a plain
// cobra CLI that runs a single import, reconcile, export, or conflicts pass
// against the configured backends and exits, grounded on the example's
// cmd/jellywatch root-command-plus-subcommand-files layout.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "statesyncctl",
		Short: "One-shot play-state reconciliation commands",
		Long: `statesyncctl drives a single pass of the reconciler: import a backend's
items into canonical state, reconcile every configured backend, export the
resulting changes back out, or list unresolved conflicts — then exit.`,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "statesync.toml", "config file path")

	rootCmd.AddCommand(newImportCmd())
	rootCmd.AddCommand(newReconcileCmd())
	rootCmd.AddCommand(newExportCmd())
	rootCmd.AddCommand(newConflictsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
