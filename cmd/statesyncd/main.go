// Command statesyncd runs the reconciler as a long-lived daemon: a webhook
// ingestion server plus a scheduled reconcile-then-export loop. Grounded on
// the example's cmd/jellywatchd/main.go: a cobra root command, config.Load,
// and signal-driven shutdown.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/mediasync/statesync/internal/appctx"
	"github.com/mediasync/statesync/internal/backend"
	"github.com/mediasync/statesync/internal/config"
	"github.com/mediasync/statesync/internal/export"
	"github.com/mediasync/statesync/internal/mapper"
	"github.com/mediasync/statesync/internal/queue"
)

var (
	cfgFile  string
	interval time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "statesyncd",
		Short: "Media play-state reconciler daemon",
		Long: `statesyncd keeps watched/unwatched state consistent across configured
media server backends: it ingests webhooks as they arrive and, on a
schedule, reconciles every backend's library into canonical state and
exports any resulting changes back out.`,
		RunE: runDaemon,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "statesync.toml", "config file path")
	rootCmd.PersistentFlags().DurationVar(&interval, "interval", 15*time.Minute, "reconcile+export schedule interval")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("unable to load config: %w", err)
	}

	app, err := appctx.New(cfg)
	if err != nil {
		return fmt.Errorf("unable to build application context: %w", err)
	}
	defer app.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var httpServer *http.Server
	if cfg.Webhook.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/webhooks/", app.Webhook.Handler())
		mux.Handle("/metrics", promhttp.HandlerFor(app.Metrics.Registry(), promhttp.HandlerOpts{}))

		httpServer = &http.Server{Addr: cfg.Webhook.ListenAddr, Handler: mux}
		go func() {
			app.Logger.Info("statesyncd: webhook server listening", "addr", cfg.Webhook.ListenAddr)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				app.Logger.Error("statesyncd: webhook server failed", "error", err)
			}
		}()
	}

	for name, client := range app.Backends {
		go runDispatcher(ctx, app, name, client)
	}

	go runScheduledReconcile(ctx, app)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	app.Logger.Info("statesyncd: received signal, shutting down", "signal", sig.String())
	cancel()

	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}

	return nil
}

// runScheduledReconcile runs one reconcile-then-export pass immediately
// and then on every tick of the configured interval, until ctx is
// canceled.
func runScheduledReconcile(ctx context.Context, app *appctx.App) {
	runOnce(ctx, app)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runOnce(ctx, app)
		}
	}
}

// runOnce drives one full reconcile-then-export pass: list every
// configured backend's items into the Mapper (the same Item -> State ->
// Mapper.Add pipeline the webhook handler drives per-event), commit the
// resulting change set, then plan exports for every backend against the
// now-current canonical records.
func runOnce(ctx context.Context, app *appctx.App) {
	app.Logger.Info("statesyncd: starting reconcile pass")

	for name, client := range app.Backends {
		items, err := client.ListItems(ctx, backend.ListOptions{})
		if err != nil {
			app.Logger.Error("statesyncd: list items failed", "backend", name, "error", err)
			continue
		}
		app.Logger.Info("statesyncd: fetched items", "backend", name, "count", len(items))

		for _, item := range items {
			updated := item.ReportedAt()
			if updated == 0 {
				continue
			}
			entity := item.ToState(name, updated)
			if _, err := app.Mapper.Add(ctx, entity, mapper.AddOptions{}); err != nil {
				app.Logger.Error("statesyncd: mapper add failed", "backend", name, "error", err)
			}
		}
	}

	if _, err := app.Mapper.Commit(ctx); err != nil {
		app.Logger.Error("statesyncd: commit failed", "error", err)
	}

	entities, err := app.Storage.GetAll(ctx, nil)
	if err != nil {
		app.Logger.Error("statesyncd: loading canonical state failed", "error", err)
		return
	}

	for name := range app.Backends {
		summary, err := app.Planner.Plan(ctx, name, entities, export.PlanOptions{DryRun: app.Config.Export.DryRun})
		if err != nil {
			app.Logger.Error("statesyncd: export plan failed", "backend", name, "error", err)
			continue
		}
		app.Logger.Info("statesyncd: export pass complete", "backend", name, "enqueued", summary.Enqueued, "skipped", summary.Skipped)
	}
}

// runDispatcher drains one backend's outbound queue topic and carries out
// each planned action against the real backend client, ack'ing on success
// and nack'ing on any client error so Watermill can redeliver it (§6's
// queue contract: the queue collaborator is what actually dispatches
// enqueued requests).
func runDispatcher(ctx context.Context, app *appctx.App, name string, client backend.Client) {
	d := queue.NewDispatcher(app.Queue, name)
	err := d.Run(ctx, func(ctx context.Context, action queue.ExportAction) error {
		if action.Watched {
			return client.MarkPlayed(ctx, action.EntityID, time.Unix(action.Updated, 0))
		}
		return client.MarkUnplayed(ctx, action.EntityID)
	})
	if err != nil && ctx.Err() == nil {
		app.Logger.Error("statesyncd: dispatcher stopped", "backend", name, "error", err)
	}
}
