// Package appctx wires the reconciler's collaborators together from a
// loaded config.Config, the shared construction path both cmd/statesyncd
// and cmd/statesyncctl build on rather than duplicating setup.
package appctx

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/mediasync/statesync/internal/backend"
	"github.com/mediasync/statesync/internal/backend/jellyfinfamily"
	"github.com/mediasync/statesync/internal/backend/plex"
	"github.com/mediasync/statesync/internal/config"
	"github.com/mediasync/statesync/internal/export"
	"github.com/mediasync/statesync/internal/logging"
	"github.com/mediasync/statesync/internal/mapper"
	"github.com/mediasync/statesync/internal/metrics"
	"github.com/mediasync/statesync/internal/queue"
	"github.com/mediasync/statesync/internal/storage"
	"github.com/mediasync/statesync/internal/webhook"
)

// App bundles every long-lived collaborator constructed from one
// config.Config, ready for cmd/statesyncd or cmd/statesyncctl to drive.
type App struct {
	Config   *config.Config
	Storage  *storage.Storage
	Metrics  *metrics.Registry
	Logger   *slog.Logger
	Backends map[string]backend.Client
	Mapper   *mapper.Mapper
	Queue    *queue.Queue
	Planner  *export.Planner
	Webhook  *webhook.Server

	logCloser io.Closer
}

// New constructs every collaborator needed to run the reconciler from cfg.
// Callers must call Close when done.
func New(cfg *config.Config) (*App, error) {
	logLevel := cfg.Logging.Level
	if cfg.Mapper.DebugTrace {
		logLevel = "debug"
	}
	logger, logCloser, err := logging.New(logging.Config{
		Level:      logLevel,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		JSON:       cfg.Logging.JSON,
	})
	if err != nil {
		return nil, fmt.Errorf("appctx: building logger: %w", err)
	}

	store, err := storage.Open(storage.Config{
		Driver: storage.Driver(cfg.Storage.Driver),
		Path:   cfg.Storage.Path,
	})
	if err != nil {
		logCloser.Close()
		return nil, fmt.Errorf("appctx: opening storage: %w", err)
	}

	reg := metrics.New()

	backends := make(map[string]backend.Client, len(cfg.Backends))
	for _, bc := range cfg.Backends {
		if !bc.Enabled {
			continue
		}
		client, err := newBackendClient(bc)
		if err != nil {
			store.Close()
			logCloser.Close()
			return nil, fmt.Errorf("appctx: building backend %q: %w", bc.Name, err)
		}
		backends[bc.Name] = client
	}

	m := mapper.New(store, reg, logger, cfg.KnownBackends(), mapper.Options{
		ImportMetadataOnly: cfg.Mapper.ImportMetadataOnly,
		IgnoreDate:         cfg.Mapper.IgnoreDate,
		DryRun:             cfg.Export.DryRun,
		DebugTrace:         cfg.Mapper.DebugTrace,
		AlwaysUpdateMeta:   cfg.Mapper.AlwaysUpdateMeta,
		DisableAutocommit:  cfg.Mapper.DisableAutocommit,
	})

	q := queue.New()
	planner := export.New(cfg, backends, q, reg, logger)

	if cfg.Webhook.Enabled && cfg.Webhook.Secret == "" {
		generated, err := config.GenerateWebhookSecret()
		if err != nil {
			store.Close()
			logCloser.Close()
			return nil, fmt.Errorf("appctx: generating webhook secret: %w", err)
		}
		cfg.Webhook.Secret = generated
		logger.Warn("appctx: no webhook secret configured, generated an ephemeral one for this run")
	}

	whServer := webhook.New(webhook.Config{
		Secret:       cfg.Webhook.Secret,
		AllowOrigins: cfg.Webhook.AllowOrigins,
	}, backends, m, logger)

	return &App{
		Config:    cfg,
		Storage:   store,
		Metrics:   reg,
		Logger:    logger,
		Backends:  backends,
		Mapper:    m,
		Queue:     q,
		Planner:   planner,
		Webhook:   whServer,
		logCloser: logCloser,
	}, nil
}

func newBackendClient(bc config.BackendConfig) (backend.Client, error) {
	switch bc.Kind {
	case "jellyfin", "emby":
		return jellyfinfamily.New(jellyfinfamily.Config{
			URL:    bc.URL,
			APIKey: bc.Token,
		}), nil
	case "plex":
		return plex.New(plex.Config{
			URL:   bc.URL,
			Token: bc.Token,
		}), nil
	default:
		return nil, fmt.Errorf("appctx: unknown backend kind %q", bc.Kind)
	}
}

// Close tears down every collaborator that owns a resource: the Mapper
// (autocommitting any pending change set unless disabled), the queue, the
// storage connection, and the log file.
func (a *App) Close() error {
	var firstErr error
	if err := a.Mapper.Close(context.Background()); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := a.Queue.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := a.Storage.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := a.logCloser.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
