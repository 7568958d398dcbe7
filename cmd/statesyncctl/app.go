package main

import (
	"fmt"

	"github.com/mediasync/statesync/internal/appctx"
	"github.com/mediasync/statesync/internal/config"
)

// openApp loads the config named by the root --config flag and builds an
// appctx.App, the construction path every subcommand in this file tree
// shares rather than duplicating config.Load/appctx.New boilerplate.
func openApp() (*appctx.App, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	app, err := appctx.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("building application context: %w", err)
	}
	return app, nil
}
