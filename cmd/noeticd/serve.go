package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloudshipai/noetic/internal/config"
	"github.com/cloudshipai/noetic/internal/dispatch"
	"github.com/cloudshipai/noetic/internal/mcpsurface"
	"github.com/cloudshipai/noetic/internal/obs"
	"github.com/cloudshipai/noetic/internal/registry"
	"github.com/cloudshipai/noetic/internal/session"
	"github.com/cloudshipai/noetic/internal/store"
	"github.com/cloudshipai/noetic/internal/workflow"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the MCP surface and workflow engine",
	RunE:  runServe,
}

// openStore picks the session-store backend per the loaded config: a
// SQLite file when DatabaseURL is set, an in-memory store (no
// rehydration across restarts) otherwise.
func openStore(cfg config.Config) (store.Store, error) {
	if cfg.DatabaseURL == "" {
		return store.NewMemory(), nil
	}
	st, err := store.OpenSQLite(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store at %s: %w", cfg.DatabaseURL, err)
	}
	return st, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	obs.Initialize(cfg.Debug)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := obs.InitTracing(ctx, obs.TracingConfig{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.TracingEndpoint,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			obs.Warn("serve: tracer shutdown failed", "error", err)
		}
	}()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	reg := registry.New()
	if err := registerBuiltins(reg); err != nil {
		return fmt.Errorf("register builtin tools: %w", err)
	}

	dispatcher := dispatch.New(reg)
	engine := workflow.NewEngine(dispatcher, st, cfg.Workers)
	sessions := session.New(st)

	resumed, err := engine.Resume(ctx)
	if err != nil {
		obs.Warn("serve: resume of active runs failed", "error", err)
	} else if resumed > 0 {
		obs.Info("serve: resumed active runs from last checkpoint", "count", resumed)
	}

	server := mcpsurface.NewServer(reg, dispatcher, engine, sessions)

	errCh := make(chan error, 1)
	go func() {
		obs.Info("serve: listening", "addr", cfg.MCPAddr)
		errCh <- server.Start(ctx, cfg.MCPAddr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
		obs.Info("serve: shutdown signal received")
		cancel()
		return nil
	}
}
