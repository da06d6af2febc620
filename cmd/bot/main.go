// Grid Maker — an automated grid market-making bot for a graphene-style
// decentralized exchange.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: bootstrap, single task loop, persistence, recovery
//	grid/master.go       — authoritative versioned grid; all mutation through one entry point
//	grid/working.go      — copy-on-write working grid for one rebalance attempt
//	funds/accountant.go  — fund ledger: optimistic deltas, invariants, cacheFunds, fee debt
//	chainsync/sync.go    — reconciliation against open-orders snapshots and fill history
//	strategy/planner.go  — boundary crawl, geometric sizing, rotation planning
//	pipeline/pipeline.go — freeze → clone → plan → broadcast → commit-or-discard
//	chain/client.go      — node REST client (queries + signed broadcast)
//	chain/ws.go          — fill-history websocket feed with auto-reconnect
//	health/monitor.go    — node latency probes and failover
//	store/store.go       — crash-safe JSON persistence (grid, boundary, cacheFunds)
//	api/server.go        — local control surface (snapshot, pause, resync, audit tail)
//
// How it makes money:
//
//	The bot rests a geometric ladder of limit orders on both sides of
//	the market. Every fill realizes the increment between two adjacent
//	rungs; the boundary then crawls one slot toward the filled side and
//	the ladder follows, so the bot keeps quoting around the price
//	wherever it drifts.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"gridmaker/internal/api"
	"gridmaker/internal/audit"
	"gridmaker/internal/chain"
	"gridmaker/internal/config"
	"gridmaker/internal/engine"
	"gridmaker/internal/funds"
	"gridmaker/internal/health"
	"gridmaker/internal/keys"
	"gridmaker/internal/pricefeed"
	"gridmaker/internal/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Local overrides first, then the YAML config.
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("GRID_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		return engine.ExitConfig
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		return engine.ExitConfig
	}

	logger := newLogger(cfg.Logging)
	stream := audit.New(audit.ParseLevels(cfg.Audit.Levels), logger)

	var signer *keys.Signer
	if !cfg.DryRun {
		signer, err = keys.NewSigner(cfg.Account.PrivateKey)
		if err != nil {
			logger.Error("failed to load signing key", "error", err)
			return engine.ExitConfig
		}
	}

	st, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		return engine.ExitConfig
	}
	defer st.Close()

	client := chain.NewRPCClient(cfg.Chain, cfg.DryRun, signer, logger)
	feed := chain.NewFeed(cfg.Chain.Nodes[0], cfg.Account.ID, logger)
	monitor := health.New(cfg.Chain.Nodes, cfg.Chain.HealthInterval, logger)
	prices := pricefeed.New(cfg.Chain, logger)

	eng := engine.New(*cfg, engine.Deps{
		Client: client,
		Store:  st,
		Feed:   feed,
		Health: monitor,
		Prices: prices,
		Logger: logger,
	}, stream)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := eng.Bootstrap(ctx); err != nil {
		logger.Error("bootstrap failed", "error", err)
		switch {
		case errors.Is(err, config.ErrInvalidConfig):
			return engine.ExitConfig
		case errors.Is(err, funds.ErrRecoveryExhausted):
			return engine.ExitRecoveryFailed
		default:
			return engine.ExitChainFatal
		}
	}

	var ctrl *api.Server
	if cfg.Control.Enabled {
		ctrl = api.NewServer(cfg.Control, eng, logger)
		go func() {
			if err := ctrl.Start(); err != nil {
				logger.Error("control server failed", "error", err)
			}
		}()
	}

	eng.Start()
	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}
	logger.Info("grid maker started",
		"pair", cfg.Grid.AssetA+"/"+cfg.Grid.AssetB,
		"active_orders", cfg.Grid.ActiveOrders,
		"dry_run", cfg.DryRun,
	)

	code := engine.ExitClean
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case code = <-eng.Fatal():
	}

	if ctrl != nil {
		if err := ctrl.Stop(); err != nil {
			logger.Error("failed to stop control server", "error", err)
		}
	}
	eng.Stop()
	return code
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
