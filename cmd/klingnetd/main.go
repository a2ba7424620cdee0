// Flowchain full node daemon.
//
// Usage:
//
//	flowchaind [--mine --coinbase=...]  Run node
//	flowchaind --help                   Show help
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/klingon-tech/flowchain/config"
	klog "github.com/klingon-tech/flowchain/internal/flowlog"
	"github.com/klingon-tech/flowchain/internal/node"
)

func main() {
	// ── 1. Load config (defaults → file → flags) ────────────────────────
	cfg, _, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// ── 2. Init logger ────────────────────────────────────────────────
	logFile := cfg.Log.File
	if logFile == "" {
		logsDir := cfg.LogsDir()
		if err := os.MkdirAll(logsDir, 0755); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating logs dir: %v\n", err)
			os.Exit(1)
		}
		logFile = logsDir + "/flowchain.log"
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	logger := klog.WithComponent("main")

	// ── 3. Wire storage, blockflow, mempool, validation, and P2P ────────
	n, err := node.New(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize node")
	}

	if err := n.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start node")
	}

	logger.Info().
		Str("network", string(cfg.Network)).
		Bool("mining", cfg.Mining.Enabled).
		Msg("flowchain node started successfully")

	// ── 4. Wait for shutdown ─────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")

	n.Stop()
	logger.Info().Msg("goodbye")
}
