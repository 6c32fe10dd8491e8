// Package main provides the escrowd daemon - an HTLC escrow service for
// cross-chain atomic swaps.
package main

import (
	"context"
	"crypto/ecdsa"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Klingon-tech/escrowd/internal/backend"
	"github.com/Klingon-tech/escrowd/internal/config"
	"github.com/Klingon-tech/escrowd/internal/escrow"
	"github.com/Klingon-tech/escrowd/internal/ledger"
	"github.com/Klingon-tech/escrowd/internal/monitor"
	"github.com/Klingon-tech/escrowd/internal/retry"
	"github.com/Klingon-tech/escrowd/internal/rpc"
	"github.com/Klingon-tech/escrowd/internal/storage"
	"github.com/Klingon-tech/escrowd/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	// Parse flags
	var (
		dataDir     = flag.String("data-dir", "~/.escrowd", "Data directory")
		apiAddr     = flag.String("api", "", "JSON-RPC API address, overrides config")
		backendType = flag.String("storage", "", "Storage backend (sqlite, memory), overrides config")
		strict      = flag.Bool("strict-timelocks", false, "Reject escrows with non-monotonic timelocks")
		noMonitor   = flag.Bool("no-monitor", false, "Disable the counterpart chain watcher")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		newMnemonic = flag.Bool("new-mnemonic", false, "Print a fresh BIP39 mnemonic for the EVM ledger and exit")
		listChains  = flag.Bool("chains", false, "List known counterpart chains and exit")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	// Set up logging (initial, may be overridden by config)
	log := logging.New(&logging.Config{
		Level:      *logLevel,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("escrowd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	if *newMnemonic {
		mnemonic, err := ledger.GenerateMnemonic()
		if err != nil {
			log.Fatal("Failed to generate mnemonic", "error", err)
		}
		fmt.Println(mnemonic)
		os.Exit(0)
	}

	if *listChains {
		for _, testnet := range []bool{false, true} {
			for _, id := range config.ListChains(testnet) {
				fmt.Printf("%-10d %-20s testnet=%v %s\n", id, config.ChainName(id), testnet, config.DefaultRPC(id))
			}
		}
		os.Exit(0)
	}

	// Load or create config file
	cfg, err := config.LoadConfig(*dataDir)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// Apply CLI overrides (CLI flags take precedence over config file)
	cfg.Storage.DataDir = *dataDir
	if *apiAddr != "" {
		cfg.RPC.Listen = *apiAddr
	}
	if *backendType != "" {
		cfg.Storage.Backend = *backendType
	}
	if *strict {
		cfg.Escrow.StrictTimelocks = true
	}
	if *noMonitor {
		cfg.Monitor.Enabled = false
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid config", "error", err)
	}
	cfg.ApplyContracts()

	// Update logging with config level
	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: cfg.Logging.TimeFormat,
	})
	logging.SetDefault(log)

	log.Info("Config loaded", "path", config.ConfigPath(*dataDir))

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize storage
	store, closeStore, err := openStore(cfg)
	if err != nil {
		log.Fatal("Failed to initialize storage", "error", err)
	}
	defer closeStore()
	log.Info("Storage initialized", "backend", cfg.Storage.Backend, "path", config.ExpandPath(cfg.Storage.DataDir))

	// Initialize ledger
	l, err := openLedger(ctx, &cfg.Ledger)
	if err != nil {
		log.Fatal("Failed to initialize ledger", "error", err)
	}
	log.Info("Ledger initialized", "type", cfg.Ledger.Type)

	engine := escrow.NewEngine(store, l, escrow.WithStrictTimelocks(cfg.Escrow.StrictTimelocks))

	// Initialize backend registry for counterpart chains
	registry := backend.NewRegistry(cfg.Monitor.DefaultChainID)
	defer registry.Close()
	for chainID, bc := range cfg.MonitorChains() {
		src, err := backend.New(ctx, bc)
		if err != nil {
			log.Warn("Failed to create log source", "chain_id", chainID, "error", err)
			continue
		}
		registry.Register(chainID, src)
	}
	log.Info("Backend registry initialized", "chains", registry.Chains())

	sig, _ := cfg.EventSignatureHash()
	mon := monitor.New(engine, registry, monitor.Config{
		EventSignature: sig,
		DefaultChainID: cfg.Monitor.DefaultChainID,
		LookbackBlocks: cfg.Monitor.LookbackBlocks,
	})

	// Start RPC server
	rpcServer := rpc.NewServer(engine, mon, rpc.Info{
		DataDir:      config.ExpandPath(cfg.Storage.DataDir),
		StoreBackend: cfg.Storage.Backend,
		LedgerType:   cfg.Ledger.Type,
		Chains:       registry.Chains(),
	})
	if err := rpcServer.Start(cfg.RPC.Listen); err != nil {
		log.Fatal("Failed to start RPC server", "error", err)
	}

	// Start the watcher
	var watcher *monitor.Watcher
	if cfg.Monitor.Enabled {
		watcher = monitor.NewWatcher(mon, monitor.WatcherConfig{PollInterval: cfg.Monitor.PollInterval})
		rpcServer.ForwardSecretEvents(watcher.Events())
		watcher.Start(ctx)
	}

	// Start the transfer retry worker
	var retryWorker *retry.Worker
	if cfg.Retry.Enabled {
		if src, ok := store.(retry.FailedSource); ok {
			retryWorker = retry.NewWorker(src, engine, retry.Config{
				PollInterval: cfg.Retry.Interval,
				MaxAttempts:  cfg.Retry.MaxAttempts,
			})
			retryWorker.OnResult(func(r retry.Result) {
				if r.Err != nil {
					rpcServer.WSHub().Broadcast(rpc.EventTransferFailed, &rpc.TransferFailedEvent{
						ID:    r.EscrowID,
						Error: r.Err.Error(),
					})
				}
			})
			retryWorker.Start(ctx)
		}
	}

	printBanner(log, cfg, rpcServer.Addr(), registry.Chains())

	// Start status ticker
	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				states, err := engine.List()
				if err != nil {
					continue
				}
				active := 0
				for _, st := range states {
					if !st.Terminal() {
						active++
					}
				}
				log.Info("Status", "escrows", len(states), "active", active, "ws_clients", rpcServer.WSHub().ClientCount())
			}
		}
	}()

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Info("Shutting down...")

	// Graceful shutdown
	if retryWorker != nil {
		retryWorker.Stop()
	}
	if watcher != nil {
		watcher.Stop()
	}
	cancel()

	if err := rpcServer.Stop(); err != nil {
		log.Error("Error stopping RPC server", "error", err)
	}

	log.Info("Goodbye!")
}

// openStore opens the configured escrow store and returns its closer.
func openStore(cfg *config.Config) (escrow.Store, func(), error) {
	switch cfg.Storage.Backend {
	case config.StorageMemory:
		return escrow.NewMemoryStore(), func() {}, nil
	default:
		s, err := storage.New(&storage.Config{DataDir: cfg.Storage.DataDir})
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	}
}

// openLedger builds the local asset ledger.
func openLedger(ctx context.Context, cfg *config.LedgerConfig) (ledger.Ledger, error) {
	if cfg.Type != config.LedgerEVM {
		return ledger.NewLogLedger(), nil
	}

	var (
		key *ecdsa.PrivateKey
		err error
	)
	if cfg.PrivateKey != "" {
		key, err = ledger.KeyFromHex(cfg.PrivateKey)
	} else {
		key, err = ledger.KeyFromMnemonic(cfg.Mnemonic, "", 0, cfg.AccountIndex)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger key: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	l, err := ledger.DialEVMLedger(dialCtx, cfg.RPCURL, key, ledger.EVMConfig{
		ChainID:     cfg.ChainID,
		WaitReceipt: cfg.WaitReceipt,
	})
	if err != nil {
		return nil, err
	}
	logging.Info("EVM ledger ready", "address", l.Address().Hex(), "chain_id", l.ChainID())
	return l, nil
}

func printBanner(log *logging.Logger, cfg *config.Config, apiAddr string, chains []uint64) {
	log.Info("")
	log.Info("=================================================")
	log.Info("  Escrow Daemon")
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  API: http://%s", apiAddr)
	log.Infof("  WS:  ws://%s/ws", apiAddr)
	log.Info("")
	log.Infof("  Storage: %s | Ledger: %s | Strict timelocks: %v",
		cfg.Storage.Backend, cfg.Ledger.Type, cfg.Escrow.StrictTimelocks)
	log.Infof("  Monitor: %v | Retry: %v", cfg.Monitor.Enabled, cfg.Retry.Enabled)
	for _, id := range chains {
		log.Infof("    chain %d (%s)", id, config.ChainName(id))
	}
	log.Infof("  Data dir: %s", config.ExpandPath(cfg.Storage.DataDir))
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
