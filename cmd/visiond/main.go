package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"visionnode/anchor"
	"visionnode/api"
	"visionnode/config"
	"visionnode/crypto"
	"visionnode/health"
	"visionnode/ledger"
	"visionnode/market"
	"visionnode/observability/logging"
	"visionnode/p2p"
	"visionnode/settlement"
	"visionnode/storage"
)

const clientVersion = "visiond/1.0"

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	dataDir := flag.String("data", "", "Override the configured data directory")
	allowSimFlag := flag.Bool("allow-sim-webhooks", false, "DEV ONLY: enable the /cash/simulate_webhook route")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("VISION_ENV"))
	logger := logging.Setup("visiond", env)

	// Configuration problems are startup failures: report and exit non-zero
	// before any runtime machinery spins up.
	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("Startup failed: invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *allowSimFlag {
		cfg.AllowSimulatedWebhooks = true
	}
	if cfg.LogFile != "" {
		logger = logging.Setup("visiond", env, logging.Options{FilePath: cfg.LogFile})
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("Node terminated", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open database at %s: %w", cfg.DataDir, err)
	}
	defer db.Close()

	key, err := loadNodeKey(cfg)
	if err != nil {
		return fmt.Errorf("load node key: %w", err)
	}
	nodeID := key.PubKey().NodeID()
	logger.Info("Node identity loaded", slog.String("nodeID", nodeID))

	store := ledger.NewStore(db)
	catalog := market.NewCatalog(db)
	gateway := settlement.NewGateway(store, db, catalog, cfg.IntentExpiry.Std(), logger)

	peerstore, err := p2p.NewPeerstore(db, time.Second, time.Minute)
	if err != nil {
		return fmt.Errorf("open peerstore: %w", err)
	}

	synchronizer, err := anchor.NewSynchronizer(store, db, nil, key, anchor.Options{
		FinalityDepth: cfg.FinalityDepth,
		NetworkName:   cfg.NetworkName,
		AnchorSeeds:   cfg.AnchorSeeds,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize anchor chain: %w", err)
	}

	mesh := p2p.NewServer(nodeID, p2p.ServerConfig{
		ListenAddress:  cfg.ListenAddress(),
		ListenPort:     cfg.P2PPort,
		NetworkName:    cfg.NetworkName,
		GenesisHash:    synchronizer.GenesisHash(),
		ClientVersion:  clientVersion,
		AdvertisedAddr: cfg.AdvertisedAddress(),
		Seeds:          cfg.Seeds,
		SeedPeersFile:  cfg.SeedPeersFile,
		SeedDomain:     cfg.SeedDomain,
		MaxPeers:       cfg.MaxPeers,
		MinPeers:       cfg.MinPeers,
		ProbeInterval:  cfg.ProbeInterval.Std(),
		ProbeTimeout:   cfg.ProbeTimeout.Std(),
	}, peerstore, logger)
	synchronizer.SetMesh(mesh)
	mesh.SetHandler(synchronizer)

	monitor := health.NewMonitor(mesh, synchronizer, cfg.MinPeers, cfg.SyncStallThreshold.Std(), cfg.HealthInterval.Std())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := mesh.Start(); err != nil {
		return err
	}
	defer mesh.Stop()

	go synchronizer.Run(ctx)
	go monitor.Run(ctx)
	go gateway.RunExpiry(ctx, time.Minute)

	apiServer := api.NewServer(store, catalog, gateway, monitor, cfg.AllowSimulatedWebhooks, logger)
	apiErr := make(chan error, 1)
	go func() {
		apiErr <- apiServer.Start(cfg.APIAddress())
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
		return nil
	case err := <-apiErr:
		return fmt.Errorf("control API: %w", err)
	}
}

func loadNodeKey(cfg *config.Config) (*crypto.PrivateKey, error) {
	keystorePath := cfg.KeystorePath
	if keystorePath == "" {
		keystorePath = filepath.Join(cfg.DataDir, crypto.NodeKeyFile)
	}
	return crypto.EnsureNodeKey(keystorePath, os.Getenv("VISION_KEYSTORE_PASS"))
}
