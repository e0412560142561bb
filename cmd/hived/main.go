package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"hivecore/internal/coordinator"
	"hivecore/internal/identity"
	"hivecore/internal/metrics"
	"hivecore/internal/operator"
	"hivecore/internal/store"
	"hivecore/internal/transport"
	"hivecore/pkg/config"
)

func main() {
	dumpConfig := flag.Bool("dump-config", false, "print the effective configuration as YAML and exit")
	flag.Parse()

	// Load environment variables from project .env if present.
	_ = godotenv.Load(".env")
	_ = godotenv.Load("../.env")

	viper.AutomaticEnv()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}
	if *dumpConfig {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			logrus.Fatalf("dump config: %v", err)
		}
		fmt.Print(string(out))
		return
	}

	log := logrus.New()
	if lvl, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		log.SetLevel(lvl)
	}
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Fatalf("open log file: %v", err)
		}
		defer f.Close()
		log.SetOutput(f)
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	signer, err := loadSigner()
	if err != nil {
		log.Fatalf("identity: %v", err)
	}
	selfID := cfg.Network.PeerID
	if selfID == "" {
		selfID = signer.PubkeyHex()
	}

	st, err := store.Open(store.Config{WALPath: cfg.Storage.WALPath, Logger: log})
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer st.Close()

	link, err := transport.NewNode(transport.Config{
		PeerID:         selfID,
		ListenAddr:     cfg.Network.ListenAddr,
		DiscoveryTag:   cfg.Network.DiscoveryTag,
		BootstrapPeers: cfg.Network.BootstrapPeers,
	}, log)
	if err != nil {
		log.Fatalf("transport: %v", err)
	}
	defer link.Close()

	reg := metrics.New(st, log)

	coordCfg := buildCoordinatorConfig(selfID, cfg)
	coord, err := coordinator.New(coordCfg, coordinator.Deps{
		Store:   st,
		Link:    link,
		Signer:  signer,
		Verify:  signer.Verify,
		Logger:  log,
		Metrics: reg,
	})
	if err != nil {
		log.Fatalf("coordinator: %v", err)
	}
	link.SetHandler(func(from string, path []string, raw []byte) {
		coord.HandleInbound(from, path, raw)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coord.Start(ctx)
	defer coord.Stop()

	reg.Serve(ctx, cfg.Operator.MetricsAddr, 30*time.Second)

	api := operator.NewServer(cfg.Operator.BindAddr, st, coord.Ledger, coord, log)
	go func() {
		log.Infof("operator API listening on %s", cfg.Operator.BindAddr)
		if err := api.Start(); err != nil {
			log.Warnf("operator API: %v", err)
		}
	}()
	defer api.Close()

	log.WithField("peer_id", selfID).Info("hive node up")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")
}

// loadSigner reads HIVE_NODE_KEY (hex-encoded 32-byte secret) or
// generates a fresh keypair for first-run bootstrap.
func loadSigner() (*identity.Secp256k1Signer, error) {
	if keyHex := os.Getenv("HIVE_NODE_KEY"); keyHex != "" {
		raw, err := hex.DecodeString(keyHex)
		if err != nil {
			return nil, fmt.Errorf("decode HIVE_NODE_KEY: %w", err)
		}
		return identity.NewSecp256k1Signer(raw)
	}
	return identity.GenerateSecp256k1Signer()
}

func buildCoordinatorConfig(selfID string, cfg *config.Config) coordinator.Config {
	c := coordinator.DefaultConfig(selfID)
	c.Mode = coordinator.GovernanceMode(cfg.Governance.Mode)
	c.BanAutotriggerEnabled = cfg.Contribution.BanAutotriggerEnabled

	c.Intent.HoldSeconds = cfg.Intent.HoldSeconds
	c.Intent.ClockSkewTolerance = cfg.Intent.ClockSkewTolerance
	c.Intent.MaxRemoteIntents = cfg.Intent.MaxRemoteIntents

	c.StateSync.HeartbeatInterval = cfg.StateSync.HeartbeatSeconds
	c.StateSync.AntiEntropyInterval = cfg.StateSync.AntiEntropySeconds
	c.StateSync.CapacityDeltaFraction = cfg.StateSync.CapacityChangeThreshold
	c.StateSync.FullSyncCooldown = cfg.StateSync.FullSyncCooldownSeconds

	c.Contribution.WindowDays = cfg.Contribution.WindowDays
	c.Contribution.LeechWarnRatio = cfg.Contribution.LeechWarnRatio
	c.Contribution.LeechBanRatio = cfg.Contribution.LeechBanRatio
	c.Contribution.LeechWindowDays = cfg.Contribution.LeechWindowDays

	c.Settlement.ReadyQuorumFraction = cfg.Settlement.QuorumFraction
	c.Settlement.RebroadcastInterval = cfg.Settlement.RebroadcastSeconds
	c.Settlement.MinPaymentSats = cfg.Settlement.MinPaymentSats
	c.Settlement.Weights.Capacity = cfg.Settlement.Weights.Capacity
	c.Settlement.Weights.Forwards = cfg.Settlement.Weights.Forwards
	c.Settlement.Weights.Uptime = cfg.Settlement.Weights.Uptime

	c.Outbox.BaseRetry = time.Duration(cfg.Outbox.BaseRetrySeconds) * time.Second
	c.Outbox.MaxRetryCap = time.Duration(cfg.Outbox.MaxRetrySeconds) * time.Second
	c.Outbox.TTL = time.Duration(cfg.Outbox.TTLSeconds) * time.Second
	c.Outbox.MaxRetries = cfg.Outbox.MaxRetries
	c.Outbox.MaxInflightPerPeer = cfg.Outbox.MaxInflightPerPeer

	return c
}
